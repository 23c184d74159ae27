package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/schaermu/patchsync/internal/config"
	"github.com/schaermu/patchsync/internal/progress"
	patchsync "github.com/schaermu/patchsync/internal/sync"
)

const testManifestURL = "https://cdn.test/pack/manifest.json"

// mockTransport serves an empty manifest and counts requests.
type mockTransport struct {
	mu    sync.Mutex
	calls int
}

func (m *mockTransport) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return io.NopCloser(strings.NewReader(`{"version": "1.0.0", "files": []}`)), nil
}

func (m *mockTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// slowTransport blocks manifest fetches until proceed is closed, allowing
// tests to control sync concurrency.
type slowTransport struct {
	mockTransport
	started chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (m *slowTransport) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	m.once.Do(func() { close(m.started) })
	<-m.proceed
	return m.mockTransport.Get(ctx, url)
}

func setupTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	tmpDir := t.TempDir()

	secretPath := filepath.Join(tmpDir, "notify_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	retries := 0
	cfg := &config.Config{
		Remote: config.RemoteConfig{ManifestURL: testManifestURL},
		Paths: config.PathsConfig{
			TargetRoot:  "/srv/game",
			StagingDir:  config.DefaultStagingDir,
			VersionFile: config.DefaultVersionFile,
		},
		Sync: config.SyncConfig{
			Concurrency:   1,
			HashAlgorithm: "sha256",
			RetryLimit:    &retries,
		},
		Serve: config.ServeConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:0",
			SecretFile: secretPath,
			Debounce:   20 * time.Millisecond,
		},
	}

	return cfg, secret
}

func testTarget(t *testing.T) patchsync.Target {
	t.Helper()
	fs := memfs.New()
	if err := fs.MkdirAll("game", 0o755); err != nil {
		t.Fatalf("failed to create target: %v", err)
	}
	return patchsync.Target{FS: fs, Root: "game"}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestServer(t *testing.T, cfg *config.Config, tr *mockTransport) *Server {
	t.Helper()
	server, err := NewServer(cfg, testTarget(t), tr, progress.Discard, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	return server
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func notifyRequest(body []byte, event, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, event)
	req.Header.Set(SignatureHeader, signature)
	return req
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewServer(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	server := newTestServer(t, cfg, &mockTransport{})

	if string(server.secret) != "test-secret-key" {
		t.Errorf("expected secret to be 'test-secret-key', got %q", string(server.secret))
	}
	if server.debounce.delay != 20*time.Millisecond {
		t.Errorf("expected debounce delay 20ms, got %v", server.debounce.delay)
	}
}

func TestNewServer_MissingSecretFile(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.SecretFile = "/nonexistent/secret"

	_, err := NewServer(cfg, testTarget(t), &mockTransport{}, nil, nil)
	if err == nil {
		t.Fatal("expected error for missing secret file, got nil")
	}
}

func TestNewServer_EmptySecret(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	if err := os.WriteFile(cfg.Serve.SecretFile, []byte("  \n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	if _, err := NewServer(cfg, testTarget(t), &mockTransport{}, nil, nil); err == nil {
		t.Fatal("expected error for empty secret, got nil")
	}
}

func TestNewServer_DefaultDebounce(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.Debounce = 0
	server := newTestServer(t, cfg, &mockTransport{})

	if server.debounce.delay != config.DefaultDebounce {
		t.Errorf("expected default debounce %v, got %v", config.DefaultDebounce, server.debounce.delay)
	}
}

func TestStart_PerformsInitialSync(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	tr := &mockTransport{}
	server := newTestServer(t, cfg, tr)

	// Cancel once the initial sync has requested the manifest.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	waitFor(t, func() bool { return tr.count() > 0 })
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancellation")
	}
}

func TestStart_CancelledBeforeStart(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	tr := &mockTransport{}
	server := newTestServer(t, cfg, tr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := server.Start(ctx); err != nil {
		t.Errorf("Start() returned error: %v", err)
	}
	if tr.count() != 0 {
		t.Errorf("expected no requests for a cancelled start, got %d", tr.count())
	}
}

func TestVerifySignature(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	server := newTestServer(t, cfg, &mockTransport{})

	body := []byte(`{"version":"1.0.0"}`)
	tests := []struct {
		name      string
		body      []byte
		signature string
		want      bool
	}{
		{
			name:      "valid signature",
			body:      body,
			signature: computeSignature(body, secret),
			want:      true,
		},
		{
			name:      "invalid signature",
			body:      body,
			signature: "sha256=invalid",
			want:      false,
		},
		{
			name:      "wrong secret",
			body:      body,
			signature: computeSignature(body, "other"),
			want:      false,
		},
		{
			name:      "missing sha256 prefix",
			body:      body,
			signature: strings.TrimPrefix(computeSignature(body, secret), "sha256="),
			want:      false,
		},
		{
			name:      "empty signature",
			body:      body,
			signature: "",
			want:      false,
		},
		{
			name:      "wrong body",
			body:      []byte(`{"version":"2.0.0"}`),
			signature: computeSignature(body, secret),
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := server.verifySignature(tt.body, tt.signature)
			if got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsManifestAllowed(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	server := newTestServer(t, cfg, &mockTransport{})

	tests := []struct {
		name     string
		manifest string
		want     bool
	}{
		{name: "unspecified", manifest: "", want: true},
		{name: "configured", manifest: testManifestURL, want: true},
		{name: "other", manifest: "https://cdn.test/other/manifest.json", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.isManifestAllowed(tt.manifest); got != tt.want {
				t.Errorf("isManifestAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleNotify_ValidRequest(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	tr := &mockTransport{}
	server := newTestServer(t, cfg, tr)

	body := []byte(`{"version": "1.0.0", "manifest_url": "` + testManifestURL + `"}`)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, notifyRequest(body, EventPublish, computeSignature(body, secret)))

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", rec.Code)
	}

	// The debounced sync fetches the manifest.
	waitFor(t, func() bool { return tr.count() == 1 })
}

func TestHandleNotify_Debounced(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	cfg.Serve.Debounce = 50 * time.Millisecond
	tr := &mockTransport{}
	server := newTestServer(t, cfg, tr)

	body := []byte(`{}`)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		server.handleNotify(rec, notifyRequest(body, EventPublish, computeSignature(body, secret)))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d", rec.Code)
		}
	}

	waitFor(t, func() bool { return tr.count() > 0 })
	time.Sleep(100 * time.Millisecond)
	if got := tr.count(); got != 1 {
		t.Errorf("expected a single sync for a burst of notifications, got %d", got)
	}
}

func TestHandleNotify_InvalidMethod(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	server := newTestServer(t, cfg, &mockTransport{})

	rec := httptest.NewRecorder()
	server.handleNotify(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rec.Code)
	}
}

func TestHandleNotify_InvalidContentType(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	server := newTestServer(t, cfg, &mockTransport{})

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "text/plain")

	rec := httptest.NewRecorder()
	server.handleNotify(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestHandleNotify_InvalidSignature(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	tr := &mockTransport{}
	server := newTestServer(t, cfg, tr)

	rec := httptest.NewRecorder()
	server.handleNotify(rec, notifyRequest([]byte(`{}`), EventPublish, "sha256=invalid"))

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rec.Code)
	}
}

func TestHandleNotify_InvalidPayload(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	server := newTestServer(t, cfg, &mockTransport{})

	body := []byte(`not json`)
	rec := httptest.NewRecorder()
	server.handleNotify(rec, notifyRequest(body, EventPublish, computeSignature(body, secret)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestHandleNotify_Ping(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	tr := &mockTransport{}
	server := newTestServer(t, cfg, tr)

	body := []byte(`{}`)
	rec := httptest.NewRecorder()
	server.handleNotify(rec, notifyRequest(body, EventPing, computeSignature(body, secret)))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "pong\n" {
		t.Errorf("expected pong, got %q", rec.Body.String())
	}
}

func TestHandleNotify_UnknownEventType(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	server := newTestServer(t, cfg, &mockTransport{})

	body := []byte(`{}`)
	rec := httptest.NewRecorder()
	server.handleNotify(rec, notifyRequest(body, "delete", computeSignature(body, secret)))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Event type not handled")) {
		t.Errorf("expected 'Event type not handled' message, got: %s", rec.Body.String())
	}
}

func TestHandleNotify_OtherManifest(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	tr := &mockTransport{}
	server := newTestServer(t, cfg, tr)

	body := []byte(`{"manifest_url": "https://cdn.test/other/manifest.json"}`)
	rec := httptest.NewRecorder()
	server.handleNotify(rec, notifyRequest(body, EventPublish, computeSignature(body, secret)))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Manifest not configured")) {
		t.Errorf("expected 'Manifest not configured' message, got: %s", rec.Body.String())
	}

	time.Sleep(60 * time.Millisecond)
	if tr.count() != 0 {
		t.Errorf("expected no sync, got %d requests", tr.count())
	}
}

func TestDebouncer(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	d := &debouncer{delay: 50 * time.Millisecond}

	// Trigger multiple times rapidly
	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			callCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	// Wait for debounce to complete
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	count := callCount
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected callback to be called once, got %d", count)
	}
}

func TestDebouncer_Stop(t *testing.T) {
	called := make(chan struct{}, 1)
	d := &debouncer{delay: 20 * time.Millisecond}
	d.trigger(func() { called <- struct{}{} })
	d.stop()

	select {
	case <-called:
		t.Error("expected stopped debouncer not to fire")
	case <-time.After(60 * time.Millisecond):
	}
}

// TestPerformSync_SingleFlight verifies that concurrent performSync calls use
// single-flight semantics: at most one sync runs at a time and at most one
// additional run is queued; excess concurrent requests are dropped.
func TestPerformSync_SingleFlight(t *testing.T) {
	cfg, _ := setupTestConfig(t)

	slow := &slowTransport{
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	server, err := NewServer(cfg, testTarget(t), slow, progress.Discard, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	ctx := context.Background()

	// Start first sync in background; it will block until proceed is closed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.performSync(ctx)
	}()

	// Wait until the first sync has reached the manifest fetch.
	<-slow.started

	// Fire three more concurrent performSync calls while the first is running.
	// Only one of these should queue a pending re-run; the other two are dropped.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.performSync(ctx)
		}()
	}
	wg.Wait()

	server.syncMu.Lock()
	pending := server.syncPending
	server.syncMu.Unlock()

	if !pending {
		t.Error("expected syncPending to be true after concurrent performSync calls")
	}

	// Allow the first sync to complete; the server should then service the
	// single pending re-run automatically.
	close(slow.proceed)
	<-done // performSync only returns once all pending syncs have completed

	server.syncMu.Lock()
	stillRunning := server.syncRunning
	stillPending := server.syncPending
	server.syncMu.Unlock()

	if stillRunning {
		t.Error("expected syncRunning to be false after all syncs completed")
	}
	if stillPending {
		t.Error("expected syncPending to be false after pending re-run was serviced")
	}
	if got := slow.count(); got != 2 {
		t.Errorf("expected exactly two syncs, got %d", got)
	}
}
