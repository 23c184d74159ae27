// Package webhook runs the notification daemon: a small HTTP server that
// accepts signed "new content published" notifications from the content
// host and triggers update sessions.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/patchsync/internal/activation"
	"github.com/schaermu/patchsync/internal/config"
	"github.com/schaermu/patchsync/internal/progress"
	patchsync "github.com/schaermu/patchsync/internal/sync"
	"github.com/schaermu/patchsync/internal/transport"
)

// Request headers of a notification.
const (
	SignatureHeader = "X-Patchsync-Signature"
	EventHeader     = "X-Patchsync-Event"
)

// Event types understood by the daemon.
const (
	EventPublish = "publish"
	EventPing    = "ping"
)

// Notification is the payload sent by the content host after publishing.
type Notification struct {
	// Version is the release label of the new manifest, if any.
	Version string `json:"version"`
	// ManifestURL names the published manifest. When set it must match the
	// configured one.
	ManifestURL string `json:"manifest_url"`
}

// Server implements the notification HTTP server
type Server struct {
	cfg       *config.Config
	target    patchsync.Target
	transport transport.Transport
	sink      progress.Sink
	logger    *slog.Logger
	secret    []byte

	ctxMu sync.Mutex
	ctx   context.Context // parent context of triggered syncs

	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	debounce    *debouncer
}

// debouncer implements debouncing for notifications
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new notification server. Each triggered sync runs a
// fresh engine against target and reports to sink.
func NewServer(cfg *config.Config, target patchsync.Target, t transport.Transport, sink progress.Sink, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	secret, err := config.ReadSecret(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read notification secret: %w", err)
	}
	if secret == "" {
		return nil, errors.New("notification secret is empty")
	}

	delay := cfg.Serve.Debounce
	if delay <= 0 {
		delay = config.DefaultDebounce
	}

	return &Server{
		cfg:       cfg,
		target:    target,
		transport: t,
		sink:      sink,
		logger:    logger,
		secret:    []byte(secret),
		ctx:       context.Background(),
		debounce:  &debouncer{delay: delay},
	}, nil
}

// Start performs an initial sync and then serves notifications until ctx
// is cancelled. A socket passed by systemd takes precedence over
// serve.listen_addr.
func (s *Server) Start(ctx context.Context) error {
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()

	s.logger.Info("performing initial sync before starting notification server")
	s.performSync(ctx)
	if ctx.Err() != nil {
		return nil
	}

	ln, activated, err := activation.Listen("", s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("notification server starting", "addr", ln.Addr().String(), "socket_activated", activated)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down notification server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler returns the HTTP handler serving notifications on "/".
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleNotify)
	return mux
}

// handleNotify handles incoming notifications
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	event := r.Header.Get(EventHeader)
	s.logger.Info("received notification", "event", event)

	switch event {
	case EventPing:
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	case EventPublish:
	default:
		s.logger.Info("ignoring unknown event type", "event", event)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not handled\n")
		return
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		s.logger.Error("failed to parse notification payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isManifestAllowed(n.ManifestURL) {
		s.logger.Info("ignoring notification for other manifest", "manifest", transport.Redact(n.ManifestURL))
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Manifest not configured for sync\n")
		return
	}

	s.logger.Info("notification accepted", "version", n.Version)

	s.debounce.trigger(func() {
		s.performSync(s.syncContext())
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature checks a "sha256=<hex>" HMAC of the body
func (s *Server) verifySignature(body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)

	// Constant-time comparison
	return hmac.Equal(got, mac.Sum(nil))
}

// isManifestAllowed accepts notifications that name no manifest or the
// configured one.
func (s *Server) isManifestAllowed(manifestURL string) bool {
	return manifestURL == "" || manifestURL == s.cfg.Remote.ManifestURL
}

func (s *Server) syncContext() context.Context {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	return s.ctx
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped to avoid unbounded goroutine pile-up.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.logger.Info("performing sync operation")

		engine := patchsync.NewEngine(s.cfg, s.target, s.transport, s.logger, false)
		if sess, err := engine.Run(ctx, s.sink); err != nil {
			s.logger.Error("sync failed", "error", err)
		} else if sess.State == patchsync.CompletedWithErrors {
			s.logger.Warn("sync completed with errors", "failed", len(sess.Failed))
		} else {
			s.logger.Info("sync completed successfully")
		}

		// Atomically check whether another sync was requested while we were
		// running. If not, release the running slot and stop; if yes, clear
		// the flag and loop to service that one pending request.
		s.syncMu.Lock()
		if !s.syncPending || ctx.Err() != nil {
			s.syncPending = false
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
