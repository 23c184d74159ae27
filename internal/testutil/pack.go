package testutil

import (
	"bytes"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/schaermu/patchsync/internal/fingerprint"
	"github.com/schaermu/patchsync/internal/manifest"
)

// Pack is a published content tree served over HTTP. The manifest lives at
// /pack/manifest.json and every file below /pack/.
type Pack struct {
	Server *httptest.Server

	mu       sync.Mutex
	manifest []byte
	files    map[string]string
	failures map[string]int
	requests []string
}

// NewPack starts a content server publishing files under version. The
// server is closed when the test ends.
func NewPack(t testing.TB, version string, files map[string]string) *Pack {
	t.Helper()
	p := &Pack{failures: make(map[string]int)}
	p.Publish(t, version, files)
	p.Server = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.Server.Close)
	return p
}

// ManifestURL returns the URL of the published manifest.
func (p *Pack) ManifestURL() string {
	return p.Server.URL + "/pack/manifest.json"
}

// Publish replaces the published content.
func (p *Pack) Publish(t testing.TB, version string, files map[string]string) {
	t.Helper()
	snap := manifest.NewSnapshot(fingerprint.SHA256)
	snap.Version = version
	for path, body := range files {
		sum, n, err := fingerprint.SHA256.Sum(strings.NewReader(body))
		if err != nil {
			t.Fatalf("hash %s: %v", path, err)
		}
		if err := snap.Add(manifest.Fingerprint{Path: path, Size: n, Hash: sum}); err != nil {
			t.Fatalf("add %s: %v", path, err)
		}
	}
	var buf bytes.Buffer
	if err := manifest.Encode(&buf, snap, manifest.FormatJSON); err != nil {
		t.Fatalf("encode manifest: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.manifest = buf.Bytes()
	p.files = make(map[string]string, len(files))
	for k, v := range files {
		p.files[k] = v
	}
}

// Fail makes the next n requests for path answer 503.
func (p *Pack) Fail(path string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[path] = n
}

// Requests returns the content paths requested so far, manifest excluded.
func (p *Pack) Requests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

func (p *Pack) serve(w http.ResponseWriter, r *http.Request) {
	rel, ok := strings.CutPrefix(r.URL.Path, "/pack/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if rel == "manifest.json" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(p.manifest)
		return
	}

	p.requests = append(p.requests, rel)
	if p.failures[rel] > 0 {
		p.failures[rel]--
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	body, ok := p.files[rel]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte(body))
}

// WriteTree creates files below dir.
func WriteTree(t testing.TB, dir string, files map[string]string) {
	t.Helper()
	for path, body := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", path, err)
		}
		if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

// ReadTree returns every regular file below dir keyed by slash path.
func ReadTree(t testing.TB, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("read tree %s: %v", dir, err)
	}
	return out
}
