// Package transport supplies the byte-stream capability the sync engine
// downloads through. Concrete clients exist for HTTP(S), WebDAV and
// S3-compatible object storage; Mux picks one by URL scheme and Failover
// spreads requests over mirror hosts.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/patchsync/internal/patcherr"
)

// Transport fetches the resource at rawURL as a stream. Errors are
// NETWORK_ERRORs; those that retrying cannot fix are marked permanent.
type Transport interface {
	Get(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, rawURL string) (io.ReadCloser, error)

func (f Func) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	return f(ctx, rawURL)
}

// DefaultTimeout bounds connection setup and the wait for response headers.
const DefaultTimeout = 7 * time.Second

// Options configure the clients built by New.
type Options struct {
	// Timeout bounds dialing, the TLS handshake and the wait for response
	// headers. Body transfer is bounded only by the request context.
	Timeout time.Duration
	// Headers are added to every HTTP and WebDAV request.
	Headers            map[string]string
	InsecureSkipVerify bool
	UserAgent          string
	// S3 enables the s3:// scheme when Endpoint is set.
	S3 S3Options
}

// New builds a Mux with every transport the options allow.
func New(opts Options, logger *slog.Logger) (*Mux, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	rt := newRoundTripper(opts)
	mux := NewMux()

	h := NewHTTP(&http.Client{Transport: rt}, opts.Headers, opts.UserAgent)
	mux.Register("http", h)
	mux.Register("https", h)

	dav := NewWebDAV(rt, opts.Headers)
	mux.Register("webdav", dav)
	mux.Register("webdavs", dav)

	if opts.S3.Endpoint != "" {
		s3, err := NewS3(opts.S3, rt)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		mux.Register("s3", s3)
	}

	logger.Debug("transports ready", "schemes", mux.Schemes())
	return mux, nil
}

func newRoundTripper(opts Options) *http.Transport {
	dialer := &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}
	rt := http.DefaultTransport.(*http.Transport).Clone()
	rt.DialContext = dialer.DialContext
	rt.TLSHandshakeTimeout = opts.Timeout
	rt.ResponseHeaderTimeout = opts.Timeout
	if opts.InsecureSkipVerify {
		rt.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed content hosts
	}
	return rt
}

// Mux dispatches requests to a transport by URL scheme.
type Mux struct {
	mu       sync.RWMutex
	byScheme map[string]Transport
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{byScheme: make(map[string]Transport)}
}

// Register binds scheme to t, replacing any earlier binding.
func (m *Mux) Register(scheme string, t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byScheme[strings.ToLower(scheme)] = t
}

// Schemes lists the registered schemes.
func (m *Mux) Schemes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byScheme))
	for s := range m.byScheme {
		out = append(out, s)
	}
	return out
}

func (m *Mux) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, patcherr.PermanentNetwork("get", rawURL, err)
	}
	m.mu.RLock()
	t, ok := m.byScheme[strings.ToLower(u.Scheme)]
	m.mu.RUnlock()
	if !ok {
		return nil, patcherr.PermanentNetwork("get", Redact(rawURL), fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	return t.Get(ctx, rawURL)
}

// BaseURL returns the directory of rawURL with a trailing slash: the
// default location of content files relative to their manifest.
func BaseURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q must include scheme and host", Redact(rawURL))
	}
	u.RawQuery = ""
	u.Fragment = ""
	if i := strings.LastIndex(u.Path, "/"); i >= 0 {
		u.Path = u.Path[:i+1]
	} else {
		u.Path = "/"
	}
	u.RawPath = ""
	return u.String(), nil
}

// Join appends a relative manifest path to a base URL, escaping each segment.
func Join(base, rel string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return base + strings.Join(segs, "/")
}

// Redact strips the password from a URL for logging.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	return u.Redacted()
}

// statusError builds the error for a non-success HTTP status. Client errors
// other than 408 and 429 are permanent.
func statusError(op, rawURL string, code int) error {
	err := fmt.Errorf("unexpected status %d %s", code, http.StatusText(code))
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return patcherr.PermanentNetwork(op, Redact(rawURL), err)
	}
	return patcherr.Network(op, Redact(rawURL), err)
}
