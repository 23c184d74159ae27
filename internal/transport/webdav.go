package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/studio-b12/gowebdav"

	"github.com/schaermu/patchsync/internal/patcherr"
)

// WebDAV fetches webdav:// and webdavs:// URLs. Credentials come from the
// URL's userinfo; webdavs speaks HTTPS. One client is kept per server and
// identity.
type WebDAV struct {
	rt      http.RoundTripper
	headers map[string]string

	mu      sync.Mutex
	clients map[string]*gowebdav.Client
}

// NewWebDAV creates a WebDAV transport. Timeouts are the round tripper's
// business; the client itself has none, so large bodies are not cut off.
func NewWebDAV(rt http.RoundTripper, headers map[string]string) *WebDAV {
	return &WebDAV{
		rt:      rt,
		headers: headers,
		clients: make(map[string]*gowebdav.Client),
	}
}

func (w *WebDAV) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, patcherr.PermanentNetwork("get", Redact(rawURL), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, patcherr.Network("get", Redact(rawURL), err)
	}

	client := w.client(u)
	rc, err := client.ReadStream(u.Path)
	if err != nil {
		var se gowebdav.StatusError
		if errors.As(err, &se) {
			return nil, statusError("get", rawURL, se.Status)
		}
		return nil, patcherr.Network("get", Redact(rawURL), err)
	}

	// gowebdav has no context support; closing the body aborts the read.
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	return &ctxBody{ReadCloser: rc, stop: stop}, nil
}

func (w *WebDAV) client(u *url.URL) *gowebdav.Client {
	scheme := "http"
	if u.Scheme == "webdavs" {
		scheme = "https"
	}
	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	root := scheme + "://" + u.Host
	key := root + "|" + user

	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.clients[key]; ok {
		return c
	}
	c := gowebdav.NewClient(root, user, pass)
	if w.rt != nil {
		c.SetTransport(w.rt)
	}
	for k, v := range w.headers {
		c.SetHeader(k, v)
	}
	w.clients[key] = c
	return c
}

type ctxBody struct {
	io.ReadCloser
	stop func() bool
}

func (b *ctxBody) Close() error {
	b.stop()
	return b.ReadCloser.Close()
}
