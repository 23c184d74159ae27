package transport

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/schaermu/patchsync/internal/patcherr"
)

// HTTP fetches http and https URLs.
type HTTP struct {
	client    *http.Client
	headers   map[string]string
	userAgent string
}

// NewHTTP creates an HTTP transport. A nil client uses http.DefaultClient.
func NewHTTP(client *http.Client, headers map[string]string, userAgent string) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client, headers: headers, userAgent: userAgent}
}

func (h *HTTP) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, patcherr.PermanentNetwork("get", Redact(rawURL), err)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "zstd")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, patcherr.Network("get", Redact(rawURL), err)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, statusError("get", rawURL, resp.StatusCode)
	}

	if isZstdEncoded(resp.Header.Get("Content-Encoding")) {
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, patcherr.Network("get", Redact(rawURL), err)
		}
		return &zstdBody{dec: dec, body: resp.Body}, nil
	}
	return resp.Body, nil
}

func isZstdEncoded(contentEncoding string) bool {
	return strings.Contains(strings.ToLower(contentEncoding), "zstd")
}

type zstdBody struct {
	dec  *zstd.Decoder
	body io.Closer
}

func (z *zstdBody) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdBody) Close() error {
	z.dec.Close()
	return z.body.Close()
}
