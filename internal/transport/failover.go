package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/schaermu/patchsync/internal/patcherr"
)

// Failover serves URLs under a primary base from a list of equivalent
// mirror bases. It remembers the last base that answered and starts there
// next time; on failure it walks the remaining bases in order. URLs outside
// the primary base pass straight through.
type Failover struct {
	next   Transport
	bases  []string
	logger *slog.Logger

	mu      sync.Mutex
	current int
}

// NewFailover wraps next. Bases are normalized to end in a slash.
func NewFailover(next Transport, primary string, mirrors []string, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	bases := make([]string, 0, len(mirrors)+1)
	for _, b := range append([]string{primary}, mirrors...) {
		if !strings.HasSuffix(b, "/") {
			b += "/"
		}
		bases = append(bases, b)
	}
	return &Failover{next: next, bases: bases, logger: logger}
}

func (f *Failover) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	rel, ok := strings.CutPrefix(rawURL, f.bases[0])
	if !ok || len(f.bases) == 1 {
		return f.next.Get(ctx, rawURL)
	}

	f.mu.Lock()
	start := f.current
	f.mu.Unlock()

	var errs []error
	for i := range f.bases {
		idx := (start + i) % len(f.bases)
		target := f.bases[idx] + rel
		rc, err := f.next.Get(ctx, target)
		if err == nil {
			f.mu.Lock()
			if f.current != idx {
				f.logger.Info("switched content mirror", "base", Redact(f.bases[idx]))
				f.current = idx
			}
			f.mu.Unlock()
			return rc, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Debug("mirror failed", "url", Redact(target), "error", err)
		errs = append(errs, err)
	}
	return nil, mergeErrors(rawURL, errs)
}

// mergeErrors keeps the result retryable if any mirror failed transiently.
func mergeErrors(rawURL string, errs []error) error {
	joined := errors.Join(errs...)
	for _, err := range errs {
		if patcherr.Retryable(err) {
			return patcherr.Network("get", Redact(rawURL), joined)
		}
	}
	return patcherr.PermanentNetwork("get", Redact(rawURL), joined)
}
