// Package fetch downloads the content an update plan needs into a staging
// area, verifying every file against its expected fingerprint.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/patchsync/internal/fingerprint"
	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/patcherr"
	"github.com/schaermu/patchsync/internal/progress"
)

// DefaultConcurrency is the worker count used when none is configured.
const DefaultConcurrency = 4

// State is the lifecycle position of a Task.
type State string

const (
	Pending     State = "Pending"
	Downloading State = "Downloading"
	Verifying   State = "Verifying"
	Verified    State = "Verified"
	Failed      State = "Failed"
)

// Task is one execution of an Add or Replace op. The pool owns it until it
// reaches Verified or Failed and is sent on the result stream.
type Task struct {
	Op manifest.ChangeOp
	// Attempts counts downloads started; zero means the task never ran.
	Attempts int
	State    State
	// StagingPath locates the verified content inside the pool's filesystem.
	StagingPath string
	Bytes       uint64
	Err         error
}

// Getter is the transport capability the pool downloads through.
type Getter interface {
	Get(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Config wires a Pool.
type Config struct {
	FS billy.Filesystem
	// StagingDir must exist and be private to the session.
	StagingDir string
	Transport  Getter
	// URL maps a relative manifest path to the location to download from.
	URL         func(path string) string
	Algorithm   fingerprint.Algorithm
	Concurrency int
	// RetryLimit is the number of retries after the first attempt.
	RetryLimit int
	Backoff    Backoff
	SessionID  string
	Sink       progress.Sink
	Logger     *slog.Logger
}

// Pool executes downloads with a bounded number of workers.
type Pool struct {
	cfg    Config
	sleep  func(context.Context, time.Duration) error
	jitter func() float64
}

// New creates a pool, filling in defaults for unset fields.
func New(cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.Sink == nil {
		cfg.Sink = progress.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{cfg: cfg, sleep: sleepCtx, jitter: defaultJitter}
}

// Execute starts downloading every transfer op and returns a stream of
// tasks in completion order. The stream is closed once every op has a
// terminal task. A failing task never stops its siblings; cancelling ctx
// aborts in-flight downloads and fails the rest without starting them.
func (p *Pool) Execute(ctx context.Context, ops []manifest.ChangeOp) <-chan *Task {
	results := make(chan *Task, len(ops))

	go func() {
		defer close(results)

		var g errgroup.Group
		g.SetLimit(p.cfg.Concurrency)
		for i, op := range ops {
			task := &Task{
				Op:          op,
				State:       Pending,
				StagingPath: p.cfg.FS.Join(p.cfg.StagingDir, fmt.Sprintf("%06d.part", i)),
			}
			if !op.Transfers() {
				task.fail(fmt.Errorf("op %s does not transfer content", op))
				results <- task
				continue
			}
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					task.fail(err)
				} else {
					p.run(ctx, task)
				}
				results <- task
				return nil
			})
		}
		_ = g.Wait()
	}()

	return results
}

// Collect drains a result stream.
func Collect(results <-chan *Task) []*Task {
	var out []*Task
	for t := range results {
		out = append(out, t)
	}
	return out
}

func (t *Task) fail(err error) {
	t.State = Failed
	t.Err = err
}

func (p *Pool) run(ctx context.Context, task *Task) {
	log := p.cfg.Logger.With("path", task.Op.Path)

	for attempt := 1; ; attempt++ {
		task.Attempts = attempt
		err := p.attempt(ctx, task)
		if err == nil {
			task.State = Verified
			task.Err = nil
			log.Debug("verified", "bytes", task.Bytes, "attempt", attempt)
			return
		}

		p.discard(task)
		if ctxErr := ctx.Err(); ctxErr != nil {
			task.fail(ctxErr)
			return
		}
		if !patcherr.Retryable(err) || attempt > p.cfg.RetryLimit {
			log.Warn("download failed", "attempt", attempt, "error", err)
			task.fail(err)
			return
		}

		delay := NextBackoffDelay(p.cfg.Backoff, attempt, p.jitter)
		log.Info("retrying download", "attempt", attempt, "delay", delay, "error", err)
		if err := p.sleep(ctx, delay); err != nil {
			task.fail(err)
			return
		}
	}
}

func (p *Pool) attempt(ctx context.Context, task *Task) error {
	want := task.Op.Remote
	src := p.cfg.URL(task.Op.Path)

	task.State = Downloading
	task.Bytes = 0
	body, err := p.cfg.Transport.Get(ctx, src)
	if err != nil {
		if patcherr.KindOf(err) == "" {
			err = patcherr.Network("get", task.Op.Path, err)
		}
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	f, err := p.cfg.FS.OpenFile(task.StagingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return patcherr.IO("stage", task.Op.Path, err)
	}

	h, err := p.cfg.Algorithm.New()
	if err != nil {
		_ = f.Close()
		return patcherr.IO("hash", task.Op.Path, err)
	}

	// One byte past the expected size is enough to tell that the body is too long.
	r := &meteredReader{
		r:        io.LimitReader(body, int64(want.Size)+1),
		throttle: progress.NewThrottle(progress.DefaultInterval),
		report: func(done uint64) {
			p.cfg.Sink.Progress(progress.Event{
				SessionID:  p.cfg.SessionID,
				Kind:       task.Op.Kind,
				Path:       task.Op.Path,
				BytesDone:  done,
				BytesTotal: want.Size,
			})
		},
	}
	n, copyErr := io.Copy(io.MultiWriter(f, h), r)
	closeErr := f.Close()
	task.Bytes = uint64(n)

	switch {
	case copyErr != nil && r.err != nil:
		return patcherr.Network("read", task.Op.Path, copyErr)
	case copyErr != nil:
		return patcherr.IO("stage", task.Op.Path, copyErr)
	case closeErr != nil:
		return patcherr.IO("stage", task.Op.Path, closeErr)
	}

	task.State = Verifying
	if task.Bytes != want.Size {
		return patcherr.Integrity(task.Op.Path, "size mismatch: expected %d bytes, got %d", want.Size, task.Bytes)
	}
	if sum := h.Sum(nil); !bytes.Equal(sum, want.Hash) {
		return patcherr.Integrity(task.Op.Path, "%s mismatch: expected %x, got %x", p.cfg.Algorithm, want.Hash, sum)
	}
	return nil
}

func (p *Pool) discard(task *Task) {
	if err := p.cfg.FS.Remove(task.StagingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.cfg.Logger.Debug("failed to remove partial download", "path", task.StagingPath, "error", err)
	}
}

// meteredReader reports throttled progress and remembers read-side errors
// so they can be told apart from staging write failures.
type meteredReader struct {
	r        io.Reader
	throttle *progress.Throttle
	report   func(done uint64)
	done     uint64
	err      error
}

func (m *meteredReader) Read(b []byte) (int, error) {
	n, err := m.r.Read(b)
	if n > 0 {
		m.done += uint64(n)
		if _, due := m.throttle.Feed(uint64(n)); due {
			m.report(m.done)
		}
	}
	if err != nil && err != io.EOF {
		m.err = err
	}
	return n, err
}
