// Package progress carries session events from the sync pipeline to
// whoever is watching it: a CLI log, a channel consumer or a test.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/schaermu/patchsync/internal/manifest"
)

// Event reports progress on a single change op. Byte events are emitted
// while a download runs; a final event with Done set is emitted once the op
// has finished, successfully or not.
type Event struct {
	SessionID  string
	Kind       manifest.OpKind
	Path       string
	BytesDone  uint64
	BytesTotal uint64
	Done       bool
	// Err is set on a Done event for an op that failed.
	Err error
}

// Reason says why a path did not reach a fully applied state.
type Reason string

const (
	// NeverAttempted marks paths the session gave up on before working on them.
	NeverAttempted Reason = "never_attempted"
	// AttemptedFailed marks paths that failed after all retries or during commit.
	AttemptedFailed Reason = "attempted_failed"
)

// FailedPath is one entry of a session's failure report.
type FailedPath struct {
	Path   string
	Kind   manifest.OpKind
	Reason Reason
	Err    error
}

// Summary is the terminal report of a session.
type Summary struct {
	SessionID string
	State     string
	// Applied counts ops that fully reached the target tree, keyed by op kind.
	Applied  map[manifest.OpKind]int
	Skipped  int
	Bytes    uint64
	Failed   []FailedPath
	Duration time.Duration
	// Err is the fatal error that ended the session, if any.
	Err error
}

// Sink receives session events. The engine serializes calls, so a sink need
// not be safe for concurrent use.
type Sink interface {
	Progress(Event)
	Finished(Summary)
}

// Funcs adapts plain functions to a Sink. Nil fields are ignored.
type Funcs struct {
	OnProgress func(Event)
	OnFinished func(Summary)
}

func (f Funcs) Progress(e Event) {
	if f.OnProgress != nil {
		f.OnProgress(e)
	}
}

func (f Funcs) Finished(s Summary) {
	if f.OnFinished != nil {
		f.OnFinished(s)
	}
}

// Discard is a Sink that drops everything.
var Discard Sink = Funcs{}

// Multi fans events out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Progress(e Event) {
	for _, s := range m {
		s.Progress(e)
	}
}

func (m multi) Finished(s Summary) {
	for _, sink := range m {
		sink.Finished(s)
	}
}

// Serialized wraps sink so that calls from concurrent workers never overlap.
func Serialized(sink Sink) Sink {
	if sink == nil {
		sink = Discard
	}
	return &serialized{sink: sink}
}

type serialized struct {
	mu   sync.Mutex
	sink Sink
}

func (s *serialized) Progress(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.Progress(e)
}

func (s *serialized) Finished(sum Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.Finished(sum)
}

// Chan delivers events over channels. Progress blocks until the consumer
// receives the event; Finished closes Events after publishing the summary.
type Chan struct {
	events  chan Event
	summary chan Summary
	once    sync.Once
}

// NewChan creates a channel sink with the given event buffer.
func NewChan(buffer int) *Chan {
	return &Chan{
		events:  make(chan Event, buffer),
		summary: make(chan Summary, 1),
	}
}

// Events returns the event stream. It is closed once the session finishes.
func (c *Chan) Events() <-chan Event { return c.events }

// Summary yields the terminal report once.
func (c *Chan) Summary() <-chan Summary { return c.summary }

func (c *Chan) Progress(e Event) {
	c.events <- e
}

func (c *Chan) Finished(s Summary) {
	c.once.Do(func() {
		c.summary <- s
		close(c.summary)
		close(c.events)
	})
}

// Log writes events to a structured logger: completed ops at info level,
// byte progress at debug level with the current transfer speed.
type Log struct {
	logger *slog.Logger
	speed  *Speed
	seen   map[string]uint64
}

// NewLog creates a log sink measuring speed over window.
func NewLog(logger *slog.Logger, window time.Duration) *Log {
	return &Log{logger: logger, speed: NewSpeed(window), seen: make(map[string]uint64)}
}

func (l *Log) Progress(e Event) {
	if prev := l.seen[e.Path]; e.BytesDone > prev {
		l.speed.Feed(e.BytesDone - prev)
		l.seen[e.Path] = e.BytesDone
	}
	if e.Done {
		delete(l.seen, e.Path)
	}

	switch {
	case e.Done && e.Err != nil:
		l.logger.Warn("op failed", "op", string(e.Kind), "path", e.Path, "error", e.Err)
	case e.Done && e.Kind == manifest.OpSkip:
		l.logger.Debug("op done", "op", string(e.Kind), "path", e.Path)
	case e.Done:
		l.logger.Info("op done", "op", string(e.Kind), "path", e.Path, "bytes", e.BytesDone)
	default:
		l.logger.Debug("downloading",
			"path", e.Path,
			"done", e.BytesDone,
			"total", e.BytesTotal,
			"speed", FormatBytes(uint64(l.speed.Rate()))+"/s")
	}
}

func (l *Log) Finished(s Summary) {
	args := []any{
		"session", s.SessionID,
		"state", s.State,
		"skipped", s.Skipped,
		"failed", len(s.Failed),
		"bytes", s.Bytes,
		"duration", s.Duration.Round(time.Millisecond),
	}
	for kind, n := range s.Applied {
		args = append(args, string(kind), n)
	}
	if s.Err != nil {
		l.logger.Error("session ended", append(args, "error", s.Err)...)
		return
	}
	l.logger.Info("session ended", args...)
	for _, f := range s.Failed {
		l.logger.Warn("path not applied", "path", f.Path, "reason", string(f.Reason), "error", f.Err)
	}
}
