package progress

import (
	"fmt"
	"sync"
	"time"
)

// DefaultInterval is the minimum gap between byte progress reports for one
// download.
const DefaultInterval = 200 * time.Millisecond

// Throttle accumulates byte counts and releases them at most once per
// interval. It is owned by a single download and not safe for concurrent use.
type Throttle struct {
	interval    time.Duration
	last        time.Time
	accumulated uint64
	now         func() time.Time
}

// NewThrottle creates a throttle whose first Feed reports immediately.
func NewThrottle(interval time.Duration) *Throttle {
	return newThrottle(interval, time.Now)
}

func newThrottle(interval time.Duration, now func() time.Time) *Throttle {
	return &Throttle{interval: interval, now: now, last: now().Add(-interval)}
}

// Feed records n more bytes. It returns the bytes accumulated since the last
// report and true when a report is due.
func (t *Throttle) Feed(n uint64) (uint64, bool) {
	t.accumulated += n
	now := t.now()
	if now.Sub(t.last) < t.interval {
		return 0, false
	}
	t.last = now
	v := t.accumulated
	t.accumulated = 0
	return v, true
}

// Speed estimates throughput over a sliding window. It is safe for
// concurrent use, since every worker feeds the same instance.
type Speed struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
	now     func() time.Time
}

type sample struct {
	at    time.Time
	bytes uint64
}

// NewSpeed creates a speed meter over the given window.
func NewSpeed(window time.Duration) *Speed {
	return &Speed{window: window, now: time.Now}
}

// Feed records n bytes transferred now.
func (s *Speed) Feed(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last := len(s.samples) - 1; last >= 0 && s.samples[last].at.Equal(now) {
		s.samples[last].bytes += n
	} else {
		s.samples = append(s.samples, sample{at: now, bytes: n})
	}
	s.expire(now)
}

// Rate returns bytes per second over the window, or 0 when there are too
// few samples to tell.
func (s *Speed) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expire(s.now())
	if len(s.samples) < 2 {
		return 0
	}
	span := s.samples[len(s.samples)-1].at.Sub(s.samples[0].at)
	if span <= 0 {
		return 0
	}
	var total uint64
	for _, smp := range s.samples[1:] {
		total += smp.bytes
	}
	return float64(total) / span.Seconds()
}

func (s *Speed) expire(now time.Time) {
	cut := 0
	for cut < len(s.samples) && now.Sub(s.samples[cut].at) > s.window {
		cut++
	}
	if cut > 0 {
		s.samples = append(s.samples[:0], s.samples[cut:]...)
	}
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
