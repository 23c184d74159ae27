// Package metrics exposes session statistics in Prometheus format. A
// Recorder is a progress sink, so it sees exactly what the CLI sees.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/schaermu/patchsync/internal/manifest"
	"github.com/schaermu/patchsync/internal/progress"
)

// Recorder collects metrics into its own registry. A nil *Recorder is a
// valid no-op sink.
type Recorder struct {
	reg *prometheus.Registry

	ops         *prometheus.CounterVec
	bytes       prometheus.Counter
	sessions    *prometheus.CounterVec
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
}

// New creates a Recorder with a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patchsync_ops_total",
			Help: "Change ops finished, by op kind and result",
		}, []string{"kind", "result"}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Name: "patchsync_downloaded_bytes_total",
			Help: "Bytes of verified content committed to the target tree",
		}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patchsync_sessions_total",
			Help: "Update sessions by terminal state",
		}, []string{"state"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "patchsync_session_duration_seconds",
			Help:    "Update session duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "patchsync_last_success_timestamp_seconds",
			Help: "Unix time of the last session that completed without errors",
		}),
	}
}

// Registry exposes the underlying registry, e.g. for an HTTP handler.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// Progress counts finished ops; byte-level events are ignored.
func (r *Recorder) Progress(e progress.Event) {
	// Skips are counted from the summary.
	if r == nil || !e.Done || e.Kind == manifest.OpSkip {
		return
	}
	result := "applied"
	if e.Err != nil {
		result = "failed"
	}
	r.ops.WithLabelValues(string(e.Kind), result).Inc()
}

// Finished records the session outcome.
func (r *Recorder) Finished(s progress.Summary) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues(s.State).Inc()
	r.duration.Observe(s.Duration.Seconds())
	r.bytes.Add(float64(s.Bytes))
	if s.Skipped > 0 {
		r.ops.WithLabelValues("skip", "skipped").Add(float64(s.Skipped))
	}
	if s.Err == nil && len(s.Failed) == 0 && s.State == "Completed" {
		r.lastSuccess.SetToCurrentTime()
	}
}

// WriteTextfile writes the registry for the node exporter's textfile
// collector. The write is atomic.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
