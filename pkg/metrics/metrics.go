// Package metrics provides the per-batch attempt recorder and the central
// Prometheus registry reference for the scrape pipeline. Prometheus metrics
// are defined in their respective packages (limiter, fetcher, cache) to
// maintain modularity and avoid circular dependencies.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the pipeline.
// All metrics are automatically registered via promauto in their packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Admission Metrics (pkg/limiter):
//   - scrape_inflight_attempts (Gauge): Attempts currently holding a slot
//   - scrape_admissions_total (Counter): Admission slots granted
//   - scrape_admission_wait_seconds (Histogram): Time waiting for a slot
//
// Attempt Metrics (pkg/fetcher):
//   - scrape_attempts_total{result} (Counter): Attempts by result (ok, error)
//   - scrape_attempt_duration_seconds (Histogram): Attempt duration
//   - scrape_errors_total{kind} (Counter): Errors by kind
//   - scrape_retries_total{kind} (Counter): Retries by triggering error kind
//   - scrape_retry_backoff_seconds{kind} (Histogram): Backoff durations
//   - scrape_retry_exhausted_total{kind} (Counter): Jobs that ran out of attempts
//
// Cache Metrics (pkg/cache):
//   - scrape_cache_hits_total (Counter): Payload cache hits
//   - scrape_cache_misses_total (Counter): Payload cache misses
//   - scrape_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Attempt error rate
//   rate(scrape_attempts_total{result="error"}[5m]) /
//   rate(scrape_attempts_total[5m])
//
//   # P95 attempt latency
//   histogram_quantile(0.95, rate(scrape_attempt_duration_seconds_bucket[5m]))
//
//   # Slot saturation
//   scrape_inflight_attempts

// Snapshot is a derived, read-only view of a Recorder at a point in time.
type Snapshot struct {
	// Total is the number of recorded attempts, successful or not.
	Total int64 `json:"total"`

	// Succeeded is the number of successful attempts.
	Succeeded int64 `json:"succeeded"`

	// Failed is the number of failed attempts.
	Failed int64 `json:"failed"`

	// Elapsed is the wall time since the recorder was created or reset.
	Elapsed time.Duration `json:"elapsed"`

	// RequestsPerSecond is Total / Elapsed in seconds (0 if Elapsed is 0).
	RequestsPerSecond float64 `json:"requests_per_second"`

	// SuccessRate is Succeeded / Total as a percentage (0 if Total is 0).
	SuccessRate float64 `json:"success_rate"`
}

// Recorder tracks attempt counts for one batch. All methods are safe for
// concurrent use; counters only grow except at explicit Reset.
type Recorder struct {
	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	// startNanos holds the recorder epoch as UnixNano so Reset stays atomic.
	startNanos atomic.Int64

	now func() time.Time
}

// NewRecorder creates a recorder whose elapsed clock starts now.
func NewRecorder() *Recorder {
	return newRecorder(time.Now)
}

func newRecorder(now func() time.Time) *Recorder {
	r := &Recorder{now: now}
	r.startNanos.Store(now().UnixNano())
	return r
}

// Record counts one attempt. Every attempt is counted exactly once; there is
// no rollback when a job later exhausts its retries.
func (r *Recorder) Record(success bool) {
	r.total.Add(1)
	if success {
		r.succeeded.Add(1)
	} else {
		r.failed.Add(1)
	}
}

// Snapshot computes the derived view from the current counters.
func (r *Recorder) Snapshot() Snapshot {
	total := r.total.Load()
	succeeded := r.succeeded.Load()
	failed := r.failed.Load()
	elapsed := r.now().Sub(time.Unix(0, r.startNanos.Load()))

	s := Snapshot{
		Total:     total,
		Succeeded: succeeded,
		Failed:    failed,
		Elapsed:   elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.RequestsPerSecond = float64(total) / secs
	}
	if total > 0 {
		s.SuccessRate = float64(succeeded) / float64(total) * 100
	}
	return s
}

// Reset zeroes all counters and restarts the elapsed clock.
func (r *Recorder) Reset() {
	r.total.Store(0)
	r.succeeded.Store(0)
	r.failed.Store(0)
	r.startNanos.Store(r.now().UnixNano())
}
