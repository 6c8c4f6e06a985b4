// Package limiter implements the admission gate that bounds the number of
// concurrently in-flight fetch attempts. A slot is held only while a single
// attempt is on the wire; backoff sleeps happen outside the gate.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for admission control.
var (
	inflightAttempts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrape_inflight_attempts",
		Help: "Number of fetch attempts currently holding an admission slot",
	})

	admissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrape_admissions_total",
		Help: "Total number of admission slots granted",
	})

	admissionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrape_admission_wait_seconds",
		Help:    "Time spent waiting for an admission slot",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
	})
)

// ErrInvalidLimit is returned when a limiter is constructed with a
// non-positive concurrency limit.
var ErrInvalidLimit = fmt.Errorf("concurrency limit must be positive")

// Limiter bounds concurrent in-flight attempts to a fixed limit.
// The limit is immutable after construction.
type Limiter struct {
	slots chan struct{}
	limit int
}

// New creates a limiter with the given concurrency limit.
// Fails fast for limit <= 0 so that misconfiguration is caught before
// any job is dispatched.
func New(limit int) (*Limiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidLimit, limit)
	}
	return &Limiter{
		slots: make(chan struct{}, limit),
		limit: limit,
	}, nil
}

// Acquire blocks until a slot is available or ctx is done.
// Every successful Acquire must be paired with exactly one Release;
// prefer Do, which pairs them on all exit paths.
func (l *Limiter) Acquire(ctx context.Context) error {
	// Don't wait for a slot when the caller is already cancelled.
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	select {
	case l.slots <- struct{}{}:
		admissionWaitSeconds.Observe(time.Since(start).Seconds())
		admissionsTotal.Inc()
		inflightAttempts.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot and unblocks one waiter, if any.
func (l *Limiter) Release() {
	select {
	case <-l.slots:
		inflightAttempts.Dec()
	default:
		// Unbalanced release indicates a programming error in the caller.
		panic("limiter: Release without matching Acquire")
	}
}

// Do runs fn while holding an admission slot. The slot is released on every
// exit path, including errors and panics, so slots cannot leak.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// Limit returns the configured concurrency limit.
func (l *Limiter) Limit() int {
	return l.limit
}

// InFlight returns the number of currently held slots.
func (l *Limiter) InFlight() int {
	return len(l.slots)
}
