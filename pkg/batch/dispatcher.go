// Package batch fans a collection of fetch jobs out to concurrent retrying
// fetchers under one shared concurrency budget and metrics scope, and
// collects outcomes in input order.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/umop66/scrapebatch/pkg/fetcher"
	"github.com/umop66/scrapebatch/pkg/limiter"
	"github.com/umop66/scrapebatch/pkg/logging"
	"github.com/umop66/scrapebatch/pkg/metrics"
)

// Config holds the dispatcher configuration, shared by all jobs in a batch.
type Config struct {
	// Limit is the maximum number of concurrently in-flight attempts.
	Limit int

	// Policy is the retry policy applied to every job.
	Policy fetcher.RetryPolicy

	// Retryable overrides the retryable-status predicate.
	// Nil selects fetcher.DefaultRetryable.
	Retryable fetcher.RetryablePredicate

	// Cache is the optional payload cache shared across batches.
	Cache fetcher.PayloadCache
}

// Dispatcher runs batches of fetch jobs. A fresh concurrency budget and
// metrics recorder are created per batch and torn down with it.
type Dispatcher struct {
	caller fetcher.Caller
	config Config
	logger zerolog.Logger
}

// New creates a dispatcher. Limiter and policy misconfiguration fail here,
// before any job is dispatched.
func New(caller fetcher.Caller, cfg Config) (*Dispatcher, error) {
	if caller == nil {
		return nil, fmt.Errorf("caller is required")
	}
	if _, err := limiter.New(cfg.Limit); err != nil {
		return nil, err
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}

	return &Dispatcher{
		caller: caller,
		config: cfg,
		logger: logging.NewLogger("dispatcher"),
	}, nil
}

// Run dispatches all jobs and blocks until each reaches a terminal state.
// Outcomes are placed at their job's input index regardless of completion
// order. Individual job failures never abort the batch; the returned error
// is the first recovered panic, if any, with all sibling outcomes intact.
func (d *Dispatcher) Run(ctx context.Context, jobs []fetcher.Job) ([]fetcher.Outcome, metrics.Snapshot, error) {
	start := time.Now()

	lim, err := limiter.New(d.config.Limit)
	if err != nil {
		return nil, metrics.Snapshot{}, err
	}
	recorder := metrics.NewRecorder()

	f, err := fetcher.New(fetcher.Config{
		Caller:    d.caller,
		Limiter:   lim,
		Recorder:  recorder,
		Policy:    d.config.Policy,
		Retryable: d.config.Retryable,
		Cache:     d.config.Cache,
	})
	if err != nil {
		return nil, metrics.Snapshot{}, err
	}

	d.logger.Info().
		Int("jobs", len(jobs)).
		Int("limit", d.config.Limit).
		Int("max_attempts", d.config.Policy.MaxAttempts).
		Msg("Starting batch dispatch")

	outcomes := make([]fetcher.Outcome, len(jobs))

	var (
		wg        sync.WaitGroup
		completed atomic.Int64
		faultOnce sync.Once
		fault     error
	)

	for i, job := range jobs {
		if job.Identity == "" {
			job.Identity = uuid.NewString()
		}

		wg.Add(1)
		go func(idx int, job fetcher.Job) {
			defer wg.Done()
			defer func() {
				// A panicking job must not take its siblings down. The
				// fault is surfaced once via Run's error; the job's own
				// outcome slot records the failure.
				if r := recover(); r != nil {
					d.logger.Error().
						Str("job_id", job.Identity).
						Str("target", job.Target).
						Interface("panic", r).
						Msg("Recovered panic in job goroutine")
					outcomes[idx] = fetcher.Outcome{
						Identity: job.Identity,
						Err:      fmt.Errorf("job panicked: %v", r),
					}
					faultOnce.Do(func() {
						fault = fmt.Errorf("job %s panicked: %v", job.Identity, r)
					})
				}
			}()

			outcomes[idx] = f.Fetch(ctx, job)

			if n := completed.Add(1); n%50 == 0 {
				d.logger.Info().
					Int64("completed", n).
					Int("total", len(jobs)).
					Float64("progress_pct", float64(n)/float64(len(jobs))*100).
					Msg("Batch progress")
			}
		}(i, job)
	}

	wg.Wait()

	snapshot := recorder.Snapshot()

	succeeded := 0
	for _, o := range outcomes {
		if o.Success() {
			succeeded++
		}
	}

	d.logger.Info().
		Int("jobs", len(jobs)).
		Int("succeeded", succeeded).
		Int("failed", len(jobs)-succeeded).
		Int64("attempts", snapshot.Total).
		Float64("rps", snapshot.RequestsPerSecond).
		Float64("success_rate", snapshot.SuccessRate).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	return outcomes, snapshot, fault
}
