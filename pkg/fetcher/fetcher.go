// Package fetcher executes one logical fetch with bounded retries and
// exponential backoff, acquiring an admission slot per attempt and
// recording every attempt in the batch metrics recorder.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/umop66/scrapebatch/pkg/cache"
	"github.com/umop66/scrapebatch/pkg/limiter"
	"github.com/umop66/scrapebatch/pkg/logging"
	"github.com/umop66/scrapebatch/pkg/metrics"
	"github.com/umop66/scrapebatch/pkg/upstream"
)

// Prometheus metrics for fetch attempts and retries.
var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrape_attempts_total",
		Help: "Total fetch attempts by result",
	}, []string{"result"})

	attemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrape_attempt_duration_seconds",
		Help:    "Fetch attempt duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrape_errors_total",
		Help: "Total attempt errors by kind",
	}, []string{"kind"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrape_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scrape_retry_backoff_seconds",
		Help:    "Backoff duration before retries by error kind",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrape_retry_exhausted_total",
		Help: "Total number of jobs that exhausted retry attempts by error kind",
	}, []string{"kind"})
)

// Job is an immutable fetch descriptor. Identity lets callers correlate
// outcomes back to inputs; Target is never mutated. Render and CountryCode
// are forwarded to the upstream service unmodified.
type Job struct {
	Target      string
	Identity    string
	Render      bool
	CountryCode string
}

// Outcome is the terminal result of a job. Exactly one of Payload and Err
// is populated. Attempts is the number of network calls made; a payload
// served from cache has Attempts == 0.
type Outcome struct {
	Identity string
	Payload  []byte
	Err      error
	Attempts int
}

// Success reports whether the job produced a payload.
func (o Outcome) Success() bool {
	return o.Err == nil
}

// Caller performs one raw upstream call per invocation.
type Caller interface {
	Do(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// PayloadCache short-circuits fetches whose payload is already cached.
// Implemented by *cache.Manager; nil disables caching.
type PayloadCache interface {
	Get(ctx context.Context, key cache.Key) (*cache.Entry, error)
	Set(ctx context.Context, key cache.Key, entry *cache.Entry) error
}

// Config holds the fetcher configuration.
type Config struct {
	// Caller performs raw upstream calls (required).
	Caller Caller

	// Limiter is the shared admission gate (required).
	Limiter *limiter.Limiter

	// Recorder receives one record per attempt (required).
	Recorder *metrics.Recorder

	// Policy is the retry policy, validated at construction.
	Policy RetryPolicy

	// Retryable decides which upstream statuses are retried.
	// Nil selects DefaultRetryable.
	Retryable RetryablePredicate

	// Cache is the optional payload cache.
	Cache PayloadCache
}

// Fetcher runs the per-job retry loop.
type Fetcher struct {
	caller    Caller
	limiter   *limiter.Limiter
	recorder  *metrics.Recorder
	cache     PayloadCache
	policy    RetryPolicy
	retryable RetryablePredicate
	sleep     func(ctx context.Context, d time.Duration) error
	logger    zerolog.Logger
}

// New creates a fetcher. Misconfiguration fails here, before any job runs.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Caller == nil {
		return nil, fmt.Errorf("caller is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	if cfg.Retryable == nil {
		cfg.Retryable = DefaultRetryable
	}

	return &Fetcher{
		caller:    cfg.Caller,
		limiter:   cfg.Limiter,
		recorder:  cfg.Recorder,
		cache:     cfg.Cache,
		policy:    cfg.Policy,
		retryable: cfg.Retryable,
		sleep:     sleepContext,
		logger:    logging.NewLogger("fetcher"),
	}, nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fetch runs the retry loop for one job and returns its terminal outcome.
// Per-attempt errors are absorbed here; only the terminal error propagates.
func (f *Fetcher) Fetch(ctx context.Context, job Job) Outcome {
	outcome := Outcome{Identity: job.Identity}

	// A malformed target cannot succeed on any attempt.
	if u, err := url.Parse(job.Target); err != nil || u.Scheme == "" || u.Host == "" {
		outcome.Err = &FetchError{
			Kind: KindNonRetryable,
			Err:  fmt.Errorf("%w: %q", upstream.ErrInvalidTarget, job.Target),
		}
		errorsTotal.WithLabelValues(string(KindNonRetryable)).Inc()
		return outcome
	}

	cacheKey := cache.Key{Target: job.Target, Render: job.Render, CountryCode: job.CountryCode}
	if f.cache != nil {
		if entry, err := f.cache.Get(ctx, cacheKey); err == nil {
			f.logger.Debug().
				Str("target", job.Target).
				Str("job_id", job.Identity).
				Msg("Payload served from cache")
			outcome.Payload = entry.Payload
			return outcome
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			f.logger.Warn().Err(err).Str("target", job.Target).Msg("Cache get error")
		}
	}

	var lastErr *FetchError
	for attempt := 1; attempt <= f.policy.MaxAttempts; attempt++ {
		payload, called, ferr := f.attempt(ctx, job)
		if !called {
			// Cancelled while waiting for admission: no network call was
			// made, so nothing is recorded and this attempt never ran.
			outcome.Err = ferr
			outcome.Attempts = attempt - 1
			return outcome
		}

		f.recorder.Record(ferr == nil)

		if ferr == nil {
			attemptsTotal.WithLabelValues("ok").Inc()
			if attempt > 1 {
				f.logger.Info().
					Str("target", job.Target).
					Int("attempt", attempt).
					Msg("Fetch succeeded after retry")
			}
			outcome.Payload = payload
			outcome.Attempts = attempt
			f.storeInCache(ctx, cacheKey, payload)
			return outcome
		}

		attemptsTotal.WithLabelValues("error").Inc()
		errorsTotal.WithLabelValues(string(ferr.Kind)).Inc()
		lastErr = ferr
		outcome.Attempts = attempt

		if terminal := f.isTerminal(ferr); terminal {
			f.logger.Warn().
				Str("target", job.Target).
				Int("attempt", attempt).
				Str("error_kind", string(ferr.Kind)).
				Int("status_code", ferr.StatusCode).
				Msg("Non-retryable failure")
			outcome.Err = ferr
			return outcome
		}

		if attempt >= f.policy.MaxAttempts {
			break
		}

		backoff := f.policy.BackoffFor(attempt)
		retriesTotal.WithLabelValues(string(ferr.Kind)).Inc()
		retryBackoffSeconds.WithLabelValues(string(ferr.Kind)).Observe(backoff.Seconds())

		f.logger.Debug().
			Str("target", job.Target).
			Int("attempt", attempt).
			Str("error_kind", string(ferr.Kind)).
			Dur("backoff", backoff).
			Msg("Retrying fetch after backoff")

		if err := f.sleep(ctx, backoff); err != nil {
			outcome.Err = &FetchError{Kind: KindCancelled, Err: err}
			return outcome
		}
	}

	// All attempts exhausted: the terminal error is the last attempt's.
	retryExhaustedTotal.WithLabelValues(string(lastErr.Kind)).Inc()
	f.logger.Warn().
		Str("target", job.Target).
		Int("max_attempts", f.policy.MaxAttempts).
		Str("error_kind", string(lastErr.Kind)).
		Msg("Retry attempts exhausted")

	outcome.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, f.policy.MaxAttempts, lastErr)
	return outcome
}

// attempt performs one admission-gated upstream call. called is false when
// the attempt was cancelled before any network activity.
func (f *Fetcher) attempt(ctx context.Context, job Job) (payload []byte, called bool, ferr *FetchError) {
	if err := f.limiter.Acquire(ctx); err != nil {
		return nil, false, &FetchError{Kind: KindCancelled, Err: err}
	}
	defer f.limiter.Release()

	attemptCtx, cancel := context.WithTimeout(ctx, f.policy.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := f.caller.Do(attemptCtx, upstream.Request{
		Target:      job.Target,
		Render:      job.Render,
		CountryCode: job.CountryCode,
	})
	attemptDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, true, f.classify(ctx, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, true, &FetchError{
			Kind:       KindUpstream,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("upstream returned status %d", resp.StatusCode),
		}
	}

	return resp.Body, true, nil
}

// classify maps a raw call error to its kind. The parent context wins:
// a batch-level cancellation is KindCancelled even if it surfaced as a
// deadline on the attempt context.
func (f *Fetcher) classify(parent context.Context, err error) *FetchError {
	switch {
	case parent.Err() != nil:
		return &FetchError{Kind: KindCancelled, Err: err}
	case errors.Is(err, upstream.ErrInvalidTarget):
		return &FetchError{Kind: KindNonRetryable, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &FetchError{Kind: KindTimeout, Err: err}
	default:
		return &FetchError{Kind: KindConnection, Err: err}
	}
}

// isTerminal reports whether a failed attempt ends the job immediately.
func (f *Fetcher) isTerminal(ferr *FetchError) bool {
	switch ferr.Kind {
	case KindNonRetryable, KindCancelled:
		return true
	case KindUpstream:
		return !f.retryable(ferr.StatusCode)
	default:
		return false
	}
}

func (f *Fetcher) storeInCache(ctx context.Context, key cache.Key, payload []byte) {
	if f.cache == nil {
		return
	}
	entry := &cache.Entry{
		Payload:    payload,
		StatusCode: http.StatusOK,
		FetchedAt:  time.Now(),
	}
	if err := f.cache.Set(ctx, key, entry); err != nil {
		f.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache payload")
	}
}
