package fetcher

import (
	"fmt"
	"math"
	"time"
)

// RetryPolicy holds the per-job retry configuration. It is immutable for
// the lifetime of a batch.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts per job, including
	// the initial one. Must be at least 1.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration

	// BackoffMultiplier grows the delay between successive attempts.
	// Must be >= 1.
	BackoffMultiplier float64

	// MaxBackoff caps a single backoff delay. Zero means uncapped.
	MaxBackoff time.Duration

	// RequestTimeout bounds each individual attempt.
	RequestTimeout time.Duration
}

// DefaultRetryPolicy returns a safe default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         1 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
		RequestTimeout:    15 * time.Second,
	}
}

// Validate checks the policy before any job runs.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive (got %v)", p.BaseDelay)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1 (got %v)", p.BackoffMultiplier)
	}
	if p.MaxBackoff < 0 {
		return fmt.Errorf("max_backoff must not be negative (got %v)", p.MaxBackoff)
	}
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive (got %v)", p.RequestTimeout)
	}
	return nil
}

// BackoffFor returns the delay inserted between attempt n and attempt n+1:
// BaseDelay * BackoffMultiplier^(n-1), capped at MaxBackoff. Attempt 1 has
// no preceding wait.
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}
