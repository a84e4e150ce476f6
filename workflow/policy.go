package workflow

import (
	"math/rand"
	"time"
)

// RetryPolicy defines automatic retry behavior for transient step
// failures.
//
// On failure the policy decides whether the error is retryable and how
// long to back off before the next attempt. Exponential backoff with
// optional jitter avoids synchronized retry storms across instances.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of executions including the
	// initial attempt. Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier scales the delay per attempt. Values < 1 are treated
	// as 2.
	Multiplier float64

	// Jitter applies a uniform +/-25% spread to each delay.
	Jitter bool

	// Retryable classifies errors. If nil, the runtime's error taxonomy
	// decides: transient errors retry, everything else fails fast.
	Retryable func(error) bool
}

// DefaultRetryPolicy is used for steps that do not specify one: four
// attempts spanning roughly seven seconds.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// Validate checks the policy's constraints.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// retryable reports whether the policy would retry this error.
func (rp *RetryPolicy) retryable(err error) bool {
	if rp.Retryable != nil {
		return rp.Retryable(err)
	}
	return ClassOf(err) == ClassTransient
}

// Backoff computes the delay before retry attempt n (zero-based):
//
//	delay = min(MaxDelay, BaseDelay * Multiplier^n)
//
// with a uniform +/-25% jitter when enabled. The rng parameter allows
// deterministic delays in tests; nil falls back to the global source.
func (rp *RetryPolicy) Backoff(attempt int, rng *rand.Rand) time.Duration {
	mult := rp.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := float64(rp.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= mult
		if rp.MaxDelay > 0 && delay >= float64(rp.MaxDelay) {
			delay = float64(rp.MaxDelay)
			break
		}
	}
	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	if rp.Jitter && delay > 0 {
		var u float64
		if rng != nil {
			u = rng.Float64()
		} else {
			u = rand.Float64() // #nosec G404 -- retry timing, not security
		}
		// Uniform in [0.75, 1.25).
		delay *= 0.75 + u*0.5
	}

	return time.Duration(delay)
}
