// Package retry provides exponential-backoff retry logic for idempotent reads
// against external services, such as metadata lookups by beatmap hash.
//
// Writes to the authoritative store are never retried; only callers whose
// operation is safe to repeat should use this package.
//
// # Usage
//
//	err := retry.Do(ctx, retry.Default, func(attempt int) error {
//	    resp, err := lookup(ctx)
//	    if errors.Is(err, errNoSuchMap) {
//	        return retry.Permanent(err) // a definite answer; don't ask again
//	    }
//	    return err
//	})
//
// # Timing
//
// The first call to fn is immediate. Subsequent attempts are separated by an
// exponentially growing pause:
//
//	attempt 1: immediate
//	attempt 2: wait InitialDelay
//	attempt 3: wait InitialDelay × Multiplier
//	attempt 4: wait min(InitialDelay × Multiplier², MaxDelay)
//
// Context cancellation aborts the wait and returns ctx.Err().
package retry

import (
	"context"
	"errors"
	"time"
)

// Config specifies how retries should be attempted.
type Config struct {
	// MaxAttempts is the total number of calls made (first attempt + retries).
	// Values ≤ 0 are treated as 1 (i.e. no retry).
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the pause before the second attempt.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the inter-retry pause. 0 means no cap.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier scales the delay after each retry. Values < 1.0 are
	// treated as 1.0 (constant backoff).
	Multiplier float64 `yaml:"multiplier"`
}

// Default keeps a slow metadata lookup well inside a client request:
// up to 3 attempts with 100 ms → 200 ms backoff.
var Default = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2.0,
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do stops immediately and returns
// the unwrapped err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn up to cfg.MaxAttempts times, pausing between attempts using
// exponential backoff. fn receives the 1-based attempt number. Do returns
// nil on the first success, the unwrapped error of a Permanent failure, or
// the last error once every attempt has failed.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	multiplier := cfg.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}

	delay := cfg.InitialDelay
	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			next := time.Duration(float64(delay) * multiplier)
			if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
				next = cfg.MaxDelay
			}
			delay = next
		}

		err = fn(attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
	}

	return err
}
