package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy controls how many times an external-store call is attempted and how
// long to back off between attempts.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// DefaultPolicy suits short synchronous Redis commands: a failed call is
// retried twice with sub-second backoff before the error is surfaced.
var DefaultPolicy = Policy{MaxAttempts: 3, Initial: 100 * time.Millisecond, Max: 2 * time.Second}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = DefaultPolicy.Initial
	}
	if p.Max <= 0 {
		p.Max = DefaultPolicy.Max
	}
	return p
}

// Backoff returns the delay before the given retry attempt (1-based), growing
// exponentially from Initial up to Max with +/-20% jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt <= 0 {
		return p.Initial
	}
	backoff := float64(p.Initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(p.Max) {
		backoff = float64(p.Max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

// Do invokes fn until it succeeds or attempts run out. retryable decides
// whether an error is worth another attempt; a nil retryable retries every
// error. Cancelling ctx stops waiting and returns the last error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	p = p.withDefaults()
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return err
		}
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
