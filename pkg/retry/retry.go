// Package retry provides bounded, context-aware retries with exponential
// backoff. Only errors classified as transient are retried; broker
// rejections and ambiguous outcomes are surfaced immediately to the caller.
package retry

import (
	"context"
	"math/rand"
	"time"

	apperrors "optionsbot/pkg/errors"
)

// Policy defines how an operation is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy matches the engine default: 3 attempts, exponential backoff.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc decides whether an error is worth retrying.
type IsTransientFunc func(error) bool

// Do runs fn until it succeeds, returns a non-transient error, or exhausts
// the policy's attempts. A nil isTransient falls back to the apperrors
// classifier.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	if isTransient == nil {
		isTransient = apperrors.IsTransient
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		sleep := backoff
		if backoff > 0 {
			// jittered backoff: backoff + random(0, 50% of backoff)
			sleep += time.Duration(rand.Int63n(int64(backoff/2) + 1))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}

	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
