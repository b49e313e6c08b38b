// Package middleware provides reusable intent.ChatClient wrappers:
// token-bucket rate limiting and bounded retry. Wrappers compose, so a
// production verifier is typically Retry(RateLimited(provider)).
package middleware

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/security/intent"
)

type (
	// Limited blocks each call until the request budget permits it.
	Limited struct {
		next    intent.ChatClient
		limiter *rate.Limiter
	}

	// Retrier retries failed calls with doubling backoff. Permanent
	// faults (anything the taxonomy marks non-retryable) pass through
	// on the first failure.
	Retrier struct {
		next intent.ChatClient
		// MaxAttempts includes the first call. Values below 1 mean one
		// attempt.
		MaxAttempts int
		// InitialBackoff is the delay after the first failure; it
		// doubles per attempt.
		InitialBackoff time.Duration
	}
)

// NewRateLimited wraps a client with a requests-per-minute budget.
func NewRateLimited(next intent.ChatClient, perMinute int) *Limited {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

// Complete waits for budget then delegates.
func (l *Limited) Complete(ctx context.Context, system, user string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.next.Complete(ctx, system, user)
}

// NewRetrier wraps a client with bounded retry.
func NewRetrier(next intent.ChatClient, maxAttempts int, initialBackoff time.Duration) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	return &Retrier{next: next, MaxAttempts: maxAttempts, InitialBackoff: initialBackoff}
}

// Complete delegates, retrying transient failures with doubling
// backoff until attempts run out or ctx expires.
func (r *Retrier) Complete(ctx context.Context, system, user string) (string, error) {
	backoff := r.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		out, err := r.next.Complete(ctx, system, user)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) || attempt == r.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", lastErr
}

// retryable treats taxonomy faults per their code and unknown errors
// as transient provider failures.
func retryable(err error) bool {
	var f *faults.Fault
	if errors.As(err, &f) {
		return faults.Retryable(err)
	}
	return true
}
