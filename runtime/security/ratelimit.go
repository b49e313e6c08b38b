package security

import (
	"sync"
	"time"

	"goa.design/llmos/runtime/faults"
)

// RateLimiter enforces per-(module, action) call budgets over a
// sliding one-minute window. Each key tracks its recent call
// timestamps; a call that would exceed the budget fails with
// rate_limit_exceeded carrying the wait until the oldest timestamp
// leaves the window.
type RateLimiter struct {
	mu sync.Mutex

	window     time.Duration
	defaultCap int
	caps       map[string]int
	hits       map[string][]time.Time

	now func() time.Time
}

// DefaultCallsPerMinute applies to keys without an explicit budget.
// Zero or negative disables limiting for the key.
const DefaultCallsPerMinute = 60

// NewRateLimiter builds a limiter with per-key budget overrides keyed
// "module.action".
func NewRateLimiter(defaultPerMinute int, caps map[string]int) *RateLimiter {
	if defaultPerMinute == 0 {
		defaultPerMinute = DefaultCallsPerMinute
	}
	l := &RateLimiter{
		window:     time.Minute,
		defaultCap: defaultPerMinute,
		caps:       make(map[string]int, len(caps)),
		hits:       make(map[string][]time.Time),
		now:        time.Now,
	}
	for k, v := range caps {
		l.caps[k] = v
	}
	return l
}

// SetCap overrides the budget for one key at runtime. Module manifests
// feed their per-action rate hints through this.
func (l *RateLimiter) SetCap(key string, perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.caps[key] = perMinute
}

// Allow records a call for the key if the budget permits. On breach it
// returns a rate_limit_exceeded fault whose RetryAfter says how long
// until a slot frees.
func (l *RateLimiter) Allow(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cap := l.defaultCap
	if c, ok := l.caps[key]; ok {
		cap = c
	}
	if cap <= 0 {
		return nil
	}

	now := l.now()
	cutoff := now.Add(-l.window)
	window := l.hits[key]
	// Lazy eviction of timestamps that left the window.
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= cap {
		retryAfter := kept[0].Sub(cutoff)
		l.hits[key] = kept
		f := faults.New(faults.CodeRateLimitExceeded,
			"%s exceeded %d calls per minute, retry in %s", key, cap, retryAfter.Round(time.Millisecond))
		f.RetryAfter = retryAfter
		return f
	}
	l.hits[key] = append(kept, now)
	return nil
}

// Reset clears the recorded calls for a key.
func (l *RateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, key)
}
