package admission

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultPerSecond = 50
	DefaultPerMinute = 1000
)

type rateBucket struct {
	limit  int
	window time.Duration
	count  int
	reset  time.Time
}

func (b *rateBucket) roll(now time.Time) {
	if b.reset.IsZero() || !now.Before(b.reset) {
		b.count = 0
		b.reset = now.Add(b.window)
	}
}

// RateLimiter is the pipeline-wide volumetric guard: fixed one-second and
// one-minute windows. A limit of zero disables that window.
type RateLimiter struct {
	mu      sync.Mutex
	buckets []*rateBucket
}

func NewRateLimiter(perSecond, perMinute int) *RateLimiter {
	r := &RateLimiter{}
	if perSecond > 0 {
		r.buckets = append(r.buckets, &rateBucket{limit: perSecond, window: time.Second})
	}
	if perMinute > 0 {
		r.buckets = append(r.buckets, &rateBucket{limit: perMinute, window: time.Minute})
	}
	return r
}

// Allow counts one call. It fails without counting when any window is full.
func (r *RateLimiter) Allow(now time.Time) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.buckets {
		b.roll(now)
		if b.count >= b.limit {
			return fmt.Errorf("%w: %d per %s", ErrRateLimitExceeded, b.limit, b.window)
		}
	}
	for _, b := range r.buckets {
		b.count++
	}
	return nil
}

// RetryAfter reports how long until every full window has reset.
func (r *RateLimiter) RetryAfter(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var wait time.Duration
	for _, b := range r.buckets {
		if b.count >= b.limit && b.reset.After(now) {
			if d := b.reset.Sub(now); d > wait {
				wait = d
			}
		}
	}
	return wait
}
