package admission

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultBreakerCeiling  = 10
	DefaultBreakerCooldown = 5 * time.Second
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker counts consecutive internal failures. At the ceiling it opens and
// rejects work until the cooldown lets a single probe through. Any success
// closes it.
type Breaker struct {
	mu       sync.Mutex
	ceiling  int
	cooldown time.Duration
	failures int
	openedAt time.Time
	probing  bool
}

func NewBreaker(ceiling int, cooldown time.Duration) *Breaker {
	if ceiling <= 0 {
		ceiling = DefaultBreakerCeiling
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{ceiling: ceiling, cooldown: cooldown}
}

func (b *Breaker) Allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.ceiling {
		return nil
	}
	if !b.probing && now.Sub(b.openedAt) >= b.cooldown {
		b.probing = true
		return nil
	}
	return fmt.Errorf("%w: %d consecutive failures", ErrSystemOverload, b.failures)
}

func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) Failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.ceiling {
		b.openedAt = now
	}
	b.probing = false
}

func (b *Breaker) State(now time.Time) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.failures < b.ceiling:
		return BreakerClosed
	case b.probing || now.Sub(b.openedAt) >= b.cooldown:
		return BreakerHalfOpen
	default:
		return BreakerOpen
	}
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
