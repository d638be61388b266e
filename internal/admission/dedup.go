package admission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const DefaultDedupCapacity = 1000

type DedupOptions struct {
	Capacity        int
	PerSecond       int
	PerMinute       int
	BreakerCeiling  int
	BreakerCooldown time.Duration
}

// Deduplicator is the pipeline-wide admission layer: rate limiting, the
// overload breaker and the processed-id set.
type Deduplicator struct {
	limiter *RateLimiter
	breaker *Breaker

	mu       sync.Mutex
	capacity int
	// Keyed by the 64-bit digest of the message id.
	ids *simplelru.LRU[uint64, time.Time]
}

func NewDeduplicator(opts DedupOptions) *Deduplicator {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultDedupCapacity
	}
	if opts.PerSecond == 0 {
		opts.PerSecond = DefaultPerSecond
	}
	if opts.PerMinute == 0 {
		opts.PerMinute = DefaultPerMinute
	}
	// One spare slot so the set can exceed capacity before halving.
	ids, err := simplelru.NewLRU[uint64, time.Time](opts.Capacity+1, nil)
	if err != nil {
		panic(err)
	}
	return &Deduplicator{
		limiter:  NewRateLimiter(opts.PerSecond, opts.PerMinute),
		breaker:  NewBreaker(opts.BreakerCeiling, opts.BreakerCooldown),
		capacity: opts.Capacity,
		ids:      ids,
	}
}

func (d *Deduplicator) Breaker() *Breaker { return d.breaker }

// Check admits id. It returns true for an id seen before and an error when
// the pipeline is rate limited or overloaded.
func (d *Deduplicator) Check(id string, now time.Time) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: empty id", ErrInternal)
	}
	if err := d.breaker.Allow(now); err != nil {
		return false, err
	}
	if err := d.limiter.Allow(now); err != nil {
		return false, err
	}
	key := xxhash.Sum64String(id)
	d.mu.Lock()
	if d.ids.Contains(key) {
		d.mu.Unlock()
		d.breaker.Success()
		return true, nil
	}
	d.ids.Add(key, now)
	if d.ids.Len() > d.capacity {
		for i := 0; i < d.capacity/2; i++ {
			d.ids.RemoveOldest()
		}
	}
	d.mu.Unlock()
	d.breaker.Success()
	return false, nil
}

// CheckSafe never panics. Any failure is reported as a duplicate so the
// caller drops the message, with the cause alongside.
func (d *Deduplicator) CheckSafe(id string, now time.Time) (dup bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.breaker.Failure(now)
			dup, err = true, fmt.Errorf("%w: panic: %v", ErrInternal, r)
		}
	}()
	dup, err = d.Check(id, now)
	if err == nil {
		return dup, nil
	}
	if errors.Is(err, ErrInternal) {
		d.breaker.Failure(now)
	}
	return true, err
}

// Guard runs an internal pipeline step and feeds its outcome to the breaker.
// A panic in fn counts as a failure.
func (d *Deduplicator) Guard(now time.Time, fn func() error) (err error) {
	if err := d.breaker.Allow(now); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrInternal, r)
		}
		if err != nil {
			d.breaker.Failure(now)
			return
		}
		d.breaker.Success()
	}()
	return fn()
}

// Prune drops ids first seen before now-maxAge.
func (d *Deduplicator) Prune(now time.Time, maxAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for {
		_, seen, ok := d.ids.GetOldest()
		if !ok || now.Sub(seen) <= maxAge {
			return removed
		}
		d.ids.RemoveOldest()
		removed++
	}
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ids.Len()
}
