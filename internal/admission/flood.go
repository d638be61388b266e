package admission

import (
	"sync"
	"time"

	"signalmesh/internal/debuglog"
)

const (
	DefaultFloodPerMinute = 60
	floodWindow           = time.Minute
)

// Decision is the outcome of one FloodGuard check.
type Decision struct {
	Allowed bool
	// InWindow counts the peer's admitted non-emergency messages in the
	// current window, including this one when allowed.
	InWindow int
	// FirstBlock is set on the first rejection after a run of admitted
	// messages, so callers penalise a flood once rather than per message.
	FirstBlock bool
}

type floodState struct {
	times    []time.Time
	blocking bool
}

// FloodGuard is a per-peer sliding window limiter. Emergency traffic is never
// blocked and does not count toward the window.
type FloodGuard struct {
	mu        sync.Mutex
	perMinute int
	peers     map[string]*floodState
}

func NewFloodGuard(perMinute int) *FloodGuard {
	if perMinute <= 0 {
		perMinute = DefaultFloodPerMinute
	}
	return &FloodGuard{perMinute: perMinute, peers: make(map[string]*floodState)}
}

func (g *FloodGuard) Check(peer string, emergency bool, now time.Time) Decision {
	if emergency {
		return Decision{Allowed: true}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.peers[peer]
	if !ok {
		st = &floodState{}
		g.peers[peer] = st
	}
	st.times = trimBefore(st.times, now.Add(-floodWindow))
	if len(st.times) >= g.perMinute {
		first := !st.blocking
		st.blocking = true
		if first {
			debuglog.RateLimitedf("flood:"+peer, 10*time.Second, "flood guard blocking peer=%s in_window=%d", peer, len(st.times))
		}
		return Decision{InWindow: len(st.times), FirstBlock: first}
	}
	st.blocking = false
	st.times = append(st.times, now)
	return Decision{Allowed: true, InWindow: len(st.times)}
}

// Allow is Check without the details.
func (g *FloodGuard) Allow(peer string, emergency bool, now time.Time) bool {
	return g.Check(peer, emergency, now).Allowed
}

// Prune forgets peers with nothing left in their window.
func (g *FloodGuard) Prune(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for peer, st := range g.peers {
		st.times = trimBefore(st.times, now.Add(-floodWindow))
		if len(st.times) == 0 {
			delete(g.peers, peer)
			removed++
		}
	}
	return removed
}

func (g *FloodGuard) Forget(peer string) {
	g.mu.Lock()
	delete(g.peers, peer)
	g.mu.Unlock()
}

func (g *FloodGuard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.peers)
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}
