package route

import (
	"math"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"signalmesh/internal/clock"
	"signalmesh/internal/topology"
)

const (
	MaxCandidates = 3

	// A node scoring below minNodeScore zeroes the reliability of any path
	// through it.
	minNodeScore = 0.3
	// neutralScore is used for topology nodes we have no samples for.
	neutralScore = 0.5
	hopDecay     = 0.9
	nearTie      = 0.1

	DefaultEmergencyCacheSize = 128
	DefaultEmergencyCacheTTL  = 5 * time.Minute
)

type Options struct {
	StaleTimeout       time.Duration
	StaleGrace         time.Duration
	EmergencyCacheSize int
	EmergencyCacheTTL  time.Duration
	Clock              clock.Clock
}

type cachedRoute struct {
	path     []string
	storedAt time.Time
}

// Router picks paths over a topology graph using locally observed link
// metrics.
type Router struct {
	topo  *topology.Graph
	clock clock.Clock

	staleTimeout time.Duration
	staleGrace   time.Duration
	cacheTTL     time.Duration

	mu      sync.RWMutex
	metrics map[string]Metrics
	failed  mapset.Set[string]

	emergency *lru.Cache[string, cachedRoute]
}

func NewRouter(topo *topology.Graph, opts Options) *Router {
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = DefaultStaleTimeout
	}
	if opts.StaleGrace <= 0 {
		opts.StaleGrace = DefaultStaleGrace
	}
	if opts.EmergencyCacheSize <= 0 {
		opts.EmergencyCacheSize = DefaultEmergencyCacheSize
	}
	if opts.EmergencyCacheTTL <= 0 {
		opts.EmergencyCacheTTL = DefaultEmergencyCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	cache, err := lru.New[string, cachedRoute](opts.EmergencyCacheSize)
	if err != nil {
		panic(err)
	}
	return &Router{
		topo:         topo,
		clock:        opts.Clock,
		staleTimeout: opts.StaleTimeout,
		staleGrace:   opts.StaleGrace,
		cacheTTL:     opts.EmergencyCacheTTL,
		metrics:      make(map[string]Metrics),
		failed:       mapset.NewSet[string](),
		emergency:    cache,
	}
}

// UpdateMetrics stores fresh samples for a peer. A failed peer reported
// reachable again is recovered.
func (r *Router) UpdateMetrics(m Metrics) {
	if m.PeerID == "" {
		return
	}
	r.mu.Lock()
	r.metrics[m.PeerID] = m
	r.mu.Unlock()
	if m.Reachable {
		r.failed.Remove(m.PeerID)
	}
}

// Touch refreshes liveness for a peer without changing its link quality.
func (r *Router) Touch(peer string, now time.Time) {
	r.mu.Lock()
	m, ok := r.metrics[peer]
	if !ok {
		m = Metrics{PeerID: peer, SignalStrength: -65}
	}
	m.Reachable = true
	m.LastSeen = now
	r.metrics[peer] = m
	r.mu.Unlock()
	r.failed.Remove(peer)
}

// SetUnreachable marks a peer unreachable but keeps its samples.
func (r *Router) SetUnreachable(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.metrics[peer]; ok {
		m.Reachable = false
		r.metrics[peer] = m
	}
}

func (r *Router) Metrics(peer string) (Metrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metrics[peer]
	return m, ok
}

func (r *Router) MarkFailed(peer string) {
	if peer != "" {
		r.failed.Add(peer)
	}
}

func (r *Router) MarkRecovered(peer string) {
	r.failed.Remove(peer)
}

func (r *Router) IsFailed(peer string) bool {
	return r.failed.Contains(peer)
}

func (r *Router) nodeScore(peer string) float64 {
	if r.failed.Contains(peer) {
		return 0
	}
	r.mu.RLock()
	m, ok := r.metrics[peer]
	r.mu.RUnlock()
	if !ok {
		if r.topo.HasPeer(peer) {
			return neutralScore
		}
		return 0
	}
	return m.Score()
}

// Reliability is the product of node scores along path[1:]. A single node
// under minNodeScore makes the whole path unreliable.
func (r *Router) Reliability(path []string) float64 {
	if len(path) < 2 {
		return 0
	}
	rel := 1.0
	for _, p := range path[1:] {
		s := r.nodeScore(p)
		if s < minNodeScore {
			return 0
		}
		rel *= math.Max(s, 0)
	}
	return rel
}

// GeneralScore trades reliability against hop count.
func (r *Router) GeneralScore(path []string) float64 {
	if len(path) < 2 {
		return 0
	}
	return r.Reliability(path) * math.Pow(hopDecay, float64(len(path)-2))
}

// FindBestRoute returns a path from source to target, or false if none
// exists. Emergency lookups prefer a cached path that is still healthy and
// report false when every candidate has zero reliability.
func (r *Router) FindBestRoute(source, target string, emergency bool) ([]string, bool) {
	if emergency {
		if path, ok := r.cachedPath(target); ok && len(path) > 0 && path[0] == source {
			return path, true
		}
	}
	candidates := r.candidates(source, target)
	if len(candidates) == 0 {
		return nil, false
	}
	best := candidates[0]
	if emergency {
		bestRel := r.Reliability(best)
		for _, c := range candidates[1:] {
			rel := r.Reliability(c)
			switch {
			case rel-bestRel >= nearTie:
				best, bestRel = c, rel
			case math.Abs(rel-bestRel) < nearTie && (len(c) < len(best) || (len(c) == len(best) && rel > bestRel)):
				best, bestRel = c, rel
			}
		}
		if bestRel <= 0 {
			return nil, false
		}
		r.emergency.Add(target, cachedRoute{path: append([]string(nil), best...), storedAt: r.clock.Now()})
		return best, true
	}
	bestScore := r.GeneralScore(best)
	for _, c := range candidates[1:] {
		if s := r.GeneralScore(c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, true
}

// candidates runs up to MaxCandidates searches. Each search excludes failed
// peers and the interior nodes of earlier candidates.
func (r *Router) candidates(source, target string) [][]string {
	excl := r.failed.Clone()
	excl.Remove(source)
	excl.Remove(target)
	var out [][]string
	for len(out) < MaxCandidates {
		path, ok := r.topo.FindPath(source, target, excl)
		if !ok {
			break
		}
		out = append(out, path)
		added := false
		for _, p := range interior(path) {
			if excl.Add(p) {
				added = true
			}
		}
		if !added {
			break
		}
	}
	return out
}

func interior(path []string) []string {
	if len(path) <= 2 {
		return nil
	}
	return path[1 : len(path)-1]
}

func (r *Router) cachedPath(target string) ([]string, bool) {
	cr, ok := r.emergency.Get(target)
	if !ok {
		return nil, false
	}
	if r.clock.Now().Sub(cr.storedAt) > r.cacheTTL {
		r.emergency.Remove(target)
		return nil, false
	}
	path := cr.path
	for i, p := range path {
		if r.failed.Contains(p) {
			return nil, false
		}
		if i > 0 && !r.topo.HasEdge(path[i-1], p) {
			return nil, false
		}
		if i == 0 {
			continue
		}
		r.mu.RLock()
		m, known := r.metrics[p]
		r.mu.RUnlock()
		if known && !m.Reachable {
			return nil, false
		}
	}
	return append([]string(nil), path...), true
}

// CachedEmergencyPath exposes the cache for inspection.
func (r *Router) CachedEmergencyPath(target string) ([]string, bool) {
	cr, ok := r.emergency.Peek(target)
	return cr.path, ok
}

// Cleanup evicts metrics stale beyond the grace period, marks stale peers
// unreachable and drops cached emergency paths through unreachable nodes.
func (r *Router) Cleanup(now time.Time) (removed int) {
	r.mu.Lock()
	for id, m := range r.metrics {
		switch {
		case m.IsStale(now, r.staleTimeout+r.staleGrace):
			delete(r.metrics, id)
			removed++
		case m.IsStale(now, r.staleTimeout):
			m.Reachable = false
			r.metrics[id] = m
		}
	}
	r.mu.Unlock()
	for _, target := range r.emergency.Keys() {
		cr, ok := r.emergency.Peek(target)
		if !ok {
			continue
		}
		if now.Sub(cr.storedAt) > r.cacheTTL {
			r.emergency.Remove(target)
			continue
		}
		for _, p := range interior(cr.path) {
			r.mu.RLock()
			m, known := r.metrics[p]
			r.mu.RUnlock()
			if (known && !m.Reachable) || !r.topo.HasPeer(p) || r.failed.Contains(p) {
				r.emergency.Remove(target)
				break
			}
		}
	}
	return removed
}

func (r *Router) MetricsCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.metrics)
}
