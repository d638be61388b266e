package topology

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// MaxDepth bounds path searches in hops.
const MaxDepth = 16

// Graph is an undirected adjacency map. Every mutation keeps it symmetric.
type Graph struct {
	mu  sync.RWMutex
	adj map[string]mapset.Set[string]
}

func New() *Graph {
	return &Graph{adj: make(map[string]mapset.Set[string])}
}

func (g *Graph) AddEdge(a, b string) bool {
	if a == "" || b == "" || a == b {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addEdgeLocked(a, b)
}

func (g *Graph) addEdgeLocked(a, b string) bool {
	na := g.setLocked(a)
	nb := g.setLocked(b)
	added := na.Add(b)
	nb.Add(a)
	return added
}

func (g *Graph) setLocked(p string) mapset.Set[string] {
	s, ok := g.adj[p]
	if !ok {
		s = mapset.NewThreadUnsafeSet[string]()
		g.adj[p] = s
	}
	return s
}

// AddPeer records p with no edges. Existing edges are left alone.
func (g *Graph) AddPeer(p string) {
	if p == "" {
		return
	}
	g.mu.Lock()
	g.setLocked(p)
	g.mu.Unlock()
}

func (g *Graph) RemoveEdge(a, b string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	na, ok := g.adj[a]
	if !ok || !na.Contains(b) {
		return false
	}
	na.Remove(b)
	if nb, ok := g.adj[b]; ok {
		nb.Remove(a)
	}
	return true
}

// RemovePeer drops p and every edge touching it.
func (g *Graph) RemovePeer(p string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	np, ok := g.adj[p]
	if !ok {
		return false
	}
	for n := range np.Iter() {
		if nn, ok := g.adj[n]; ok {
			nn.Remove(p)
		}
	}
	delete(g.adj, p)
	return true
}

func (g *Graph) HasPeer(p string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.adj[p]
	return ok
}

func (g *Graph) HasEdge(a, b string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	na, ok := g.adj[a]
	return ok && na.Contains(b)
}

func (g *Graph) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adj)
}

// Neighbors returns p's neighbours in sorted order.
func (g *Graph) Neighbors(p string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedLocked(g.adj[p])
}

func sortedLocked(s mapset.Set[string]) []string {
	if s == nil {
		return nil
	}
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

// FindPath returns a shortest hop path from source to target that avoids
// every node in excluding. Neighbours are expanded in sorted order so equal
// graphs and exclusions always give the same answer.
func (g *Graph) FindPath(source, target string, excluding mapset.Set[string]) ([]string, bool) {
	if excluding != nil && (excluding.Contains(source) || excluding.Contains(target)) {
		return nil, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.adj[source]; !ok {
		return nil, false
	}
	if source == target {
		return []string{source}, true
	}
	if _, ok := g.adj[target]; !ok {
		return nil, false
	}
	parent := map[string]string{source: ""}
	frontier := []string{source}
	for depth := 0; depth < MaxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			for _, n := range sortedLocked(g.adj[cur]) {
				if _, seen := parent[n]; seen {
					continue
				}
				if excluding != nil && excluding.Contains(n) {
					continue
				}
				parent[n] = cur
				if n == target {
					return buildPath(parent, target), true
				}
				next = append(next, n)
			}
		}
		frontier = next
	}
	return nil, false
}

func buildPath(parent map[string]string, target string) []string {
	var rev []string
	for cur := target; cur != ""; cur = parent[cur] {
		rev = append(rev, cur)
	}
	out := make([]string, len(rev))
	for i, p := range rev {
		out[len(rev)-1-i] = p
	}
	return out
}

// Snapshot returns a deep copy of the adjacency map with sorted neighbour
// lists.
func (g *Graph) Snapshot() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string][]string, len(g.adj))
	for p, s := range g.adj {
		out[p] = sortedLocked(s)
	}
	return out
}

// Merge unions a remote adjacency map into the graph. Edges are added in both
// directions even when the remote view was asymmetric. It reports whether
// anything changed.
func (g *Graph) Merge(remote map[string][]string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	changed := false
	for p, ns := range remote {
		if p == "" {
			continue
		}
		if _, ok := g.adj[p]; !ok {
			g.setLocked(p)
			changed = true
		}
		for _, n := range ns {
			if n == "" || n == p {
				continue
			}
			if g.addEdgeLocked(p, n) {
				changed = true
			}
		}
	}
	return changed
}
