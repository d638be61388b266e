package route

import (
	"slices"
	"testing"
	"time"

	"signalmesh/internal/clock"
	"signalmesh/internal/topology"
)

func diamond() *topology.Graph {
	g := topology.New()
	g.AddEdge("A", "B")
	g.AddEdge("B", "D")
	g.AddEdge("A", "C")
	g.AddEdge("C", "E")
	g.AddEdge("E", "D")
	return g
}

func good(peer string, loss float64, now time.Time) Metrics {
	return Metrics{PeerID: peer, SignalStrength: -30, PacketLoss: loss, Reachable: true, LastSeen: now}
}

func TestMetricsScore(t *testing.T) {
	now := time.Now()
	if s := good("x", 0, now).Score(); s != 1 {
		t.Fatalf("expected perfect score, got %v", s)
	}
	if s := (Metrics{SignalStrength: -30}).Score(); s != 0 {
		t.Fatalf("unreachable must score 0, got %v", s)
	}
	if s := (Metrics{SignalStrength: -120, Reachable: true}).Score(); s != 0 {
		t.Fatalf("no signal must score 0, got %v", s)
	}
	m := Metrics{SignalStrength: -65, PacketLoss: 0.5, Reachable: true}
	if s := m.Score(); s != 0.25 {
		t.Fatalf("expected 0.25, got %v", s)
	}
}

func TestFindBestRouteLine(t *testing.T) {
	g := topology.New()
	g.AddEdge("A", "B")
	g.AddEdge("B", "C")
	g.AddEdge("C", "D")
	r := NewRouter(g, Options{})
	path, ok := r.FindBestRoute("A", "D", false)
	if !ok || !slices.Equal(path, []string{"A", "B", "C", "D"}) {
		t.Fatalf("unexpected route %v", path)
	}
}

func TestFindBestRouteAvoidsWeakLink(t *testing.T) {
	now := time.Now()
	r := NewRouter(diamond(), Options{})
	r.UpdateMetrics(Metrics{PeerID: "B", SignalStrength: -95, Reachable: true, LastSeen: now})
	for _, p := range []string{"C", "E", "D"} {
		r.UpdateMetrics(good(p, 0.1, now))
	}
	for _, emergency := range []bool{true, false} {
		path, ok := r.FindBestRoute("A", "D", emergency)
		if !ok || !slices.Equal(path, []string{"A", "C", "E", "D"}) {
			t.Fatalf("emergency=%v: unexpected route %v", emergency, path)
		}
	}
}

func TestEmergencyNearTiePrefersFewerHops(t *testing.T) {
	now := time.Now()
	r := NewRouter(diamond(), Options{})
	r.UpdateMetrics(good("B", 0.4, now))
	r.UpdateMetrics(good("C", 0.2, now))
	r.UpdateMetrics(good("E", 0.2, now))
	r.UpdateMetrics(good("D", 0, now))
	path, ok := r.FindBestRoute("A", "D", true)
	if !ok || !slices.Equal(path, []string{"A", "B", "D"}) {
		t.Fatalf("near tie should favour short route, got %v", path)
	}

	r2 := NewRouter(diamond(), Options{})
	r2.UpdateMetrics(good("B", 0.4, now))
	r2.UpdateMetrics(good("C", 0, now))
	r2.UpdateMetrics(good("E", 0, now))
	r2.UpdateMetrics(good("D", 0, now))
	path, ok = r2.FindBestRoute("A", "D", true)
	if !ok || !slices.Equal(path, []string{"A", "C", "E", "D"}) {
		t.Fatalf("clearly better route should win, got %v", path)
	}
}

func TestEmergencyEqualHopsPrefersReliability(t *testing.T) {
	now := time.Now()
	g := topology.New()
	g.AddEdge("S", "A")
	g.AddEdge("A", "T")
	g.AddEdge("S", "B")
	g.AddEdge("B", "T")
	r := NewRouter(g, Options{})
	r.UpdateMetrics(good("T", 0, now))
	r.UpdateMetrics(Metrics{PeerID: "A", SignalStrength: -65, Reachable: true, LastSeen: now})
	r.UpdateMetrics(Metrics{PeerID: "B", SignalStrength: -59, Reachable: true, LastSeen: now})
	relA, relB := r.Reliability([]string{"S", "A", "T"}), r.Reliability([]string{"S", "B", "T"})
	if relB <= relA || relB-relA >= nearTie {
		t.Fatalf("setup: want near tie with B ahead, got A=%.3f B=%.3f", relA, relB)
	}
	path, ok := r.FindBestRoute("S", "T", true)
	if !ok || !slices.Equal(path, []string{"S", "B", "T"}) {
		t.Fatalf("equal hop count should pick the more reliable route, got %v", path)
	}
}

func TestUnreliablePathsRejectedForEmergency(t *testing.T) {
	now := time.Now()
	r := NewRouter(diamond(), Options{})
	r.UpdateMetrics(Metrics{PeerID: "D", SignalStrength: -99, Reachable: true, LastSeen: now})
	if path, ok := r.FindBestRoute("A", "D", true); ok {
		t.Fatalf("emergency must not use an unreliable route, got %v", path)
	}
	if _, cached := r.CachedEmergencyPath("D"); cached {
		t.Fatalf("unreliable route must not be cached")
	}
	path, ok := r.FindBestRoute("A", "D", false)
	if !ok || !slices.Equal(path, []string{"A", "B", "D"}) {
		t.Fatalf("normal traffic should still take the shortest route, got %v", path)
	}
}

func TestEmergencyCacheInvalidatedByFailure(t *testing.T) {
	now := time.Now()
	r := NewRouter(diamond(), Options{})
	for _, p := range []string{"B", "C", "D", "E"} {
		r.UpdateMetrics(good(p, 0, now))
	}
	first, _ := r.FindBestRoute("A", "D", true)
	if cached, ok := r.CachedEmergencyPath("D"); !ok || !slices.Equal(cached, first) {
		t.Fatalf("expected cached path %v, got %v", first, cached)
	}
	r.MarkFailed("B")
	path, ok := r.FindBestRoute("A", "D", true)
	if !ok || !slices.Equal(path, []string{"A", "C", "E", "D"}) {
		t.Fatalf("failed node must be avoided, got %v", path)
	}
	r.UpdateMetrics(good("B", 0, now))
	if r.IsFailed("B") {
		t.Fatalf("reachable metrics should recover B")
	}
}

func TestEmergencyCacheExpires(t *testing.T) {
	mc := clock.NewManual(time.Unix(1000, 0))
	r := NewRouter(diamond(), Options{Clock: mc, EmergencyCacheTTL: time.Minute})
	for _, p := range []string{"B", "C", "D", "E"} {
		r.UpdateMetrics(good(p, 0, mc.Now()))
	}
	r.FindBestRoute("A", "D", true)
	mc.Advance(2 * time.Minute)
	if _, ok := r.cachedPath("D"); ok {
		t.Fatalf("expired cache entry returned")
	}
}

func TestCleanupEvictsStale(t *testing.T) {
	start := time.Unix(1000, 0)
	r := NewRouter(diamond(), Options{StaleTimeout: 30 * time.Second, StaleGrace: time.Minute, Clock: clock.NewManual(start)})
	for _, p := range []string{"B", "C", "D", "E"} {
		r.UpdateMetrics(good(p, 0, start))
	}
	r.FindBestRoute("A", "D", true)
	r.UpdateMetrics(good("D", 0, start.Add(40*time.Second)))

	r.Cleanup(start.Add(40 * time.Second))
	if m, _ := r.Metrics("B"); m.Reachable {
		t.Fatalf("stale peer should be unreachable")
	}
	if _, ok := r.CachedEmergencyPath("D"); ok {
		t.Fatalf("cached path through stale interior should be dropped")
	}
	if removed := r.Cleanup(start.Add(2 * time.Minute)); removed != 3 {
		t.Fatalf("expected 3 evictions, got %d", removed)
	}
	if r.MetricsCount() != 1 {
		t.Fatalf("fresh metrics should survive, have %d", r.MetricsCount())
	}
}

func TestNoRoute(t *testing.T) {
	g := topology.New()
	g.AddEdge("A", "B")
	g.AddPeer("Z")
	r := NewRouter(g, Options{})
	if _, ok := r.FindBestRoute("A", "Z", false); ok {
		t.Fatalf("expected no route")
	}
}
