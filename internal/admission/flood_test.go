package admission

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestFloodGuardSixtyPerMinute(t *testing.T) {
	g := NewFloodGuard(60)
	now := time.Unix(1000, 0)
	for i := 0; i < 60; i++ {
		if d := g.Check("Y", false, now.Add(time.Duration(i)*100*time.Millisecond)); !d.Allowed {
			t.Fatalf("message %d blocked", i)
		}
	}
	d := g.Check("Y", false, now.Add(7*time.Second))
	if d.Allowed || !d.FirstBlock || d.InWindow != 60 {
		t.Fatalf("61st message should be blocked once: %+v", d)
	}
	if d := g.Check("Y", false, now.Add(7*time.Second)); d.Allowed || d.FirstBlock {
		t.Fatalf("repeat block should not be first: %+v", d)
	}
	if !g.Allow("Y", true, now.Add(7*time.Second)) {
		t.Fatalf("emergency must pass")
	}
	if !g.Allow("Z", false, now.Add(7*time.Second)) {
		t.Fatalf("other peers are independent")
	}
	if !g.Allow("Y", false, now.Add(61*time.Second)) {
		t.Fatalf("window should slide")
	}
}

func TestFloodGuardPrune(t *testing.T) {
	g := NewFloodGuard(5)
	now := time.Unix(0, 0)
	g.Allow("a", false, now)
	g.Allow("b", false, now.Add(50*time.Second))
	if n := g.Prune(now.Add(90 * time.Second)); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if g.Tracked() != 1 {
		t.Fatalf("expected 1 tracked peer")
	}
}

func TestFloodGuardNeverBlocksEmergency(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := NewFloodGuard(rapid.IntRange(1, 10).Draw(t, "cap"))
		now := time.Unix(0, 0)
		n := rapid.IntRange(1, 300).Draw(t, "n")
		for i := 0; i < n; i++ {
			emergency := rapid.Bool().Draw(t, "emergency")
			now = now.Add(time.Duration(rapid.IntRange(0, 500).Draw(t, "gap")) * time.Millisecond)
			if d := g.Check("p", emergency, now); emergency && !d.Allowed {
				t.Fatalf("emergency message blocked")
			}
		}
	})
}
