package mesh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"signalmesh/internal/clock"
)

// memNet connects engines in-process. Send delivers synchronously so tests
// stay deterministic.
type memNet struct {
	mu      sync.Mutex
	engines map[string]*Engine
	links   map[string]map[string]bool
	failing map[string]bool
}

func newMemNet() *memNet {
	return &memNet{
		engines: make(map[string]*Engine),
		links:   make(map[string]map[string]bool),
		failing: make(map[string]bool),
	}
}

type memTransport struct {
	net  *memNet
	self string
}

func (t *memTransport) Send(_ context.Context, data []byte, to []string) <-chan SendResult {
	out := make(chan SendResult, len(to))
	for _, peer := range to {
		t.net.mu.Lock()
		dst := t.net.engines[peer]
		linked := t.net.links[t.self][peer]
		fail := t.net.failing[peer]
		t.net.mu.Unlock()
		if dst == nil || !linked || fail {
			out <- SendResult{Peer: peer, Err: errors.New("unreachable")}
			continue
		}
		buf := append([]byte(nil), data...)
		_ = dst.HandleInbound(buf, t.self)
		out <- SendResult{Peer: peer}
	}
	close(out)
	return out
}

func (t *memTransport) ConnectedPeers() []string {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	var out []string
	for p, ok := range t.net.links[t.self] {
		if ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (n *memNet) add(t *testing.T, id string, mc *clock.Manual, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{NodeID: id, Clock: mc}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg, &memTransport{net: n, self: id}, nil)
	if err != nil {
		t.Fatalf("new engine %s: %v", id, err)
	}
	t.Cleanup(func() { _ = e.Close() })
	n.mu.Lock()
	n.engines[id] = e
	n.links[id] = make(map[string]bool)
	n.mu.Unlock()
	return e
}

func (n *memNet) link(a, b string) {
	n.mu.Lock()
	n.links[a][b] = true
	n.links[b][a] = true
	ea, eb := n.engines[a], n.engines[b]
	n.mu.Unlock()
	ea.PeerConnected(b)
	eb.PeerConnected(a)
}

func (n *memNet) unlink(a, b string) {
	n.mu.Lock()
	delete(n.links[a], b)
	delete(n.links[b], a)
	ea, eb := n.engines[a], n.engines[b]
	n.mu.Unlock()
	ea.PeerDisconnected(b)
	eb.PeerDisconnected(a)
}

// settle drains every engine until all queues are empty.
func (n *memNet) settle(t *testing.T) {
	t.Helper()
	for round := 0; round < 100; round++ {
		busy := false
		n.mu.Lock()
		engines := make([]*Engine, 0, len(n.engines))
		for _, e := range n.engines {
			engines = append(engines, e)
		}
		n.mu.Unlock()
		for _, e := range engines {
			if e.QueueLen() > 0 {
				busy = true
				e.drain(e.clock.Now())
			}
		}
		for _, e := range engines {
			e.sends.Wait()
		}
		if !busy {
			return
		}
	}
	t.Fatalf("network did not settle")
}

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (b *inbox) handler() Handler {
	return func(payload []byte, _ Kind, source string) {
		b.mu.Lock()
		b.msgs = append(b.msgs, source+":"+string(payload))
		b.mu.Unlock()
	}
}

func (b *inbox) list() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs...)
}

func start() *clock.Manual {
	return clock.NewManual(time.Unix(1_700_000_000, 0))
}
