package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"signalmesh/internal/metrics"
	"signalmesh/internal/proto"
)

func TestDirectDelivery(t *testing.T) {
	mc := start()
	n := newMemNet()
	a := n.add(t, "A", mc, nil)
	b := n.add(t, "B", mc, nil)
	n.link("A", "B")
	var got inbox
	b.OnMessage(proto.KindChat, got.handler())

	_, err := a.SendDirect([]byte("hi"), "B", proto.KindChat)
	require.NoError(t, err)
	n.settle(t)
	require.Equal(t, []string{"A:hi"}, got.list())
}

func TestMultiHopDirect(t *testing.T) {
	mc := start()
	n := newMemNet()
	a := n.add(t, "A", mc, nil)
	n.add(t, "B", mc, nil)
	c := n.add(t, "C", mc, nil)
	n.link("A", "B")
	n.link("B", "C")

	// A learns B-C from B's heartbeat.
	_, err := a.SendDirect([]byte("x"), "C", proto.KindChat)
	require.ErrorIs(t, err, ErrNoRouteFound)
	now := mc.Advance(DefaultHeartbeatInterval)
	n.engines["B"].Tick(now)
	n.settle(t)
	require.Contains(t, a.TopologySnapshot()["B"], "C")

	var got inbox
	c.OnMessage(proto.KindChat, got.handler())
	_, err = a.SendDirect([]byte("relay me"), "C", proto.KindChat)
	require.NoError(t, err)
	n.settle(t)
	require.Equal(t, []string{"A:relay me"}, got.list())
}

func TestBroadcastReachesEveryNodeOnce(t *testing.T) {
	mc := start()
	n := newMemNet()
	ids := []string{"A", "B", "C", "D"}
	boxes := map[string]*inbox{}
	for _, id := range ids {
		e := n.add(t, id, mc, nil)
		boxes[id] = &inbox{}
		e.OnMessage(proto.KindChat, boxes[id].handler())
	}
	n.link("A", "B")
	n.link("B", "C")
	n.link("C", "A")
	n.link("C", "D")

	_, err := n.engines["A"].Broadcast([]byte("all"), proto.KindChat)
	require.NoError(t, err)
	n.settle(t)
	require.Empty(t, boxes["A"].list(), "origin must not deliver to itself")
	for _, id := range ids[1:] {
		require.Equal(t, []string{"A:all"}, boxes[id].list(), "node %s", id)
	}
}

func TestTTLOneIsForwardedOnce(t *testing.T) {
	mc := start()
	n := newMemNet()
	n.add(t, "A", mc, nil)
	b := n.add(t, "B", mc, nil)
	c := n.add(t, "C", mc, nil)
	n.link("A", "B")
	n.link("B", "C")
	var atC inbox
	c.OnMessage(proto.KindChat, atC.handler())

	msg := proto.NewMessage(proto.KindChat, "A", "", []byte("short"), mc.Now())
	msg.TTL = 1
	data, err := proto.EncodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, b.HandleInbound(data, "A"))
	require.Equal(t, 1, b.QueueLen(), "ttl 1 is forwarded once")

	var seenTTL int
	ch, cancel := c.Subscribe(16)
	defer cancel()
	b.drain(mc.Now())
	b.sends.Wait()
	require.Equal(t, []string{"A:short"}, atC.list())
	require.Zero(t, c.QueueLen(), "ttl 0 must not be forwarded again")
	for {
		select {
		case ev := <-ch:
			if ev.Type == EventMessageDropped && ev.Reason == DropTTL {
				seenTTL++
			}
			continue
		default:
		}
		break
	}
	require.Equal(t, 1, seenTTL)
}

func TestEmergencyWithoutReliableRouteFloods(t *testing.T) {
	mc := start()
	n := newMemNet()
	a := n.add(t, "A", mc, nil)
	n.add(t, "B", mc, nil)
	c := n.add(t, "C", mc, nil)
	dm := metrics.New()
	n.add(t, "D", mc, func(cfg *Config) { cfg.Metrics = dm })
	n.link("A", "B")
	n.link("B", "C")
	n.link("A", "D")
	now := mc.Advance(DefaultHeartbeatInterval)
	n.engines["B"].Tick(now)
	n.settle(t)
	a.UpdateNodeMetrics("C", -99, 0)

	var got inbox
	c.OnMessage(proto.KindSignal, got.handler())
	_, err := a.SendDirect([]byte("sos"), "C", proto.KindSignal)
	require.NoError(t, err)
	n.settle(t)
	require.Equal(t, []string{"A:sos"}, got.list())
	require.Equal(t, uint64(1), dm.Snapshot().ReceivedByKind["signal"], "every neighbour gets the flood")
}

func TestLoopIsDropped(t *testing.T) {
	mc := start()
	n := newMemNet()
	b := n.add(t, "B", mc, nil)
	var got inbox
	b.OnMessage(proto.KindChat, got.handler())
	msg := proto.NewMessage(proto.KindChat, "A", "", []byte("loop"), mc.Now())
	msg.RoutePath = []string{"A", "B", "C"}
	data, err := proto.EncodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, b.HandleInbound(data, "C"))
	require.Empty(t, got.list())
	require.Zero(t, b.QueueLen())
}

func TestFloodGuardBlocksButEmergencyPasses(t *testing.T) {
	mc := start()
	n := newMemNet()
	b := n.add(t, "B", mc, func(c *Config) { c.RatePerSecond = 1000 })
	var chat, emerg inbox
	b.OnMessage(proto.KindChat, chat.handler())
	b.OnEmergency(emerg.handler())

	for i := 0; i < 61; i++ {
		m := proto.NewMessage(proto.KindChat, "Y", "B", []byte(fmt.Sprint(i)), mc.Now())
		data, _ := proto.EncodeMessage(m)
		require.NoError(t, b.HandleInbound(data, "Y"))
	}
	require.Len(t, chat.list(), 60)
	// 60 successes clamp at 100, then the 61/min tier costs 3.
	require.Equal(t, 97.0, b.TrustScore("Y"))

	m := proto.NewMessage(proto.KindEmergencyMedical, "Y", "B", []byte("help"), mc.Now())
	data, _ := proto.EncodeMessage(m)
	require.NoError(t, b.HandleInbound(data, "Y"))
	require.Equal(t, []string{"Y:help"}, emerg.list())
}

func TestRateLimitReturnedToCaller(t *testing.T) {
	mc := start()
	n := newMemNet()
	b := n.add(t, "B", mc, func(c *Config) { c.RatePerSecond = 5 })
	var err error
	for i := 0; i < 6; i++ {
		m := proto.NewMessage(proto.KindChat, "Y", "B", nil, mc.Now())
		data, _ := proto.EncodeMessage(m)
		err = b.HandleInbound(data, fmt.Sprintf("peer%d", i))
	}
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	mc.Advance(time.Second)
	m := proto.NewMessage(proto.KindChat, "Y", "B", nil, mc.Now())
	data, _ := proto.EncodeMessage(m)
	require.NoError(t, b.HandleInbound(data, "peer9"))
}

func TestRepeatedDecodeFailuresPenalise(t *testing.T) {
	mc := start()
	n := newMemNet()
	b := n.add(t, "B", mc, nil)
	for i := 0; i < 2; i++ {
		require.NoError(t, b.HandleInbound([]byte{0xff, 0x00}, "X"))
	}
	require.Equal(t, 50.0, b.TrustScore("X"), "isolated failures are recovered locally")
	require.NoError(t, b.HandleInbound([]byte("garbage"), "X"))
	require.Equal(t, 48.0, b.TrustScore("X"))
}

func TestBlacklistedSenderDropped(t *testing.T) {
	mc := start()
	n := newMemNet()
	b := n.add(t, "B", mc, nil)
	var got inbox
	b.OnMessage(proto.KindChat, got.handler())
	events, cancel := b.Subscribe(8)
	defer cancel()
	b.AddToBlacklist("M", "test")
	ev := <-events
	require.Equal(t, EventPeerBlacklisted, ev.Type)
	require.Equal(t, "M", ev.Peer)

	m := proto.NewMessage(proto.KindChat, "M", "B", []byte("spam"), mc.Now())
	data, _ := proto.EncodeMessage(m)
	require.NoError(t, b.HandleInbound(data, "M"))
	require.Empty(t, got.list())
}

func TestSendEmergencyRejectsNormalKind(t *testing.T) {
	mc := start()
	n := newMemNet()
	a := n.add(t, "A", mc, nil)
	_, err := a.SendEmergency([]byte("x"), proto.KindChat)
	require.ErrorIs(t, err, ErrInvalidMessage)
	id, err := a.SendEmergency([]byte("x"), proto.KindSignal)
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestSendFailureMarksPeerFailed(t *testing.T) {
	mc := start()
	n := newMemNet()
	a := n.add(t, "A", mc, nil)
	n.add(t, "B", mc, nil)
	n.link("A", "B")
	n.failing["B"] = true
	_, err := a.Broadcast([]byte("x"), proto.KindChat)
	require.NoError(t, err)
	n.settle(t)
	require.True(t, a.Router().IsFailed("B"))
	require.Zero(t, a.QueueLen(), "failed sends are not retried")
}

func TestHandlerPanicRecovered(t *testing.T) {
	mc := start()
	n := newMemNet()
	b := n.add(t, "B", mc, nil)
	b.OnMessage(proto.KindChat, func([]byte, Kind, string) { panic("boom") })
	m := proto.NewMessage(proto.KindChat, "A", "B", nil, mc.Now())
	data, _ := proto.EncodeMessage(m)
	require.NotPanics(t, func() { _ = b.HandleInbound(data, "A") })
}

func TestEmergencyDrainsFirst(t *testing.T) {
	mc := start()
	n := newMemNet()
	a := n.add(t, "A", mc, nil)
	b := n.add(t, "B", mc, nil)
	n.link("A", "B")
	var order []string
	b.OnMessage(proto.KindChat, func(p []byte, _ Kind, _ string) { order = append(order, string(p)) })
	b.OnMessage(proto.KindEmergencyDanger, func(p []byte, _ Kind, _ string) { order = append(order, string(p)) })
	_, _ = a.Broadcast([]byte("chat"), proto.KindChat)
	_, _ = a.SendEmergency([]byte("fire"), proto.KindEmergencyDanger)
	n.settle(t)
	require.Equal(t, []string{"fire", "chat"}, order)
}

func TestPeerDisconnectUpdatesTopology(t *testing.T) {
	mc := start()
	n := newMemNet()
	a := n.add(t, "A", mc, nil)
	n.add(t, "B", mc, nil)
	var snaps []map[string][]string
	a.OnTopologyChanged(func(m map[string][]string) { snaps = append(snaps, m) })
	n.link("A", "B")
	require.True(t, slices.Contains(a.TopologySnapshot()["A"], "B"))
	n.unlink("A", "B")
	_, present := a.TopologySnapshot()["B"]
	require.False(t, present)
	require.Len(t, snaps, 2)
}

func TestMergeTopologySkipsOwnEdges(t *testing.T) {
	mc := start()
	n := newMemNet()
	a := n.add(t, "A", mc, nil)
	changed := a.MergeTopology(map[string][]string{
		"A": {"Z"},
		"B": {"A", "C"},
		"C": {"B"},
	})
	require.True(t, changed)
	snap := a.TopologySnapshot()
	require.Equal(t, []string{"C"}, snap["B"])
	require.Empty(t, snap["A"])
	_, hasZ := snap["Z"]
	require.False(t, hasZ)
	require.False(t, a.MergeTopology(map[string][]string{"C": {"B"}}))
}

func TestFilterGossip(t *testing.T) {
	mc := start()
	n := newMemNet()
	a := n.add(t, "A", mc, nil)
	b := n.add(t, "B", mc, nil)
	a.AddToBlacklist("mallory", "forged")
	data, err := a.ExportFilter()
	require.NoError(t, err)
	require.NoError(t, b.ImportFilter(data))
	require.True(t, b.IsBlacklisted("mallory"))
	require.Error(t, b.ImportFilter([]byte("junk")))
}

func TestBlacklistSpreadsThroughGossip(t *testing.T) {
	mc := start()
	n := newMemNet()
	a := n.add(t, "A", mc, nil)
	b := n.add(t, "B", mc, nil)
	n.add(t, "C", mc, nil)
	a.AddToBlacklist("mallory", "forged")
	n.link("A", "B")
	n.link("B", "C")
	require.False(t, b.IsBlacklisted("mallory"))

	now := mc.Advance(DefaultGossipInterval)
	a.Tick(now)
	n.settle(t)
	require.True(t, b.IsBlacklisted("mallory"))
	require.True(t, n.engines["C"].IsBlacklisted("mallory"), "gossip is forwarded")
	require.False(t, b.IsBlacklisted("A"))
}

func TestNoSendsAfterClose(t *testing.T) {
	mc := start()
	n := newMemNet()
	a := n.add(t, "A", mc, nil)
	b := n.add(t, "B", mc, nil)
	c := n.add(t, "C", mc, nil)
	n.link("A", "B")
	n.link("C", "B")
	var got inbox
	b.OnMessage(proto.KindChat, got.handler())

	_, err := a.Broadcast([]byte("late"), proto.KindChat)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	a.drain(mc.Now())
	require.Empty(t, got.list())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_, _ = c.Broadcast([]byte(fmt.Sprint(i)), proto.KindChat)
			c.drain(mc.Now())
		}
	}()
	require.NoError(t, c.Close())
	<-done
}

func TestRunStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := newMemNet()
	cfg := Config{NodeID: "A", DrainInterval: time.Millisecond}
	e, err := New(cfg, &memTransport{net: n, self: "A"}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Run did not return")
	}
	require.NoError(t, e.Close())
	if err := e.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
