package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"signalmesh/internal/crypto"
	"signalmesh/internal/mesh"
	"signalmesh/internal/metrics"
)

type recorder struct {
	mu           sync.Mutex
	frames       map[string][][]byte
	connected    []string
	disconnected []string
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[string][][]byte)}
}

func (r *recorder) HandleInbound(data []byte, from string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[from] = append(r.frames[from], append([]byte(nil), data...))
	return nil
}

func (r *recorder) PeerConnected(peer string) {
	r.mu.Lock()
	r.connected = append(r.connected, peer)
	r.mu.Unlock()
}

func (r *recorder) PeerDisconnected(peer string) {
	r.mu.Lock()
	r.disconnected = append(r.disconnected, peer)
	r.mu.Unlock()
}

func (r *recorder) count(from string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames[from])
}

func (r *recorder) wasDisconnected(peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.disconnected {
		if p == peer {
			return true
		}
	}
	return false
}

func newNode(t *testing.T, id string) (*QUICTransport, *recorder, *crypto.SessionStore) {
	return newNodeWith(t, id, nil)
}

func newNodeWith(t *testing.T, id string, mutate func(*Options)) (*QUICTransport, *recorder, *crypto.SessionStore) {
	t.Helper()
	sessions := crypto.NewSessionStore(id)
	opts := Options{
		NodeID:        id,
		ListenAddr:    "127.0.0.1:0",
		Sessions:      sessions,
		DialAttempts:  1,
		StreamTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	tr, err := NewQUICTransport(opts)
	require.NoError(t, err)
	rec := newRecorder()
	tr.SetInbound(rec)
	require.NoError(t, tr.Listen())
	t.Cleanup(func() { _ = tr.Close() })
	return tr, rec, sessions
}

func TestQUICTransportDialAndSend(t *testing.T) {
	a, _, sa := newNode(t, "alpha")
	b, recB, sb := newNode(t, "bravo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, err := a.Dial(ctx, b.Addr().String())
	require.NoError(t, err)
	require.Equal(t, "bravo", peer)
	require.Eventually(t, func() bool {
		return len(b.ConnectedPeers()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"bravo"}, a.ConnectedPeers())
	require.True(t, sa.HasSessionKey("bravo"))
	require.True(t, sb.HasSessionKey("alpha"))

	sealed, err := sa.Encrypt([]byte("hi"), "bravo")
	require.NoError(t, err)
	var results int
	for res := range a.Send(ctx, sealed, []string{"bravo"}) {
		require.NoError(t, res.Err)
		results++
	}
	require.Equal(t, 1, results)
	require.Eventually(t, func() bool { return recB.count("alpha") == 1 }, 2*time.Second, 10*time.Millisecond)

	recB.mu.Lock()
	frame := recB.frames["alpha"][0]
	recB.mu.Unlock()
	plain, err := sb.Decrypt(frame, "alpha")
	require.NoError(t, err)
	require.Equal(t, "hi", string(plain))
}

func TestQUICTransportPreservesOrder(t *testing.T) {
	a, _, sa := newNode(t, "alpha")
	b, recB, sb := newNode(t, "bravo")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := a.Dial(ctx, b.Addr().String())
	require.NoError(t, err)

	// More frames than the replay window, each sent without waiting for the
	// previous one.
	const n = 200
	var pending []<-chan mesh.SendResult
	for i := 0; i < n; i++ {
		sealed, err := sa.Encrypt([]byte(fmt.Sprintf("m%03d", i)), "bravo")
		require.NoError(t, err)
		pending = append(pending, a.Send(ctx, sealed, []string{"bravo"}))
	}
	for _, ch := range pending {
		for res := range ch {
			require.NoError(t, res.Err)
		}
	}
	require.Eventually(t, func() bool { return recB.count("alpha") == n }, 5*time.Second, 10*time.Millisecond)

	recB.mu.Lock()
	frames := append([][]byte(nil), recB.frames["alpha"]...)
	recB.mu.Unlock()
	for i, frame := range frames {
		plain, err := sb.Decrypt(frame, "alpha")
		require.NoError(t, err, "frame %d", i)
		require.Equal(t, fmt.Sprintf("m%03d", i), string(plain))
	}
}

func TestQUICTransportConnCapCounted(t *testing.T) {
	m := metrics.New()
	b, _, _ := newNodeWith(t, "bravo", func(o *Options) {
		o.MaxConnsPerIP = 1
		o.Metrics = m
	})
	a, _, _ := newNode(t, "alpha")
	c, _, _ := newNode(t, "charlie")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.Dial(ctx, b.Addr().String())
	require.NoError(t, err)
	_, err = c.Dial(ctx, b.Addr().String())
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return m.Snapshot().RejectByReason[rejectConnCap] == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		peers := b.ConnectedPeers()
		return len(peers) == 1 && peers[0] == "alpha"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQUICTransportSendUnknownPeer(t *testing.T) {
	a, _, _ := newNode(t, "alpha")
	for res := range a.Send(context.Background(), []byte("x"), []string{"ghost"}) {
		if !errors.Is(res.Err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", res.Err)
		}
	}
}

func TestQUICTransportRejectsSelfDial(t *testing.T) {
	a, _, _ := newNode(t, "alpha")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.Dial(ctx, a.Addr().String()); err == nil {
		t.Fatalf("expected self connection to fail")
	}
}

func TestQUICTransportReportsDisconnect(t *testing.T) {
	a, recA, _ := newNode(t, "alpha")
	b, _, _ := newNode(t, "bravo")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.Dial(ctx, b.Addr().String())
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return recA.wasDisconnected("bravo") }, 5*time.Second, 20*time.Millisecond)
	require.Empty(t, a.ConnectedPeers())
}

func TestQUICTransportClosedRejectsSend(t *testing.T) {
	a, _, _ := newNode(t, "alpha")
	require.NoError(t, a.Close())
	for res := range a.Send(context.Background(), []byte("x"), []string{"bravo"}) {
		require.ErrorIs(t, res.Err, ErrClosed)
	}
	_, err := a.Dial(context.Background(), "127.0.0.1:1")
	require.ErrorIs(t, err, ErrClosed)
}
