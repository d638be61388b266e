package mesh

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"signalmesh/internal/proto"
	"signalmesh/internal/queue"
)

// Broadcast floods payload to the whole mesh.
func (e *Engine) Broadcast(payload []byte, kind Kind) (string, error) {
	return e.originate(kind, "", payload)
}

// SendDirect routes payload to one peer. It fails with ErrNoRouteFound when
// the peer is neither connected nor reachable through the known topology.
func (e *Engine) SendDirect(payload []byte, peer string, kind Kind) (string, error) {
	if peer == "" || peer == e.self {
		return "", fmt.Errorf("%w: bad target %q", ErrInvalidMessage, peer)
	}
	if !e.connectedSet().Contains(peer) {
		if _, ok := e.router.FindBestRoute(e.self, peer, false); !ok {
			return "", fmt.Errorf("%w: %s", ErrNoRouteFound, peer)
		}
	}
	return e.originate(kind, peer, payload)
}

// SendEmergency broadcasts an emergency kind. Other kinds are rejected.
func (e *Engine) SendEmergency(payload []byte, kind Kind) (string, error) {
	if !kind.Emergency() {
		return "", fmt.Errorf("%w: %s is not an emergency kind", ErrInvalidMessage, kind)
	}
	return e.originate(kind, "", payload)
}

func (e *Engine) originate(kind Kind, target string, payload []byte) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, kind)
	}
	if len(payload) > proto.MaxPayloadSize {
		return "", fmt.Errorf("%w: payload %d bytes", ErrInvalidMessage, len(payload))
	}
	now := e.clock.Now()
	msg := proto.NewMessage(kind, e.self, target, payload, now)
	if !e.enqueue(queue.Item{Msg: msg, EnqueuedAt: now}) {
		return "", fmt.Errorf("%w: outbound queue full", ErrSystemOverload)
	}
	return msg.ID, nil
}

func (e *Engine) enqueue(it queue.Item) bool {
	ok := e.queue.Enqueue(it)
	if !ok {
		e.dropped(it.Msg.ID, it.Msg.Kind, it.From, DropQueueFull)
	}
	e.metrics.SetQueueDepth(e.queue.Len())
	return ok
}

func (e *Engine) drain(now time.Time) {
	for i := 0; i < e.cfg.DrainBatch; i++ {
		it, ok := e.queue.Dequeue(now)
		if !ok {
			break
		}
		targets := e.targetsFor(it)
		if len(targets) == 0 {
			if !it.Msg.IsBroadcast() {
				e.dropped(it.Msg.ID, it.Msg.Kind, it.Msg.TargetID, DropNoRoute)
			}
			continue
		}
		e.transmit(it.Msg, targets)
	}
	e.metrics.SetQueueDepth(e.queue.Len())
}

// targetsFor picks next hops. Broadcasts fan out to every connected peer that
// has not already seen the message; direct messages take the router's next
// hop. Emergency messages without a reliable route are flooded instead.
func (e *Engine) targetsFor(it queue.Item) []string {
	connected := e.connectedSet()
	msg := it.Msg
	if msg.IsBroadcast() {
		return e.fanout(it)
	}
	if connected.Contains(msg.TargetID) && !e.router.IsFailed(msg.TargetID) {
		return []string{msg.TargetID}
	}
	path, ok := e.router.FindBestRoute(e.self, msg.TargetID, msg.Kind.Emergency())
	if !ok && msg.Kind.Emergency() {
		return e.fanout(it)
	}
	if !ok || len(path) < 2 || path[0] != e.self {
		return nil
	}
	next := path[1]
	if !connected.Contains(next) || msg.Visited(next) {
		return nil
	}
	return []string{next}
}

func (e *Engine) fanout(it queue.Item) []string {
	var out []string
	for _, p := range e.transport.ConnectedPeers() {
		if p == it.From || p == e.self || it.Msg.Visited(p) {
			continue
		}
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// transmit encodes once, encrypts per peer and sends without waiting. Send
// outcomes only update router state.
func (e *Engine) transmit(msg *proto.Message, peers []string) {
	data, err := proto.EncodeMessage(msg)
	if err != nil {
		e.log.Warn("encode failed", zap.String("id", msg.ID), zap.Error(err))
		e.dropped(msg.ID, msg.Kind, "", DropEncode)
		return
	}
	for _, peer := range peers {
		out := data
		if e.security.HasSessionKey(peer) {
			sealed, err := e.security.Encrypt(data, peer)
			if err != nil {
				e.log.Warn("encrypt failed", zap.String("peer", peer), zap.Error(err))
				e.onSendResult(SendResult{Peer: peer, Err: err})
				continue
			}
			out = sealed
		}
		if !e.beginSend() {
			return
		}
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.SendTimeout)
		results := e.transport.Send(ctx, out, []string{peer})
		go func() {
			defer e.sends.Done()
			defer cancel()
			for r := range results {
				e.onSendResult(r)
			}
		}()
	}
}

// beginSend registers an in-flight send unless the engine is closed.
func (e *Engine) beginSend() bool {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.closed {
		return false
	}
	e.sends.Add(1)
	return true
}

// onSendResult never retries: a failed hop is marked so later route choices
// avoid it.
func (e *Engine) onSendResult(r SendResult) {
	if r.Err != nil {
		e.router.MarkFailed(r.Peer)
		e.metrics.IncSendFailure()
		e.log.Debug("send failed", zap.String("peer", r.Peer), zap.Error(r.Err))
		return
	}
	e.router.Touch(r.Peer, e.clock.Now())
	e.metrics.IncSent()
}
