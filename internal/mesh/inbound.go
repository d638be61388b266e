package mesh

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signalmesh/internal/admission"
	"signalmesh/internal/bloom"
	"signalmesh/internal/debuglog"
	"signalmesh/internal/proto"
	"signalmesh/internal/queue"
	"signalmesh/internal/trust"
)

// HandleInbound processes bytes received from a directly connected peer.
// Admission rejections are dropped silently; only rate limiting and overload
// are returned so the caller can back off.
func (e *Engine) HandleInbound(data []byte, from string) error {
	if from == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	now := e.clock.Now()
	plain := data
	if e.security.HasSessionKey(from) {
		p, err := e.security.Decrypt(data, from)
		if err != nil {
			e.decodeFailure(from, now, fmt.Errorf("%w: decrypt: %v", ErrDecodingFailed, err))
			return nil
		}
		plain = p
	}
	msg, err := proto.DecodeMessage(plain)
	if err != nil {
		e.decodeFailure(from, now, err)
		return nil
	}
	return e.admit(msg, from, now)
}

// decodeFailure drops undecodable input. Repeated failures from one peer
// inside the window count as a malformed-message violation.
func (e *Engine) decodeFailure(from string, now time.Time, err error) {
	e.dropped("", 0, from, DropDecode)
	debuglog.RateLimitedf("decode:"+from, 10*time.Second, "mesh: undecodable input from %s: %v", from, err)
	e.decodeMu.Lock()
	times := pruneTimes(e.decodeFails[from], now.Add(-e.cfg.DecodeFailureWindow))
	times = append(times, now)
	violate := len(times) >= e.cfg.DecodeFailureLimit
	if violate {
		delete(e.decodeFails, from)
	} else {
		e.decodeFails[from] = times
	}
	e.decodeMu.Unlock()
	if violate {
		e.trust.RecordViolation(from, trust.ViolationMalformed)
	}
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

func (e *Engine) admit(msg *proto.Message, from string, now time.Time) error {
	if e.trust.IsBlacklisted(from) || e.trust.IsBlacklisted(msg.SourceID) {
		e.dropped(msg.ID, msg.Kind, from, DropBlacklisted)
		return nil
	}
	emergency := msg.Kind.Emergency()
	if d := e.flood.Check(from, emergency, now); !d.Allowed {
		if d.FirstBlock {
			e.trust.RecordExcessiveBroadcast(from, d.InWindow+1, time.Minute)
			e.metrics.SetBlacklisted(len(e.trust.Blacklist()))
		}
		e.dropped(msg.ID, msg.Kind, from, DropFlood)
		return nil
	}
	dup, err := e.dedup.CheckSafe(msg.ID, now)
	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		e.dropped(msg.ID, msg.Kind, from, DropRateLimit)
		return err
	case errors.Is(err, ErrSystemOverload):
		e.dropped(msg.ID, msg.Kind, from, DropOverload)
		return err
	case err != nil:
		e.log.Warn("admission failure", zap.String("peer", from), zap.Error(err))
		e.dropped(msg.ID, msg.Kind, from, DropInternal)
		return nil
	case dup:
		e.dropped(msg.ID, msg.Kind, from, DropDuplicate)
		return nil
	}
	if msg.Visited(e.self) {
		e.dropped(msg.ID, msg.Kind, from, DropLoop)
		return nil
	}
	if msg.Expired(now) {
		e.dropped(msg.ID, msg.Kind, from, DropExpired)
		return nil
	}

	e.trust.RecordSuccess(from, msg.Kind)
	e.router.Touch(from, now)
	e.metrics.IncReceived(msg.Kind.String())

	switch msg.Kind {
	case proto.KindHeartbeat:
		e.consumeHeartbeat(msg, from)
		return nil
	case proto.KindTopology:
		e.consumeTopology(msg, from)
	default:
		if msg.TargetID == e.self || msg.IsBroadcast() {
			e.deliver(msg, now)
		}
	}
	if msg.TargetID == e.self {
		return nil
	}
	if !msg.CanForward() {
		e.dropped(msg.ID, msg.Kind, from, DropTTL)
		return nil
	}
	e.enqueue(queue.Item{Msg: msg.Forwarded(e.self), From: from, EnqueuedAt: now})
	e.metrics.IncForwarded()
	return nil
}

func (e *Engine) consumeHeartbeat(msg *proto.Message, from string) {
	hb, err := proto.DecodeHeartbeat(msg.Payload)
	if err != nil {
		e.decodeFailure(from, e.clock.Now(), err)
		return
	}
	if e.topo.Merge(map[string][]string{from: hb.Neighbors}) {
		e.fireTopologyChanged()
	}
}

func (e *Engine) consumeTopology(msg *proto.Message, from string) {
	g, err := proto.DecodeTopologyGossip(msg.Payload)
	if err != nil {
		e.decodeFailure(from, e.clock.Now(), err)
		return
	}
	if e.topo.Merge(g.Adjacency) {
		e.fireTopologyChanged()
	}
	if len(g.Blacklist) == 0 {
		return
	}
	switch err := e.trust.MergeFilter(g.Blacklist); {
	case errors.Is(err, bloom.ErrEncoding):
		e.decodeFailure(from, e.clock.Now(), err)
	case err != nil:
		debuglog.RateLimitedf("filter:"+msg.SourceID, time.Minute, "mesh: filter from %s not merged: %v", msg.SourceID, err)
	}
}

// deliver hands the payload to local handlers. Handler panics are recovered
// and count against the overload breaker.
func (e *Engine) deliver(msg *proto.Message, now time.Time) {
	emergency := msg.Kind.Emergency()
	e.hmu.RLock()
	h := e.handlers[msg.Kind]
	eh := e.emergencyHandler
	e.hmu.RUnlock()
	if !emergency {
		eh = nil
	}

	evType := EventMessageReceived
	if emergency {
		evType = EventEmergencyReceived
	}
	e.publish(Event{Type: evType, At: now, MessageID: msg.ID, Kind: msg.Kind, Source: msg.SourceID, Payload: msg.Payload})

	if h == nil && eh == nil {
		e.log.Debug("no handler", zap.Stringer("kind", msg.Kind), zap.Error(ErrHandlerMissing))
		e.dropped(msg.ID, msg.Kind, msg.SourceID, DropNoHandler)
		return
	}
	err := e.dedup.Guard(now, func() error {
		if h != nil {
			h(msg.Payload, msg.Kind, msg.SourceID)
		}
		if eh != nil {
			eh(msg.Payload, msg.Kind, msg.SourceID)
		}
		return nil
	})
	if err != nil {
		e.log.Warn("handler failed", zap.Stringer("kind", msg.Kind), zap.Error(err))
		if errors.Is(err, admission.ErrSystemOverload) {
			e.dropped(msg.ID, msg.Kind, msg.SourceID, DropOverload)
		}
		return
	}
	e.metrics.IncDelivered()
}
