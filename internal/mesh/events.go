package mesh

import (
	"time"
)

type EventType int

const (
	EventMessageReceived EventType = iota + 1
	EventEmergencyReceived
	EventTopologyChanged
	EventPeerBlacklisted
	EventMessageDropped
)

func (t EventType) String() string {
	switch t {
	case EventMessageReceived:
		return "message_received"
	case EventEmergencyReceived:
		return "emergency_received"
	case EventTopologyChanged:
		return "topology_changed"
	case EventPeerBlacklisted:
		return "peer_blacklisted"
	case EventMessageDropped:
		return "message_dropped"
	default:
		return "unknown"
	}
}

// Event is published to subscribers. Only the fields relevant to Type are
// set.
type Event struct {
	Type      EventType
	At        time.Time
	MessageID string
	Kind      Kind
	Source    string
	Peer      string
	Payload   []byte
	Reason    string
	Topology  map[string][]string
}

// Drop reasons used in events and metrics.
const (
	DropDecode      = "decode"
	DropBlacklisted = "blacklisted"
	DropFlood       = "flood"
	DropDuplicate   = "duplicate"
	DropRateLimit   = "rate_limit"
	DropOverload    = "overload"
	DropInternal    = "internal"
	DropLoop        = "loop"
	DropExpired     = "expired"
	DropTTL         = "ttl"
	DropNoRoute     = "no_route"
	DropNoHandler   = "no_handler"
	DropQueueFull   = "queue_full"
	DropEncode      = "encode"
)

type subscriber struct {
	ch chan Event
}

// Subscribe returns a channel of engine events and a function that cancels
// the subscription. Publishing never blocks: a subscriber whose buffer is
// full misses events.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = sub
	e.subMu.Unlock()
	var once bool
	return sub.ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if once {
			return
		}
		once = true
		delete(e.subs, id)
		close(sub.ch)
	}
}

func (e *Engine) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.clock.Now()
	}
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, sub := range e.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
