package proto

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Message is the routed unit of data.
type Message struct {
	ID        string
	Kind      Kind
	SourceID  string
	TargetID  string
	Payload   []byte
	CreatedAt time.Time
	TTL       int
	HopCount  int
	RoutePath []string
}

// NewMessage builds a message originating at source. An empty target means
// broadcast.
func NewMessage(kind Kind, source, target string, payload []byte, now time.Time) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		SourceID:  source,
		TargetID:  target,
		Payload:   payload,
		CreatedAt: now,
		TTL:       kind.InitialTTL(),
		RoutePath: []string{source},
	}
}

func (m *Message) IsBroadcast() bool {
	return m.TargetID == ""
}

func (m *Message) Visited(peer string) bool {
	return slices.Contains(m.RoutePath, peer)
}

func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// Expired reports whether the message is older than its kind allows or
// carries an impossible hop budget. A TTL of zero is still deliverable.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL < 0 || m.Age(now) > m.Kind.MaxAge()
}

// CanForward reports whether a relay may re-emit the message. The copy it
// sends carries TTL-1, so a message arriving with TTL 0 stops here.
func (m *Message) CanForward() bool {
	return m.TTL > 0
}

// Forwarded returns the copy a relay re-emits. The receiver is not modified.
func (m *Message) Forwarded(self string) *Message {
	out := *m
	out.TTL = m.TTL - 1
	out.HopCount = m.HopCount + 1
	out.RoutePath = make([]string, len(m.RoutePath), len(m.RoutePath)+1)
	copy(out.RoutePath, m.RoutePath)
	out.RoutePath = append(out.RoutePath, self)
	return &out
}

// LastHop is the peer that appended itself most recently.
func (m *Message) LastHop() string {
	if len(m.RoutePath) == 0 {
		return ""
	}
	return m.RoutePath[len(m.RoutePath)-1]
}
