package proto

import (
	"fmt"
	"time"
)

// Kind identifies the application class of a message. Priority, emergency
// flag, initial TTL and max age are fixed per kind.
type Kind uint8

const (
	KindEmergencyMedical Kind = iota + 1
	KindEmergencyDanger
	KindSignal
	KindSystem
	KindHeartbeat
	KindTopology
	KindKeyExchange
	KindChat
	KindGame
)

type kindInfo struct {
	name      string
	priority  int
	emergency bool
	ttl       int
	maxAge    time.Duration
}

var kinds = map[Kind]kindInfo{
	KindEmergencyMedical: {"emergency_medical", 100, true, 20, 30 * time.Minute},
	KindEmergencyDanger:  {"emergency_danger", 100, true, 20, 30 * time.Minute},
	KindSignal:           {"signal", 90, true, 20, 30 * time.Minute},
	KindSystem:           {"system", 80, false, 10, 10 * time.Minute},
	KindHeartbeat:        {"heartbeat", 70, false, 1, time.Minute},
	KindTopology:         {"topology", 60, false, 4, 2 * time.Minute},
	KindKeyExchange:      {"key_exchange", 50, false, 3, 2 * time.Minute},
	KindChat:             {"chat", 30, false, 10, 10 * time.Minute},
	KindGame:             {"game", 20, false, 6, 5 * time.Minute},
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) Priority() int {
	return kinds[k].priority
}

func (k Kind) Emergency() bool {
	return kinds[k].emergency
}

// InitialTTL is the hop budget given to a freshly originated message.
func (k Kind) InitialTTL() int {
	return kinds[k].ttl
}

func (k Kind) MaxAge() time.Duration {
	return kinds[k].maxAge
}

// ParseKind maps a kind name back to its value.
func ParseKind(s string) (Kind, error) {
	for k, info := range kinds {
		if info.name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}

// AllKinds lists every known kind in ascending value order.
func AllKinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := KindEmergencyMedical; k <= KindGame; k++ {
		out = append(out, k)
	}
	return out
}
