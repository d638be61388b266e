package route

import (
	"time"
)

const (
	DefaultStaleTimeout = 30 * time.Second
	DefaultStaleGrace   = 5 * time.Minute

	// Signal strength is reported in dBm. Anything at or above -30 counts as
	// a perfect link, -100 as none.
	signalFloor = -100.0
	signalSpan  = 70.0
)

// Metrics is the local view of one peer's link quality.
type Metrics struct {
	PeerID         string
	SignalStrength float64
	PacketLoss     float64
	Reachable      bool
	LastSeen       time.Time
}

// Score folds signal and loss into [0,1]. Unreachable peers score 0.
func (m Metrics) Score() float64 {
	if !m.Reachable {
		return 0
	}
	sig := clamp((m.SignalStrength-signalFloor)/signalSpan, 0, 1)
	return sig * (1 - clamp(m.PacketLoss, 0, 1))
}

func (m Metrics) IsStale(now time.Time, timeout time.Duration) bool {
	return now.Sub(m.LastSeen) > timeout
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
