package proto

import (
	"fmt"
	"time"
)

// Heartbeat is the payload of KindHeartbeat. Receivers use it to refresh
// link metrics for the sender.
type Heartbeat struct {
	SentAt    int64    `cbor:"1,keyasint"`
	Neighbors []string `cbor:"2,keyasint,omitempty"`
}

// TopologyGossip is the payload of KindTopology: the sender's view of the
// adjacency map and, when it fits, its encoded blacklist filter.
type TopologyGossip struct {
	Adjacency map[string][]string `cbor:"1,keyasint"`
	Blacklist []byte              `cbor:"2,keyasint,omitempty"`
}

func EncodeHeartbeat(h Heartbeat) ([]byte, error) {
	return encMode.Marshal(h)
}

func DecodeHeartbeat(data []byte) (Heartbeat, error) {
	var h Heartbeat
	if err := decMode.Unmarshal(data, &h); err != nil {
		return Heartbeat{}, fmt.Errorf("%w: heartbeat: %v", ErrDecodingFailed, err)
	}
	return h, nil
}

func (h Heartbeat) Time() time.Time {
	return time.UnixMilli(h.SentAt)
}

func EncodeTopologyGossip(g TopologyGossip) ([]byte, error) {
	return encMode.Marshal(g)
}

func DecodeTopologyGossip(data []byte) (TopologyGossip, error) {
	var g TopologyGossip
	if err := decMode.Unmarshal(data, &g); err != nil {
		return TopologyGossip{}, fmt.Errorf("%w: topology: %v", ErrDecodingFailed, err)
	}
	return g, nil
}
