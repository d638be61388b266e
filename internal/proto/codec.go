package proto

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
)

const (
	EnvelopeVersion   = 1
	MaxEnvelopeSize   = 256 << 10
	MaxPayloadSize    = 64 << 10
	MaxRoutePathLen   = 64
	CompressThreshold = 512
	flagSnappyPayload = 1 << 0
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrDecodingFailed = errors.New("decoding failed")
)

type wireEnvelope struct {
	Version uint8    `cbor:"1,keyasint"`
	ID      string   `cbor:"2,keyasint"`
	Kind    uint8    `cbor:"3,keyasint"`
	Source  string   `cbor:"4,keyasint"`
	Target  string   `cbor:"5,keyasint,omitempty"`
	Created int64    `cbor:"6,keyasint"`
	TTL     int      `cbor:"7,keyasint"`
	Hops    int      `cbor:"8,keyasint"`
	Path    []string `cbor:"9,keyasint"`
	Flags   uint8    `cbor:"10,keyasint,omitempty"`
	Payload []byte   `cbor:"11,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("proto: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		MaxArrayElements:  4096,
		MaxMapPairs:       4096,
		MaxNestedLevels:   8,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("proto: cbor dec mode: %v", err))
	}
}

// EncodeMessage serialises m into the versioned envelope. Large payloads are
// snappy-compressed.
func EncodeMessage(m *Message) ([]byte, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	w := wireEnvelope{
		Version: EnvelopeVersion,
		ID:      m.ID,
		Kind:    uint8(m.Kind),
		Source:  m.SourceID,
		Target:  m.TargetID,
		Created: m.CreatedAt.UnixMilli(),
		TTL:     m.TTL,
		Hops:    m.HopCount,
		Path:    m.RoutePath,
		Payload: m.Payload,
	}
	if len(m.Payload) > CompressThreshold {
		w.Payload = snappy.Encode(nil, m.Payload)
		w.Flags |= flagSnappyPayload
	}
	out, err := encMode.Marshal(w)
	if err != nil {
		return nil, err
	}
	if len(out) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: envelope %d bytes", ErrInvalidMessage, len(out))
	}
	return out, nil
}

// DecodeMessage parses an envelope. Structural corruption yields
// ErrDecodingFailed; well-formed but semantically bad envelopes yield
// ErrInvalidMessage.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) == 0 || len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: envelope size %d", ErrInvalidMessage, len(data))
	}
	var w wireEnvelope
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}
	if w.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidMessage, w.Version)
	}
	payload := w.Payload
	if w.Flags&flagSnappyPayload != 0 {
		n, err := snappy.DecodedLen(w.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodingFailed, err)
		}
		if n > MaxPayloadSize {
			return nil, fmt.Errorf("%w: payload %d bytes", ErrInvalidMessage, n)
		}
		payload, err = snappy.Decode(nil, w.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodingFailed, err)
		}
	}
	m := &Message{
		ID:        w.ID,
		Kind:      Kind(w.Kind),
		SourceID:  w.Source,
		TargetID:  w.Target,
		Payload:   payload,
		CreatedAt: time.UnixMilli(w.Created),
		TTL:       w.TTL,
		HopCount:  w.Hops,
		RoutePath: w.Path,
	}
	if err := validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func validate(m *Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if m.ID == "" || m.SourceID == "" {
		return fmt.Errorf("%w: missing id or source", ErrInvalidMessage)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, m.Kind)
	}
	if m.TTL < 0 || m.HopCount < 0 {
		return fmt.Errorf("%w: negative ttl or hop count", ErrInvalidMessage)
	}
	if len(m.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload %d bytes", ErrInvalidMessage, len(m.Payload))
	}
	if len(m.RoutePath) == 0 || len(m.RoutePath) > MaxRoutePathLen {
		return fmt.Errorf("%w: route path length %d", ErrInvalidMessage, len(m.RoutePath))
	}
	seen := make(map[string]struct{}, len(m.RoutePath))
	for _, p := range m.RoutePath {
		if p == "" {
			return fmt.Errorf("%w: empty route path entry", ErrInvalidMessage)
		}
		if _, ok := seen[p]; ok {
			return fmt.Errorf("%w: route path repeats %s", ErrInvalidMessage, p)
		}
		seen[p] = struct{}{}
	}
	return nil
}
