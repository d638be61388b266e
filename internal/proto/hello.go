package proto

import (
	"encoding/hex"
	"fmt"
)

const (
	HelloVersion = 1
	MaxHelloSize = 1 << 10
)

// Hello opens every transport connection. It names the sender and carries
// an ephemeral X25519 key for the session handshake.
type Hello struct {
	Version   uint8  `cbor:"1,keyasint"`
	NodeID    string `cbor:"2,keyasint"`
	Ephemeral []byte `cbor:"3,keyasint"`
}

func EncodeHello(h Hello) ([]byte, error) {
	if h.Version == 0 {
		h.Version = HelloVersion
	}
	return encMode.Marshal(h)
}

func DecodeHello(data []byte) (Hello, error) {
	if len(data) == 0 || len(data) > MaxHelloSize {
		return Hello{}, fmt.Errorf("%w: hello size %d", ErrInvalidMessage, len(data))
	}
	var h Hello
	if err := decMode.Unmarshal(data, &h); err != nil {
		return Hello{}, fmt.Errorf("%w: hello: %v", ErrDecodingFailed, err)
	}
	if h.Version != HelloVersion {
		return Hello{}, fmt.Errorf("%w: hello version %d", ErrInvalidMessage, h.Version)
	}
	if h.NodeID == "" {
		return Hello{}, fmt.Errorf("%w: hello missing node id", ErrInvalidMessage)
	}
	return h, nil
}

func (h Hello) String() string {
	return fmt.Sprintf("hello{node=%s eph=%s}", h.NodeID, hex.EncodeToString(h.Ephemeral))
}
