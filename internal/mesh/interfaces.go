package mesh

import "context"

// SendResult reports the outcome of a transmission to one peer.
type SendResult struct {
	Peer string
	Err  error
}

// Transport moves opaque bytes to directly connected peers. Send must not
// block on the network: it returns a channel that yields one result per
// requested peer and is then closed. Inbound data and peer churn are reported
// by calling Engine.HandleInbound, Engine.PeerConnected and
// Engine.PeerDisconnected.
type Transport interface {
	Send(ctx context.Context, data []byte, to []string) <-chan SendResult
	ConnectedPeers() []string
}

// Security encrypts traffic per peer once a session key exists.
type Security interface {
	HasSessionKey(peer string) bool
	Encrypt(data []byte, peer string) ([]byte, error)
	Decrypt(data []byte, peer string) ([]byte, error)
	RemoveSessionKey(peer string)
}

// Handler receives delivered payloads.
type Handler func(payload []byte, kind Kind, source string)

type plaintext struct{}

func (plaintext) HasSessionKey(string) bool                  { return false }
func (plaintext) Encrypt(b []byte, _ string) ([]byte, error) { return b, nil }
func (plaintext) Decrypt(b []byte, _ string) ([]byte, error) { return b, nil }
func (plaintext) RemoveSessionKey(string)                    {}
