package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// Fixed suite: X25519 ephemeral agreement, SHA3-256 KDF,
// XChaCha20-Poly1305 AEAD.

const (
	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX
)

var errEmptyKey = errors.New("empty key material")

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF hashes a domain label followed by every part.
func KDF(label string, parts ...[]byte) []byte {
	h := sha3.New256()
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func newAEAD(key32, nonce24 []byte) (interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if nonce24 != nil && len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	return chacha20poly1305.NewX(key32)
}

// XSeal seals under a random nonce and returns both.
func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ct, err := XSealWithNonce(key32, nonce, plaintext, aad)
	if err != nil {
		return nil, nil, err
	}
	return nonce, ct, nil
}

func XSealWithNonce(key32, nonce24, plaintext, aad []byte) ([]byte, error) {
	if nonce24 == nil {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := newAEAD(key32, nonce24)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce24, plaintext, aad), nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if nonce24 == nil {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := newAEAD(key32, nonce24)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// Ephemeral is a single-use X25519 key. Destroy wipes it.
type Ephemeral struct {
	priv      *ecdh.PrivateKey
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string   { return "Ephemeral{REDACTED}" }
func (e *Ephemeral) GoString() string { return "crypto.Ephemeral{REDACTED}" }

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ephemeral{priv: priv, pub: priv.PublicKey().Bytes()}, nil
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	return append([]byte(nil), e.pub...), nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	if len(peerPub) == 0 {
		return nil, errEmptyKey
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	clear(e.pub)
	e.priv = nil
	e.destroyed = true
}
