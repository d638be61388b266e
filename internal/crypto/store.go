package crypto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	seqHeaderSize = 8
	replayWindow  = 64
)

var (
	ErrNoSession = errors.New("no session key")
	ErrReplay    = errors.New("replayed or stale frame")
	ErrMalformed = errors.New("malformed sealed frame")
)

type direction struct {
	key   []byte
	nonce []byte
}

type peerSession struct {
	send    direction
	recv    direction
	sendSeq uint64
	// highest accepted sequence and a bitmap of the replayWindow below it
	recvMax  uint64
	recvSeen uint64
	recvAny  bool
}

// SessionStore holds one symmetric session per peer and seals traffic as
// seq(8) || ciphertext. The AAD binds sender and receiver ids.
type SessionStore struct {
	self string

	mu       sync.Mutex
	sessions map[string]*peerSession
}

func NewSessionStore(self string) *SessionStore {
	return &SessionStore{self: self, sessions: make(map[string]*peerSession)}
}

// Transcript orders both ids and ephemeral keys so each side derives the
// same value.
func Transcript(a, b string, ephA, ephB []byte) []byte {
	if a > b {
		a, b = b, a
		ephA, ephB = ephB, ephA
	}
	var buf bytes.Buffer
	for _, part := range [][]byte{[]byte(a), []byte(b), ephA, ephB} {
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(part)))
		buf.Write(part)
	}
	return buf.Bytes()
}

// Establish installs keys from an X25519 shared secret. localEph and
// remoteEph are the public halves exchanged during the handshake.
func (s *SessionStore) Establish(peer string, shared, localEph, remoteEph []byte) error {
	if peer == "" || peer == s.self {
		return fmt.Errorf("bad peer id %q", peer)
	}
	keys, err := DeriveSessionKeys(shared, Transcript(s.self, peer, localEph, remoteEph))
	if err != nil {
		return err
	}
	ps := &peerSession{
		send: direction{key: keys.SendKey, nonce: keys.NonceBaseSend},
		recv: direction{key: keys.RecvKey, nonce: keys.NonceBaseRecv},
	}
	if s.self > peer {
		ps.send, ps.recv = ps.recv, ps.send
	}
	s.mu.Lock()
	s.sessions[peer] = ps
	s.mu.Unlock()
	return nil
}

func (s *SessionStore) HasSessionKey(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[peer]
	return ok
}

func (s *SessionStore) RemoveSessionKey(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.sessions[peer]; ok {
		clear(ps.send.key)
		clear(ps.recv.key)
		delete(s.sessions, peer)
	}
}

func (s *SessionStore) Encrypt(data []byte, peer string) ([]byte, error) {
	s.mu.Lock()
	ps, ok := s.sessions[peer]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoSession, peer)
	}
	seq := ps.sendSeq
	ps.sendSeq++
	dir := ps.send
	s.mu.Unlock()

	nonce, err := NonceFromBase(dir.nonce, seq)
	if err != nil {
		return nil, err
	}
	ct, err := XSealWithNonce(dir.key, nonce, data, BuildAAD(seq, s.self, peer))
	if err != nil {
		return nil, err
	}
	out := make([]byte, seqHeaderSize, seqHeaderSize+len(ct))
	binary.BigEndian.PutUint64(out, seq)
	return append(out, ct...), nil
}

func (s *SessionStore) Decrypt(data []byte, peer string) ([]byte, error) {
	if len(data) < seqHeaderSize {
		return nil, ErrMalformed
	}
	seq := binary.BigEndian.Uint64(data[:seqHeaderSize])
	s.mu.Lock()
	ps, ok := s.sessions[peer]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoSession, peer)
	}
	if ps.replayedLocked(seq) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: seq %d", ErrReplay, seq)
	}
	dir := ps.recv
	s.mu.Unlock()

	nonce, err := NonceFromBase(dir.nonce, seq)
	if err != nil {
		return nil, err
	}
	plain, err := XOpen(dir.key, nonce, data[seqHeaderSize:], BuildAAD(seq, peer, s.self))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// The session may have been replaced while unlocked.
	if cur, ok := s.sessions[peer]; ok && cur == ps {
		if ps.replayedLocked(seq) {
			return nil, fmt.Errorf("%w: seq %d", ErrReplay, seq)
		}
		ps.markLocked(seq)
	}
	return plain, nil
}

func (ps *peerSession) replayedLocked(seq uint64) bool {
	if !ps.recvAny || seq > ps.recvMax {
		return false
	}
	diff := ps.recvMax - seq
	if diff >= replayWindow {
		return true
	}
	return ps.recvSeen&(1<<diff) != 0
}

func (ps *peerSession) markLocked(seq uint64) {
	if !ps.recvAny {
		ps.recvAny = true
		ps.recvMax = seq
		ps.recvSeen = 1
		return
	}
	if seq > ps.recvMax {
		shift := seq - ps.recvMax
		if shift >= replayWindow {
			ps.recvSeen = 0
		} else {
			ps.recvSeen <<= shift
		}
		ps.recvSeen |= 1
		ps.recvMax = seq
		return
	}
	ps.recvSeen |= 1 << (ps.recvMax - seq)
}
