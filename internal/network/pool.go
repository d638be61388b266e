package network

import (
	"context"
	"slices"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"signalmesh/internal/proto"
)

type peerConn struct {
	peer        string
	addr        string
	conn        *quic.Conn
	dialed      bool
	established time.Time
	lastUsed    time.Time

	wmu sync.Mutex
	out *quic.SendStream

	inMu sync.Mutex
}

// write sends one frame on the connection's outbound stream, opening it on
// first use. A failed write resets the stream so the next frame opens a new
// one.
func (pc *peerConn) write(ctx context.Context, data []byte) error {
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	if pc.out == nil {
		s, err := pc.conn.OpenUniStreamSync(ctx)
		if err != nil {
			return err
		}
		pc.out = s
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = pc.out.SetWriteDeadline(dl)
	}
	if err := proto.WriteFrame(pc.out, data); err != nil {
		pc.out.CancelWrite(quic.StreamErrorCode(codeRejected))
		pc.out = nil
		return err
	}
	return nil
}

type addrFailure struct {
	count int
	last  time.Time
}

// connPool indexes live connections by peer id. Dial addresses are kept
// after a connection drops so Send can redial.
type connPool struct {
	mu       sync.Mutex
	byPeer   map[string]*peerConn
	addrs    map[string]string
	failures map[string]*addrFailure
}

func newConnPool() *connPool {
	return &connPool{
		byPeer:   make(map[string]*peerConn),
		addrs:    make(map[string]string),
		failures: make(map[string]*addrFailure),
	}
}

// put registers pc and returns the connection it replaced, if any.
func (p *connPool) put(pc *peerConn) *peerConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.byPeer[pc.peer]
	p.byPeer[pc.peer] = pc
	if pc.dialed && pc.addr != "" {
		p.addrs[pc.peer] = pc.addr
	}
	return old
}

func (p *connPool) get(peer string) (*peerConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.byPeer[peer]
	if !ok {
		return nil, false
	}
	if pc.conn.Context().Err() != nil {
		delete(p.byPeer, peer)
		return nil, false
	}
	pc.lastUsed = time.Now()
	return pc, true
}

func (p *connPool) addr(peer string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.addrs[peer]
	return a, ok
}

// remove drops pc only if it is still the registered connection.
func (p *connPool) remove(pc *peerConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.byPeer[pc.peer]; ok && cur == pc {
		delete(p.byPeer, pc.peer)
		return true
	}
	return false
}

func (p *connPool) peers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.byPeer))
	for id := range p.byPeer {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (p *connPool) all() []*peerConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*peerConn, 0, len(p.byPeer))
	for _, pc := range p.byPeer {
		out = append(out, pc)
	}
	return out
}

func (p *connPool) recordFailure(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ent := p.failures[addr]
	if ent == nil {
		ent = &addrFailure{}
		p.failures[addr] = ent
	}
	ent.count++
	ent.last = time.Now()
	return ent.count
}

func (p *connPool) resetFailures(addr string) {
	p.mu.Lock()
	delete(p.failures, addr)
	p.mu.Unlock()
}

func (p *connPool) failureCount(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ent := p.failures[addr]; ent != nil {
		return ent.count
	}
	return 0
}
