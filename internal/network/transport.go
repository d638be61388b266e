package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"signalmesh/internal/crypto"
	"signalmesh/internal/debuglog"
	"signalmesh/internal/mesh"
	"signalmesh/internal/metrics"
	"signalmesh/internal/proto"
)

const (
	defaultStreamTimeout     = 5 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultKeepAlive         = 15 * time.Second
	defaultDialAttempts      = 3
	defaultDialBackoff       = 100 * time.Millisecond
	defaultMaxConnsPerIP     = 8
	defaultMaxStreamsPerPeer = 4
	defaultSendQueue         = 256

	codeShutdown  quic.ApplicationErrorCode = 0
	codeRejected  quic.ApplicationErrorCode = 1
	codeDuplicate quic.ApplicationErrorCode = 2
)

var (
	ErrNotConnected  = errors.New("peer not connected")
	ErrClosed        = errors.New("transport closed")
	ErrSendQueueFull = errors.New("send queue full")

	errSelfConnection = errors.New("connected to self")
)

// Inbound receives frames and peer churn. *mesh.Engine satisfies it.
type Inbound interface {
	HandleInbound(data []byte, from string) error
	PeerConnected(peer string)
	PeerDisconnected(peer string)
}

type Options struct {
	NodeID     string
	ListenAddr string

	CertFile string
	KeyFile  string
	CAFile   string
	Insecure bool

	MaxConnsPerIP     int
	MaxStreamsPerPeer int
	// SendQueue bounds the frames waiting for one peer's writer.
	SendQueue     int
	DialAttempts  int
	DialBackoff   time.Duration
	StreamTimeout time.Duration
	IdleTimeout   time.Duration
	KeepAlive     time.Duration

	// Sessions, when set, receives a key for every peer after the hello
	// exchange.
	Sessions *crypto.SessionStore
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.StreamTimeout <= 0 {
		o.StreamTimeout = defaultStreamTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = defaultKeepAlive
	}
	if o.DialAttempts <= 0 {
		o.DialAttempts = defaultDialAttempts
	}
	if o.DialBackoff <= 0 {
		o.DialBackoff = defaultDialBackoff
	}
	if o.MaxConnsPerIP == 0 {
		o.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if o.MaxStreamsPerPeer == 0 {
		o.MaxStreamsPerPeer = defaultMaxStreamsPerPeer
	}
	if o.SendQueue <= 0 {
		o.SendQueue = defaultSendQueue
	}
}

// QUICTransport carries mesh frames over QUIC. Every connection starts with
// a hello exchange on a bidirectional stream. Afterwards each side writes its
// frames in order on one long-lived unidirectional stream, fed by a single
// writer goroutine per peer.
type QUICTransport struct {
	opts      Options
	log       *zap.Logger
	pool      *connPool
	limiter   *limiter
	retry     *retrier.Retrier
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inbound  Inbound
	listener *quic.Listener
	closed   bool

	wmu           sync.Mutex
	writers       map[string]*peerWriter
	writersClosed bool
}

var _ mesh.Transport = (*QUICTransport)(nil)

func NewQUICTransport(opts Options) (*QUICTransport, error) {
	if opts.NodeID == "" {
		return nil, errors.New("missing node id")
	}
	opts.applyDefaults()
	serverTLS, err := serverTLSConfig(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	clientTLS, err := clientTLSConfig(opts.Insecure, opts.CAFile)
	if err != nil {
		return nil, fmt.Errorf("client tls: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = debuglog.Named("quic")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICTransport{
		opts:      opts,
		log:       logger,
		pool:      newConnPool(),
		limiter:   newLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerPeer, opts.Metrics),
		retry:     retrier.New(retrier.ExponentialBackoff(opts.DialAttempts-1, opts.DialBackoff), retrier.BlacklistClassifier{errSelfConnection, ErrClosed}),
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConf: &quic.Config{
			MaxIdleTimeout:       opts.IdleTimeout,
			KeepAlivePeriod:      opts.KeepAlive,
			HandshakeIdleTimeout: opts.StreamTimeout,
		},
		ctx:     ctx,
		cancel:  cancel,
		writers: make(map[string]*peerWriter),
	}, nil
}

// SetInbound wires the receiver. Frames arriving before it is set are
// dropped.
func (t *QUICTransport) SetInbound(in Inbound) {
	t.mu.Lock()
	t.inbound = in
	t.mu.Unlock()
}

func (t *QUICTransport) receiver() Inbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inbound
}

// Listen binds opts.ListenAddr and accepts connections in the background.
func (t *QUICTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.listener != nil {
		return errors.New("already listening")
	}
	ln, err := quic.ListenAddr(t.opts.ListenAddr, t.serverTLS, t.quicConf)
	if err != nil {
		return err
	}
	t.listener = ln
	t.log.Info("quic listen ready", zap.String("addr", ln.Addr().String()))
	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

// Addr is the bound listen address, or nil before Listen.
func (t *QUICTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *QUICTransport) acceptLoop(ln *quic.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Warn("quic accept error", zap.Error(err))
			}
			return
		}
		ip := remoteIP(conn.RemoteAddr())
		if !t.limiter.admitConn(ip) {
			debuglog.RateLimitedf("quic-conn-cap:"+ip, 10*time.Second, "quic conn cap reached ip=%s", ip)
			_ = conn.CloseWithError(codeRejected, "too many connections")
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.limiter.releaseConn(ip)
			hctx, cancel := context.WithTimeout(t.ctx, t.opts.StreamTimeout)
			hs, err := t.handshake(hctx, conn, false)
			cancel()
			if err != nil {
				t.limiter.reject(rejectHandshake)
				t.log.Debug("inbound handshake failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
				_ = conn.CloseWithError(codeRejected, "handshake failed")
				return
			}
			pc := &peerConn{peer: hs.peer.NodeID, addr: conn.RemoteAddr().String(), conn: conn, established: time.Now()}
			if t.install(pc, hs) {
				t.readLoop(pc)
			}
		}()
	}
}

// Dial connects to addr, retrying with exponential backoff, and returns the
// remote node id.
func (t *QUICTransport) Dial(ctx context.Context, addr string) (string, error) {
	if t.isClosed() {
		return "", ErrClosed
	}
	var (
		pc *peerConn
		hs handshakeResult
	)
	err := t.retry.RunCtx(ctx, func(ctx context.Context) error {
		if t.isClosed() {
			return ErrClosed
		}
		dctx, cancel := context.WithTimeout(ctx, t.opts.StreamTimeout)
		defer cancel()
		conn, err := quic.DialAddr(dctx, addr, t.clientTLS, t.quicConf)
		if err != nil {
			t.pool.recordFailure(addr)
			return err
		}
		res, err := t.handshake(dctx, conn, true)
		if err != nil {
			_ = conn.CloseWithError(codeRejected, "handshake failed")
			t.pool.recordFailure(addr)
			return err
		}
		hs = res
		pc = &peerConn{peer: res.peer.NodeID, addr: addr, conn: conn, dialed: true, established: time.Now()}
		return nil
	})
	if err != nil {
		t.log.Debug("dial failed", zap.String("addr", addr), zap.Int("failures", t.pool.failureCount(addr)), zap.Error(err))
		return "", err
	}
	t.pool.resetFailures(addr)
	if t.install(pc, hs) {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.readLoop(pc)
		}()
	}
	return pc.peer, nil
}

type handshakeResult struct {
	peer     proto.Hello
	localPub []byte
	shared   []byte
}

func (t *QUICTransport) handshake(ctx context.Context, conn *quic.Conn, initiator bool) (handshakeResult, error) {
	var (
		stream *quic.Stream
		err    error
	)
	if initiator {
		stream, err = conn.OpenStreamSync(ctx)
	} else {
		stream, err = conn.AcceptStream(ctx)
	}
	if err != nil {
		return handshakeResult{}, err
	}
	defer stream.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}

	var res handshakeResult
	hello := proto.Hello{NodeID: t.opts.NodeID}
	var eph *crypto.Ephemeral
	if t.opts.Sessions != nil {
		eph, err = crypto.GenerateEphemeral()
		if err != nil {
			return handshakeResult{}, err
		}
		defer eph.Destroy()
		if res.localPub, err = eph.Public(); err != nil {
			return handshakeResult{}, err
		}
		hello.Ephemeral = res.localPub
	}
	own, err := proto.EncodeHello(hello)
	if err != nil {
		return handshakeResult{}, err
	}

	if initiator {
		if err := proto.WriteFrame(stream, own); err != nil {
			return handshakeResult{}, err
		}
	}
	raw, err := proto.ReadFrame(stream)
	if err != nil {
		return handshakeResult{}, err
	}
	peer, err := proto.DecodeHello(raw)
	if err != nil {
		return handshakeResult{}, err
	}
	if !initiator {
		if err := proto.WriteFrame(stream, own); err != nil {
			return handshakeResult{}, err
		}
	}
	if peer.NodeID == t.opts.NodeID {
		return handshakeResult{}, errSelfConnection
	}
	res.peer = peer
	if eph != nil && len(peer.Ephemeral) > 0 {
		if res.shared, err = eph.Shared(peer.Ephemeral); err != nil {
			return handshakeResult{}, err
		}
	}
	return res, nil
}

// preferred reports whether pc wins a simultaneous-open race: both sides
// keep the connection dialed by the lower node id.
func (t *QUICTransport) preferred(pc *peerConn) bool {
	return pc.dialed == (t.opts.NodeID < pc.peer)
}

// install registers pc unless a live, preferred connection to the same peer
// already exists. It reports whether pc was kept.
func (t *QUICTransport) install(pc *peerConn, hs handshakeResult) bool {
	if t.isClosed() {
		_ = pc.conn.CloseWithError(codeShutdown, "shutdown")
		return false
	}
	if cur, ok := t.pool.get(pc.peer); ok && t.preferred(cur) && !t.preferred(pc) {
		t.log.Debug("duplicate connection closed", zap.String("peer", pc.peer))
		_ = pc.conn.CloseWithError(codeDuplicate, "duplicate connection")
		return false
	}
	if t.opts.Sessions != nil && hs.shared != nil {
		if err := t.opts.Sessions.Establish(pc.peer, hs.shared, hs.localPub, hs.peer.Ephemeral); err != nil {
			t.log.Warn("session setup failed", zap.String("peer", pc.peer), zap.Error(err))
			_ = pc.conn.CloseWithError(codeRejected, "session setup failed")
			return false
		}
	}
	pc.lastUsed = time.Now()
	old := t.pool.put(pc)
	if old != nil {
		_ = old.conn.CloseWithError(codeDuplicate, "replaced")
	}
	t.log.Info("peer connected", zap.String("peer", pc.peer), zap.String("addr", pc.addr), zap.Bool("dialed", pc.dialed))
	if old == nil {
		if in := t.receiver(); in != nil {
			in.PeerConnected(pc.peer)
		}
	}
	return true
}

// readLoop accepts the peer's outbound streams until the connection ends.
func (t *QUICTransport) readLoop(pc *peerConn) {
	for {
		rs, err := pc.conn.AcceptUniStream(t.ctx)
		if err != nil {
			break
		}
		if !t.limiter.admitStream(pc.peer) {
			debuglog.RateLimitedf("quic-stream-cap:"+pc.peer, 10*time.Second, "quic stream cap reached peer=%s", pc.peer)
			rs.CancelRead(quic.StreamErrorCode(codeRejected))
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.limiter.releaseStream(pc.peer)
			t.readStream(pc, rs)
		}()
	}
	if t.pool.remove(pc) {
		t.log.Info("peer disconnected", zap.String("peer", pc.peer))
		if in := t.receiver(); in != nil {
			in.PeerDisconnected(pc.peer)
		}
	}
}

// readStream hands frames to the receiver in arrival order. Deliveries from
// one connection never overlap, even across streams.
func (t *QUICTransport) readStream(pc *peerConn, rs *quic.ReceiveStream) {
	for {
		data, err := proto.ReadFrame(rs)
		if err != nil {
			if !errors.Is(err, io.EOF) && t.ctx.Err() == nil {
				t.log.Debug("frame read failed", zap.String("peer", pc.peer), zap.Error(err))
			}
			rs.CancelRead(quic.StreamErrorCode(codeRejected))
			return
		}
		in := t.receiver()
		if in == nil {
			continue
		}
		pc.inMu.Lock()
		err = in.HandleInbound(data, pc.peer)
		pc.inMu.Unlock()
		if err != nil {
			debuglog.RateLimitedf("inbound:"+pc.peer, 5*time.Second, "inbound rejected peer=%s err=%v", pc.peer, err)
		}
	}
}

// peerWriter serialises every frame bound for one peer.
type peerWriter struct {
	peer  string
	queue chan outFrame
}

type outFrame struct {
	ctx  context.Context
	data []byte
	done func(error)
}

// Send queues data for every peer and returns without waiting for the
// network. Frames to the same peer leave in the order Send was called.
// Peers dialed earlier are redialed when their connection has dropped.
func (t *QUICTransport) Send(ctx context.Context, data []byte, to []string) <-chan mesh.SendResult {
	out := make(chan mesh.SendResult, len(to))
	var wg sync.WaitGroup
	wg.Add(len(to))
	for _, peer := range to {
		done := func(err error) {
			out <- mesh.SendResult{Peer: peer, Err: err}
			wg.Done()
		}
		if err := t.enqueue(peer, outFrame{ctx: ctx, data: data, done: done}); err != nil {
			done(err)
		}
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (t *QUICTransport) enqueue(peer string, f outFrame) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.writersClosed {
		return ErrClosed
	}
	w := t.writers[peer]
	if w == nil {
		w = &peerWriter{peer: peer, queue: make(chan outFrame, t.opts.SendQueue)}
		t.writers[peer] = w
		t.wg.Add(1)
		go t.writeLoop(w)
	}
	select {
	case w.queue <- f:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrSendQueueFull, peer)
	}
}

// writeLoop exits after an idle period with nothing queued, or on Close,
// failing whatever is still waiting.
func (t *QUICTransport) writeLoop(w *peerWriter) {
	defer t.wg.Done()
	idle := time.NewTimer(t.opts.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case f := <-w.queue:
			f.done(t.sendOne(f.ctx, f.data, w.peer))
			idle.Reset(t.opts.IdleTimeout)
		case <-idle.C:
			if t.retire(w) {
				return
			}
			idle.Reset(t.opts.IdleTimeout)
		case <-t.ctx.Done():
			for {
				select {
				case f := <-w.queue:
					f.done(ErrClosed)
				default:
					return
				}
			}
		}
	}
}

func (t *QUICTransport) retire(w *peerWriter) bool {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if len(w.queue) > 0 {
		return false
	}
	delete(t.writers, w.peer)
	return true
}

func (t *QUICTransport) sendOne(ctx context.Context, data []byte, peer string) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	pc, ok := t.pool.get(peer)
	if !ok {
		addr, known := t.pool.addr(peer)
		if !known {
			return fmt.Errorf("%w: %s", ErrNotConnected, peer)
		}
		got, err := t.Dial(ctx, addr)
		if err != nil {
			return err
		}
		if got != peer {
			return fmt.Errorf("%w: %s answered as %s", ErrNotConnected, addr, got)
		}
		if pc, ok = t.pool.get(peer); !ok {
			return fmt.Errorf("%w: %s", ErrNotConnected, peer)
		}
	}
	sctx, cancel := context.WithTimeout(ctx, t.opts.StreamTimeout)
	defer cancel()
	return pc.write(sctx, data)
}

func (t *QUICTransport) ConnectedPeers() []string {
	return t.pool.peers()
}

func (t *QUICTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops the listener, drops every connection and waits for the
// background loops to finish.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	t.mu.Unlock()
	t.wmu.Lock()
	t.writersClosed = true
	t.wmu.Unlock()

	t.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, pc := range t.pool.all() {
		_ = pc.conn.CloseWithError(codeShutdown, "shutdown")
	}
	t.wg.Wait()
	return err
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
