package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"signalmesh/internal/admission"
	"signalmesh/internal/clock"
	"signalmesh/internal/debuglog"
	"signalmesh/internal/metrics"
	"signalmesh/internal/proto"
	"signalmesh/internal/queue"
	"signalmesh/internal/route"
	"signalmesh/internal/topology"
	"signalmesh/internal/trust"
)

// maxMessageAge is the longest any kind may live; processed ids older than
// this can no longer be replayed successfully.
var maxMessageAge = proto.KindEmergencyMedical.MaxAge()

// Engine is the mesh orchestrator. It owns topology, routing, queueing,
// admission and reputation state and talks to the outside world only through
// Transport and Security.
type Engine struct {
	cfg       Config
	self      string
	transport Transport
	security  Security
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics

	topo   *topology.Graph
	router *route.Router
	queue  *queue.Queue
	trust  *trust.Store
	flood  *admission.FloodGuard
	dedup  *admission.Deduplicator
	sched  *clock.Scheduler

	hmu              sync.RWMutex
	handlers         map[Kind]Handler
	emergencyHandler Handler
	topologyHandler  func(map[string][]string)

	decodeMu    sync.Mutex
	decodeFails map[string][]time.Time

	subMu   sync.RWMutex
	subs    map[int]*subscriber
	nextSub int

	ctx    context.Context
	cancel context.CancelFunc
	sendMu sync.Mutex
	closed bool
	sends  sync.WaitGroup
}

// New builds an engine. security may be nil, in which case traffic is sent
// in the clear.
func New(cfg Config, transport Transport, security Security) (*Engine, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("mesh: missing transport")
	}
	if security == nil {
		security = plaintext{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = debuglog.Named("mesh")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		self:        cfg.NodeID,
		transport:   transport,
		security:    security,
		clock:       cfg.Clock,
		log:         logger.With(zap.String("node", cfg.NodeID)),
		metrics:     cfg.Metrics,
		topo:        topology.New(),
		queue:       queue.New(cfg.QueueCapacity),
		flood:       admission.NewFloodGuard(cfg.FloodPerMinute),
		sched:       clock.NewScheduler(),
		handlers:    make(map[Kind]Handler),
		decodeFails: make(map[string][]time.Time),
		subs:        make(map[int]*subscriber),
		ctx:         ctx,
		cancel:      cancel,
	}
	e.dedup = admission.NewDeduplicator(admission.DedupOptions{
		Capacity:        cfg.DedupCapacity,
		PerSecond:       cfg.RatePerSecond,
		PerMinute:       cfg.RatePerMinute,
		BreakerCeiling:  cfg.BreakerCeiling,
		BreakerCooldown: cfg.BreakerCooldown,
	})
	e.router = route.NewRouter(e.topo, cfg.Router)
	trustOpts := cfg.Trust
	userHook := trustOpts.OnBlacklist
	trustOpts.OnBlacklist = func(peer, reason string) {
		e.publish(Event{Type: EventPeerBlacklisted, Peer: peer, Reason: reason})
		e.metrics.SetBlacklisted(len(e.trust.Blacklist()))
		if userHook != nil {
			userHook(peer, reason)
		}
	}
	e.trust = trust.New(trustOpts)
	e.topo.AddPeer(e.self)

	start := e.clock.Now()
	e.sched.Every("drain", cfg.DrainInterval, start, e.drain)
	e.sched.Every("heartbeat", cfg.HeartbeatInterval, start, e.heartbeat)
	e.sched.Every("gossip", cfg.GossipInterval, start, e.gossip)
	e.sched.Every("cleanup", cfg.CleanupInterval, start, e.cleanup)
	return e, nil
}

func (e *Engine) NodeID() string { return e.self }

// Trust exposes the reputation store, mainly for persistence.
func (e *Engine) Trust() *trust.Store { return e.trust }

func (e *Engine) Router() *route.Router { return e.router }

func (e *Engine) QueueLen() int { return e.queue.Len() }

// OnMessage registers the delivery handler for one kind.
func (e *Engine) OnMessage(kind Kind, h Handler) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	if h == nil {
		delete(e.handlers, kind)
		return
	}
	e.handlers[kind] = h
}

// OnEmergency registers a handler that additionally receives every
// emergency kind.
func (e *Engine) OnEmergency(h Handler) {
	e.hmu.Lock()
	e.emergencyHandler = h
	e.hmu.Unlock()
}

func (e *Engine) OnTopologyChanged(fn func(map[string][]string)) {
	e.hmu.Lock()
	e.topologyHandler = fn
	e.hmu.Unlock()
}

// Tick runs every periodic task that is due at now.
func (e *Engine) Tick(now time.Time) []string {
	return e.sched.Tick(now)
}

// Run drives Tick from a wall-clock ticker until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.cfg.DrainInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.ctx.Done():
			return ErrClosed
		case <-t.C:
			e.Tick(e.clock.Now())
		}
	}
}

// Close cancels in-flight sends and waits for their result handlers.
func (e *Engine) Close() error {
	e.sendMu.Lock()
	e.closed = true
	e.sendMu.Unlock()
	e.cancel()
	e.sends.Wait()
	return nil
}

func (e *Engine) dropped(msgID string, kind Kind, peer, reason string) {
	e.metrics.IncDropped(reason)
	e.publish(Event{Type: EventMessageDropped, MessageID: msgID, Kind: kind, Peer: peer, Reason: reason})
}

func (e *Engine) fireTopologyChanged() {
	snap := e.topo.Snapshot()
	e.publish(Event{Type: EventTopologyChanged, Topology: snap})
	e.hmu.RLock()
	fn := e.topologyHandler
	e.hmu.RUnlock()
	if fn != nil {
		fn(snap)
	}
}

// PeerConnected records a direct link to peer.
func (e *Engine) PeerConnected(peer string) {
	if peer == "" || peer == e.self {
		return
	}
	now := e.clock.Now()
	e.topo.AddEdge(e.self, peer)
	e.router.Touch(peer, now)
	e.metrics.SetConnectedPeers(len(e.transport.ConnectedPeers()))
	e.log.Debug("peer connected", zap.String("peer", peer))
	e.fireTopologyChanged()
}

// PeerDisconnected drops the direct link and the peer's session key. The
// peer stays in the topology while others still report edges to it.
func (e *Engine) PeerDisconnected(peer string) {
	if peer == "" || peer == e.self {
		return
	}
	e.topo.RemoveEdge(e.self, peer)
	if len(e.topo.Neighbors(peer)) == 0 {
		e.topo.RemovePeer(peer)
	}
	e.security.RemoveSessionKey(peer)
	e.router.SetUnreachable(peer)
	e.flood.Forget(peer)
	e.metrics.SetConnectedPeers(len(e.transport.ConnectedPeers()))
	e.log.Debug("peer disconnected", zap.String("peer", peer))
	e.fireTopologyChanged()
}

func (e *Engine) ConnectedPeers() []string {
	return e.transport.ConnectedPeers()
}

func (e *Engine) TopologySnapshot() map[string][]string {
	return e.topo.Snapshot()
}

// MergeTopology folds a saved or externally learned adjacency map into the
// graph. Edges touching this node are skipped; direct links only come from
// the transport.
func (e *Engine) MergeTopology(adj map[string][]string) bool {
	remote := make(map[string][]string, len(adj))
	for node, neighbors := range adj {
		if node == e.self {
			continue
		}
		kept := make([]string, 0, len(neighbors))
		for _, n := range neighbors {
			if n != e.self {
				kept = append(kept, n)
			}
		}
		remote[node] = kept
	}
	if !e.topo.Merge(remote) {
		return false
	}
	e.fireTopologyChanged()
	return true
}

// UpdateNodeMetrics records link quality reported by the radio layer.
func (e *Engine) UpdateNodeMetrics(peer string, signal, loss float64) {
	e.router.UpdateMetrics(route.Metrics{
		PeerID:         peer,
		SignalStrength: signal,
		PacketLoss:     loss,
		Reachable:      true,
		LastSeen:       e.clock.Now(),
	})
}

func (e *Engine) MarkNodeFailed(peer string) {
	e.router.MarkFailed(peer)
}

func (e *Engine) TrustScore(peer string) float64 {
	return e.trust.Score(peer)
}

func (e *Engine) IsBlacklisted(peer string) bool {
	return e.trust.IsBlacklisted(peer)
}

func (e *Engine) AddToBlacklist(peer, reason string) {
	e.trust.AddToBlacklist(peer, reason)
	e.metrics.SetBlacklisted(len(e.trust.Blacklist()))
}

func (e *Engine) RemoveFromBlacklist(peer string) bool {
	ok := e.trust.RemoveFromBlacklist(peer)
	e.metrics.SetBlacklisted(len(e.trust.Blacklist()))
	return ok
}

func (e *Engine) ExportFilter() ([]byte, error) {
	return e.trust.ExportFilter()
}

func (e *Engine) ImportFilter(data []byte) error {
	return e.trust.MergeFilter(data)
}

func (e *Engine) connectedSet() mapset.Set[string] {
	return mapset.NewThreadUnsafeSet(e.transport.ConnectedPeers()...)
}
