package mesh

import (
	"time"

	"go.uber.org/zap"

	"signalmesh/internal/proto"
)

func (e *Engine) heartbeat(now time.Time) {
	peers := e.transport.ConnectedPeers()
	if len(peers) == 0 {
		return
	}
	payload, err := proto.EncodeHeartbeat(proto.Heartbeat{SentAt: now.UnixMilli(), Neighbors: peers})
	if err != nil {
		e.log.Warn("heartbeat encode failed", zap.Error(err))
		return
	}
	if _, err := e.originate(proto.KindHeartbeat, "", payload); err != nil {
		e.log.Debug("heartbeat not queued", zap.Error(err))
	}
}

// gossip shares the adjacency map together with the blacklist filter. The
// filter is left out when both would not fit in one payload.
func (e *Engine) gossip(now time.Time) {
	if len(e.transport.ConnectedPeers()) == 0 {
		return
	}
	g := proto.TopologyGossip{Adjacency: e.topo.Snapshot()}
	filter, err := e.trust.ExportFilter()
	if err != nil {
		e.log.Warn("filter export failed", zap.Error(err))
	} else {
		g.Blacklist = filter
	}
	payload, err := proto.EncodeTopologyGossip(g)
	if err == nil && len(payload) > proto.MaxPayloadSize && g.Blacklist != nil {
		e.log.Debug("filter too large to gossip", zap.Int("bytes", len(g.Blacklist)))
		g.Blacklist = nil
		payload, err = proto.EncodeTopologyGossip(g)
	}
	if err != nil {
		e.log.Warn("topology encode failed", zap.Error(err))
		return
	}
	if len(payload) > proto.MaxPayloadSize {
		e.log.Debug("topology too large to gossip", zap.Int("bytes", len(payload)))
		return
	}
	if _, err := e.originate(proto.KindTopology, "", payload); err != nil {
		e.log.Debug("topology not queued", zap.Error(err))
	}
}

// cleanup bounds every per-peer structure so churn cannot grow memory.
func (e *Engine) cleanup(now time.Time) {
	metricsRemoved := e.router.Cleanup(now)
	floodRemoved := e.flood.Prune(now)
	idsRemoved := e.dedup.Prune(now, maxMessageAge)
	e.trust.Decay(now)
	trustRemoved := e.trust.Prune(now)

	e.decodeMu.Lock()
	cutoff := now.Add(-e.cfg.DecodeFailureWindow)
	for peer, times := range e.decodeFails {
		if times = pruneTimes(times, cutoff); len(times) == 0 {
			delete(e.decodeFails, peer)
		} else {
			e.decodeFails[peer] = times
		}
	}
	e.decodeMu.Unlock()

	e.metrics.SetBlacklisted(len(e.trust.Blacklist()))
	e.log.Debug("cleanup",
		zap.Int("metrics_removed", metricsRemoved),
		zap.Int("flood_removed", floodRemoved),
		zap.Int("ids_removed", idsRemoved),
		zap.Int("trust_removed", trustRemoved),
	)
}
