package config

import (
	"go.uber.org/zap"

	"signalmesh/internal/clock"
	"signalmesh/internal/crypto"
	"signalmesh/internal/debuglog"
	"signalmesh/internal/mesh"
	"signalmesh/internal/metrics"
	"signalmesh/internal/network"
	"signalmesh/internal/route"
	"signalmesh/internal/trust"
)

func (c *Config) EngineConfig(nodeID string, clk clock.Clock, m *metrics.Metrics) mesh.Config {
	return mesh.Config{
		NodeID:              nodeID,
		QueueCapacity:       c.Queue.Capacity,
		FloodPerMinute:      c.Flood.PerMinute,
		RatePerSecond:       c.RateLimit.PerSecond,
		RatePerMinute:       c.RateLimit.PerMinute,
		DedupCapacity:       c.RateLimit.DedupCapacity,
		BreakerCeiling:      c.RateLimit.BreakerCeiling,
		BreakerCooldown:     c.RateLimit.BreakerCooldown,
		HeartbeatInterval:   c.Engine.HeartbeatInterval,
		DrainInterval:       c.Engine.DrainInterval,
		GossipInterval:      c.Engine.GossipInterval,
		CleanupInterval:     c.Engine.CleanupInterval,
		DrainBatch:          c.Engine.DrainBatch,
		DecodeFailureLimit:  c.Engine.DecodeFailureLimit,
		DecodeFailureWindow: c.Engine.DecodeFailureWindow,
		SendTimeout:         c.Engine.SendTimeout,
		Router: route.Options{
			StaleTimeout:       c.Router.StaleTimeout,
			StaleGrace:         c.Router.StaleGrace,
			EmergencyCacheSize: c.Router.EmergencyCacheSize,
			EmergencyCacheTTL:  c.Router.EmergencyCacheTTL,
		},
		Trust: trust.Options{
			InitialScore:         c.Trust.InitialScore,
			ObservationThreshold: c.Trust.ObservationThreshold,
			BlacklistThreshold:   c.Trust.BlacklistThreshold,
			HistorySize:          c.Trust.HistorySize,
			FilterCapacity:       c.Trust.FilterCapacity,
			FilterFPRate:         c.Trust.FilterFPRate,
			DecayInterval:        c.Trust.DecayInterval,
			InactiveAfter:        c.Trust.InactiveAfter,
		},
		Clock:   clk,
		Metrics: m,
		Logger:  debuglog.Named("mesh"),
	}
}

// TransportOptions leaves Sessions nil when encryption is off.
func (c *Config) TransportOptions(nodeID string, sessions *crypto.SessionStore, m *metrics.Metrics) network.Options {
	opts := network.Options{
		NodeID:            nodeID,
		ListenAddr:        c.Transport.ListenAddr,
		CertFile:          c.Transport.CertFile,
		KeyFile:           c.Transport.KeyFile,
		CAFile:            c.Transport.CAFile,
		Insecure:          c.Transport.Insecure,
		MaxConnsPerIP:     c.Transport.MaxConnsPerIP,
		MaxStreamsPerPeer: c.Transport.MaxStreamsPerPeer,
		DialAttempts:      c.Transport.DialAttempts,
		DialBackoff:       c.Transport.DialBackoff,
		StreamTimeout:     c.Transport.StreamTimeout,
		IdleTimeout:       c.Transport.IdleTimeout,
		KeepAlive:         c.Transport.KeepAlive,
		Metrics:           m,
		Logger:            debuglog.Named("quic").With(zap.String("node", nodeID)),
	}
	if c.Transport.Encrypt {
		opts.Sessions = sessions
	}
	return opts
}

func (c *Config) LogOptions() debuglog.Options {
	return debuglog.Options{
		Level:      c.Log.Level,
		JSON:       c.Log.JSON,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
