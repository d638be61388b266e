package mesh

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"signalmesh/internal/admission"
	"signalmesh/internal/clock"
	"signalmesh/internal/metrics"
	"signalmesh/internal/queue"
	"signalmesh/internal/route"
	"signalmesh/internal/trust"
)

const (
	DefaultHeartbeatInterval   = 10 * time.Second
	DefaultDrainInterval       = 100 * time.Millisecond
	DefaultGossipInterval      = 30 * time.Second
	DefaultCleanupInterval     = time.Minute
	DefaultDecodeFailureLimit  = 3
	DefaultDecodeFailureWindow = time.Minute
	DefaultSendTimeout         = 5 * time.Second
	DefaultDrainBatch          = 1
)

// Config wires an Engine. Zero values take the package defaults.
type Config struct {
	NodeID string

	QueueCapacity   int
	FloodPerMinute  int
	RatePerSecond   int
	RatePerMinute   int
	DedupCapacity   int
	BreakerCeiling  int
	BreakerCooldown time.Duration

	HeartbeatInterval time.Duration
	DrainInterval     time.Duration
	GossipInterval    time.Duration
	CleanupInterval   time.Duration
	DrainBatch        int

	DecodeFailureLimit  int
	DecodeFailureWindow time.Duration
	SendTimeout         time.Duration

	Router route.Options
	Trust  trust.Options

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (c *Config) setDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = queue.DefaultCapacity
	}
	if c.FloodPerMinute <= 0 {
		c.FloodPerMinute = admission.DefaultFloodPerMinute
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = admission.DefaultDedupCapacity
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.GossipInterval <= 0 {
		c.GossipInterval = DefaultGossipInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = DefaultDrainBatch
	}
	if c.DecodeFailureLimit <= 0 {
		c.DecodeFailureLimit = DefaultDecodeFailureLimit
	}
	if c.DecodeFailureWindow <= 0 {
		c.DecodeFailureWindow = DefaultDecodeFailureWindow
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.System{}
	}
	if c.Router.Clock == nil {
		c.Router.Clock = c.Clock
	}
	if c.Trust.Clock == nil {
		c.Trust.Clock = c.Clock
	}
}

func (c *Config) validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("mesh: missing node id")
	}
	return nil
}
