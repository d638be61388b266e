package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"

	"signalmesh/internal/admission"
	"signalmesh/internal/mesh"
	"signalmesh/internal/queue"
	"signalmesh/internal/route"
	"signalmesh/internal/trust"
)

type Config struct {
	Node      NodeConfig      `toml:"node"`
	Engine    EngineConfig    `toml:"engine"`
	Router    RouterConfig    `toml:"router"`
	Queue     QueueConfig     `toml:"queue"`
	Trust     TrustConfig     `toml:"trust"`
	Flood     FloodConfig     `toml:"flood"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Transport TransportConfig `toml:"transport"`
	Log       LogConfig       `toml:"log"`
	Store     StoreConfig     `toml:"store"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type NodeConfig struct {
	// ID is generated and persisted on first start when empty.
	ID      string `toml:"id"`
	DataDir string `toml:"data_dir"`
}

type EngineConfig struct {
	HeartbeatInterval   time.Duration `toml:"heartbeat_interval"`
	DrainInterval       time.Duration `toml:"drain_interval"`
	GossipInterval      time.Duration `toml:"gossip_interval"`
	CleanupInterval     time.Duration `toml:"cleanup_interval"`
	DrainBatch          int           `toml:"drain_batch"`
	DecodeFailureLimit  int           `toml:"decode_failure_limit"`
	DecodeFailureWindow time.Duration `toml:"decode_failure_window"`
	SendTimeout         time.Duration `toml:"send_timeout"`
}

type RouterConfig struct {
	StaleTimeout       time.Duration `toml:"stale_timeout"`
	StaleGrace         time.Duration `toml:"stale_grace"`
	EmergencyCacheSize int           `toml:"emergency_cache_size"`
	EmergencyCacheTTL  time.Duration `toml:"emergency_cache_ttl"`
}

type QueueConfig struct {
	Capacity int `toml:"capacity"`
}

type TrustConfig struct {
	InitialScore         float64       `toml:"initial_score"`
	ObservationThreshold float64       `toml:"observation_threshold"`
	BlacklistThreshold   float64       `toml:"blacklist_threshold"`
	HistorySize          int           `toml:"history_size"`
	FilterCapacity       uint          `toml:"filter_capacity"`
	FilterFPRate         float64       `toml:"filter_fp_rate"`
	DecayInterval        time.Duration `toml:"decay_interval"`
	InactiveAfter        time.Duration `toml:"inactive_after"`
}

type FloodConfig struct {
	PerMinute int `toml:"per_minute"`
}

// RateLimitConfig bounds the duplicate-check layer. A negative value
// disables that window.
type RateLimitConfig struct {
	PerSecond       int           `toml:"per_second"`
	PerMinute       int           `toml:"per_minute"`
	DedupCapacity   int           `toml:"dedup_capacity"`
	BreakerCeiling  int           `toml:"breaker_ceiling"`
	BreakerCooldown time.Duration `toml:"breaker_cooldown"`
}

type TransportConfig struct {
	ListenAddr        string        `toml:"listen_addr"`
	Peers             []string      `toml:"peers"`
	CertFile          string        `toml:"cert_file"`
	KeyFile           string        `toml:"key_file"`
	CAFile            string        `toml:"ca_file"`
	Insecure          bool          `toml:"insecure"`
	Encrypt           bool          `toml:"encrypt"`
	MaxConnsPerIP     int           `toml:"max_conns_per_ip"`
	MaxStreamsPerPeer int           `toml:"max_streams_per_peer"`
	DialAttempts      int           `toml:"dial_attempts"`
	DialBackoff       time.Duration `toml:"dial_backoff"`
	StreamTimeout     time.Duration `toml:"stream_timeout"`
	IdleTimeout       time.Duration `toml:"idle_timeout"`
	KeepAlive         time.Duration `toml:"keep_alive"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	JSON       bool   `toml:"json"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type StoreConfig struct {
	// Path defaults to <data_dir>/state.
	Path         string        `toml:"path"`
	SaveInterval time.Duration `toml:"save_interval"`
}

type MetricsConfig struct {
	// Addr serves /metrics and /snapshot when non-empty.
	Addr string `toml:"addr"`
}

func Default() Config {
	return Config{
		Node: NodeConfig{DataDir: defaultDataDir()},
		Engine: EngineConfig{
			HeartbeatInterval:   mesh.DefaultHeartbeatInterval,
			DrainInterval:       mesh.DefaultDrainInterval,
			GossipInterval:      mesh.DefaultGossipInterval,
			CleanupInterval:     mesh.DefaultCleanupInterval,
			DrainBatch:          mesh.DefaultDrainBatch,
			DecodeFailureLimit:  mesh.DefaultDecodeFailureLimit,
			DecodeFailureWindow: mesh.DefaultDecodeFailureWindow,
			SendTimeout:         mesh.DefaultSendTimeout,
		},
		Router: RouterConfig{
			StaleTimeout:       route.DefaultStaleTimeout,
			StaleGrace:         route.DefaultStaleGrace,
			EmergencyCacheSize: route.DefaultEmergencyCacheSize,
			EmergencyCacheTTL:  route.DefaultEmergencyCacheTTL,
		},
		Queue: QueueConfig{Capacity: queue.DefaultCapacity},
		Trust: TrustConfig{
			InitialScore:         trust.DefaultInitialScore,
			ObservationThreshold: trust.DefaultObservationThreshold,
			BlacklistThreshold:   trust.DefaultBlacklistThreshold,
			HistorySize:          trust.DefaultHistorySize,
			FilterCapacity:       trust.DefaultFilterCapacity,
			FilterFPRate:         trust.DefaultFilterFPRate,
			DecayInterval:        trust.DefaultDecayInterval,
			InactiveAfter:        trust.DefaultInactiveAfter,
		},
		Flood: FloodConfig{PerMinute: admission.DefaultFloodPerMinute},
		RateLimit: RateLimitConfig{
			PerSecond:       admission.DefaultPerSecond,
			PerMinute:       admission.DefaultPerMinute,
			DedupCapacity:   admission.DefaultDedupCapacity,
			BreakerCeiling:  admission.DefaultBreakerCeiling,
			BreakerCooldown: admission.DefaultBreakerCooldown,
		},
		Transport: TransportConfig{
			ListenAddr:        "0.0.0.0:4242",
			Encrypt:           true,
			MaxConnsPerIP:     8,
			MaxStreamsPerPeer: 4,
			DialAttempts:      3,
			DialBackoff:       100 * time.Millisecond,
			StreamTimeout:     5 * time.Second,
			IdleTimeout:       time.Minute,
			KeepAlive:         15 * time.Second,
		},
		Log:   LogConfig{Level: "info", MaxSizeMB: 64, MaxBackups: 3, MaxAgeDays: 14},
		Store: StoreConfig{SaveInterval: 5 * time.Minute},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".signalmesh"
	}
	return filepath.Join(home, ".signalmesh")
}

// Load layers defaults, the TOML file at path (when non-empty), dotenv
// files and MESH_* environment variables, then validates the result.
// Missing dotenv files are skipped.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("env file %s: %w", f, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Node.DataDir == "" && c.Store.Path == "":
		return errors.New("node.data_dir: required when store.path is empty")
	case c.Queue.Capacity <= 0:
		return fmt.Errorf("queue.capacity: must be positive, got %d", c.Queue.Capacity)
	case c.Flood.PerMinute <= 0:
		return fmt.Errorf("flood.per_minute: must be positive, got %d", c.Flood.PerMinute)
	case c.Engine.DrainInterval <= 0:
		return errors.New("engine.drain_interval: must be positive")
	case c.Engine.HeartbeatInterval <= 0:
		return errors.New("engine.heartbeat_interval: must be positive")
	case c.Engine.DrainBatch <= 0:
		return errors.New("engine.drain_batch: must be positive")
	case c.Trust.BlacklistThreshold >= c.Trust.ObservationThreshold:
		return fmt.Errorf("trust.blacklist_threshold: %.1f must be below observation_threshold %.1f",
			c.Trust.BlacklistThreshold, c.Trust.ObservationThreshold)
	case c.Trust.InitialScore < c.Trust.ObservationThreshold || c.Trust.InitialScore > 100:
		return fmt.Errorf("trust.initial_score: %.1f outside [observation_threshold, 100]", c.Trust.InitialScore)
	case c.Trust.FilterFPRate <= 0 || c.Trust.FilterFPRate >= 1:
		return fmt.Errorf("trust.filter_fp_rate: %v outside (0, 1)", c.Trust.FilterFPRate)
	case c.Transport.ListenAddr == "":
		return errors.New("transport.listen_addr: required")
	case (c.Transport.CertFile == "") != (c.Transport.KeyFile == ""):
		return errors.New("transport.cert_file and transport.key_file must be set together")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.Node.DataDir, "state")
}

// Dump writes the effective configuration as TOML.
func (c *Config) Dump(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
