package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type envSetter func(c *Config, v string) error

func intVar(dst func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func durationVar(dst func(*Config) *time.Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func boolVar(dst func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func stringVar(dst func(*Config) *string) envSetter {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

var envVars = map[string]envSetter{
	"MESH_NODE_ID":            stringVar(func(c *Config) *string { return &c.Node.ID }),
	"MESH_DATA_DIR":           stringVar(func(c *Config) *string { return &c.Node.DataDir }),
	"MESH_LISTEN_ADDR":        stringVar(func(c *Config) *string { return &c.Transport.ListenAddr }),
	"MESH_TLS_INSECURE":       boolVar(func(c *Config) *bool { return &c.Transport.Insecure }),
	"MESH_ENCRYPT":            boolVar(func(c *Config) *bool { return &c.Transport.Encrypt }),
	"MESH_QUEUE_CAPACITY":     intVar(func(c *Config) *int { return &c.Queue.Capacity }),
	"MESH_FLOOD_PER_MINUTE":   intVar(func(c *Config) *int { return &c.Flood.PerMinute }),
	"MESH_RATE_PER_SECOND":    intVar(func(c *Config) *int { return &c.RateLimit.PerSecond }),
	"MESH_RATE_PER_MINUTE":    intVar(func(c *Config) *int { return &c.RateLimit.PerMinute }),
	"MESH_HEARTBEAT_INTERVAL": durationVar(func(c *Config) *time.Duration { return &c.Engine.HeartbeatInterval }),
	"MESH_GOSSIP_INTERVAL":    durationVar(func(c *Config) *time.Duration { return &c.Engine.GossipInterval }),
	"MESH_LOG_LEVEL":          stringVar(func(c *Config) *string { return &c.Log.Level }),
	"MESH_LOG_JSON":           boolVar(func(c *Config) *bool { return &c.Log.JSON }),
	"MESH_LOG_FILE":           stringVar(func(c *Config) *string { return &c.Log.File }),
	"MESH_STORE_PATH":         stringVar(func(c *Config) *string { return &c.Store.Path }),
	"MESH_METRICS_ADDR":       stringVar(func(c *Config) *string { return &c.Metrics.Addr }),
	"MESH_PEERS": func(c *Config, v string) error {
		c.Transport.Peers = splitList(v)
		return nil
	},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for name, set := range envVars {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s=%q: %w", name, v, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
