package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 60, cfg.Flood.PerMinute)
	require.Equal(t, 20.0, cfg.Trust.BlacklistThreshold)
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	path := writeFile(t, "mesh.toml", `
[node]
id = "node-a"

[engine]
heartbeat_interval = "3s"

[flood]
per_minute = 30

[transport]
listen_addr = "127.0.0.1:9000"
peers = ["127.0.0.1:9001"]
`)
	t.Setenv("MESH_FLOOD_PER_MINUTE", "45")
	t.Setenv("MESH_PEERS", "a:1, b:2,")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node-a", cfg.Node.ID)
	require.Equal(t, 3*time.Second, cfg.Engine.HeartbeatInterval)
	require.Equal(t, 45, cfg.Flood.PerMinute)
	require.Equal(t, "127.0.0.1:9000", cfg.Transport.ListenAddr)
	require.Equal(t, []string{"a:1", "b:2"}, cfg.Transport.Peers)
	require.Equal(t, Default().Queue.Capacity, cfg.Queue.Capacity)
}

func TestLoadReadsDotEnv(t *testing.T) {
	env := writeFile(t, ".env", "MESH_QUEUE_CAPACITY=77\n")
	t.Cleanup(func() { os.Unsetenv("MESH_QUEUE_CAPACITY") })
	cfg, err := Load("", env, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.Equal(t, 77, cfg.Queue.Capacity)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "mesh.toml", "[flood]\nper_minut = 3\n")
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "flood.per_minut")
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("MESH_RATE_PER_SECOND", "fast")
	_, err := Load("")
	require.ErrorContains(t, err, "MESH_RATE_PER_SECOND")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"queue.capacity":            func(c *Config) { c.Queue.Capacity = 0 },
		"flood.per_minute":          func(c *Config) { c.Flood.PerMinute = -1 },
		"trust.blacklist_threshold": func(c *Config) { c.Trust.BlacklistThreshold = 40 },
		"trust.filter_fp_rate":      func(c *Config) { c.Trust.FilterFPRate = 1 },
		"transport.cert_file":       func(c *Config) { c.Transport.CertFile = "x.pem" },
		"log.level":                 func(c *Config) { c.Log.Level = "loud" },
	}
	for field, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), field) {
			t.Fatalf("%s: expected validation error, got %v", field, err)
		}
	}
}

func TestDumpDecodesBack(t *testing.T) {
	cfg := Default()
	cfg.Transport.Peers = []string{"x:1"}
	var buf bytes.Buffer
	require.NoError(t, cfg.Dump(&buf))
	var back Config
	_, err := toml.Decode(buf.String(), &back)
	require.NoError(t, err)
	require.Equal(t, cfg, back)
}

func TestEngineConfigCarriesSettings(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.PerSecond = -1
	ec := cfg.EngineConfig("n1", nil, nil)
	require.Equal(t, "n1", ec.NodeID)
	require.Equal(t, -1, ec.RatePerSecond)
	require.Equal(t, cfg.Trust.BlacklistThreshold, ec.Trust.BlacklistThreshold)

	cfg.Transport.Encrypt = false
	require.Nil(t, cfg.TransportOptions("n1", nil, nil).Sessions)
}
