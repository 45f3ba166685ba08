package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tableside.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Health.TickInterval)
	assert.Equal(t, 2*time.Minute, cfg.Health.StaleThreshold)
	assert.Equal(t, 30*time.Second, cfg.Backoff.Presence.Max)
	assert.Equal(t, 60*time.Second, cfg.Backoff.Health.Max)
	assert.Equal(t, 5, cfg.Presence.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Presence.SnapshotInterval)
	assert.Equal(t, 4*time.Minute, cfg.Presence.DedupWindow)
	assert.Equal(t, 5*time.Second, cfg.Sync.AggressiveInterval)
	assert.Equal(t, "sqlite", cfg.History.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "none", cfg.Telemetry.Exporter)
	assert.Equal(t, 15*time.Second, cfg.Supervisor.FailureBackoff)
	assert.Empty(t, cfg.Subscriptions)
}

func TestLoadFileEnvAndOverrides(t *testing.T) {
	path := writeConfig(t, `
realtime:
  url: wss://demo.example.com/realtime/v1/websocket
  api_key: anon
health:
  stale_threshold: 90s
backoff:
  presence:
    max: 20s
presence:
  room: kitchen
subscriptions:
  - name: bookings
    table: bookings
    filter: restaurant_id=eq.7
  - name: orders
    table: orders
    event: INSERT
server:
  addr: 127.0.0.1:9000
`)
	t.Setenv("TABLESIDE_HEALTH__TICK_INTERVAL", "10s")
	t.Setenv("TABLESIDE_API_KEY", "from-env")
	t.Setenv("TABLESIDE_SERVER__CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(Options{Path: path, Overrides: map[string]any{"server.addr": ":7000"}})
	require.NoError(t, err)

	assert.Equal(t, "wss://demo.example.com/realtime/v1/websocket", cfg.Realtime.URL)
	assert.Equal(t, "from-env", cfg.Realtime.APIKey)
	assert.Equal(t, 90*time.Second, cfg.Health.StaleThreshold)
	assert.Equal(t, 10*time.Second, cfg.Health.TickInterval)
	assert.Equal(t, 20*time.Second, cfg.Backoff.Presence.Max)
	assert.Equal(t, time.Second, cfg.Backoff.Presence.Base)
	assert.Equal(t, "kitchen", cfg.Presence.Room)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)

	require.Len(t, cfg.Subscriptions, 2)
	assert.Equal(t, "restaurant_id=eq.7", cfg.Subscriptions[0].Filter)
	sub := cfg.Subscriptions[1].SubscriptionConfig()
	assert.Equal(t, "orders", sub.Table)
	assert.Equal(t, "INSERT", sub.Event)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "presence:\n  room: bar\n")
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, "bar", cfg.Presence.Room)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(Options{Path: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad scheme", func(c *Config) { c.Realtime.URL = "ftp://example.com" }},
		{"zero tick", func(c *Config) { c.Health.TickInterval = 0 }},
		{"max below base", func(c *Config) { c.Backoff.Health.Max = time.Millisecond }},
		{"no retries", func(c *Config) { c.Presence.MaxRetries = 0 }},
		{"unknown driver", func(c *Config) { c.History.Driver = "mysql" }},
		{"subscription without table", func(c *Config) { c.Subscriptions = []Subscription{{Name: "a"}} }},
		{"invalid filter", func(c *Config) {
			c.Subscriptions = []Subscription{{Name: "a", Table: "t", Filter: "restaurant_id-eq-7"}}
		}},
		{"duplicate subscription", func(c *Config) {
			c.Subscriptions = []Subscription{{Name: "a", Table: "t"}, {Name: "a", Table: "u"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "realtime.join_timeout", envTransformFunc("TABLESIDE_REALTIME__JOIN_TIMEOUT"))
	assert.Equal(t, "backoff.health.max", envTransformFunc("TABLESIDE_BACKOFF__HEALTH__MAX"))
	assert.Equal(t, "realtime.url", envTransformFunc("TABLESIDE_URL"))
	assert.Equal(t, "", envTransformFunc("TABLESIDE_CONFIG"))
}
