// Package config loads tableside configuration in layers:
//
//  1. Defaults: built into DefaultConfig
//  2. Config file: optional YAML file
//  3. Environment: TABLESIDE_* variables
//  4. Overrides: explicitly set command line flags
//
// Later layers win.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/markb/tableside/internal/backoff"
	"github.com/markb/tableside/internal/health"
	"github.com/markb/tableside/internal/log"
	"github.com/markb/tableside/internal/observability"
	"github.com/markb/tableside/internal/presence"
	"github.com/markb/tableside/internal/realtime"
	"github.com/markb/tableside/internal/registry"
	"github.com/markb/tableside/internal/supervisor"
	"github.com/markb/tableside/internal/syncbridge"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const (
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "TABLESIDE_"

	// ConfigPathEnvVar names the config file when --config is not given.
	ConfigPathEnvVar = "TABLESIDE_CONFIG"
)

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"tableside.yaml",
	"tableside.yml",
	"/etc/tableside/config.yaml",
}

// RealtimeConfig locates the hosted realtime endpoint.
type RealtimeConfig struct {
	URL               string        `koanf:"url"`
	APIKey            string        `koanf:"api_key"`
	AccessToken       string        `koanf:"access_token"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	JoinTimeout       time.Duration `koanf:"join_timeout"`
	DialTimeout       time.Duration `koanf:"dial_timeout"`
}

// BackoffConfig holds the two retry profiles.
type BackoffConfig struct {
	Presence backoff.Policy `koanf:"presence"`
	Health   backoff.Policy `koanf:"health"`
}

// HistoryConfig selects the occupancy log database.
type HistoryConfig struct {
	Driver string `koanf:"driver"` // sqlite or postgres
	DSN    string `koanf:"dsn"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Addr        string   `koanf:"addr"`
	CORSOrigins []string `koanf:"cors_origins"`
	// Manual reconnects allowed per minute
	ReconnectPerMinute int `koanf:"reconnect_per_minute"`
}

// Subscription is one registry subscription declared in config.
type Subscription struct {
	Name   string `koanf:"name"`
	Table  string `koanf:"table"`
	Event  string `koanf:"event"`
	Schema string `koanf:"schema"`
	Filter string `koanf:"filter"`
}

// SubscriptionConfig converts s for the registry.
func (s Subscription) SubscriptionConfig() registry.SubscriptionConfig {
	return registry.SubscriptionConfig{Table: s.Table, Event: s.Event, Schema: s.Schema, Filter: s.Filter}
}

// Config is the complete configuration.
type Config struct {
	Realtime      RealtimeConfig        `koanf:"realtime"`
	Health        health.Config         `koanf:"health"`
	Backoff       BackoffConfig         `koanf:"backoff"`
	Presence      presence.Config       `koanf:"presence"`
	History       HistoryConfig         `koanf:"history"`
	Sync          syncbridge.Config     `koanf:"sync"`
	Server        ServerConfig          `koanf:"server"`
	Log           log.Config            `koanf:"log"`
	Telemetry     observability.Config  `koanf:"telemetry"`
	Supervisor    supervisor.TreeConfig `koanf:"supervisor"`
	Subscriptions []Subscription        `koanf:"subscriptions"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			HeartbeatInterval: 25 * time.Second,
			JoinTimeout:       10 * time.Second,
			DialTimeout:       10 * time.Second,
		},
		Health: health.DefaultConfig(),
		Backoff: BackoffConfig{
			Presence: backoff.PresenceProfile,
			Health:   backoff.HealthProfile,
		},
		Presence: presence.DefaultConfig(),
		History: HistoryConfig{
			Driver: "sqlite",
			DSN:    "tableside-history.db",
		},
		Sync: syncbridge.DefaultConfig(),
		Server: ServerConfig{
			Addr:               "127.0.0.1:8089",
			ReconnectPerMinute: 6,
		},
		Log:        *log.DefaultConfig(),
		Telemetry:  *observability.NewConfig(),
		Supervisor: supervisor.DefaultTreeConfig(),
	}
}

// Options controls Load.
type Options struct {
	// Path of the YAML file. Empty searches TABLESIDE_CONFIG and
	// DefaultConfigPaths; a missing default file is not an error.
	Path string
	// Overrides are applied last, keyed by koanf path (e.g. "server.addr").
	Overrides map[string]any
}

// Load builds the configuration from every layer and validates it.
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	path := opts.Path
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	for key, value := range opts.Overrides {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		return envPath
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envAliases maps short variable names to config paths.
var envAliases = map[string]string{
	"url":          "realtime.url",
	"api_key":      "realtime.api_key",
	"access_token": "realtime.access_token",
	"addr":         "server.addr",
	"log_level":    "log.level",
	"config":       "",
}

// envTransformFunc maps TABLESIDE_REALTIME__API_KEY to realtime.api_key.
// A double underscore separates path segments.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if alias, ok := envAliases[key]; ok {
		return alias
	}
	return strings.ReplaceAll(key, "__", ".")
}

var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields splits comma separated env values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks the configuration for values the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Realtime.URL != "" {
		u, err := url.Parse(c.Realtime.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("realtime.url: %w", err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("realtime.url: unsupported scheme %q", u.Scheme))
		}
	}
	positive := map[string]time.Duration{
		"realtime.heartbeat_interval":     c.Realtime.HeartbeatInterval,
		"realtime.join_timeout":           c.Realtime.JoinTimeout,
		"health.tick_interval":            c.Health.TickInterval,
		"health.stale_threshold":          c.Health.StaleThreshold,
		"presence.snapshot_interval":      c.Presence.SnapshotInterval,
		"presence.snapshot_initial_delay": c.Presence.SnapshotInitialDelay,
		"presence.dedup_window":           c.Presence.DedupWindow,
		"sync.heartbeat_interval":         c.Sync.HeartbeatInterval,
		"sync.stale_after":                c.Sync.StaleAfter,
		"sync.aggressive_interval":        c.Sync.AggressiveInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	for name, p := range map[string]backoff.Policy{"presence": c.Backoff.Presence, "health": c.Backoff.Health} {
		if p.Base <= 0 {
			errs = append(errs, fmt.Errorf("backoff.%s.base must be positive", name))
		}
		if p.Max < p.Base {
			errs = append(errs, fmt.Errorf("backoff.%s.max %s is below base %s", name, p.Max, p.Base))
		}
	}
	if c.Presence.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("presence.max_retries must be at least 1"))
	}
	switch c.History.Driver {
	case "sqlite", "postgres", "pgx":
	default:
		errs = append(errs, fmt.Errorf("history.driver: unknown driver %q", c.History.Driver))
	}
	seen := make(map[string]bool)
	for i, s := range c.Subscriptions {
		if s.Name == "" || s.Table == "" {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: name and table are required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: duplicate name %q", i, s.Name))
		}
		if _, err := realtime.ParseFilter(s.Filter); err != nil {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: %w", i, err))
		}
		seen[s.Name] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
