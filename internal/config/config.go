// Package config loads the C&C core's configuration from defaults
// layered with environment overrides via koanf, then exposes it as a
// single validated struct so the rest of the core never touches
// koanf directly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/wolfleet/wolfleet/internal/storage"
)

// Config holds every recognized option from spec §6.
type Config struct {
	// Storage
	DatabaseURL string
	DBType      storage.Backend

	// Auth
	NodeAuthTokens        []string
	WSSessionTokenSecrets []string
	WSSessionTokenTTL     time.Duration

	// Node session manager
	WSMessageRateLimitPerSecond int
	NodeHeartbeatInterval       time.Duration
	NodeTimeout                 time.Duration

	// Command router
	CommandTimeout time.Duration

	// Schedule worker
	ScheduleWorkerEnabled bool
	SchedulePollInterval  time.Duration
	ScheduleBatchSize     int

	// Server
	ListenAddr string
	LogLevel   string
}

func defaults() map[string]any {
	return map[string]any{
		"database_url":                     "wolfleet.db",
		"db_type":                          "embedded",
		"node_auth_tokens":                 "",
		"ws_session_token_secrets":         "",
		"ws_session_token_ttl_seconds":     3600,
		"ws_message_rate_limit_per_second": 20,
		"node_heartbeat_interval_ms":       15000,
		"node_timeout_ms":                  45000,
		"command_timeout_ms":               30000,
		"schedule_worker_enabled":          true,
		"schedule_poll_interval_ms":        15000,
		"schedule_batch_size":              50,
		"listen_addr":                      ":8080",
		"log_level":                        "info",
	}
}

// Load reads defaults, then layers WOLFLEET_-prefixed environment
// variables on top (WOLFLEET_DATABASE_URL -> database_url), following
// the teacher's env-var-driven config shape but through koanf's env
// provider instead of hand-rolled os.Getenv calls.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	envProvider := env.Provider("WOLFLEET_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "WOLFLEET_"))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load config env overrides: %w", err)
	}

	cfg := &Config{
		DatabaseURL:                 k.String("database_url"),
		DBType:                      storage.Backend(k.String("db_type")),
		NodeAuthTokens:              splitNonEmpty(k.String("node_auth_tokens")),
		WSSessionTokenSecrets:       splitNonEmpty(k.String("ws_session_token_secrets")),
		WSSessionTokenTTL:           time.Duration(k.Int64("ws_session_token_ttl_seconds")) * time.Second,
		WSMessageRateLimitPerSecond: k.Int("ws_message_rate_limit_per_second"),
		NodeHeartbeatInterval:       time.Duration(k.Int64("node_heartbeat_interval_ms")) * time.Millisecond,
		NodeTimeout:                 time.Duration(k.Int64("node_timeout_ms")) * time.Millisecond,
		CommandTimeout:              time.Duration(k.Int64("command_timeout_ms")) * time.Millisecond,
		ScheduleWorkerEnabled:       k.Bool("schedule_worker_enabled"),
		SchedulePollInterval:        time.Duration(k.Int64("schedule_poll_interval_ms")) * time.Millisecond,
		ScheduleBatchSize:           k.Int("schedule_batch_size"),
		ListenAddr:                  k.String("listen_addr"),
		LogLevel:                    k.String("log_level"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url must not be empty")
	}
	if c.DBType != storage.BackendServer && c.DBType != storage.BackendEmbedded {
		return fmt.Errorf("config: db_type must be %q or %q, got %q", storage.BackendServer, storage.BackendEmbedded, c.DBType)
	}
	if len(c.NodeAuthTokens) == 0 && len(c.WSSessionTokenSecrets) == 0 {
		return fmt.Errorf("config: at least one of node_auth_tokens or ws_session_token_secrets must be set")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("config: command_timeout_ms must be positive")
	}
	return nil
}
