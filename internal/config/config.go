// Package config loads the fabric's process configuration from the
// environment, the way src/go.mod's caarlos0/env dependency and the
// teacher's cmd/main.go defaultConfig constant are combined: typed
// defaults plus env-var overrides, with an optional .env file in dev.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration. Field names match the
// environment variables named in spec §6, with sensible defaults for
// everything spec.md leaves to the implementer.
type Config struct {
	Addr string `env:"FABRIC_ADDR" envDefault:":8088"`

	WorkspaceRoot string `env:"WORKSPACE_ROOT" envDefault:"./workspace"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Connection Manager (spec §4.B)
	MaxConnectionsPerUser int `env:"MAX_CONNECTIONS_PER_USER" envDefault:"10"`
	ConnectionTimeoutSec  int `env:"CONNECTION_TIMEOUT" envDefault:"300"`
	PingIntervalSec       int `env:"PING_INTERVAL" envDefault:"30"`

	// WebSocket API (spec §4.E)
	WSHistorySize       int `env:"WS_HISTORY_SIZE" envDefault:"1000"`
	WSIdleTimeoutSec    int `env:"WS_CONNECTION_TIMEOUT" envDefault:"3600"`
	WSHeartbeatSec      int `env:"WS_HEARTBEAT_INTERVAL" envDefault:"30"`
	WSInboundRateLimit  float64 `env:"WS_INBOUND_RATE_LIMIT" envDefault:"50"`
	WSInboundBurst      int     `env:"WS_INBOUND_BURST" envDefault:"100"`

	// Event Broadcaster (spec §4.C)
	BroadcasterHistorySize int `env:"BROADCASTER_HISTORY_SIZE" envDefault:"1000"`
	DeliveryTimeoutSec     int `env:"DELIVERY_TIMEOUT" envDefault:"5"`

	// Hop Service (spec §6 env vars)
	HopConnectionTimeoutSec int     `env:"HOP_CONNECTION_TIMEOUT" envDefault:"30"`
	HopOperationTimeoutSec  int     `env:"HOP_OPERATION_TIMEOUT" envDefault:"60"`
	HopReconnectMaxRetries  int     `env:"HOP_RECONNECT_MAX_RETRIES" envDefault:"3"`
	HopReconnectBackoffBase float64 `env:"HOP_RECONNECT_BACKOFF_BASE" envDefault:"2"`
	HopDebugMode            bool    `env:"HOP_DEBUG_MODE" envDefault:"false"`
	HopSFTPStartTimeoutSec  int     `env:"HOP_SFTP_START_TIMEOUT" envDefault:"60"`
	HopLivenessCheckIntervalSec int `env:"HOP_LIVENESS_CHECK_INTERVAL" envDefault:"30"`

	// Local Terminal Service (spec §4.J)
	RemoteShell            string `env:"REMOTE_SHELL" envDefault:"/bin/bash"`
	TerminalSessionTimeoutSec int  `env:"TERMINAL_SESSION_TIMEOUT" envDefault:"3600"`

	// Auth (connect-time hook, not policy — spec §1 Non-goals)
	JWTSecret         string `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	JWTTokenExpSec    int    `env:"JWT_TOKEN_EXPIRATION" envDefault:"3600"`
	RequireAuth       bool   `env:"REQUIRE_AUTH" envDefault:"false"`

	// NATS bridge (optional outbound mirror, see SPEC_FULL §2)
	NATSEnabled bool   `env:"NATS_ENABLED" envDefault:"false"`
	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Metrics
	MetricsEnabled        bool `env:"METRICS_ENABLED" envDefault:"true"`
	MetricsUpdateInterval int  `env:"METRICS_UPDATE_INTERVAL" envDefault:"15"`
}

// Load reads .env (if present), then an optional YAML config file named by
// CONFIG_FILE, then parses the environment into a Config. Env vars win over
// the YAML file, which wins over built-in defaults: caarlos0/env only
// applies an envDefault when both the env var is unset and the field still
// holds its zero value, so pre-populating fields from YAML before calling
// env.Parse is sufficient to make that precedence hold.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAMLOverride(path, cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config from environment: %w", err)
	}
	if cfg.WorkspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve default workspace root: %w", err)
		}
		cfg.WorkspaceRoot = wd
	}
	return cfg, nil
}

// loadYAMLOverride merges a workspace-level YAML config file (e.g.
// `.icotes/config.yaml`) into cfg, the static-config counterpart to the
// OpenSSH-style text format the hop credential store reads.
func loadYAMLOverride(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
