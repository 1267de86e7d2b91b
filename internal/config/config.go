// Package config loads service configuration from the environment.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	Sessions  SessionConfig
	Blocklist BlocklistConfig
	Receipts  ReceiptConfig
	RateLimit RateLimitConfig
	Jitter    JitterConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr string `envconfig:"ADDR" default:":8080"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// SessionConfig selects and tunes the session backend.
type SessionConfig struct {
	Backend string `envconfig:"SESSION_BACKEND" default:"memory"` // memory | docker
	Image   string `envconfig:"SESSION_IMAGE" default:"browserless/chrome:latest"`
	DataDir string `envconfig:"SESSION_DATA_DIR" default:""`
}

// BlocklistConfig holds blocklist source configuration.
type BlocklistConfig struct {
	Path  string `envconfig:"BLOCKLIST_PATH" default:"./configs/blocklist.yaml"`
	Watch bool   `envconfig:"BLOCKLIST_WATCH" default:"true"`
}

// ReceiptConfig tunes the receipt sink.
type ReceiptConfig struct {
	Buffer int `envconfig:"RECEIPT_BUFFER" default:"1024"`
}

// RateLimitConfig holds per-client API rate limiting.
type RateLimitConfig struct {
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerMinute int  `envconfig:"RATE_LIMIT_RPM" default:"600"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"60"`
}

// JitterConfig bounds the deterministic timing jitter.
type JitterConfig struct {
	MaxMs int `envconfig:"JITTER_MAX_MS" default:"150"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("TABFENCE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
