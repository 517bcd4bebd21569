// Package config loads the notifier's settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv string `env:"APP_ENV" default:"development"`
	Port   string `env:"PORT" default:"8058"`

	WatchPath         string        `env:"WATCH_PATH" default:"data/phenobase.csv"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" default:"1s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	SkipRows          int           `env:"SKIP_ROWS" default:"2"`

	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"256"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"16"`
	ConnectionRatePerIP float64 `env:"CONNECTION_RATE_PER_IP" default:"10"`
	ConnectionRateBurst int     `env:"CONNECTION_RATE_BURST" default:"20"`
	AllowedOrigins      string  `env:"ALLOWED_ORIGINS" default:""`

	RedisURL     string `env:"REDIS_URL" default:""`
	EventChannel string `env:"EVENT_CHANNEL" default:"streamnotify.events"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// Load reads configuration from a .env file (if present) and the process
// environment, then validates it. A validation failure is fatal to startup.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.WatchPath == "" {
		return fmt.Errorf("WATCH_PATH is required")
	}

	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid TCP port, got %q", cfg.Port)
	}

	if cfg.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %v", cfg.PollInterval)
	}
	if cfg.HeartbeatInterval < 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must not be negative, got %v", cfg.HeartbeatInterval)
	}
	if cfg.SkipRows < 0 {
		return fmt.Errorf("SKIP_ROWS must not be negative, got %d", cfg.SkipRows)
	}
	if cfg.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be at least 1, got %d", cfg.MaxConnections)
	}
	if cfg.MaxConnectionsPerIP < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_IP must be at least 1, got %d", cfg.MaxConnectionsPerIP)
	}
	if cfg.ConnectionRatePerIP <= 0 {
		return fmt.Errorf("CONNECTION_RATE_PER_IP must be positive, got %g", cfg.ConnectionRatePerIP)
	}
	if cfg.ConnectionRateBurst < 1 {
		return fmt.Errorf("CONNECTION_RATE_BURST must be at least 1, got %d", cfg.ConnectionRateBurst)
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be \"text\" or \"json\", got %q", cfg.LogFormat)
	}

	return nil
}

// Origins returns the parsed ALLOWED_ORIGINS whitelist. An empty slice
// means all origins are accepted.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
