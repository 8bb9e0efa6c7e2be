// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	RedisURL  string `env:"REDIS_URL"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// TokenSecret signs/verifies the HMAC bearer tokens presented on the
	// admin REST surface and in socket auth frames.
	TokenSecret string `env:"TOKEN_SECRET"`

	// InstanceID identifies this process in the instance registry and tags
	// relayed messages with their origin. Defaults to a random id at startup.
	InstanceID string `env:"INSTANCE_ID"`

	RelayChannel string `env:"RELAY_CHANNEL" default:"realtime:events"`

	// Per-connection inbound frame rate limiting.
	FrameRateLimit float64 `env:"WS_FRAME_RATE_LIMIT" default:"20"`
	FrameRateBurst int     `env:"WS_FRAME_RATE_BURST" default:"40"`

	MonitorInterval   time.Duration `env:"MONITOR_INTERVAL" default:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"15s"`
}

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
	required := map[string]string{
		"REDIS_URL":    cfg.RedisURL,
		"TOKEN_SECRET": cfg.TokenSecret,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if len(cfg.TokenSecret) < 16 {
		return fmt.Errorf("TOKEN_SECRET must be at least 16 characters, got %d", len(cfg.TokenSecret))
	}

	if cfg.FrameRateLimit <= 0 {
		return fmt.Errorf("WS_FRAME_RATE_LIMIT must be positive, got %v", cfg.FrameRateLimit)
	}
	if cfg.FrameRateBurst < 1 {
		return fmt.Errorf("WS_FRAME_RATE_BURST must be at least 1, got %d", cfg.FrameRateBurst)
	}

	return nil
}
