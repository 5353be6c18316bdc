// Package config loads the environment-provided configuration surface of the
// client core: backend endpoints, timeouts, retry bounds and the session
// refresh/validation windows.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	BaseURL     string `env:"CAREPLANE_BASE_URL"`
	RealtimeURL string `env:"CAREPLANE_REALTIME_URL"`
	AnonKey     string `env:"CAREPLANE_ANON_KEY"`

	HTTPTimeout  time.Duration `env:"HTTP_TIMEOUT" default:"10s"`
	MaxRetries   int           `env:"MAX_RETRIES" default:"3"`
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" default:"500ms"`

	RefreshMargin      time.Duration `env:"REFRESH_MARGIN" default:"60s"`
	ValidationInterval time.Duration `env:"VALIDATION_INTERVAL" default:"60s"`
	DebounceWindow     time.Duration `env:"DEBOUNCE_WINDOW" default:"10s"`

	// RequestRateLimit caps outbound requests per second; 0 disables the limiter.
	RequestRateLimit float64 `env:"REQUEST_RATE_LIMIT" default:"0"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
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
	if cfg.BaseURL == "" {
		return fmt.Errorf("CAREPLANE_BASE_URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return fmt.Errorf("CAREPLANE_BASE_URL must be a valid URL: %w", err)
	}
	if cfg.AnonKey == "" {
		return fmt.Errorf("CAREPLANE_ANON_KEY is required")
	}

	// RealtimeURL is optional; without it the realtime layer stays disabled.

	if cfg.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if cfg.RetryBackoff < 0 {
		return fmt.Errorf("RETRY_BACKOFF must not be negative")
	}
	if cfg.RefreshMargin <= 0 {
		return fmt.Errorf("REFRESH_MARGIN must be positive")
	}
	if cfg.ValidationInterval <= 0 {
		return fmt.Errorf("VALIDATION_INTERVAL must be positive")
	}
	if cfg.DebounceWindow < 0 {
		return fmt.Errorf("DEBOUNCE_WINDOW must not be negative")
	}
	if cfg.DebounceWindow >= cfg.ValidationInterval {
		return fmt.Errorf("DEBOUNCE_WINDOW must be shorter than VALIDATION_INTERVAL")
	}
	if cfg.RequestRateLimit < 0 {
		return fmt.Errorf("REQUEST_RATE_LIMIT must not be negative")
	}

	return nil
}
