// Package config loads the broker's runtime configuration from
// environment variables (and an optional .env file), validates it,
// and exposes it for structured logging at startup.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable the broker's core exposes to its
// embedder (thread_count, buffer_threshold, publish_timeout,
// BUFFER_SIZE) plus the ambient concerns (ports, logging, metrics)
// that the core itself treats as external collaborators.
type Config struct {
	// Core tunables (see spec §6).
	ThreadCount     int           `env:"PUBSUB_THREAD_COUNT" envDefault:"8"`
	BufferThreshold int           `env:"PUBSUB_BUFFER_THRESHOLD" envDefault:"256"`
	PublishTimeout  time.Duration `env:"PUBSUB_PUBLISH_TIMEOUT" envDefault:"20ms"`
	BufferSize      int           `env:"PUBSUB_BUFFER_SIZE" envDefault:"8192"`

	// Listener addresses.
	PublisherAddr  string `env:"PUBSUB_PUBLISHER_ADDR" envDefault:"127.0.0.1:8000"`
	SubscriberAddr string `env:"PUBSUB_SUBSCRIBER_ADDR" envDefault:"127.0.0.1:9000"`

	// Ambient observability.
	MetricsAddr string `env:"PUBSUB_METRICS_ADDR" envDefault:"127.0.0.1:9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and then from
// the environment (environment variables win). logger may be nil
// during early startup, before a structured logger exists.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internally inconsistent or
// out-of-range values.
func (c *Config) Validate() error {
	if c.ThreadCount < 1 {
		return fmt.Errorf("PUBSUB_THREAD_COUNT must be > 0, got %d", c.ThreadCount)
	}
	if c.BufferThreshold < 1 {
		return fmt.Errorf("PUBSUB_BUFFER_THRESHOLD must be > 0, got %d", c.BufferThreshold)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("PUBSUB_PUBLISH_TIMEOUT must be > 0, got %s", c.PublishTimeout)
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("PUBSUB_BUFFER_SIZE must be > 0, got %d", c.BufferSize)
	}
	if c.PublisherAddr == "" || c.SubscriberAddr == "" {
		return fmt.Errorf("publisher and subscriber addresses are required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print writes a human-readable configuration summary to stdout,
// useful during local startup before the structured logger is wired.
func (c *Config) Print() {
	fmt.Println("=== Broker Configuration ===")
	fmt.Printf("Environment:       %s\n", c.Environment)
	fmt.Printf("Publisher addr:    %s\n", c.PublisherAddr)
	fmt.Printf("Subscriber addr:   %s\n", c.SubscriberAddr)
	fmt.Printf("Metrics addr:      %s\n", c.MetricsAddr)
	fmt.Println()
	fmt.Printf("Thread count:      %d\n", c.ThreadCount)
	fmt.Printf("Buffer threshold:  %d bytes\n", c.BufferThreshold)
	fmt.Printf("Publish timeout:   %s\n", c.PublishTimeout)
	fmt.Printf("Buffer size:       %d bytes\n", c.BufferSize)
	fmt.Println()
	fmt.Printf("Log level:         %s\n", c.LogLevel)
	fmt.Printf("Log format:        %s\n", c.LogFormat)
	fmt.Println("=============================")
}

// LogConfig emits the same summary as structured log fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("publisher_addr", c.PublisherAddr).
		Str("subscriber_addr", c.SubscriberAddr).
		Str("metrics_addr", c.MetricsAddr).
		Int("thread_count", c.ThreadCount).
		Int("buffer_threshold", c.BufferThreshold).
		Dur("publish_timeout", c.PublishTimeout).
		Int("buffer_size", c.BufferSize).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("broker configuration loaded")
}
