// Package config handles application configuration from environment variables
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/trakka/payguard/internal/connector"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)

	// Background workers
	SweepInterval time.Duration // settlement sweep cadence
	JobInterval   time.Duration // connector job drain cadence

	// Connectors is the configured 3PL fleet, from CONNECTORS (JSON array).
	// When empty, a single shadowship demo connector is configured using
	// WEBHOOK_SECRET.
	Connectors []connector.Config
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultSweepInterval = 30 * time.Second
	DefaultJobInterval   = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           getEnv("ENV", DefaultEnv),
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:   os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		JobInterval:   getEnvDuration("JOB_INTERVAL", DefaultJobInterval),
	}

	connectors, err := loadConnectors()
	if err != nil {
		return nil, err
	}
	cfg.Connectors = connectors

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadConnectors parses CONNECTORS as a JSON array of connector configs.
// Secrets are not inlined in the JSON: each entry's credentials come from
// <ID>_API_KEY, <ID>_API_SECRET and <ID>_WEBHOOK_SECRET (ID upper-cased).
func loadConnectors() ([]connector.Config, error) {
	raw := os.Getenv("CONNECTORS")
	if raw == "" {
		return []connector.Config{{
			ID:            "shadowship",
			Kind:          "shadowship",
			WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		}}, nil
	}

	var configs []connector.Config
	if err := json.Unmarshal([]byte(raw), &configs); err != nil {
		return nil, fmt.Errorf("CONNECTORS is not a valid JSON array: %w", err)
	}
	for i := range configs {
		prefix := envName(configs[i].ID)
		configs[i].APIKey = os.Getenv(prefix + "_API_KEY")
		configs[i].APISecret = os.Getenv(prefix + "_API_SECRET")
		configs[i].WebhookSecret = os.Getenv(prefix + "_WEBHOOK_SECRET")
	}
	return configs, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.Connectors) == 0 {
		return fmt.Errorf("at least one connector must be configured")
	}
	for _, cc := range c.Connectors {
		if cc.ID == "" || cc.Kind == "" {
			return fmt.Errorf("connector entries need both id and kind")
		}
	}
	if c.SweepInterval <= 0 || c.JobInterval <= 0 {
		return fmt.Errorf("worker intervals must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// envName maps a connector ID to its env var prefix: "ship-1" -> "SHIP_1".
func envName(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
