// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Replay settings
	BacklogPath     string  // JSONL backlog file for replay runs
	ReplayRate      float64 // default events per second
	ReplayBatchSize int
	MaxBatch        int

	// Attack simulation
	MaxBurst int

	// Detection thresholds
	DetectLowRatingMax     float64
	DetectTrustBelow       float64
	DetectWindow           time.Duration
	DetectMinEvents        int
	DetectMinUniqueAuthors int

	// Alerting
	WebhookURL    string
	WebhookSecret string

	// Security
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultReplayRate      = 100.0
	DefaultReplayBatchSize = 100
	DefaultMaxBatch        = 1000
	DefaultMaxBurst        = 5000
	DefaultRateLimit       = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		BacklogPath:            os.Getenv("BACKLOG_PATH"),
		ReplayRate:             getEnvFloat("REPLAY_RATE", DefaultReplayRate),
		ReplayBatchSize:        int(getEnvInt64("REPLAY_BATCH_SIZE", DefaultReplayBatchSize)),
		MaxBatch:               int(getEnvInt64("MAX_BATCH", DefaultMaxBatch)),
		MaxBurst:               int(getEnvInt64("MAX_BURST", DefaultMaxBurst)),
		DetectLowRatingMax:     getEnvFloat("DETECT_LOW_RATING_MAX", 2),
		DetectTrustBelow:       getEnvFloat("DETECT_TRUST_BELOW", 0.4),
		DetectWindow:           getEnvDuration("DETECT_WINDOW", 30*time.Minute),
		DetectMinEvents:        int(getEnvInt64("DETECT_MIN_EVENTS", 5)),
		DetectMinUniqueAuthors: int(getEnvInt64("DETECT_MIN_UNIQUE_AUTHORS", 3)),
		WebhookURL:             os.Getenv("WEBHOOK_URL"),
		WebhookSecret:          os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		OTLPEndpoint:           os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.ReplayRate <= 0 {
		return fmt.Errorf("REPLAY_RATE must be positive")
	}
	if c.ReplayBatchSize <= 0 || c.ReplayBatchSize > c.MaxBatch {
		return fmt.Errorf("REPLAY_BATCH_SIZE must be in [1, %d]", c.MaxBatch)
	}
	if c.MaxBurst <= 0 {
		return fmt.Errorf("MAX_BURST must be positive")
	}
	if c.DetectTrustBelow <= 0 || c.DetectTrustBelow > 1 {
		return fmt.Errorf("DETECT_TRUST_BELOW must be in (0, 1]")
	}
	if c.DetectWindow <= 0 {
		return fmt.Errorf("DETECT_WINDOW must be positive")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
