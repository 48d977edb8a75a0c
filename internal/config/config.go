// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration. Values come from environment
// variables (optionally a .env file) with defaults matching the recognized
// options of the simulation core.
type Config struct {
	DataDir  string // Base directory for the template store database
	LogLevel string
	Port     int
	DevMode  bool

	// Simulation loop
	TickFPS            int // Target frames per second for new instances (1-120)
	MaxErrorsPerObject int // Hook errors before an object is destroyed

	// Instance creation pipeline
	WorkerPoolSize          int
	ReadingTemplatesTimeout time.Duration
	CreatingObjectsTimeout  time.Duration
	ProgressTTL             time.Duration

	// Time series
	RetentionBucketsPerGranularity int

	// Push bus
	SubscriberBufferSize int

	// Trading
	TradeLogSize int // Bounded per-trader trade history
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("MARKETSIM_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("MARKETSIM_LOG_LEVEL", "info"),
		Port:     getEnvInt("MARKETSIM_PORT", 8080),
		DevMode:  getEnvBool("MARKETSIM_DEV_MODE", false),

		TickFPS:            getEnvInt("MARKETSIM_TICK_FPS", 60),
		MaxErrorsPerObject: getEnvInt("MARKETSIM_MAX_ERRORS_PER_OBJECT", 3),

		WorkerPoolSize:          getEnvInt("MARKETSIM_WORKER_POOL_SIZE", runtime.NumCPU()),
		ReadingTemplatesTimeout: getEnvDuration("MARKETSIM_READING_TEMPLATES_TIMEOUT", 30*time.Second),
		CreatingObjectsTimeout:  getEnvDuration("MARKETSIM_CREATING_OBJECTS_TIMEOUT", 120*time.Second),
		ProgressTTL:             getEnvDuration("MARKETSIM_PROGRESS_TTL", 24*time.Hour),

		RetentionBucketsPerGranularity: getEnvInt("MARKETSIM_RETENTION_BUCKETS", 5000),

		SubscriberBufferSize: getEnvInt("MARKETSIM_SUBSCRIBER_BUFFER", 256),

		TradeLogSize: getEnvInt("MARKETSIM_TRADE_LOG_SIZE", 1000),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configured values are inside their allowed ranges.
func (c *Config) Validate() error {
	if c.TickFPS < 1 || c.TickFPS > 120 {
		return fmt.Errorf("tick fps must be in [1,120], got %d", c.TickFPS)
	}
	if c.MaxErrorsPerObject < 1 {
		return fmt.Errorf("max errors per object must be positive, got %d", c.MaxErrorsPerObject)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker pool size must be positive, got %d", c.WorkerPoolSize)
	}
	if c.RetentionBucketsPerGranularity < 1 {
		return fmt.Errorf("retention buckets must be positive, got %d", c.RetentionBucketsPerGranularity)
	}
	if c.SubscriberBufferSize < 1 {
		return fmt.Errorf("subscriber buffer size must be positive, got %d", c.SubscriberBufferSize)
	}
	if c.TradeLogSize < 1 {
		return fmt.Errorf("trade log size must be positive, got %d", c.TradeLogSize)
	}
	return nil
}

// getEnv retrieves an environment variable value, returning a fallback if the
// variable is not set or is empty.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable with a fallback.
func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvBool retrieves a boolean environment variable with a fallback.
func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration retrieves a duration environment variable with a fallback.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
