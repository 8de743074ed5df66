// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. When DatabaseURL is empty the embedded SQLite
	// store at SQLitePath is used instead.
	DatabaseURL string
	SQLitePath  string

	// API authentication. Empty disables auth (local development only).
	APIKey string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Tracing defaults applied to new traces without call-site overrides.
	DefaultSampleRate     float64
	DefaultRetention      time.Duration
	DefaultPreserveErrors bool

	// Retention sweeper settings. The sweeper re-runs cleanup decisions
	// lost to process restarts.
	SweepInterval  time.Duration
	SweepBatchSize int

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                  envInt("KISEKI_PORT", 8080),
		ReadTimeout:           envDuration("KISEKI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:          envDuration("KISEKI_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:           envStr("DATABASE_URL", ""),
		SQLitePath:            envStr("KISEKI_SQLITE_PATH", "kiseki.db"),
		APIKey:                envStr("KISEKI_API_KEY", ""),
		OTELEndpoint:          envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:          envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:           envStr("OTEL_SERVICE_NAME", "kiseki"),
		DefaultSampleRate:     envFloat("KISEKI_DEFAULT_SAMPLE_RATE", 1.0),
		DefaultRetention:      envDuration("KISEKI_DEFAULT_RETENTION", 30*time.Minute),
		DefaultPreserveErrors: envBool("KISEKI_PRESERVE_ERRORS", true),
		SweepInterval:         envDuration("KISEKI_SWEEP_INTERVAL", 5*time.Minute),
		SweepBatchSize:        envInt("KISEKI_SWEEP_BATCH_SIZE", 500),
		LogLevel:              envStr("KISEKI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:   int64(envInt("KISEKI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are coherent.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: DATABASE_URL or KISEKI_SQLITE_PATH is required")
	}
	if c.DefaultSampleRate < 0 || c.DefaultSampleRate > 1 {
		return fmt.Errorf("config: KISEKI_DEFAULT_SAMPLE_RATE must be in [0,1]")
	}
	if c.DefaultRetention <= 0 {
		return fmt.Errorf("config: KISEKI_DEFAULT_RETENTION must be positive")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("config: KISEKI_SWEEP_BATCH_SIZE must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KISEKI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
