// Package config provides configuration for convoke.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the engine configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Realtime stream settings
	HeartbeatInterval  time.Duration
	TerminalGrace      time.Duration
	StreamPollInterval time.Duration

	// Worker settings
	WorkerConcurrency int
	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	MaxReceives       int

	// Orchestration defaults
	DefaultModel    string
	DefaultProvider string
	DefaultRounds   int
	MaxTokens       int

	// Secrets cache
	SecretsTTL time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:        getEnv("DATABASE_URL", "file:convoke.db?cache=shared&mode=rwc"),
		HeartbeatInterval:  getEnvDuration("HEARTBEAT_INTERVAL_MS", 15000),
		TerminalGrace:      getEnvDuration("TERMINAL_GRACE_MS", 1500),
		StreamPollInterval: getEnvDuration("STREAM_POLL_INTERVAL_MS", 1000),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 4),
		BatchSize:          getEnvInt("BATCH_SIZE", 8),
		PollInterval:       getEnvDuration("POLL_INTERVAL_MS", 1000),
		VisibilityTimeout:  getEnvDuration("VISIBILITY_TIMEOUT_MS", 300000),
		MaxReceives:        getEnvInt("MAX_RECEIVES", 3),
		DefaultModel:       getEnv("DEFAULT_MODEL", "gpt-4o-mini"),
		DefaultProvider:    getEnv("DEFAULT_PROVIDER", "openai"),
		DefaultRounds:      getEnvInt("DEFAULT_ROUNDS", 3),
		MaxTokens:          getEnvInt("MAX_TOKENS", 1024),
		SecretsTTL:         getEnvDuration("SECRETS_TTL_MS", 300000),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
