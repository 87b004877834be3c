// Package config loads server configuration from environment variables,
// the only configuration surface logchain-server exposes.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the server's runtime configuration, populated by Load.
type Config struct {
	ServerAddr   string
	DatabaseURL  string
	BearerToken  string

	RequireAgentRegistration bool

	RateLimitMax        int
	RateLimitWindowSecs int
	RateLimitRedisAddr  string

	SQLiteBackupPath         string
	SQLiteBackupIntervalSecs int

	LogLevel            string
	SubmitMaxBodyBytes  int64
	CORSOrigins         string
}

// Load reads configuration from the environment. BearerToken is mandatory;
// every other field has a safe default for local development.
func Load() (*Config, error) {
	cfg := &Config{
		ServerAddr:               getEnv("SERVER_ADDR", ":8080"),
		DatabaseURL:              getEnv("DATABASE_URL", "sqlite://logchain.db"),
		BearerToken:              os.Getenv("SUBMIT_BEARER_TOKEN"),
		RequireAgentRegistration: os.Getenv("REQUIRE_AGENT_REGISTRATION") == "true",
		RateLimitRedisAddr:       os.Getenv("RATE_LIMIT_REDIS_ADDR"),
		SQLiteBackupPath:         os.Getenv("SQLITE_BACKUP_PATH"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		CORSOrigins:              os.Getenv("CORS_ORIGINS"),
	}

	if cfg.BearerToken == "" {
		return nil, fmt.Errorf("config: SUBMIT_BEARER_TOKEN must be set")
	}

	var err error
	if cfg.RateLimitMax, err = getEnvInt("RATE_LIMIT_MAX", 100); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindowSecs, err = getEnvInt("RATE_LIMIT_WINDOW_SECS", 60); err != nil {
		return nil, err
	}
	if cfg.SQLiteBackupIntervalSecs, err = getEnvInt("SQLITE_BACKUP_INTERVAL_SECS", 3600); err != nil {
		return nil, err
	}

	maxBody, err := getEnvInt64("SUBMIT_MAX_BODY_BYTES", 8<<20)
	if err != nil {
		return nil, err
	}
	cfg.SubmitMaxBodyBytes = maxBody

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}
