// Package config handles engine configuration and environment loading.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"brickkit/internal/domain"
)

// Config holds runtime toggles for the reconciliation engine.
type Config struct {
	Environment domain.Environment // from DATABRICKS_ENV (default DEV)
	MaxRetries  int                // from BRICKKIT_MAX_RETRIES (default 3)
	DryRun      bool               // from BRICKKIT_DRY_RUN
	LogLevel    string             // log level: debug, info, warn, error (default "info")

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Environment: domain.EnvDev,
		MaxRetries:  3,
		LogLevel:    os.Getenv("LOG_LEVEL"),
	}

	if v := os.Getenv("DATABRICKS_ENV"); v != "" {
		env, ok := domain.ParseEnvironment(v)
		if !ok {
			cfg.Warnings = append(cfg.Warnings,
				fmt.Sprintf("invalid DATABRICKS_ENV=%q — defaulting to DEV", v))
		} else {
			cfg.Environment = env
		}
	}

	if v := os.Getenv("BRICKKIT_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("BRICKKIT_MAX_RETRIES must be a non-negative integer, got %q", v)
		}
		cfg.MaxRetries = n
	}

	cfg.DryRun = parseBoolEnvDefault("BRICKKIT_DRY_RUN", false)

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}
