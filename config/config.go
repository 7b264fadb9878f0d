// Package config loads runtime configuration for the loyalty service.
// Environment variables form the baseline; an optional TOML file pointed at
// by LOYALTY_CONFIG_FILE overrides individual fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the loyalty service.
type Config struct {
	Port             string
	DatabaseURL      string
	Environment      string
	DefaultTZ        *time.Location
	ExpiryRunHour    int
	ExpiryRunMinute  int
	ExpiryBatchSize  int
}

// FromEnv loads configuration from environment variables required by the
// service, applying the optional TOML overlay first.
func FromEnv() (*Config, error) {
	if path := strings.TrimSpace(os.Getenv("LOYALTY_CONFIG_FILE")); path != "" {
		if err := applyFile(path); err != nil {
			return nil, err
		}
	}

	port := getEnvDefault("LOYALTY_PORT", "8080")
	dbURL := os.Getenv("LOYALTY_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("LOYALTY_DB_URL is required")
	}

	tzName := getEnvDefault("LOYALTY_TZ_DEFAULT", "UTC")
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid LOYALTY_TZ_DEFAULT %q: %w", tzName, err)
	}

	return &Config{
		Port:            normalizePort(port),
		DatabaseURL:     dbURL,
		Environment:     strings.TrimSpace(os.Getenv("LOYALTY_ENV")),
		DefaultTZ:       tz,
		ExpiryRunHour:   parseIntEnv("LOYALTY_EXPIRY_RUN_HOUR", 2),
		ExpiryRunMinute: parseIntEnv("LOYALTY_EXPIRY_RUN_MINUTE", 0),
		ExpiryBatchSize: parseIntEnv("LOYALTY_EXPIRY_BATCH_SIZE", 500),
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}
