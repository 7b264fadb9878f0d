package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the env-configurable fields for TOML deployments.
// Values present in the file are promoted into the process environment so
// that FromEnv remains the single source of truth.
type fileConfig struct {
	Port                   string `toml:"Port"`
	DatabaseURL            string `toml:"DatabaseURL"`
	Environment            string `toml:"Environment"`
	DefaultTZ              string `toml:"DefaultTZ"`
	LogLevel               string `toml:"LogLevel"`
	ExpiryRunHour          *int   `toml:"ExpiryRunHour"`
	ExpiryRunMinute        *int   `toml:"ExpiryRunMinute"`
	ExpiryBatchSize        *int   `toml:"ExpiryBatchSize"`
}

func applyFile(path string) error {
	var cfg fileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	setIfPresent("LOYALTY_PORT", cfg.Port)
	setIfPresent("LOYALTY_DB_URL", cfg.DatabaseURL)
	setIfPresent("LOYALTY_ENV", cfg.Environment)
	setIfPresent("LOYALTY_TZ_DEFAULT", cfg.DefaultTZ)
	setIfPresent("LOYALTY_LOG_LEVEL", cfg.LogLevel)
	setIntIfPresent("LOYALTY_EXPIRY_RUN_HOUR", cfg.ExpiryRunHour)
	setIntIfPresent("LOYALTY_EXPIRY_RUN_MINUTE", cfg.ExpiryRunMinute)
	setIntIfPresent("LOYALTY_EXPIRY_BATCH_SIZE", cfg.ExpiryBatchSize)
	return nil
}

func setIfPresent(key, value string) {
	if value == "" {
		return
	}
	if os.Getenv(key) != "" {
		// Explicit environment wins over file values.
		return
	}
	os.Setenv(key, value)
}

func setIntIfPresent(key string, value *int) {
	if value == nil {
		return
	}
	if os.Getenv(key) != "" {
		return
	}
	os.Setenv(key, fmt.Sprintf("%d", *value))
}
