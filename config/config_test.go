package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromEnvRequiresDatabaseURL(t *testing.T) {
	t.Setenv("LOYALTY_DB_URL", "")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected missing database url to fail")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("LOYALTY_DB_URL", "postgres://localhost/loyalty")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080 got %q", cfg.Port)
	}
	if cfg.DefaultTZ.String() != "UTC" {
		t.Fatalf("expected UTC got %s", cfg.DefaultTZ)
	}
	if cfg.ExpiryRunHour != 2 || cfg.ExpiryRunMinute != 0 {
		t.Fatalf("unexpected expiry schedule %d:%d", cfg.ExpiryRunHour, cfg.ExpiryRunMinute)
	}
	if cfg.ExpiryBatchSize != 500 {
		t.Fatalf("expected batch size 500 got %d", cfg.ExpiryBatchSize)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("LOYALTY_DB_URL", "postgres://localhost/loyalty")
	t.Setenv("LOYALTY_PORT", ":9090")
	t.Setenv("LOYALTY_ENV", "production")
	t.Setenv("LOYALTY_EXPIRY_RUN_HOUR", "4")
	t.Setenv("LOYALTY_EXPIRY_BATCH_SIZE", "100")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("expected normalized port 9090 got %q", cfg.Port)
	}
	if cfg.Environment != "production" {
		t.Fatalf("expected production got %q", cfg.Environment)
	}
	if cfg.ExpiryRunHour != 4 || cfg.ExpiryBatchSize != 100 {
		t.Fatalf("unexpected overrides %d/%d", cfg.ExpiryRunHour, cfg.ExpiryBatchSize)
	}
}

func TestFromEnvRejectsBadTimezone(t *testing.T) {
	t.Setenv("LOYALTY_DB_URL", "postgres://localhost/loyalty")
	t.Setenv("LOYALTY_TZ_DEFAULT", "Not/AZone")

	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected invalid timezone to fail")
	}
}

func TestConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loyalty.toml")
	content := `
Port = "7000"
DatabaseURL = "postgres://filehost/loyalty"
Environment = "staging"
ExpiryRunHour = 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	t.Setenv("LOYALTY_CONFIG_FILE", path)
	t.Setenv("LOYALTY_PORT", "")
	t.Setenv("LOYALTY_DB_URL", "")
	t.Setenv("LOYALTY_ENV", "")
	t.Setenv("LOYALTY_EXPIRY_RUN_HOUR", "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Port != "7000" {
		t.Fatalf("expected file port 7000 got %q", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://filehost/loyalty" {
		t.Fatalf("unexpected database url %q", cfg.DatabaseURL)
	}
	if cfg.Environment != "staging" {
		t.Fatalf("expected staging got %q", cfg.Environment)
	}
	if cfg.ExpiryRunHour != 5 {
		t.Fatalf("expected file run hour 5 got %d", cfg.ExpiryRunHour)
	}
}

func TestEnvironmentWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loyalty.toml")
	if err := os.WriteFile(path, []byte(`Port = "7000"`), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	t.Setenv("LOYALTY_CONFIG_FILE", path)
	t.Setenv("LOYALTY_PORT", "6000")
	t.Setenv("LOYALTY_DB_URL", "postgres://localhost/loyalty")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Port != "6000" {
		t.Fatalf("expected env port 6000 got %q", cfg.Port)
	}
}
