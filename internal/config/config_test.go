package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/congo-pay/offlinepay/internal/risk"
)

func TestLoadDevelopmentDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
	if cfg.DefaultCurrency != "XAF" {
		t.Fatalf("unexpected currency %q", cfg.DefaultCurrency)
	}
	if cfg.Risk != risk.DefaultPolicy() {
		t.Fatalf("expected default policy, got %+v", cfg.Risk)
	}
	if cfg.IdempotencyTTL != 24*time.Hour || cfg.ShutdownPeriod != 10*time.Second {
		t.Fatalf("unexpected durations %v %v", cfg.IdempotencyTTL, cfg.ShutdownPeriod)
	}
}

func TestLoadRequiresStoresOutsideDevelopment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected missing DATABASE_URL to fail")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/offlinepay")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	if _, err := Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("RISK_MAX_PER_TX_CENTS", "2500")
	t.Setenv("SHUTDOWN_TIMEOUT_SECONDS", "3")
	t.Setenv("IDEMPOTENCY_TTL", "90m")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Risk.MaxPerTransactionCents != 2500 {
		t.Fatalf("expected overridden ceiling, got %d", cfg.Risk.MaxPerTransactionCents)
	}
	if cfg.ShutdownPeriod != 3*time.Second || cfg.IdempotencyTTL != 90*time.Minute {
		t.Fatalf("unexpected durations %v %v", cfg.ShutdownPeriod, cfg.IdempotencyTTL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("RISK_MAX_PER_TX_CENTS", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("expected invalid policy error")
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offlinepay.yaml")
	if err := os.WriteFile(path, []byte("port: \"9090\"\nrisk_max_sync_age_hours: 12\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("APP_ENV", "development")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.Risk.MaxSyncAgeHours != 12 {
		t.Fatalf("config file ignored: port=%s age=%d", cfg.Port, cfg.Risk.MaxSyncAgeHours)
	}
}
