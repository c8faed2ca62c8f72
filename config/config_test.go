package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.SignalExpiry != 7*24*time.Hour {
		t.Fatalf("expected seven day signal expiry, got %s", cfg.SignalExpiry)
	}
	if cfg.Sync.MaxAttempts != 5 {
		t.Fatalf("expected 5 sync attempts, got %d", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.BaseBackoff != 30*time.Second || cfg.Sync.MaxBackoff != time.Hour {
		t.Fatalf("unexpected backoff defaults %s/%s", cfg.Sync.BaseBackoff, cfg.Sync.MaxBackoff)
	}
}

func TestLoadCaptureKeys(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("CAPTURE_KEYS", "granola=hash-a,plaud=hash-b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CaptureKeys["granola"] != "hash-a" || cfg.CaptureKeys["plaud"] != "hash-b" {
		t.Fatalf("unexpected capture keys %#v", cfg.CaptureKeys)
	}
}

func TestLoadRequiresDatabaseForPostgres(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestLoadRejectsInvertedBackoff(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("SYNC_BASE_BACKOFF", "2h")
	t.Setenv("SYNC_MAX_BACKOFF", "1h")

	if _, err := Load(); err == nil {
		t.Fatal("expected backoff validation error")
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("PORT", "not-a-port")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "config: parse env") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}
