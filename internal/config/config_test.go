package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/messaging_test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Guard.MinLength != 10 || cfg.Guard.MaxLength != 2000 {
		t.Fatalf("unexpected length bounds: %+v", cfg.Guard)
	}
	if cfg.Guard.RateLimit != 20 || cfg.Guard.RateWindow != time.Hour {
		t.Fatalf("unexpected rate policy: %+v", cfg.Guard)
	}
	if cfg.Guard.SpamLimit != 3 || cfg.Guard.SpamWindow != 5*time.Minute {
		t.Fatalf("unexpected spam policy: %+v", cfg.Guard)
	}
	if cfg.Realtime.TypingTTL != 3*time.Second {
		t.Fatalf("unexpected typing ttl: %v", cfg.Realtime.TypingTTL)
	}
	if cfg.Realtime.PresenceWindow != 5*time.Minute {
		t.Fatalf("unexpected presence window: %v", cfg.Realtime.PresenceWindow)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/messaging_test")
	t.Setenv("PORT", "80 80")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed PORT")
	}
}

func TestLoadRejectsHeartbeatSlowerThanWindow(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/messaging_test")
	t.Setenv("PRESENCE_INTERVAL", "10m")
	t.Setenv("PRESENCE_WINDOW", "5m")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when heartbeat interval exceeds window")
	}
}
