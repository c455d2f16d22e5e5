package config_test

import (
	"testing"
	"time"

	"github.com/shep95/maldek-sub002/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Mode != "release" {
		t.Fatalf("expected release mode default, got %s", cfg.Mode)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.HeartbeatTimeout != 30*time.Second {
		t.Fatalf("expected 30s heartbeat timeout, got %s", cfg.HeartbeatTimeout)
	}
	if cfg.SendBuffer != 64 || cfg.EventBuffer != 256 || cfg.SpaceLogSize != 256 {
		t.Fatalf("unexpected buffer defaults: %+v", cfg)
	}
	if cfg.TokenTTL != 12*time.Hour {
		t.Fatalf("expected 12h token ttl, got %s", cfg.TokenTTL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MDK_MODE", "debug")
	t.Setenv("MDK_PORT", "9090")
	t.Setenv("MDK_SECRET", "from-env")
	t.Setenv("MDK_HEARTBEAT_TIMEOUT", "5s")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Mode != "debug" {
		t.Fatalf("expected debug mode, got %s", cfg.Mode)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.Secret != "from-env" {
		t.Fatalf("expected secret from env, got %q", cfg.Secret)
	}
	if cfg.HeartbeatTimeout != 5*time.Second {
		t.Fatalf("expected 5s heartbeat timeout, got %s", cfg.HeartbeatTimeout)
	}
}
