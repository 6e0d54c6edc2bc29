package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FLEET_PROVIDER", "")
	t.Setenv("FLEET_STORE", "")

	cfg := Load()
	if cfg.HTTPAddr != ":8080" || cfg.Store != "memory" || cfg.Provider != "" {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.StartingTimeout != 5*time.Minute || cfg.MaxTerminateAttempts != 10 || cfg.IdleMaxDuration != 25*time.Hour {
		t.Fatalf("unexpected controller defaults %#v", cfg)
	}
	if len(cfg.NomadDatacenters) != 1 || cfg.NomadDatacenters[0] != "dc1" {
		t.Fatalf("unexpected datacenters %v", cfg.NomadDatacenters)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FLEET_PROVIDER", " ECS ")
	t.Setenv("FLEET_ECS_SUBNETS", "subnet-a, ,subnet-b")
	t.Setenv("FLEET_RECONCILE_INTERVAL", "250ms")
	t.Setenv("FLEET_CONCURRENCY", "not-a-number")
	t.Setenv("FLEET_LOCAL_PULL", "yes")
	t.Setenv("FLEET_IDEMPOTENCY_TTL", "1h")

	cfg := Load()
	if cfg.Provider != "ecs" {
		t.Fatalf("expected normalized provider, got %q", cfg.Provider)
	}
	if len(cfg.ECSSubnets) != 2 || cfg.ECSSubnets[1] != "subnet-b" {
		t.Fatalf("unexpected subnets %v", cfg.ECSSubnets)
	}
	if cfg.ReconcileInterval != 250*time.Millisecond {
		t.Fatalf("unexpected interval %s", cfg.ReconcileInterval)
	}
	if cfg.Concurrency != 8 {
		t.Fatalf("expected fallback concurrency, got %d", cfg.Concurrency)
	}
	if !cfg.LocalPull {
		t.Fatalf("expected local pull enabled")
	}
	if cfg.IdempotencyTTL != time.Hour {
		t.Fatalf("unexpected idempotency ttl %s", cfg.IdempotencyTTL)
	}
}

func TestLoadFileLayersEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	content := "FLEET_PROVIDER: nomad\nFLEET_CONCURRENCY: 3\nFLEET_STARTING_TIMEOUT: 90s\nFLEET_CORS_ORIGINS: https://a.example, https://b.example\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FLEET_PROVIDER", "")
	t.Setenv("FLEET_CONCURRENCY", "5")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.Provider != "nomad" {
		t.Fatalf("expected provider from file, got %q", cfg.Provider)
	}
	if cfg.Concurrency != 5 {
		t.Fatalf("expected environment to win, got %d", cfg.Concurrency)
	}
	if cfg.StartingTimeout != 90*time.Second {
		t.Fatalf("unexpected starting timeout %s", cfg.StartingTimeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSOrigins)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("- not\n- a map\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
