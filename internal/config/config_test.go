package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Controller.ListenAddress != ":8090" {
		t.Errorf("listen = %q, want :8090", cfg.Controller.ListenAddress)
	}
	if cfg.Redis.Queue != "jobs:v1:gpu" {
		t.Errorf("queue = %q", cfg.Redis.Queue)
	}
	if cfg.Billing.RatePerMinute != "1.00" {
		t.Errorf("rate = %q", cfg.Billing.RatePerMinute)
	}
	if got := cfg.Billing.Tick(); got != 60*time.Second {
		t.Errorf("tick = %v, want 60s", got)
	}
	if got := cfg.Billing.KillAckTimeout(); got != 180*time.Second {
		t.Errorf("kill ack timeout = %v, want 3m", got)
	}
	if cfg.Billing.ReserveTicks != 2 {
		t.Errorf("reserve ticks = %d, want 2", cfg.Billing.ReserveTicks)
	}
	if cfg.Worker.Runtime != "docker" {
		t.Errorf("runtime = %q, want docker", cfg.Worker.Runtime)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridforge.yaml")
	data := `
controller:
  listen_address: ":9000"
  worker_secret: "s3cret"
billing:
  rate_per_minute: "2.50"
  tick_seconds: 30
redis:
  url: "redis://queue:6379/1"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Controller.ListenAddress != ":9000" {
		t.Errorf("listen = %q", cfg.Controller.ListenAddress)
	}
	if cfg.Controller.WorkerSecret != "s3cret" {
		t.Errorf("secret = %q", cfg.Controller.WorkerSecret)
	}
	if cfg.Billing.RatePerMinute != "2.50" {
		t.Errorf("rate = %q", cfg.Billing.RatePerMinute)
	}
	if got := cfg.Billing.Tick(); got != 30*time.Second {
		t.Errorf("tick = %v, want 30s", got)
	}
	// KillAckTimeout defaults off the configured tick, not the default one.
	if got := cfg.Billing.KillAckTimeout(); got != 90*time.Second {
		t.Errorf("kill ack timeout = %v, want 90s", got)
	}
	if cfg.Redis.URL != "redis://queue:6379/1" {
		t.Errorf("redis url = %q", cfg.Redis.URL)
	}
	// Unset sections still get defaults.
	if cfg.Redis.ConsumerGroup != "gridforge-workers" {
		t.Errorf("group = %q", cfg.Redis.ConsumerGroup)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Controller.DatabasePath != "gridforge.db" {
		t.Errorf("db = %q", cfg.Controller.DatabasePath)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GRIDFORGE_LISTEN", ":7777")
	t.Setenv("GRIDFORGE_WORKER_SECRET", "env-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Controller.ListenAddress != ":7777" {
		t.Errorf("listen = %q, want :7777", cfg.Controller.ListenAddress)
	}
	if cfg.Controller.WorkerSecret != "env-secret" {
		t.Errorf("controller secret = %q", cfg.Controller.WorkerSecret)
	}
	if cfg.Worker.WorkerSecret != "env-secret" {
		t.Errorf("worker secret = %q", cfg.Worker.WorkerSecret)
	}
}
