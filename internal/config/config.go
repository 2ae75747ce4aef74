// Package config loads gridforge configuration from a YAML file with
// environment variable overrides. Flags set on the cobra commands take
// precedence over both.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for both controller and worker.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Worker     WorkerConfig     `yaml:"worker"`
	Redis      RedisConfig      `yaml:"redis"`
	Billing    BillingConfig    `yaml:"billing"`
}

// ControllerConfig holds settings for the billing authority.
type ControllerConfig struct {
	// ListenAddress is the HTTP listen address (default: ":8090")
	ListenAddress string `yaml:"listen_address"`

	// DatabasePath is the SQLite database file for the ledger and job
	// records (default: "gridforge.db")
	DatabasePath string `yaml:"database_path"`

	// DataDir is the shared filesystem root for job blobs
	// (default: "./data")
	DataDir string `yaml:"data_dir"`

	// WorkerSecret authenticates worker webhooks
	WorkerSecret string `yaml:"worker_secret"`
}

// WorkerConfig holds settings for the execution node.
type WorkerConfig struct {
	// ControllerURL is the controller API base URL
	ControllerURL string `yaml:"controller_url"`

	// WorkerSecret authenticates webhooks to the controller
	WorkerSecret string `yaml:"worker_secret"`

	// DataDir is the shared filesystem root for job blobs; must resolve
	// to the same storage the controller writes to
	DataDir string `yaml:"data_dir"`

	// Runtime selects the sandbox runtime: "docker" or "exec"
	// (default: "docker")
	Runtime string `yaml:"runtime"`

	// KillGraceSeconds is how long a SIGTERM'd sandbox gets before
	// SIGKILL (default: 10)
	KillGraceSeconds int `yaml:"kill_grace_seconds"`
}

// RedisConfig holds dispatch queue and log transport settings.
type RedisConfig struct {
	// URL is the Redis connection URL (default: "redis://localhost:6379/0")
	URL string `yaml:"url"`

	// Password overrides any password in the URL
	Password string `yaml:"password"`

	// Queue is the dispatch stream name (default: "jobs:v1:gpu")
	Queue string `yaml:"queue"`

	// ConsumerGroup is the worker consumer group (default: "gridforge-workers")
	ConsumerGroup string `yaml:"consumer_group"`

	// BlockMs is how long a worker blocks waiting for a job (default: 5000)
	BlockMs int `yaml:"block_ms"`

	// MaxAttempts is the delivery count before DLQ (default: 3)
	MaxAttempts int `yaml:"max_attempts"`
}

// BillingConfig holds the metering contract. The worker and controller
// must agree on TickSeconds; the controller is authoritative for the rest.
type BillingConfig struct {
	// RatePerMinute is the cost of one billed minute, as a decimal
	// string (default: "1.00"). Parsed with shopspring/decimal; floats
	// are never used for money.
	RatePerMinute string `yaml:"rate_per_minute"`

	// TickSeconds is the metering interval T (default: 60)
	TickSeconds int `yaml:"tick_seconds"`

	// GraceSeconds is the slack added to T before a heartbeat counts as
	// missed (default: 15)
	GraceSeconds int `yaml:"grace_seconds"`

	// KillAckTimeoutSeconds bounds how long the controller waits for a
	// worker to acknowledge a kill before escalating (default: 3*T)
	KillAckTimeoutSeconds int `yaml:"kill_ack_timeout_seconds"`

	// ReserveTicks is how many intervals are reserved up front at
	// submission (default: 2)
	ReserveTicks int `yaml:"reserve_ticks"`

	// MaxTimeoutSeconds caps the per-job timeout a user may request
	// (default: 14400)
	MaxTimeoutSeconds int `yaml:"max_timeout_seconds"`
}

// Load reads the config file at path, applies environment overrides and
// fills defaults. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Redis.URL = envOr("GRIDFORGE_REDIS_URL", c.Redis.URL)
	c.Redis.Password = envOr("GRIDFORGE_REDIS_PASSWORD", c.Redis.Password)
	c.Controller.ListenAddress = envOr("GRIDFORGE_LISTEN", c.Controller.ListenAddress)
	c.Controller.DatabasePath = envOr("GRIDFORGE_DB", c.Controller.DatabasePath)
	c.Controller.DataDir = envOr("GRIDFORGE_DATA_DIR", c.Controller.DataDir)
	c.Controller.WorkerSecret = envOr("GRIDFORGE_WORKER_SECRET", c.Controller.WorkerSecret)
	c.Worker.ControllerURL = envOr("GRIDFORGE_CONTROLLER_URL", c.Worker.ControllerURL)
	c.Worker.WorkerSecret = envOr("GRIDFORGE_WORKER_SECRET", c.Worker.WorkerSecret)
	c.Worker.DataDir = envOr("GRIDFORGE_DATA_DIR", c.Worker.DataDir)
}

func (c *Config) applyDefaults() {
	if c.Controller.ListenAddress == "" {
		c.Controller.ListenAddress = ":8090"
	}
	if c.Controller.DatabasePath == "" {
		c.Controller.DatabasePath = "gridforge.db"
	}
	if c.Controller.DataDir == "" {
		c.Controller.DataDir = "./data"
	}
	if c.Worker.ControllerURL == "" {
		c.Worker.ControllerURL = "http://localhost:8090"
	}
	if c.Worker.DataDir == "" {
		c.Worker.DataDir = "./data"
	}
	if c.Worker.Runtime == "" {
		c.Worker.Runtime = "docker"
	}
	if c.Worker.KillGraceSeconds == 0 {
		c.Worker.KillGraceSeconds = 10
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Redis.Queue == "" {
		c.Redis.Queue = "jobs:v1:gpu"
	}
	if c.Redis.ConsumerGroup == "" {
		c.Redis.ConsumerGroup = "gridforge-workers"
	}
	if c.Redis.BlockMs == 0 {
		c.Redis.BlockMs = 5000
	}
	if c.Redis.MaxAttempts == 0 {
		c.Redis.MaxAttempts = 3
	}
	if c.Billing.RatePerMinute == "" {
		c.Billing.RatePerMinute = "1.00"
	}
	if c.Billing.TickSeconds == 0 {
		c.Billing.TickSeconds = 60
	}
	if c.Billing.GraceSeconds == 0 {
		c.Billing.GraceSeconds = 15
	}
	if c.Billing.KillAckTimeoutSeconds == 0 {
		c.Billing.KillAckTimeoutSeconds = 3 * c.Billing.TickSeconds
	}
	if c.Billing.ReserveTicks == 0 {
		c.Billing.ReserveTicks = 2
	}
	if c.Billing.MaxTimeoutSeconds == 0 {
		c.Billing.MaxTimeoutSeconds = 14400
	}
}

// Tick returns the metering interval as a duration.
func (b BillingConfig) Tick() time.Duration {
	return time.Duration(b.TickSeconds) * time.Second
}

// Grace returns the heartbeat grace period as a duration.
func (b BillingConfig) Grace() time.Duration {
	return time.Duration(b.GraceSeconds) * time.Second
}

// KillAckTimeout returns the kill acknowledgment bound as a duration.
func (b BillingConfig) KillAckTimeout() time.Duration {
	return time.Duration(b.KillAckTimeoutSeconds) * time.Second
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
