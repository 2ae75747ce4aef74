// cmd/worker.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridforge-ai/gridforge-cli/internal/blobstore"
	"github.com/gridforge-ai/gridforge-cli/internal/config"
	"github.com/gridforge-ai/gridforge-cli/internal/heartbeat"
	"github.com/gridforge-ai/gridforge-cli/internal/queue"
	"github.com/gridforge-ai/gridforge-cli/internal/sandbox"
	"github.com/gridforge-ai/gridforge-cli/internal/supervisor"
)

var (
	workerRuntime string
	workerDataDir string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a GPU execution node",
	Long: `The worker pulls dispatched jobs from the Redis stream, runs each
script in an isolated container, and meters runtime with billing
heartbeats to the controller. One job runs at a time: one GPU, one
sandbox. A kill directive from the controller stops the sandbox with
SIGTERM, escalating to SIGKILL after the grace period.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerRuntime, "runtime", "", `sandbox runtime: "docker" or "exec" (overrides config)`)
	workerCmd.Flags().StringVar(&workerDataDir, "data-dir", "", "shared blob storage root (overrides config)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if flagChanged(cmd.Flags(), "runtime") {
		cfg.Worker.Runtime = workerRuntime
	}
	if flagChanged(cmd.Flags(), "data-dir") {
		cfg.Worker.DataDir = workerDataDir
	}
	if cfg.Worker.WorkerSecret == "" {
		return fmt.Errorf("worker_secret is required; set worker.worker_secret or GRIDFORGE_WORKER_SECRET")
	}
	if cfg.Worker.ControllerURL == "" {
		return fmt.Errorf("controller_url is required; set worker.controller_url or GRIDFORGE_CONTROLLER_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := queue.NewClient(queue.ClientConfig{
		URL:           cfg.Redis.URL,
		Password:      cfg.Redis.Password,
		Queue:         cfg.Redis.Queue,
		ConsumerGroup: cfg.Redis.ConsumerGroup,
		BlockMs:       cfg.Redis.BlockMs,
		MaxAttempts:   cfg.Redis.MaxAttempts,
	})
	logger.Info("connecting to redis", "url", queue.MaskURL(cfg.Redis.URL))
	if err := bus.Connect(ctx, cfg.Redis.URL, cfg.Redis.Password); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer bus.Close()
	if err := bus.EnsureConsumerGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	blobs, err := blobstore.New(cfg.Worker.DataDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	rt, err := pickRuntime(cfg.Worker.Runtime, logger)
	if err != nil {
		return err
	}

	control := heartbeat.NewClient(heartbeat.ClientConfig{
		BaseURL:  cfg.Worker.ControllerURL,
		Secret:   cfg.Worker.WorkerSecret,
		WorkerID: bus.WorkerID(),
	})

	sup := supervisor.New(bus, control, rt, blobs, supervisor.Config{
		Tick:      cfg.Billing.Tick(),
		StopGrace: time.Duration(cfg.Worker.KillGraceSeconds) * time.Second,
	}, logger)

	fmt.Fprintf(os.Stderr, "GridForge worker %s pulling from %s\n", bus.WorkerID(), bus.Queue())
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

func pickRuntime(name string, logger *slog.Logger) (sandbox.Runtime, error) {
	switch name {
	case "docker":
		rt := sandbox.NewDockerRuntime(logger)
		if !rt.Available() {
			return nil, fmt.Errorf("docker runtime selected but docker is not on PATH")
		}
		return rt, nil
	case "exec":
		logger.Warn("exec runtime provides no isolation; use docker outside development")
		return sandbox.NewExecRuntime(), nil
	default:
		return nil, fmt.Errorf("unknown runtime %q (want docker or exec)", name)
	}
}
