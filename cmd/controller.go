// cmd/controller.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/gridforge-ai/gridforge-cli/internal/api"
	"github.com/gridforge-ai/gridforge-cli/internal/billing"
	"github.com/gridforge-ai/gridforge-cli/internal/blobstore"
	"github.com/gridforge-ai/gridforge-cli/internal/config"
	"github.com/gridforge-ai/gridforge-cli/internal/jobstore"
	"github.com/gridforge-ai/gridforge-cli/internal/ledger"
	"github.com/gridforge-ai/gridforge-cli/internal/metrics"
	"github.com/gridforge-ai/gridforge-cli/internal/queue"
	"github.com/gridforge-ai/gridforge-cli/internal/relay"
)

var (
	controllerListen string
	controllerDB     string
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the billing controller and job API",
	Long: `The controller is the billing authority. It owns the wallet ledger
and the job state machine, answers worker heartbeats with continue-or-kill
directives, dispatches jobs onto the Redis stream, and relays live logs
to followers.`,
	RunE: runController,
}

func init() {
	controllerCmd.Flags().StringVar(&controllerListen, "listen", "", "HTTP listen address (overrides config)")
	controllerCmd.Flags().StringVar(&controllerDB, "db", "", "SQLite database path (overrides config)")
	rootCmd.AddCommand(controllerCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if flagChanged(cmd.Flags(), "listen") {
		cfg.Controller.ListenAddress = controllerListen
	}
	if flagChanged(cmd.Flags(), "db") {
		cfg.Controller.DatabasePath = controllerDB
	}
	if cfg.Controller.WorkerSecret == "" {
		return fmt.Errorf("worker_secret is required; set controller.worker_secret or GRIDFORGE_WORKER_SECRET")
	}

	rate, err := decimal.NewFromString(cfg.Billing.RatePerMinute)
	if err != nil {
		return fmt.Errorf("parse rate_per_minute %q: %w", cfg.Billing.RatePerMinute, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lg, err := ledger.Open(cfg.Controller.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer lg.Close()

	jobs, err := jobstore.Open(lg.DB(), logger)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	blobs, err := blobstore.New(cfg.Controller.DataDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

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

	mc := metrics.NewCollector()
	coord := billing.NewCoordinator(lg, jobs, bus, billing.Config{
		RatePerMinute:  rate,
		Tick:           cfg.Billing.Tick(),
		Grace:          cfg.Billing.Grace(),
		KillAckTimeout: cfg.Billing.KillAckTimeout(),
		ReserveTicks:   cfg.Billing.ReserveTicks,
	}, logger, mc)
	defer coord.Close()

	if err := coord.Resume(ctx); err != nil {
		return fmt.Errorf("resume active jobs: %w", err)
	}

	hub := relay.NewHub(logger)
	go func() {
		if err := hub.Run(ctx, bus); err != nil && ctx.Err() == nil {
			logger.Error("relay stopped", "error", err)
		}
	}()

	server := api.NewServer(api.Config{
		Listen:            cfg.Controller.ListenAddress,
		WorkerSecret:      cfg.Controller.WorkerSecret,
		MaxTimeoutSeconds: cfg.Billing.MaxTimeoutSeconds,
	}, coord, lg, jobs, blobs, hub, mc, logger)

	fmt.Fprintf(os.Stderr, "GridForge controller listening on %s\n", cfg.Controller.ListenAddress)
	return server.Start(ctx)
}
