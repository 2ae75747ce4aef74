// cmd/root.go
package cmd

import (
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	cfgFile       string
	controllerURL string
	asUser        string
	debugMode     bool
)

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gridforge",
	Short: "GridForge brokers metered GPU compute time",
	Long: `GridForge rents out GPU seconds with a live kill-switch.

The controller owns the wallet ledger and job records, meters running
jobs through worker heartbeats, and cuts execution the moment a wallet
runs dry. Workers pull dispatched jobs from Redis Streams, run them in
sandboxed containers, and stream logs back for live following.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once from main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.gridforge.yaml)")
	rootCmd.PersistentFlags().StringVar(&controllerURL, "controller", getEnvOrDefault("GRIDFORGE_CONTROLLER_URL", "http://localhost:8090"), "controller API base URL")
	rootCmd.PersistentFlags().StringVar(&asUser, "user", getEnvOrDefault("GRIDFORGE_USER", ""), "acting user ID")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

// newLogger builds the process logger honoring --debug.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debugMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// requireUser resolves the acting user or exits with guidance.
func requireUser() string {
	if asUser != "" {
		return asUser
	}
	color.Red("Error: no user set. Pass --user or set GRIDFORGE_USER.")
	os.Exit(1)
	return ""
}

// fail prints an error and exits.
func fail(err error) {
	color.Red("Error: %v", err)
	os.Exit(1)
}

// flagChanged reports whether the user set a flag explicitly.
func flagChanged(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}
