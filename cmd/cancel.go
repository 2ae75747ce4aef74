// cmd/cancel.go
package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gridforge-ai/gridforge-cli/internal/api"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job",
	Long: `Cancel asks the controller to stop a job. Queued jobs are cancelled
immediately; running jobs receive a kill directive and report back once
the sandbox has been torn down.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	user := requireUser()
	client := api.NewClient(controllerURL, user)

	status, err := client.Cancel(cmd.Context(), args[0])
	if err != nil {
		fail(err)
	}

	if status == "cancelled" {
		color.Green("Job cancelled.")
	} else {
		// Another kill decision was already standing; report what won.
		color.Yellow("Kill already in progress: %s", status)
	}
	fmt.Printf("  ID:     %s\n", args[0])
	fmt.Printf("  Status: %s\n", status)
	return nil
}
