// cmd/submit.go
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gridforge-ai/gridforge-cli/internal/api"
)

var (
	submitImage   string
	submitMemory  string
	submitCPUs    int
	submitTimeout int
)

var submitCmd = &cobra.Command{
	Use:   "submit <script.sh>",
	Short: "Submit a script for metered GPU execution",
	Long: `Submit uploads a shell script and queues it for execution. Credits
for the first intervals are reserved up front; billing then follows the
job minute by minute, and the job is killed the moment the wallet runs
dry. Use "-" to read the script from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitImage, "image", "nvidia/cuda:12.1.0-runtime-ubuntu22.04", "container image to run the script in")
	submitCmd.Flags().StringVar(&submitMemory, "memory", "", `container memory limit (e.g. "8g")`)
	submitCmd.Flags().IntVar(&submitCPUs, "cpus", 0, "container CPU limit (0 = unlimited)")
	submitCmd.Flags().IntVar(&submitTimeout, "timeout", 0, "max runtime in seconds (0 = controller default)")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	user := requireUser()

	var script []byte
	var err error
	if args[0] == "-" {
		script, err = io.ReadAll(os.Stdin)
	} else {
		script, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	client := api.NewClient(controllerURL, user)
	job, err := client.Submit(cmd.Context(), api.SubmitRequest{
		DockerImage:    submitImage,
		Script:         string(script),
		MemoryLimit:    submitMemory,
		CPUCount:       submitCPUs,
		TimeoutSeconds: submitTimeout,
	})
	if err != nil {
		fail(err)
	}

	color.Green("Job submitted.")
	fmt.Printf("  ID:     %s\n", job.ID)
	fmt.Printf("  Image:  %s\n", job.DockerImage)
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("\nFollow logs with: gridforge logs --follow %s\n", job.ID)
	return nil
}
