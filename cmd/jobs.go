// cmd/jobs.go
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gridforge-ai/gridforge-cli/internal/api"
)

var (
	jobsStatus string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List your jobs or show one in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobs,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status (pending, running, completed, ...)")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum jobs to list")
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	user := requireUser()
	client := api.NewClient(controllerURL, user)

	if len(args) == 1 {
		job, err := client.Job(cmd.Context(), args[0])
		if err != nil {
			fail(err)
		}
		printJob(job)
		return nil
	}

	jobs, err := client.Jobs(cmd.Context(), jobsStatus, jobsLimit)
	if err != nil {
		fail(err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tIMAGE\tCREATED\tCOST")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			job.ID, colorStatus(job.Status), job.DockerImage, job.CreatedAt, job.TotalCost)
	}
	return tw.Flush()
}

func printJob(job *api.JobView) {
	fmt.Printf("Job %s\n", job.ID)
	fmt.Printf("  Status:   %s\n", colorStatus(job.Status))
	fmt.Printf("  Image:    %s\n", job.DockerImage)
	fmt.Printf("  Created:  %s\n", job.CreatedAt)
	if job.StartedAt != "" {
		fmt.Printf("  Started:  %s\n", job.StartedAt)
	}
	if job.EndedAt != "" {
		fmt.Printf("  Ended:    %s\n", job.EndedAt)
	}
	fmt.Printf("  Runtime:  %ds\n", job.RuntimeSeconds)
	fmt.Printf("  Billed:   %d ticks, %s credits\n", job.TicksBilled, job.TotalCost)
	if job.ExitReason != "" {
		fmt.Printf("  Exit:     %s (code %d)\n", job.ExitReason, job.ExitCode)
	}
	if job.ErrorMessage != "" {
		fmt.Printf("  Error:    %s\n", job.ErrorMessage)
	}
}

func colorStatus(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "running", "preparing":
		return color.CyanString(status)
	case "failed", "killed_no_credits":
		return color.RedString(status)
	case "cancelled":
		return color.YellowString(status)
	default:
		return status
	}
}
