// cmd/logs.go
package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/gridforge-ai/gridforge-cli/internal/api"
	"github.com/gridforge-ai/gridforge-cli/internal/queue"
)

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Fetch a job's logs",
	Long: `Logs prints a job's captured output. With --follow it attaches to the
live stream instead: recent lines are replayed first, then new output
arrives as the job produces it, until the job reaches a terminal state.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "stream logs live over websocket")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	user := requireUser()
	client := api.NewClient(controllerURL, user)
	jobID := args[0]

	if !logsFollow {
		data, err := client.Logs(cmd.Context(), jobID)
		if err != nil {
			fail(err)
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	header := http.Header{}
	header.Set(api.UserHeader(), client.UserID())
	conn, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), client.StreamURL(jobID), header)
	if err != nil {
		if resp != nil {
			fail(fmt.Errorf("stream connect failed: %s", resp.Status))
		}
		fail(fmt.Errorf("stream connect failed: %w", err))
	}
	defer conn.Close()

	// Tear the connection down when the command context is cancelled,
	// which unblocks the ReadJSON loop below.
	go func() {
		<-cmd.Context().Done()
		conn.Close()
	}()

	for {
		var ev queue.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if cmd.Context().Err() != nil {
				return nil
			}
			return fmt.Errorf("stream read: %w", err)
		}
		switch ev.Type {
		case queue.EventTypeLog:
			fmt.Println(ev.Line)
		case queue.EventTypeStatus:
			color.Cyan("[job %s] %s", ev.JobID, ev.Status)
		}
	}
}
