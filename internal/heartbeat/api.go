// Package heartbeat defines the billing heartbeat wire protocol between
// the execution supervisor and the controller, and the worker-side
// client that speaks it.
//
// One heartbeat is emitted per metering tick while a sandbox runs. The
// controller answers every heartbeat with a directive, so the kill
// switch works even when the asynchronous control channel is down.
//
//	Worker                                   Controller
//	┌─────────────┐   POST /internal/heartbeat   ┌──────────────┐
//	│ Supervisor  │ ───────────────────────────▶ │  Billing     │
//	│ (every T)   │ ◀─────────────────────────── │  Coordinator │
//	└─────────────┘   {action: continue|kill}    └──────────────┘
package heartbeat

import "github.com/gridforge-ai/gridforge-cli/internal/hoststats"

// Directive actions returned by the controller.
const (
	ActionContinue = "continue"
	ActionKill     = "kill"
)

// Request is one billing heartbeat. TickSeq is a monotonic counter
// starting at 1 for the first completed interval; the controller
// rejects out-of-order ticks and treats replays as no-ops.
type Request struct {
	JobID          string              `json:"job_id"`
	WorkerID       string              `json:"worker_id"`
	TickSeq        int64               `json:"tick_seq"`
	ElapsedSeconds int64               `json:"elapsed_seconds"`
	SandboxAlive   bool                `json:"sandbox_alive"`
	Timestamp      string              `json:"worker_timestamp"`
	Host           *hoststats.Snapshot `json:"host,omitempty"`
}

// Response is the controller's directive for the heartbeat.
type Response struct {
	Action  string `json:"action"` // "continue" or "kill"
	Reason  string `json:"reason,omitempty"`
	Balance string `json:"balance,omitempty"`
}

// StatusReport is the report posted by the worker on every status
// change; a terminal report also acknowledges any outstanding kill
// command for the job.
type StatusReport struct {
	JobID          string `json:"job_id"`
	WorkerID       string `json:"worker_id"`
	Status         string `json:"status"` // preparing, running, or a terminal status
	ContainerID    string `json:"container_id,omitempty"`
	ExitCode       *int   `json:"exit_code,omitempty"`
	ExitReason     string `json:"exit_reason,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	RuntimeSeconds int64  `json:"runtime_seconds,omitempty"`
}
