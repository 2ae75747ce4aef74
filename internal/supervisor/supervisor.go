// Package supervisor is the worker's execution engine. It claims one
// dispatch at a time, runs the sandbox, meters runtime with billing
// heartbeats, and carries out kill directives from the controller.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gridforge-ai/gridforge-cli/internal/blobstore"
	"github.com/gridforge-ai/gridforge-cli/internal/heartbeat"
	"github.com/gridforge-ai/gridforge-cli/internal/hoststats"
	"github.com/gridforge-ai/gridforge-cli/internal/jobstore"
	"github.com/gridforge-ai/gridforge-cli/internal/queue"
	"github.com/gridforge-ai/gridforge-cli/internal/sandbox"
)

// ErrBusy is returned when a dispatch arrives while a job is running.
// The slot is single-occupancy: one GPU, one sandbox.
var ErrBusy = errors.New("supervisor: execution slot occupied")

// JobBus is the dispatch and event surface the supervisor needs.
// *queue.Client satisfies it.
type JobBus interface {
	ReadJob(ctx context.Context) (*queue.DispatchMessage, error)
	Ack(ctx context.Context, messageID string) error
	DeliveryCount(ctx context.Context, messageID string) (int64, error)
	MoveToDLQ(ctx context.Context, msg *queue.DispatchMessage, reason string) error
	MaxAttempts() int
	PublishLog(ctx context.Context, jobID, line string) error
	PublishStatus(ctx context.Context, jobID, status, reason string) error
	SubscribeKill(ctx context.Context, jobID string) (<-chan queue.KillCommand, func(), error)
}

// ControlPlane is the worker's view of the controller.
// *heartbeat.Client satisfies it.
type ControlPlane interface {
	Send(ctx context.Context, req heartbeat.Request) (*heartbeat.Response, error)
	ReportStatus(ctx context.Context, report heartbeat.StatusReport) error
}

// Config holds supervisor tunables.
type Config struct {
	// Tick is the billing heartbeat interval, matching the controller.
	Tick time.Duration

	// StopGrace is the SIGTERM to SIGKILL window (default: 10s).
	StopGrace time.Duration
}

// Supervisor runs dispatched jobs one at a time.
type Supervisor struct {
	bus     JobBus
	control ControlPlane
	runtime sandbox.Runtime
	blobs   *blobstore.Store
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	current string
}

// New wires a supervisor.
func New(bus JobBus, control ControlPlane, rt sandbox.Runtime, blobs *blobstore.Store, cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Supervisor{
		bus:     bus,
		control: control,
		runtime: rt,
		blobs:   blobs,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run consumes dispatches until ctx is cancelled. Jobs run serially;
// the read blocks while a job occupies the slot.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started", "tick", s.cfg.Tick)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := s.bus.ReadJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("dispatch read failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		if count, err := s.bus.DeliveryCount(ctx, msg.MessageID); err == nil &&
			count > int64(s.bus.MaxAttempts()) {
			s.logger.Warn("dispatch exceeded max attempts, dead-lettering",
				"job_id", msg.JobID, "deliveries", count)
			s.bus.MoveToDLQ(ctx, msg, "max delivery attempts exceeded")
			continue
		}

		if err := s.Execute(ctx, msg); err != nil {
			s.logger.Error("execution failed, leaving dispatch pending",
				"job_id", msg.JobID, "error", err)
			continue
		}
		s.bus.Ack(ctx, msg.MessageID)
	}
}

// Execute runs one dispatched job to a terminal report. A nil return
// means the dispatch is fully handled and may be acknowledged, even
// when the job itself failed.
func (s *Supervisor) Execute(ctx context.Context, msg *queue.DispatchMessage) error {
	if !s.acquire(msg.JobID) {
		return ErrBusy
	}
	defer s.release()

	logger := s.logger.With("job_id", msg.JobID)

	// The controller rejects the preparing transition if the job was
	// cancelled while queued; the dispatch is then spent.
	if err := s.control.ReportStatus(ctx, heartbeat.StatusReport{
		JobID:  msg.JobID,
		Status: string(jobstore.StatusPreparing),
	}); err != nil {
		if errors.Is(err, heartbeat.ErrConflict) {
			logger.Info("controller refused job, dropping dispatch", "error", err)
			return nil
		}
		return fmt.Errorf("report preparing: %w", err)
	}

	handle, err := s.runtime.Start(ctx, sandbox.Spec{
		JobID:       msg.JobID,
		Image:       msg.DockerImage,
		ScriptPath:  s.blobs.ScriptPath(msg.JobID),
		OutputPath:  s.blobs.OutputDir(msg.JobID),
		MemoryLimit: msg.MemoryLimit,
		CPUCount:    msg.CPUCount,
	})
	if err != nil {
		logger.Error("sandbox start failed", "error", err)
		s.reportTerminal(ctx, msg.JobID, jobstore.StatusFailed, jobstore.TerminalUpdate{
			ExitReason:   jobstore.ReasonSetupError,
			ErrorMessage: err.Error(),
		})
		return nil
	}

	started := time.Now()
	logger.Info("sandbox started", "container", handle.ID())

	if err := s.control.ReportStatus(ctx, heartbeat.StatusReport{
		JobID:       msg.JobID,
		Status:      string(jobstore.StatusRunning),
		ContainerID: handle.ID(),
	}); err != nil {
		// Without a running record the controller will not bill; kill
		// the sandbox and let the dispatch be redelivered.
		handle.Stop(ctx, s.cfg.StopGrace)
		handle.Wait(ctx)
		return fmt.Errorf("report running: %w", err)
	}

	exec := &execution{
		supervisor: s,
		msg:        msg,
		handle:     handle,
		logger:     logger,
		started:    started,
	}
	exec.run(ctx)
	return nil
}

func (s *Supervisor) acquire(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != "" {
		return false
	}
	s.current = jobID
	return true
}

func (s *Supervisor) release() {
	s.mu.Lock()
	s.current = ""
	s.mu.Unlock()
}

// CurrentJob returns the occupying job ID, or empty when idle.
func (s *Supervisor) CurrentJob() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Supervisor) reportTerminal(ctx context.Context, jobID string, status jobstore.Status, upd jobstore.TerminalUpdate) {
	report := heartbeat.StatusReport{
		JobID:          jobID,
		Status:         string(status),
		ExitReason:     upd.ExitReason,
		ErrorMessage:   upd.ErrorMessage,
		RuntimeSeconds: upd.RuntimeSeconds,
	}
	if upd.HasExitCode {
		code := upd.ExitCode
		report.ExitCode = &code
	}
	if err := s.control.ReportStatus(ctx, report); err != nil {
		s.logger.Error("terminal report failed", "job_id", jobID, "error", err)
	}
	s.bus.PublishStatus(ctx, jobID, string(status), upd.ExitReason)
}

// execution tracks one running sandbox.
type execution struct {
	supervisor *Supervisor
	msg        *queue.DispatchMessage
	handle     sandbox.Handle
	logger     *slog.Logger
	started    time.Time

	stopOnce   sync.Once
	stopReason string
}

// run drives the sandbox to completion: log pump, heartbeat loop, kill
// subscription, and timeout, then the terminal report.
func (e *execution) run(ctx context.Context) {
	s := e.supervisor
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	killc, unsubscribe, err := s.bus.SubscribeKill(execCtx, e.msg.JobID)
	if err != nil {
		e.logger.Warn("kill subscription failed, heartbeat directives only", "error", err)
	} else {
		defer unsubscribe()
		go func() {
			for cmd := range killc {
				e.initiateStop(execCtx, cmd.Reason)
			}
		}()
	}

	logsDone := make(chan struct{})
	go e.pumpLogs(execCtx, logsDone)

	go e.heartbeatLoop(execCtx)

	if e.msg.TimeoutSeconds > 0 {
		timeout := time.AfterFunc(time.Duration(e.msg.TimeoutSeconds)*time.Second, func() {
			e.logger.Warn("job exceeded its timeout", "timeout_seconds", e.msg.TimeoutSeconds)
			e.initiateStop(execCtx, jobstore.ReasonJobTimeout)
		})
		defer timeout.Stop()
	}

	result, waitErr := e.handle.Wait(ctx)
	cancel()
	<-logsDone

	runtimeSeconds := int64(time.Since(e.started).Seconds())
	status, upd := e.outcome(result, waitErr)
	upd.RuntimeSeconds = runtimeSeconds

	e.logger.Info("sandbox finished", "status", status,
		"reason", upd.ExitReason, "runtime_seconds", runtimeSeconds)
	s.reportTerminal(ctx, e.msg.JobID, status, upd)
}

// outcome maps the sandbox result and any stop reason to a terminal
// state. The controller may still override with a standing kill
// decision.
func (e *execution) outcome(result sandbox.Result, waitErr error) (jobstore.Status, jobstore.TerminalUpdate) {
	if waitErr != nil {
		return jobstore.StatusFailed, jobstore.TerminalUpdate{
			ExitReason:   jobstore.ReasonSetupError,
			ErrorMessage: waitErr.Error(),
		}
	}

	upd := jobstore.TerminalUpdate{ExitCode: result.ExitCode, HasExitCode: true}

	switch e.reason() {
	case jobstore.ReasonUserCancelled:
		upd.ExitReason = jobstore.ReasonUserCancelled
		return jobstore.StatusCancelled, upd
	case jobstore.ReasonNoCredits:
		upd.ExitReason = jobstore.ReasonNoCredits
		return jobstore.StatusKilledNoCredits, upd
	case jobstore.ReasonJobTimeout:
		upd.ExitReason = jobstore.ReasonJobTimeout
		return jobstore.StatusFailed, upd
	}

	if result.OOMKilled {
		upd.ExitReason = jobstore.ReasonOOMKilled
		return jobstore.StatusFailed, upd
	}
	if result.ExitCode == 0 {
		upd.ExitReason = jobstore.ReasonCompleted
		return jobstore.StatusCompleted, upd
	}
	upd.ExitReason = jobstore.ReasonNonZeroExit
	upd.ErrorMessage = fmt.Sprintf("script exited with code %d", result.ExitCode)
	return jobstore.StatusFailed, upd
}

// initiateStop records the first stop reason and terminates the
// sandbox. Later calls are no-ops; the first reason stands.
func (e *execution) initiateStop(ctx context.Context, reason string) {
	e.stopOnce.Do(func() {
		e.stopReason = reason
		e.logger.Info("stopping sandbox", "reason", reason)
		go e.handle.Stop(ctx, e.supervisor.cfg.StopGrace)
	})
}

func (e *execution) reason() string {
	// stopOnce ordering makes stopReason safe to read after Do.
	e.stopOnce.Do(func() {})
	return e.stopReason
}

// pumpLogs forwards sandbox output to live viewers and the flushed
// log file. Publish failures never interrupt execution.
func (e *execution) pumpLogs(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	s := e.supervisor
	for line := range e.handle.Logs() {
		s.bus.PublishLog(ctx, e.msg.JobID, line)
		if err := s.blobs.AppendLog(e.msg.JobID, line); err != nil {
			e.logger.Warn("log flush failed", "error", err)
		}
	}
}

// heartbeatLoop sends one billing heartbeat per tick. The sequence
// only advances on an accepted tick, so a transport failure retries
// the same interval and the controller's idempotent debit absorbs any
// duplicate.
func (e *execution) heartbeatLoop(ctx context.Context) {
	s := e.supervisor
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	seq := int64(1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := s.control.Send(ctx, heartbeat.Request{
			JobID:          e.msg.JobID,
			TickSeq:        seq,
			ElapsedSeconds: int64(time.Since(e.started).Seconds()),
			SandboxAlive:   true,
			Host:           hoststats.Collect(),
		})
		if err != nil {
			e.logger.Warn("heartbeat failed, will retry tick", "tick", seq, "error", err)
			continue
		}

		switch resp.Action {
		case heartbeat.ActionKill:
			e.initiateStop(ctx, resp.Reason)
			return
		case heartbeat.ActionContinue:
			seq++
		}
	}
}
