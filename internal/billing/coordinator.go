// Package billing is the controller's metering and kill-switch engine.
// It turns worker heartbeats into wallet debits, records kill decisions
// exactly once, and owns the watchdog and escalation timers that keep
// jobs from billing or running unattended.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridforge-ai/gridforge-cli/internal/heartbeat"
	"github.com/gridforge-ai/gridforge-cli/internal/jobstore"
	"github.com/gridforge-ai/gridforge-cli/internal/ledger"
	"github.com/gridforge-ai/gridforge-cli/internal/metrics"
	"github.com/gridforge-ai/gridforge-cli/internal/queue"
)

var (
	// ErrTickSequenceGap is returned when a heartbeat skips ahead of
	// the next expected billing interval.
	ErrTickSequenceGap = errors.New("billing: tick sequence gap")

	// ErrNotOwner is returned when a caller acts on another user's job.
	ErrNotOwner = errors.New("billing: job owned by another user")
)

// Bus carries dispatch and control traffic to workers. *queue.Client
// satisfies it.
type Bus interface {
	Enqueue(ctx context.Context, msg queue.DispatchMessage) error
	PublishKill(ctx context.Context, cmd queue.KillCommand) error
	PublishStatus(ctx context.Context, jobID, status, reason string) error
}

// Config holds the metering parameters.
type Config struct {
	// RatePerMinute is the cost of one billed minute.
	RatePerMinute decimal.Decimal

	// Tick is the metering interval T.
	Tick time.Duration

	// Grace is the slack past T before the watchdog fires.
	Grace time.Duration

	// KillAckTimeout bounds the wait for a worker to confirm a kill.
	KillAckTimeout time.Duration

	// ReserveTicks is how many intervals are reserved at submission.
	ReserveTicks int
}

// Coordinator drives billing for all jobs on one controller.
type Coordinator struct {
	ledger  *ledger.Ledger
	jobs    *jobstore.Store
	bus     Bus
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	timers map[string]*jobTimers
}

type jobTimers struct {
	watchdog   *time.Timer
	escalation *time.Timer
}

// NewCoordinator wires a coordinator. The metrics collector may be nil.
func NewCoordinator(lg *ledger.Ledger, jobs *jobstore.Store, bus Bus, cfg Config, logger *slog.Logger, mc *metrics.Collector) *Coordinator {
	if mc == nil {
		mc = metrics.NewCollector()
	}
	return &Coordinator{
		ledger:  lg,
		jobs:    jobs,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		metrics: mc,
		timers:  make(map[string]*jobTimers),
	}
}

// TickCost is the amount debited per interval: rate scaled by T.
func (c *Coordinator) TickCost() decimal.Decimal {
	seconds := decimal.NewFromInt(int64(c.cfg.Tick / time.Second))
	return c.cfg.RatePerMinute.Mul(seconds).Div(decimal.NewFromInt(60))
}

// Submit creates a job, reserves upfront funds, stages artifacts, and
// enqueues the dispatch. The stage hook (may be nil) runs after the
// reservation holds and before any worker can see the job; it is where
// the caller writes the script to shared storage.
// ledger.ErrInsufficientFunds means the wallet cannot cover the
// reservation and no job record remains.
func (c *Coordinator) Submit(ctx context.Context, ownerID, image string, res jobstore.ResourceConfig, stage func(*jobstore.Job) error) (*jobstore.Job, error) {
	job, err := c.jobs.Create(ctx, ownerID, image, res, "")
	if err != nil {
		return nil, err
	}

	upfront := c.TickCost().Mul(decimal.NewFromInt(int64(c.cfg.ReserveTicks)))
	token, err := c.ledger.Reserve(ctx, ownerID, job.ID, upfront)
	if err != nil {
		if delErr := c.jobs.Delete(ctx, job.ID); delErr != nil {
			c.logger.Error("orphaned job after failed reservation",
				"job_id", job.ID, "error", delErr)
		}
		return nil, err
	}
	if err := c.jobs.SetReservation(ctx, job.ID, token); err != nil {
		if _, relErr := c.ledger.Release(ctx, token); relErr != nil {
			c.logger.Error("release after failed reservation link",
				"job_id", job.ID, "error", relErr)
		}
		if delErr := c.jobs.Delete(ctx, job.ID); delErr != nil {
			c.logger.Error("orphaned job after failed reservation link",
				"job_id", job.ID, "error", delErr)
		}
		return nil, fmt.Errorf("link reservation: %w", err)
	}
	job.ReservationID = token

	if stage != nil {
		if err := stage(job); err != nil {
			if _, relErr := c.ledger.Release(ctx, token); relErr != nil {
				c.logger.Error("release after failed staging", "job_id", job.ID, "error", relErr)
			}
			if delErr := c.jobs.Delete(ctx, job.ID); delErr != nil {
				c.logger.Error("orphaned job after failed staging", "job_id", job.ID, "error", delErr)
			}
			return nil, fmt.Errorf("stage job artifacts: %w", err)
		}
	}

	err = c.bus.Enqueue(ctx, queue.DispatchMessage{
		JobID:          job.ID,
		OwnerID:        ownerID,
		DockerImage:    image,
		ScriptPath:     job.ScriptPath,
		OutputPath:     job.OutputPath,
		MemoryLimit:    res.MemoryLimit,
		CPUCount:       res.CPUCount,
		TimeoutSeconds: res.TimeoutSeconds,
	})
	if err != nil {
		c.finalize(context.WithoutCancel(ctx), job.ID, jobstore.StatusFailed, jobstore.TerminalUpdate{
			ExitReason:   jobstore.ReasonSetupError,
			ErrorMessage: "dispatch enqueue failed",
		})
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	c.metrics.RecordSubmit()
	c.logger.Info("job submitted", "job_id", job.ID, "owner_id", ownerID,
		"reserved", upfront.String())
	return job, nil
}

// HandleHeartbeat processes one billing heartbeat and returns the
// directive for the worker. Duplicate ticks return the standing
// directive without a second debit; gaps are rejected.
func (c *Coordinator) HandleHeartbeat(ctx context.Context, req heartbeat.Request) (heartbeat.Response, error) {
	c.metrics.RecordHeartbeat()

	job, err := c.jobs.Get(ctx, req.JobID)
	if err != nil {
		return heartbeat.Response{}, err
	}

	// A standing kill decision or terminal state overrides everything:
	// keep telling the worker to stop until its terminal report lands.
	if job.Status.Terminal() {
		return c.killResponse(job.Status), nil
	}
	if job.KillStatus != "" {
		c.republishKill(ctx, job)
		return c.killResponse(job.KillStatus), nil
	}
	if !job.Status.Billable() {
		return heartbeat.Response{}, fmt.Errorf("job %s is %s, not billable", job.ID, job.Status)
	}

	switch {
	case req.TickSeq <= job.TicksBilled:
		// Duplicate delivery; the debit already happened.
		wallet, err := c.ledger.Wallet(ctx, job.OwnerID)
		if err != nil {
			return heartbeat.Response{}, err
		}
		c.armWatchdog(job.ID)
		return heartbeat.Response{Action: heartbeat.ActionContinue, Balance: wallet.Balance.String()}, nil
	case req.TickSeq > job.TicksBilled+1:
		c.metrics.RecordSequenceError()
		return heartbeat.Response{}, fmt.Errorf("%w: got %d, want %d",
			ErrTickSequenceGap, req.TickSeq, job.TicksBilled+1)
	}

	cost := c.TickCost()
	balance, err := c.ledger.Debit(ctx, job.OwnerID, job.ID, req.TickSeq, cost)
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		return c.exhaust(ctx, job), nil
	}
	if err != nil {
		return heartbeat.Response{}, fmt.Errorf("debit tick %d: %w", req.TickSeq, err)
	}

	if _, err := c.jobs.RecordTick(ctx, job.ID, req.TickSeq, cost, req.ElapsedSeconds); err != nil {
		// The debit is durable and idempotent; the next heartbeat
		// retries the same sequence and reconverges.
		c.logger.Error("tick recorded in ledger but not on job",
			"job_id", job.ID, "tick", req.TickSeq, "error", err)
		return heartbeat.Response{}, err
	}

	cf, _ := cost.Float64()
	c.metrics.RecordTick(cf)

	// The exhaustion decision lands with the debit that drains the
	// wallet. A job never enters an interval it cannot pay for.
	spendable, err := c.ledger.Spendable(ctx, job.OwnerID, job.ID)
	if err != nil {
		return heartbeat.Response{}, err
	}
	if spendable.LessThan(cost) {
		return c.exhaust(ctx, job), nil
	}

	c.armWatchdog(job.ID)
	return heartbeat.Response{Action: heartbeat.ActionContinue, Balance: balance.String()}, nil
}

// exhaust records the out-of-credits kill decision and begins delivery.
func (c *Coordinator) exhaust(ctx context.Context, job *jobstore.Job) heartbeat.Response {
	winner, first, err := c.jobs.RequestKill(ctx, job.ID, jobstore.StatusKilledNoCredits)
	if err != nil {
		if errors.Is(err, jobstore.ErrAlreadyTerminal) {
			return c.killResponse(job.Status)
		}
		c.logger.Error("kill decision not recorded", "job_id", job.ID, "error", err)
		return c.killResponse(jobstore.StatusKilledNoCredits)
	}
	if first {
		c.metrics.RecordKill(jobstore.ReasonNoCredits)
		c.logger.Warn("wallet exhausted, killing job",
			"job_id", job.ID, "owner_id", job.OwnerID)
		c.deliverKill(ctx, job.ID, winner)
	}
	return c.killResponse(winner)
}

func (c *Coordinator) killResponse(decision jobstore.Status) heartbeat.Response {
	return heartbeat.Response{
		Action: heartbeat.ActionKill,
		Reason: killReason(decision),
	}
}

func killReason(decision jobstore.Status) string {
	switch decision {
	case jobstore.StatusCancelled:
		return jobstore.ReasonUserCancelled
	case jobstore.StatusKilledNoCredits:
		return jobstore.ReasonNoCredits
	default:
		return string(decision)
	}
}

// Cancel records a user cancellation. Pending jobs finalize
// immediately; running jobs get the kill delivery machinery. The
// returned status is the standing decision, which may belong to an
// earlier exhaustion kill that won the race.
func (c *Coordinator) Cancel(ctx context.Context, jobID, ownerID string) (jobstore.Status, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.OwnerID != ownerID {
		return "", ErrNotOwner
	}

	if job.Status == jobstore.StatusPending {
		if err := c.finalize(ctx, jobID, jobstore.StatusCancelled, jobstore.TerminalUpdate{
			ExitReason: jobstore.ReasonUserCancelled,
		}); err != nil {
			return "", err
		}
		return jobstore.StatusCancelled, nil
	}

	winner, first, err := c.jobs.RequestKill(ctx, jobID, jobstore.StatusCancelled)
	if err != nil {
		return "", err
	}
	if first {
		c.metrics.RecordKill(jobstore.ReasonUserCancelled)
		c.deliverKill(ctx, jobID, winner)
	}
	return winner, nil
}

// deliverKill publishes the kill command and arms the escalation timer.
func (c *Coordinator) deliverKill(ctx context.Context, jobID string, decision jobstore.Status) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return
	}
	c.republishKill(ctx, job)

	c.mu.Lock()
	t := c.jobTimers(jobID)
	if t.escalation == nil {
		t.escalation = time.AfterFunc(c.cfg.KillAckTimeout, func() {
			c.escalate(jobID, decision)
		})
	}
	c.mu.Unlock()
}

func (c *Coordinator) republishKill(ctx context.Context, job *jobstore.Job) {
	err := c.bus.PublishKill(ctx, queue.KillCommand{
		JobID:  job.ID,
		Reason: killReason(job.KillStatus),
		Seq:    job.KillSeq,
	})
	if err != nil {
		c.logger.Warn("kill publish failed, heartbeat path will retry",
			"job_id", job.ID, "error", err)
	}
}

// escalate finalizes a job whose worker never acknowledged the kill.
func (c *Coordinator) escalate(jobID string, decision jobstore.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil || job.Status.Terminal() {
		return
	}

	c.metrics.RecordEscalation()
	c.logger.Error("kill not acknowledged, force-finalizing",
		"job_id", jobID, "decision", decision)
	c.finalize(ctx, jobID, decision, jobstore.TerminalUpdate{
		ExitReason:   jobstore.ReasonKillAckTimeout,
		ErrorMessage: "worker did not acknowledge kill",
	})
}

// OnStatusReport applies a worker's status webhook. A terminal report
// acknowledges any outstanding kill; if a kill decision stands, the
// decision's status wins over whatever the worker observed locally.
func (c *Coordinator) OnStatusReport(ctx context.Context, report heartbeat.StatusReport) (*jobstore.Job, error) {
	status := jobstore.Status(report.Status)

	if !status.Terminal() {
		job, err := c.jobs.Transition(ctx, report.JobID, status)
		if err != nil {
			return nil, err
		}
		if report.ContainerID != "" {
			if err := c.jobs.SetContainer(ctx, job.ID, report.ContainerID); err != nil {
				c.logger.Warn("container id not recorded", "job_id", job.ID, "error", err)
			}
		}
		// The deadline covers preparation as well: a worker that claims
		// the job and dies must not strand it with its reservation.
		if status == jobstore.StatusPreparing || status == jobstore.StatusRunning {
			c.armWatchdog(job.ID)
		}
		c.bus.PublishStatus(ctx, job.ID, string(status), "")
		return job, nil
	}

	job, err := c.jobs.Get(ctx, report.JobID)
	if err != nil {
		return nil, err
	}
	if job.KillStatus != "" {
		status = job.KillStatus
	}

	upd := jobstore.TerminalUpdate{
		ExitReason:     report.ExitReason,
		ErrorMessage:   report.ErrorMessage,
		RuntimeSeconds: report.RuntimeSeconds,
	}
	if report.ExitCode != nil {
		upd.ExitCode = *report.ExitCode
		upd.HasExitCode = true
	}
	if job.KillStatus != "" && upd.ExitReason == "" {
		upd.ExitReason = killReason(job.KillStatus)
	}

	if err := c.finalize(ctx, job.ID, status, upd); err != nil {
		if errors.Is(err, jobstore.ErrAlreadyTerminal) {
			// Escalation or the watchdog got there first.
			return c.jobs.Get(ctx, job.ID)
		}
		return nil, err
	}
	return c.jobs.Get(ctx, job.ID)
}

// finalize is the single path into a terminal state: record it, stop
// timers, release the reservation remainder, and announce the outcome.
func (c *Coordinator) finalize(ctx context.Context, jobID string, status jobstore.Status, upd jobstore.TerminalUpdate) error {
	job, err := c.jobs.Finish(ctx, jobID, status, upd)
	if err != nil {
		return err
	}

	c.stopTimers(jobID)

	if job.ReservationID != "" {
		if _, err := c.ledger.Release(ctx, job.ReservationID); err != nil &&
			!errors.Is(err, ledger.ErrReservationNotFound) {
			c.logger.Error("reservation release failed",
				"job_id", jobID, "reservation", job.ReservationID, "error", err)
		}
	}

	c.metrics.RecordFinished(string(status))
	c.bus.PublishStatus(ctx, jobID, string(status), upd.ExitReason)
	c.logger.Info("job finalized", "job_id", jobID, "status", status,
		"reason", upd.ExitReason, "total_cost", job.TotalCost.String())
	return nil
}

// armWatchdog schedules the missed-heartbeat deadline T+grace out.
func (c *Coordinator) armWatchdog(jobID string) {
	deadline := c.cfg.Tick + c.cfg.Grace

	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.jobTimers(jobID)
	if t.watchdog != nil {
		t.watchdog.Stop()
	}
	t.watchdog = time.AfterFunc(deadline, func() { c.watchdogFired(jobID) })
}

// watchdogFired handles a job whose worker went silent: fail the job,
// stop billing, and tell any surviving sandbox to die.
func (c *Coordinator) watchdogFired(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil || job.Status.Terminal() {
		return
	}

	c.metrics.RecordWatchdogTimeout()
	c.logger.Error("heartbeat watchdog fired", "job_id", jobID,
		"last_tick", job.TicksBilled)

	if err := c.finalize(ctx, jobID, jobstore.StatusFailed, jobstore.TerminalUpdate{
		ExitReason:   jobstore.ReasonHeartbeatTimeout,
		ErrorMessage: "no heartbeat within tick plus grace",
	}); err != nil {
		c.logger.Error("watchdog finalize failed", "job_id", jobID, "error", err)
		return
	}

	// Best effort: if the worker is alive but partitioned, this stops
	// the sandbox from running unbilled.
	c.bus.PublishKill(ctx, queue.KillCommand{
		JobID:  jobID,
		Reason: jobstore.ReasonHeartbeatTimeout,
	})
}

// Resume re-arms timers for jobs that were live before a restart.
func (c *Coordinator) Resume(ctx context.Context) error {
	active, err := c.jobs.Active(ctx)
	if err != nil {
		return fmt.Errorf("load active jobs: %w", err)
	}

	for _, job := range active {
		switch {
		case job.KillStatus != "":
			c.deliverKill(ctx, job.ID, job.KillStatus)
		case job.Status == jobstore.StatusPreparing || job.Status == jobstore.StatusRunning:
			c.armWatchdog(job.ID)
		}
	}
	if len(active) > 0 {
		c.logger.Info("resumed active jobs", "count", len(active))
	}
	return nil
}

// Close stops all timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		if t.watchdog != nil {
			t.watchdog.Stop()
		}
		if t.escalation != nil {
			t.escalation.Stop()
		}
	}
	c.timers = make(map[string]*jobTimers)
}

func (c *Coordinator) stopTimers(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[jobID]; ok {
		if t.watchdog != nil {
			t.watchdog.Stop()
		}
		if t.escalation != nil {
			t.escalation.Stop()
		}
		delete(c.timers, jobID)
	}
}

// jobTimers returns the timer slot for a job; callers hold c.mu.
func (c *Coordinator) jobTimers(jobID string) *jobTimers {
	t, ok := c.timers[jobID]
	if !ok {
		t = &jobTimers{}
		c.timers[jobID] = t
	}
	return t
}
