// Package jobstore persists job records: one state machine instance per
// submitted job. The controller is the single writer; dashboards and
// the CLI read eventually-consistent snapshots.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound means no job record exists for the id.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyTerminal rejects transitions out of an absorbing state.
	ErrAlreadyTerminal = errors.New("job already in terminal state")

	// ErrInvalidTransition rejects moves the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrNotOwner rejects operations by a non-owning requester.
	ErrNotOwner = errors.New("requester does not own this job")
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT PRIMARY KEY,
    owner_id        TEXT NOT NULL,
    status          TEXT NOT NULL,
    docker_image    TEXT NOT NULL,
    resource_config TEXT NOT NULL,
    script_path     TEXT NOT NULL DEFAULT '',
    output_path     TEXT NOT NULL DEFAULT '',
    logs_path       TEXT NOT NULL DEFAULT '',
    container_id    TEXT NOT NULL DEFAULT '',
    reservation_id  TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL,
    queued_at       TEXT,
    started_at      TEXT,
    ended_at        TEXT,
    runtime_seconds INTEGER NOT NULL DEFAULT 0,
    total_cost      TEXT NOT NULL DEFAULT '0',
    ticks_billed    INTEGER NOT NULL DEFAULT 0,
    exit_reason     TEXT NOT NULL DEFAULT '',
    exit_code       INTEGER,
    kill_status     TEXT NOT NULL DEFAULT '',
    kill_seq        INTEGER NOT NULL DEFAULT 0,
    error_message   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

// ResourceConfig are the sandbox limits requested at submission.
type ResourceConfig struct {
	MemoryLimit    string `json:"memory_limit"`
	CPUCount       int    `json:"cpu_count"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Job is a snapshot of one job record.
type Job struct {
	ID             string
	OwnerID        string
	Status         Status
	DockerImage    string
	Resources      ResourceConfig
	ScriptPath     string
	OutputPath     string
	LogsPath       string
	ContainerID    string
	ReservationID  string
	CreatedAt      time.Time
	QueuedAt       time.Time
	StartedAt      time.Time
	EndedAt        time.Time
	RuntimeSeconds int64
	TotalCost      decimal.Decimal
	TicksBilled    int64
	ExitReason     string
	ExitCode       int
	KillStatus     Status
	KillSeq        int64
	ErrorMessage   string
}

// Store persists job records in SQLite, sharing the controller's
// database file with the ledger.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// mu serializes writes per job id
	locks sync.Map

	// killSeq assigns the total order over kill decisions used for the
	// cancel-vs-exhaustion tie-break
	killMu  sync.Mutex
	killSeq int64
}

// Open runs migrations against an already-open database handle.
func Open(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("run jobstore migrations: %w", err)
	}
	s := &Store{db: db, logger: logger}

	var maxSeq sql.NullInt64
	if err := db.QueryRow("SELECT MAX(kill_seq) FROM jobs").Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("restore kill sequence: %w", err)
	}
	s.killSeq = maxSeq.Int64
	return s, nil
}

func (s *Store) jobLock(jobID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create inserts a new record in pending state and returns its id.
func (s *Store) Create(ctx context.Context, ownerID, dockerImage string, res ResourceConfig, reservationID string) (*Job, error) {
	job := &Job{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Status:        StatusPending,
		DockerImage:   dockerImage,
		Resources:     res,
		ReservationID: reservationID,
		CreatedAt:     time.Now().UTC(),
		QueuedAt:      time.Now().UTC(),
		TotalCost:     decimal.Zero,
	}
	job.ScriptPath = fmt.Sprintf("jobs/%s/input", job.ID)
	job.OutputPath = fmt.Sprintf("jobs/%s/output", job.ID)
	job.LogsPath = fmt.Sprintf("jobs/%s/logs", job.ID)

	resJSON, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal resource config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, owner_id, status, docker_image, resource_config,
		                   script_path, output_path, logs_path, reservation_id,
		                   created_at, queued_at, total_cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '0')`,
		job.ID, job.OwnerID, job.Status, job.DockerImage, string(resJSON),
		job.ScriptPath, job.OutputPath, job.LogsPath, job.ReservationID,
		job.CreatedAt.Format(time.RFC3339Nano), job.QueuedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	s.logger.Info("job created", "job_id", job.ID, "owner_id", ownerID)
	return job, nil
}

// SetReservation links the funds reservation made at submission.
func (s *Store) SetReservation(ctx context.Context, jobID, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET reservation_id = ? WHERE id = ?`, token, jobID)
	if err != nil {
		return fmt.Errorf("set reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a job that was never dispatched. Used to back out a
// submission whose funds reservation failed.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	mu := s.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusPending {
		return fmt.Errorf("%w: cannot delete %s job", ErrInvalidTransition, job.Status)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	return err
}

// Get returns a snapshot of one job.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, jobID)
	return scanJob(row)
}

// List returns the owner's jobs, newest first, optionally filtered by
// status.
func (s *Store) List(ctx context.Context, ownerID string, status Status, limit, offset int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	query := selectJob + ` WHERE owner_id = ?`
	args := []any{ownerID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Transition moves a job to a non-terminal state (preparing, running).
func (s *Store) Transition(ctx context.Context, jobID string, next Status) (*Job, error) {
	mu := s.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if !job.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, next)
	}

	set := `status = ?`
	args := []any{next}
	if next == StatusRunning && job.StartedAt.IsZero() {
		set += `, started_at = ?`
		args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	}
	args = append(args, jobID)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+set+` WHERE id = ?`, args...); err != nil {
		return nil, fmt.Errorf("transition job: %w", err)
	}

	s.logger.Info("job transitioned",
		"job_id", jobID, "from", job.Status, "to", next)
	return s.Get(ctx, jobID)
}

// SetContainer records the sandbox handle once the worker reports it.
func (s *Store) SetContainer(ctx context.Context, jobID, containerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET container_id = ? WHERE id = ?`, containerID, jobID)
	if err != nil {
		return fmt.Errorf("set container: %w", err)
	}
	return nil
}

// RecordTick accrues one billed interval onto the job. total_cost is
// monotonically non-decreasing while the job runs and frozen after a
// terminal transition.
func (s *Store) RecordTick(ctx context.Context, jobID string, tickSeq int64, cost decimal.Decimal, runtimeSeconds int64) (*Job, error) {
	mu := s.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Billable() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, jobID, job.Status)
	}
	if tickSeq <= job.TicksBilled {
		// Already recorded; replay-safe.
		return job, nil
	}

	newCost := job.TotalCost.Add(cost)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET total_cost = ?, ticks_billed = ?, runtime_seconds = ? WHERE id = ?`,
		newCost.String(), tickSeq, runtimeSeconds, jobID); err != nil {
		return nil, fmt.Errorf("record tick: %w", err)
	}
	return s.Get(ctx, jobID)
}

// RequestKill durably records a kill decision (user cancel or funds
// exhaustion). The first decision recorded wins: later requests return
// the standing decision unchanged. Decisions are totally ordered by the
// kill sequence number assigned under the per-job lock, and only the
// lowest is ever applied.
func (s *Store) RequestKill(ctx context.Context, jobID string, decision Status) (winner Status, first bool, err error) {
	if decision != StatusCancelled && decision != StatusKilledNoCredits {
		return "", false, fmt.Errorf("%w: %s is not a kill decision", ErrInvalidTransition, decision)
	}

	mu := s.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return "", false, err
	}
	if job.Status.Terminal() {
		return "", false, ErrAlreadyTerminal
	}
	if job.KillStatus != "" {
		return job.KillStatus, false, nil
	}

	s.killMu.Lock()
	s.killSeq++
	seq := s.killSeq
	s.killMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET kill_status = ?, kill_seq = ? WHERE id = ?`,
		decision, seq, jobID); err != nil {
		return "", false, fmt.Errorf("record kill decision: %w", err)
	}

	s.logger.Info("kill decision recorded",
		"job_id", jobID, "decision", decision, "kill_seq", seq)
	return decision, true, nil
}

// TerminalUpdate carries the final facts recorded with a terminal
// transition.
type TerminalUpdate struct {
	ExitReason     string
	ExitCode       int
	HasExitCode    bool
	ErrorMessage   string
	RuntimeSeconds int64
}

// Finish moves a job into a terminal state and freezes it. Finishing an
// already-terminal job returns ErrAlreadyTerminal and changes nothing.
func (s *Store) Finish(ctx context.Context, jobID string, status Status, upd TerminalUpdate) (*Job, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}

	mu := s.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if !job.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, status)
	}

	var exitCode any
	if upd.HasExitCode {
		exitCode = upd.ExitCode
	}
	runtime := upd.RuntimeSeconds
	if runtime == 0 {
		runtime = job.RuntimeSeconds
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, exit_reason = ?, exit_code = ?,
		        error_message = ?, runtime_seconds = ?, ended_at = ?
		 WHERE id = ?`,
		status, upd.ExitReason, exitCode, upd.ErrorMessage, runtime,
		time.Now().UTC().Format(time.RFC3339Nano), jobID); err != nil {
		return nil, fmt.Errorf("finish job: %w", err)
	}

	s.logger.Info("job finished",
		"job_id", jobID, "status", status, "exit_reason", upd.ExitReason)
	return s.Get(ctx, jobID)
}

// Active returns all non-terminal jobs, used to resume monitors after a
// controller restart.
func (s *Store) Active(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		selectJob+` WHERE status IN (?, ?, ?)`,
		StatusPending, StatusPreparing, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const selectJob = `
SELECT id, owner_id, status, docker_image, resource_config,
       script_path, output_path, logs_path, container_id, reservation_id,
       created_at, queued_at, started_at, ended_at,
       runtime_seconds, total_cost, ticks_billed,
       exit_reason, exit_code, kill_status, kill_seq, error_message
FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var resJSON, totalCost, createdAt string
	var queuedAt, startedAt, endedAt sql.NullString
	var exitCode sql.NullInt64
	var killStatus string

	err := row.Scan(&job.ID, &job.OwnerID, &job.Status, &job.DockerImage,
		&resJSON, &job.ScriptPath, &job.OutputPath, &job.LogsPath,
		&job.ContainerID, &job.ReservationID,
		&createdAt, &queuedAt, &startedAt, &endedAt,
		&job.RuntimeSeconds, &totalCost, &job.TicksBilled,
		&job.ExitReason, &exitCode, &killStatus, &job.KillSeq, &job.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal([]byte(resJSON), &job.Resources); err != nil {
		return nil, fmt.Errorf("parse resource config: %w", err)
	}
	if job.TotalCost, err = decimal.NewFromString(totalCost); err != nil {
		return nil, fmt.Errorf("parse total_cost: %w", err)
	}
	job.CreatedAt = parseTime(createdAt)
	if queuedAt.Valid {
		job.QueuedAt = parseTime(queuedAt.String)
	}
	if startedAt.Valid {
		job.StartedAt = parseTime(startedAt.String)
	}
	if endedAt.Valid {
		job.EndedAt = parseTime(endedAt.String)
	}
	if exitCode.Valid {
		job.ExitCode = int(exitCode.Int64)
	}
	job.KillStatus = Status(killStatus)
	return &job, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
