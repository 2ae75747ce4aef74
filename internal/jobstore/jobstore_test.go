package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "jobs_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := Open(db, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func testResources() ResourceConfig {
	return ResourceConfig{MemoryLimit: "8g", CPUCount: 4, TimeoutSeconds: 3600}
}

func createRunning(t *testing.T, s *Store) *Job {
	t.Helper()
	ctx := context.Background()
	job, err := s.Create(ctx, "alice", "nvidia/cuda:12.1-runtime-ubuntu22.04", testResources(), "res-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Transition(ctx, job.ID, StatusPreparing); err != nil {
		t.Fatalf("-> preparing: %v", err)
	}
	if _, err := s.Transition(ctx, job.ID, StatusRunning); err != nil {
		t.Fatalf("-> running: %v", err)
	}
	job, err = s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}

func TestCreateStartsPending(t *testing.T) {
	s := testStore(t)
	job, err := s.Create(context.Background(), "alice", "ubuntu:22.04", testResources(), "res-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != StatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if !job.TotalCost.IsZero() {
		t.Errorf("total_cost = %s, want 0", job.TotalCost)
	}
}

func TestTransitionOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job, _ := s.Create(ctx, "alice", "ubuntu:22.04", testResources(), "res-1")

	// pending may not jump straight to running
	if _, err := s.Transition(ctx, job.ID, StatusRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending->running err = %v, want ErrInvalidTransition", err)
	}

	if _, err := s.Transition(ctx, job.ID, StatusPreparing); err != nil {
		t.Fatalf("pending->preparing: %v", err)
	}
	got, _ := s.Transition(ctx, job.ID, StatusRunning)
	if got.Status != StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.StartedAt.IsZero() {
		t.Error("started_at not set on running transition")
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := createRunning(t, s)

	if _, err := s.Finish(ctx, job.ID, StatusCompleted, TerminalUpdate{
		ExitReason: ReasonCompleted, ExitCode: 0, HasExitCode: true,
	}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if _, err := s.Finish(ctx, job.ID, StatusFailed, TerminalUpdate{ExitReason: ReasonNonZeroExit}); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("Finish on terminal job err = %v, want ErrAlreadyTerminal", err)
	}
	if _, err := s.Transition(ctx, job.ID, StatusRunning); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("Transition on terminal job err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestRecordTickMonotonicCost(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := createRunning(t, s)
	rate := decimal.RequireFromString("1.00")

	for tick := int64(1); tick <= 3; tick++ {
		if _, err := s.RecordTick(ctx, job.ID, tick, rate, tick*60); err != nil {
			t.Fatalf("RecordTick %d: %v", tick, err)
		}
	}

	got, _ := s.Get(ctx, job.ID)
	if !got.TotalCost.Equal(decimal.RequireFromString("3.00")) {
		t.Errorf("total_cost = %s, want 3.00", got.TotalCost)
	}
	if got.TicksBilled != 3 {
		t.Errorf("ticks_billed = %d, want 3", got.TicksBilled)
	}

	// Replaying an old tick must not change cost.
	if _, err := s.RecordTick(ctx, job.ID, 2, rate, 120); err != nil {
		t.Fatalf("replay RecordTick: %v", err)
	}
	got, _ = s.Get(ctx, job.ID)
	if !got.TotalCost.Equal(decimal.RequireFromString("3.00")) {
		t.Errorf("total_cost after replay = %s, want 3.00", got.TotalCost)
	}
}

func TestRecordTickRejectedWhenNotRunning(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job, _ := s.Create(ctx, "alice", "ubuntu:22.04", testResources(), "res-1")

	if _, err := s.RecordTick(ctx, job.ID, 1, decimal.RequireFromString("1.00"), 60); err == nil {
		t.Error("RecordTick on pending job should fail")
	}
}

func TestKillDecisionFirstWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := createRunning(t, s)

	winner, first, err := s.RequestKill(ctx, job.ID, StatusCancelled)
	if err != nil {
		t.Fatalf("RequestKill: %v", err)
	}
	if !first || winner != StatusCancelled {
		t.Fatalf("first decision = (%s, %v), want (cancelled, true)", winner, first)
	}

	// A racing exhaustion decision arrives second and loses.
	winner, first, err = s.RequestKill(ctx, job.ID, StatusKilledNoCredits)
	if err != nil {
		t.Fatalf("second RequestKill: %v", err)
	}
	if first {
		t.Error("second decision reported as first")
	}
	if winner != StatusCancelled {
		t.Errorf("winner = %s, want cancelled (first recorded decision wins)", winner)
	}
}

func TestRequestKillOnTerminalJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := createRunning(t, s)
	s.Finish(ctx, job.ID, StatusCompleted, TerminalUpdate{ExitReason: ReasonCompleted})

	if _, _, err := s.RequestKill(ctx, job.ID, StatusCancelled); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("RequestKill err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	createRunning(t, s)
	s.Create(ctx, "alice", "ubuntu:22.04", testResources(), "res-2")
	s.Create(ctx, "bob", "ubuntu:22.04", testResources(), "res-3")

	jobs, err := s.List(ctx, "alice", StatusRunning, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("len = %d, want 1", len(jobs))
	}
	if jobs[0].Status != StatusRunning {
		t.Errorf("status = %s, want running", jobs[0].Status)
	}

	all, _ := s.List(ctx, "alice", "", 10, 0)
	if len(all) != 2 {
		t.Errorf("unfiltered len = %d, want 2", len(all))
	}
}

func TestActiveExcludesTerminal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	running := createRunning(t, s)
	done := createRunning(t, s)
	s.Finish(ctx, done.ID, StatusFailed, TerminalUpdate{ExitReason: ReasonNonZeroExit, ExitCode: 1, HasExitCode: true})

	active, err := s.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 || active[0].ID != running.ID {
		t.Errorf("Active = %d jobs, want just %s", len(active), running.ID)
	}
}

func TestGetNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get(context.Background(), "no-such-job"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
}
