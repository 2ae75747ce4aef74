package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gridforge-ai/gridforge-cli/internal/blobstore"
	"github.com/gridforge-ai/gridforge-cli/internal/heartbeat"
	"github.com/gridforge-ai/gridforge-cli/internal/jobstore"
	"github.com/gridforge-ai/gridforge-cli/internal/queue"
	"github.com/gridforge-ai/gridforge-cli/internal/sandbox"
)

type fakeBus struct {
	mu       sync.Mutex
	logs     []string
	statuses []string
	killc    chan queue.KillCommand
}

func newFakeBus() *fakeBus {
	return &fakeBus{killc: make(chan queue.KillCommand, 1)}
}

func (b *fakeBus) ReadJob(ctx context.Context) (*queue.DispatchMessage, error) { return nil, nil }
func (b *fakeBus) Ack(ctx context.Context, messageID string) error             { return nil }
func (b *fakeBus) DeliveryCount(ctx context.Context, messageID string) (int64, error) {
	return 1, nil
}
func (b *fakeBus) MoveToDLQ(ctx context.Context, msg *queue.DispatchMessage, reason string) error {
	return nil
}
func (b *fakeBus) MaxAttempts() int { return 3 }

func (b *fakeBus) PublishLog(ctx context.Context, jobID, line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, line)
	return nil
}

func (b *fakeBus) PublishStatus(ctx context.Context, jobID, status, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, status)
	return nil
}

func (b *fakeBus) SubscribeKill(ctx context.Context, jobID string) (<-chan queue.KillCommand, func(), error) {
	return b.killc, func() {}, nil
}

type fakeControl struct {
	mu              sync.Mutex
	reports         []heartbeat.StatusReport
	hbSeqs          []int64
	refusePreparing bool
	hbFailures      int
	hbResponse      heartbeat.Response
}

func newFakeControl() *fakeControl {
	return &fakeControl{hbResponse: heartbeat.Response{Action: heartbeat.ActionContinue}}
}

func (c *fakeControl) Send(ctx context.Context, req heartbeat.Request) (*heartbeat.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hbSeqs = append(c.hbSeqs, req.TickSeq)
	if c.hbFailures > 0 {
		c.hbFailures--
		return nil, errors.New("controller unreachable")
	}
	resp := c.hbResponse
	return &resp, nil
}

func (c *fakeControl) ReportStatus(ctx context.Context, report heartbeat.StatusReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refusePreparing && report.Status == string(jobstore.StatusPreparing) {
		return fmt.Errorf("%w: job already terminal", heartbeat.ErrConflict)
	}
	c.reports = append(c.reports, report)
	return nil
}

func (c *fakeControl) lastReport(t *testing.T) heartbeat.StatusReport {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reports) == 0 {
		t.Fatal("no status reports recorded")
	}
	return c.reports[len(c.reports)-1]
}

type fakeHandle struct {
	id     string
	logs   chan string
	done   chan struct{}
	result sandbox.Result

	mu      sync.Mutex
	stopped bool
}

// exitingHandle finishes on its own with the given output and code.
func exitingHandle(lines []string, exitCode int) *fakeHandle {
	h := &fakeHandle{
		id:     "container-1",
		logs:   make(chan string, len(lines)),
		done:   make(chan struct{}),
		result: sandbox.Result{ExitCode: exitCode},
	}
	for _, l := range lines {
		h.logs <- l
	}
	close(h.logs)
	close(h.done)
	return h
}

// blockingHandle runs until stopped, then exits 137.
func blockingHandle() *fakeHandle {
	return &fakeHandle{
		id:   "container-1",
		logs: make(chan string),
		done: make(chan struct{}),
	}
}

func (h *fakeHandle) ID() string          { return h.id }
func (h *fakeHandle) Logs() <-chan string { return h.logs }

func (h *fakeHandle) Wait(ctx context.Context) (sandbox.Result, error) {
	select {
	case <-ctx.Done():
		return sandbox.Result{}, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, nil
}

func (h *fakeHandle) Stop(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stopped {
		h.stopped = true
		h.result = sandbox.Result{ExitCode: 137}
		close(h.logs)
		close(h.done)
	}
	return nil
}

type fakeRuntime struct {
	handle   *fakeHandle
	startErr error
	started  bool
}

func (r *fakeRuntime) Available() bool { return true }

func (r *fakeRuntime) Start(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.started = true
	return r.handle, nil
}

type fixture struct {
	bus     *fakeBus
	control *fakeControl
	runtime *fakeRuntime
	sup     *Supervisor
}

func newFixture(t *testing.T, handle *fakeHandle, cfg Config) *fixture {
	t.Helper()
	if cfg.Tick == 0 {
		cfg.Tick = time.Minute
	}
	cfg.StopGrace = 50 * time.Millisecond

	blobs, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore: %v", err)
	}

	f := &fixture{
		bus:     newFakeBus(),
		control: newFakeControl(),
		runtime: &fakeRuntime{handle: handle},
	}
	f.sup = New(f.bus, f.control, f.runtime, blobs, cfg,
		slog.New(slog.DiscardHandler))
	return f
}

func dispatch() *queue.DispatchMessage {
	return &queue.DispatchMessage{
		MessageID:   "msg-1",
		JobID:       "job-1",
		OwnerID:     "alice",
		DockerImage: "ubuntu:22.04",
	}
}

func TestExecuteCompletedJob(t *testing.T) {
	f := newFixture(t, exitingHandle([]string{"hello", "world"}, 0), Config{})

	if err := f.sup.Execute(context.Background(), dispatch()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	report := f.control.lastReport(t)
	if report.Status != string(jobstore.StatusCompleted) {
		t.Errorf("status = %q, want completed", report.Status)
	}
	if report.ExitCode == nil || *report.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", report.ExitCode)
	}
	if report.ExitReason != jobstore.ReasonCompleted {
		t.Errorf("ExitReason = %q", report.ExitReason)
	}

	f.bus.mu.Lock()
	defer f.bus.mu.Unlock()
	if len(f.bus.logs) != 2 {
		t.Errorf("published %d log lines, want 2", len(f.bus.logs))
	}
	if len(f.bus.statuses) == 0 || f.bus.statuses[len(f.bus.statuses)-1] != string(jobstore.StatusCompleted) {
		t.Errorf("final status event missing: %v", f.bus.statuses)
	}
}

func TestExecuteFlushesLogs(t *testing.T) {
	f := newFixture(t, exitingHandle([]string{"line"}, 0), Config{})
	msg := dispatch()

	if err := f.sup.Execute(context.Background(), msg); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	data, err := f.sup.blobs.ReadLog(msg.JobID)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if string(data) != "line\n" {
		t.Errorf("flushed log = %q", data)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	f := newFixture(t, exitingHandle(nil, 2), Config{})

	if err := f.sup.Execute(context.Background(), dispatch()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	report := f.control.lastReport(t)
	if report.Status != string(jobstore.StatusFailed) {
		t.Errorf("status = %q, want failed", report.Status)
	}
	if report.ExitReason != jobstore.ReasonNonZeroExit {
		t.Errorf("ExitReason = %q, want non_zero_exit", report.ExitReason)
	}
}

func TestExecuteDroppedWhenControllerRefuses(t *testing.T) {
	f := newFixture(t, blockingHandle(), Config{})
	f.control.refusePreparing = true

	if err := f.sup.Execute(context.Background(), dispatch()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.runtime.started {
		t.Error("sandbox started for a refused job")
	}
}

func TestExecuteSetupError(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.runtime.startErr = errors.New("image pull failed")

	if err := f.sup.Execute(context.Background(), dispatch()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	report := f.control.lastReport(t)
	if report.Status != string(jobstore.StatusFailed) {
		t.Errorf("status = %q, want failed", report.Status)
	}
	if report.ExitReason != jobstore.ReasonSetupError {
		t.Errorf("ExitReason = %q, want setup_error", report.ExitReason)
	}
}

func TestKillCommandStopsSandbox(t *testing.T) {
	f := newFixture(t, blockingHandle(), Config{})
	msg := dispatch()

	done := make(chan error, 1)
	go func() { done <- f.sup.Execute(context.Background(), msg) }()

	// Let the execution reach running, then deliver the kill.
	time.Sleep(50 * time.Millisecond)
	f.bus.killc <- queue.KillCommand{JobID: msg.JobID, Reason: jobstore.ReasonUserCancelled}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish after kill")
	}

	report := f.control.lastReport(t)
	if report.Status != string(jobstore.StatusCancelled) {
		t.Errorf("status = %q, want cancelled", report.Status)
	}
	if report.ExitReason != jobstore.ReasonUserCancelled {
		t.Errorf("ExitReason = %q, want user_cancelled", report.ExitReason)
	}
}

func TestHeartbeatKillDirective(t *testing.T) {
	f := newFixture(t, blockingHandle(), Config{Tick: 20 * time.Millisecond})
	f.control.hbResponse = heartbeat.Response{
		Action: heartbeat.ActionKill,
		Reason: jobstore.ReasonNoCredits,
	}

	if err := f.sup.Execute(context.Background(), dispatch()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	report := f.control.lastReport(t)
	if report.Status != string(jobstore.StatusKilledNoCredits) {
		t.Errorf("status = %q, want killed_no_credits", report.Status)
	}
	if report.ExitReason != jobstore.ReasonNoCredits {
		t.Errorf("ExitReason = %q, want no_credits", report.ExitReason)
	}
}

func TestHeartbeatRetriesSameTick(t *testing.T) {
	f := newFixture(t, blockingHandle(), Config{Tick: 20 * time.Millisecond})
	f.control.hbFailures = 2

	done := make(chan struct{})
	go func() {
		f.sup.Execute(context.Background(), dispatch())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.control.mu.Lock()
		n := len(f.control.hbSeqs)
		f.control.mu.Unlock()
		if n >= 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.control.mu.Lock()
	seqs := append([]int64(nil), f.control.hbSeqs...)
	f.control.mu.Unlock()
	if len(seqs) < 4 {
		t.Fatalf("only %d heartbeats sent", len(seqs))
	}
	// Two failures pin the sequence at 1 before it advances.
	if seqs[0] != 1 || seqs[1] != 1 || seqs[2] != 1 || seqs[3] != 2 {
		t.Errorf("seqs = %v, want [1 1 1 2 ...]", seqs[:4])
	}

	f.bus.killc <- queue.KillCommand{JobID: "job-1", Reason: jobstore.ReasonUserCancelled}
	<-done
}

func TestJobTimeout(t *testing.T) {
	f := newFixture(t, blockingHandle(), Config{})
	msg := dispatch()
	msg.TimeoutSeconds = 1

	if err := f.sup.Execute(context.Background(), msg); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	report := f.control.lastReport(t)
	if report.Status != string(jobstore.StatusFailed) {
		t.Errorf("status = %q, want failed", report.Status)
	}
	if report.ExitReason != jobstore.ReasonJobTimeout {
		t.Errorf("ExitReason = %q, want timeout", report.ExitReason)
	}
}

func TestOOMKilled(t *testing.T) {
	h := exitingHandle(nil, 137)
	h.result.OOMKilled = true
	f := newFixture(t, h, Config{})

	if err := f.sup.Execute(context.Background(), dispatch()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	report := f.control.lastReport(t)
	if report.ExitReason != jobstore.ReasonOOMKilled {
		t.Errorf("ExitReason = %q, want oom_killed", report.ExitReason)
	}
}

func TestSecondDispatchBusy(t *testing.T) {
	f := newFixture(t, blockingHandle(), Config{})
	msg := dispatch()

	done := make(chan struct{})
	go func() {
		f.sup.Execute(context.Background(), msg)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	second := dispatch()
	second.JobID = "job-2"
	if err := f.sup.Execute(context.Background(), second); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}

	f.bus.killc <- queue.KillCommand{JobID: msg.JobID, Reason: jobstore.ReasonUserCancelled}
	<-done

	if f.sup.CurrentJob() != "" {
		t.Error("slot not released after execution")
	}
}
