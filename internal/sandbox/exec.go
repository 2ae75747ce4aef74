package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ExecRuntime runs scripts as plain host processes. It exists for
// development machines without docker and for tests; it offers no
// isolation and ignores resource limits.
type ExecRuntime struct{}

// NewExecRuntime creates a process-backed runtime.
func NewExecRuntime() *ExecRuntime { return &ExecRuntime{} }

// Available always reports true; a POSIX shell is assumed.
func (r *ExecRuntime) Available() bool { return true }

// Start runs the script with sh, with OUTPUT_DIR pointing at the
// output mount point equivalent.
func (r *ExecRuntime) Start(ctx context.Context, spec Spec) (Handle, error) {
	cmd := exec.Command("sh", spec.ScriptPath)
	cmd.Env = append(cmd.Environ(), "OUTPUT_DIR="+spec.OutputPath)
	cmd.Env = append(cmd.Env, spec.Env...)

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start script: %w", err)
	}

	h := &execHandle{
		cmd:  cmd,
		logs: make(chan string, 256),
		done: make(chan struct{}),
	}
	go func() {
		defer close(h.logs)
		scanner := bufio.NewScanner(pipe)
		scanner.Buffer(make([]byte, 0, 64*1024), logLineLimit)
		for scanner.Scan() {
			h.logs <- scanner.Text()
		}
	}()
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd     *exec.Cmd
	logs    chan string
	done    chan struct{}
	waitErr error

	stopOnce sync.Once
}

func (h *execHandle) ID() string { return fmt.Sprintf("pid-%d", h.cmd.Process.Pid) }

func (h *execHandle) Logs() <-chan string { return h.logs }

func (h *execHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-h.done:
	}
	if h.waitErr != nil {
		if exitErr, ok := h.waitErr.(*exec.ExitError); ok {
			return Result{ExitCode: exitErr.ExitCode()}, nil
		}
		return Result{}, h.waitErr
	}
	return Result{ExitCode: 0}, nil
}

func (h *execHandle) Stop(ctx context.Context, grace time.Duration) error {
	h.stopOnce.Do(func() {
		h.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-h.done:
		case <-time.After(grace):
			h.cmd.Process.Kill()
		case <-ctx.Done():
			h.cmd.Process.Kill()
		}
	})
	return nil
}
