package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const logLineLimit = 16 * 1024

// DockerRuntime runs sandboxes through the docker CLI. Containers get
// no network, a read-only script mount, and a writable output mount.
type DockerRuntime struct {
	logger *slog.Logger

	// EnableGPU passes --gpus all to docker run.
	EnableGPU bool
}

// NewDockerRuntime creates a docker-backed runtime.
func NewDockerRuntime(logger *slog.Logger) *DockerRuntime {
	return &DockerRuntime{logger: logger}
}

// Available reports whether the docker CLI is on PATH.
func (r *DockerRuntime) Available() bool {
	_, err := exec.LookPath("docker")
	return err == nil
}

// Start launches a detached container and begins streaming its logs.
func (r *DockerRuntime) Start(ctx context.Context, spec Spec) (Handle, error) {
	name := "gridforge-" + spec.JobID
	script := filepath.Base(spec.ScriptPath)

	args := []string{
		"run", "-d",
		"--name", name,
		"--network", "none",
		"--pids-limit", "256",
		"-v", spec.ScriptPath + ":/workspace/" + script + ":ro",
		"-v", spec.OutputPath + ":/output:rw",
		"-w", "/workspace",
	}
	if spec.MemoryLimit != "" {
		args = append(args, "--memory", spec.MemoryLimit)
	}
	if spec.CPUCount > 0 {
		args = append(args, "--cpus", strconv.Itoa(spec.CPUCount))
	}
	if r.EnableGPU {
		args = append(args, "--gpus", "all")
	}
	for _, kv := range spec.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, spec.Image, "bash", "/workspace/"+script)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker run: %w: %s", err, strings.TrimSpace(string(out)))
	}
	containerID := strings.TrimSpace(string(out))

	h := &dockerHandle{
		containerID: containerID,
		name:        name,
		logger:      r.logger,
		logs:        make(chan string, 256),
	}
	go h.pumpLogs()
	return h, nil
}

type dockerHandle struct {
	containerID string
	name        string
	logger      *slog.Logger
	logs        chan string

	stopOnce sync.Once
	stopErr  error
}

func (h *dockerHandle) ID() string { return h.containerID }

func (h *dockerHandle) Logs() <-chan string { return h.logs }

// pumpLogs follows the container's combined output and forwards lines.
// The follow process exits when the container does, which closes the
// channel.
func (h *dockerHandle) pumpLogs() {
	defer close(h.logs)

	cmd := exec.Command("docker", "logs", "-f", h.containerID)
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		h.logger.Warn("log pipe setup failed", "container", h.name, "error", err)
		return
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		h.logger.Warn("log follow failed to start", "container", h.name, "error", err)
		return
	}

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), logLineLimit)
	for scanner.Scan() {
		h.logs <- scanner.Text()
	}
	cmd.Wait()
}

// Wait blocks on docker wait, then inspects the container for OOM
// state before removing it.
func (h *dockerHandle) Wait(ctx context.Context) (Result, error) {
	out, err := exec.CommandContext(ctx, "docker", "wait", h.containerID).Output()
	if err != nil {
		return Result{}, fmt.Errorf("docker wait: %w", err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return Result{}, fmt.Errorf("parse exit code %q: %w", strings.TrimSpace(string(out)), err)
	}

	res := Result{ExitCode: code, OOMKilled: h.inspectOOM(ctx)}

	// Removal is best-effort; a leaked container is recoverable by name.
	if out, err := exec.Command("docker", "rm", "-f", h.containerID).CombinedOutput(); err != nil {
		h.logger.Warn("container removal failed", "container", h.name,
			"error", err, "output", strings.TrimSpace(string(out)))
	}
	return res, nil
}

func (h *dockerHandle) inspectOOM(ctx context.Context) bool {
	out, err := exec.CommandContext(ctx, "docker", "inspect",
		"--format", "{{.State.OOMKilled}}", h.containerID).Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "true"
}

// Stop sends SIGTERM via docker stop with the grace period as the
// timeout; docker escalates to SIGKILL itself.
func (h *dockerHandle) Stop(ctx context.Context, grace time.Duration) error {
	h.stopOnce.Do(func() {
		secs := int(grace.Seconds())
		if secs < 1 {
			secs = 1
		}
		out, err := exec.CommandContext(ctx, "docker", "stop",
			"-t", strconv.Itoa(secs), h.containerID).CombinedOutput()
		if err != nil {
			h.stopErr = fmt.Errorf("docker stop: %w: %s", err, strings.TrimSpace(string(out)))
		}
	})
	return h.stopErr
}
