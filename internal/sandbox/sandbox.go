// Package sandbox runs user scripts in isolated containers. The
// controller never touches this package; it is worker-side only.
package sandbox

import (
	"context"
	"time"
)

// Spec describes one sandboxed execution.
type Spec struct {
	// JobID names the container (gridforge-<jobID>)
	JobID string

	// Image is the container image to run
	Image string

	// ScriptPath is the host path of the user script, mounted read-only
	ScriptPath string

	// OutputPath is the host directory mounted read-write at /output
	OutputPath string

	// MemoryLimit is a docker-style limit string ("4g"). Empty means
	// the runtime default.
	MemoryLimit string

	// CPUCount limits CPU shares. Zero means unlimited.
	CPUCount int

	// Env holds extra environment variables (KEY=VALUE).
	Env []string
}

// Result is the outcome of a finished sandbox.
type Result struct {
	ExitCode  int
	OOMKilled bool
}

// Handle is a running sandbox.
type Handle interface {
	// ID returns the runtime-specific container identifier.
	ID() string

	// Logs streams combined stdout/stderr lines. The channel closes
	// when the process exits and the log pipe drains.
	Logs() <-chan string

	// Wait blocks until the sandbox exits and returns its result.
	Wait(ctx context.Context) (Result, error)

	// Stop terminates the sandbox: graceful signal first, hard kill
	// after the grace period. Safe to call more than once.
	Stop(ctx context.Context, grace time.Duration) error
}

// Runtime creates sandboxes.
type Runtime interface {
	// Start launches a sandbox for the given Spec. The returned handle is
	// live; callers must Wait or Stop it.
	Start(ctx context.Context, spec Spec) (Handle, error)

	// Available reports whether this runtime can run on the host.
	Available() bool
}
