package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecRuntimeStreamsLogsAndExitCode(t *testing.T) {
	rt := NewExecRuntime()
	h, err := rt.Start(context.Background(), Spec{
		JobID:      "j1",
		ScriptPath: writeScript(t, "echo line-one\necho line-two\nexit 7\n"),
		OutputPath: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var lines []string
	for line := range h.Logs() {
		lines = append(lines, line)
	}
	if len(lines) != 2 || lines[0] != "line-one" || lines[1] != "line-two" {
		t.Errorf("lines = %v, want [line-one line-two]", lines)
	}

	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
}

func TestExecRuntimeStopTerminates(t *testing.T) {
	rt := NewExecRuntime()
	h, err := rt.Start(context.Background(), Spec{
		JobID:      "j2",
		ScriptPath: writeScript(t, "sleep 60\n"),
		OutputPath: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.Stop(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait after Stop: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("expected non-zero exit code after termination")
	}
}

func TestExecRuntimeOutputDir(t *testing.T) {
	out := t.TempDir()
	rt := NewExecRuntime()
	h, err := rt.Start(context.Background(), Spec{
		JobID:      "j3",
		ScriptPath: writeScript(t, "echo result > \"$OUTPUT_DIR/result.txt\"\n"),
		OutputPath: out,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range h.Logs() {
	}
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "result.txt")); err != nil {
		t.Errorf("output file missing: %v", err)
	}
}
