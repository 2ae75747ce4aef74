package blobstore

import (
	"os"
	"strings"
	"testing"
)

func TestSaveScriptCreatesLayout(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := s.SaveScript("job-1", strings.NewReader("echo hi\n"))
	if err != nil {
		t.Fatalf("SaveScript: %v", err)
	}
	if path != s.ScriptPath("job-1") {
		t.Errorf("path = %q, want %q", path, s.ScriptPath("job-1"))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	if string(data) != "echo hi\n" {
		t.Errorf("script contents = %q", data)
	}

	info, err := os.Stat(s.OutputDir("job-1"))
	if err != nil || !info.IsDir() {
		t.Errorf("output dir not created: %v", err)
	}
}

func TestAppendAndReadLog(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, line := range []string{"first", "second"} {
		if err := s.AppendLog("job-1", line); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	data, err := s.ReadLog("job-1")
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Errorf("log contents = %q", data)
	}
}

func TestRemove(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.SaveScript("job-1", strings.NewReader("x")); err != nil {
		t.Fatalf("SaveScript: %v", err)
	}
	if err := s.Remove("job-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(s.ScriptPath("job-1")); !os.IsNotExist(err) {
		t.Errorf("script still present after Remove")
	}
}
