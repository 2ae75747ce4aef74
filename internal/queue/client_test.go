package queue

import (
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestParseDispatch(t *testing.T) {
	dm := DispatchMessage{
		JobID:          "job-123",
		OwnerID:        "alice",
		DockerImage:    "ubuntu:22.04",
		ScriptPath:     "jobs/job-123/input",
		OutputPath:     "jobs/job-123/output",
		MemoryLimit:    "8g",
		CPUCount:       4,
		TimeoutSeconds: 3600,
	}
	payload, _ := json.Marshal(dm)

	got, err := ParseDispatch(redis.XMessage{
		ID:     "1690000000000-0",
		Values: map[string]any{"jobId": "job-123", "payload": string(payload)},
	})
	if err != nil {
		t.Fatalf("ParseDispatch: %v", err)
	}
	if got.JobID != "job-123" {
		t.Errorf("JobID = %q, want job-123", got.JobID)
	}
	if got.MessageID != "1690000000000-0" {
		t.Errorf("MessageID = %q, want stream id", got.MessageID)
	}
	if got.CPUCount != 4 || got.MemoryLimit != "8g" {
		t.Errorf("resource fields = %d/%s, want 4/8g", got.CPUCount, got.MemoryLimit)
	}
}

func TestParseDispatchRejectsBadMessages(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
	}{
		{"missing payload", map[string]any{"jobId": "x"}},
		{"malformed payload", map[string]any{"payload": "{not json"}},
		{"missing jobId", map[string]any{"payload": `{"dockerImage":"ubuntu"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDispatch(redis.XMessage{ID: "1-0", Values: tt.values}); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestDLQName(t *testing.T) {
	tests := []struct {
		queue string
		want  string
	}{
		{"jobs:v1:gpu", "dlq:v1:gpu"},
		{"jobs:v1:gpu-general", "dlq:v1:gpu-general"},
		{"custom:stream", "dlq:v1:stream"},
	}
	for _, tt := range tests {
		if got := DLQName(tt.queue); got != tt.want {
			t.Errorf("DLQName(%q) = %q, want %q", tt.queue, got, tt.want)
		}
	}
}

func TestMaskURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"redis://:secret@host:6379/0", "redis://:%2A%2A%2A@host:6379/0"},
		{"redis://host:6379/0", "redis://host:6379/0"},
	}
	for _, tt := range tests {
		got := MaskURL(tt.in)
		if got != tt.want {
			t.Errorf("MaskURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
