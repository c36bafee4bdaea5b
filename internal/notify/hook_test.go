package notify

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestHookRunner_Send(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on Windows")
	}

	tmpDir := t.TempDir()
	outputFile := filepath.Join(tmpDir, "output.json")

	// Create a script that reads stdin and writes to a file
	scriptPath := filepath.Join(tmpDir, "hook.sh")
	script := "#!/bin/sh\ncat > " + outputFile + "\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		t.Fatalf("failed to create script: %v", err)
	}

	runner := NewHookRunner(scriptPath)
	n := Notification{
		Kind:      StepDecision,
		Title:     "Step approved",
		Message:   "step 2 is now approved",
		ProjectID: "p1",
		RunID:     "run-1",
		StepID:    "s2",
		Actor:     "reviewer",
		Status:    "approved",
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := runner.Send(context.Background(), n); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	// Verify the payload was received
	data, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatalf("failed to read output file: %v", err)
	}

	var received Notification
	if err := json.Unmarshal(data, &received); err != nil {
		t.Fatalf("failed to unmarshal output: %v", err)
	}

	if received.Kind != StepDecision {
		t.Errorf("Kind = %q, want %q", received.Kind, StepDecision)
	}
	if received.RunID != "run-1" {
		t.Errorf("RunID = %q, want %q", received.RunID, "run-1")
	}
	if received.Actor != "reviewer" {
		t.Errorf("Actor = %q, want %q", received.Actor, "reviewer")
	}
	if !received.Timestamp.Equal(n.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", received.Timestamp, n.Timestamp)
	}
}

func TestHookRunner_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on Windows")
	}

	tmpDir := t.TempDir()
	scriptPath := filepath.Join(tmpDir, "slow.sh")
	script := "#!/bin/sh\nexec sleep 5\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		t.Fatalf("failed to create script: %v", err)
	}

	runner := NewHookRunner(scriptPath)
	runner.Timeout = 100 * time.Millisecond

	err := runner.Send(context.Background(), Notification{Status: "approved"})
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout error, got: %v", err)
	}
}

func TestHookRunner_NonExistent(t *testing.T) {
	runner := NewHookRunner("/nonexistent/path/hook.sh")

	err := runner.Send(context.Background(), Notification{Status: "rejected"})
	if err == nil {
		t.Fatal("expected error for non-existent script, got nil")
	}
}

func TestHookRunner_ExitError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on Windows")
	}

	tmpDir := t.TempDir()
	scriptPath := filepath.Join(tmpDir, "fail.sh")
	script := "#!/bin/sh\nexit 1\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		t.Fatalf("failed to create script: %v", err)
	}

	runner := NewHookRunner(scriptPath)

	err := runner.Send(context.Background(), Notification{Status: "rejected"})
	if err == nil {
		t.Fatal("expected error for exit code 1, got nil")
	}
}
