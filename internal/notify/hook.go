package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// HookTimeout bounds a single hook script run.
const HookTimeout = 30 * time.Second

// HookRunner executes a shell hook script with the notification as JSON on stdin.
type HookRunner struct {
	ScriptPath string
	Timeout    time.Duration
}

// NewHookRunner creates a HookRunner for the given script path.
func NewHookRunner(scriptPath string) *HookRunner {
	return &HookRunner{ScriptPath: scriptPath, Timeout: HookTimeout}
}

// Send runs the hook script. The JSON-encoded notification is passed via stdin.
func (h *HookRunner) Send(ctx context.Context, n Notification) error {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = HookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("hook marshal payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.ScriptPath)
	cmd.Stdin = bytes.NewReader(data)
	cmd.WaitDelay = time.Second

	output, err := cmd.CombinedOutput()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("hook timed out after %s: %s", timeout, h.ScriptPath)
	}
	if err != nil {
		return fmt.Errorf("hook execution failed: %w (output: %s)", err, string(output))
	}
	return nil
}

// Name returns the name of this notifier.
func (h *HookRunner) Name() string { return "hook" }
