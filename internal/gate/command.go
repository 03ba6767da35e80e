package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// DefaultCommandTimeout bounds command gates that do not set timeout_ms.
const DefaultCommandTimeout = 30 * time.Second

// evalCommand executes a shell string with GATE_DATA carrying the serialized
// input. The exit code is compared against expect_exit (default 0). Timeout
// is delivered as SIGTERM and reported with a dedicated reason.
func (r *Runner) evalCommand(ctx context.Context, def *Definition, data any) Result {
	if def.Command == "" {
		return Result{Reason: "command gate has no command"}
	}

	timeout := DefaultCommandTimeout
	if def.TimeoutMS > 0 {
		timeout = time.Duration(def.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	serialized, err := json.Marshal(data)
	if err != nil {
		serialized = []byte("null")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", def.Command)
	cmd.Cancel = func() error {
		// Ask politely first; CommandContext falls back to SIGKILL after
		// WaitDelay if the process ignores it.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second
	if def.Cwd != "" {
		cmd.Dir = def.Cwd
	}
	cmd.Env = append(os.Environ(), "GATE_DATA="+string(serialized))
	for k, v := range def.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{
			Reason:  fmt.Sprintf("command timed out after %s", timeout),
			Details: map[string]any{"stdout": stdout.String(), "stderr": stderr.String()},
		}
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{Reason: fmt.Sprintf("command failed to start: %v", runErr)}
		}
	}

	details := map[string]any{
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	}
	if exitCode != def.ExpectExit {
		return Result{
			Reason:  fmt.Sprintf("exit code %d, expected %d", exitCode, def.ExpectExit),
			Details: details,
		}
	}
	return Result{Passed: true, Details: details}
}
