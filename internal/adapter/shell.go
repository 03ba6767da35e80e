package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/taskgate-org/taskgate/internal/model"
)

// DefaultShellTimeout bounds a shell execution when the task does not set
// its own.
const DefaultShellTimeout = 10 * time.Minute

// ShellAdapter runs the task's configured command through `sh -c`. The task
// payload is exposed through TASK_* environment variables.
type ShellAdapter struct {
	name      string
	taskTypes []string

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// NewShellAdapter builds a shell adapter answering to name for the given
// task types.
func NewShellAdapter(name string, taskTypes ...string) *ShellAdapter {
	return &ShellAdapter{
		name:      name,
		taskTypes: taskTypes,
		running:   make(map[string]*exec.Cmd),
	}
}

func (a *ShellAdapter) Name() string        { return a.name }
func (a *ShellAdapter) TaskTypes() []string { return a.taskTypes }

func (a *ShellAdapter) CanHandle(task *model.Task) bool {
	return Matches(a.name, a.taskTypes, task)
}

func (a *ShellAdapter) Execute(ctx context.Context, task *model.Task, rc RetryContext) (*Result, error) {
	command := task.BackendConfig.Command
	if command == "" {
		return nil, Classify(fmt.Errorf("task %s has no command configured", task.ID), 127)
	}

	timeout := task.BackendConfig.Timeout
	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second
	if task.BackendConfig.Cwd != "" {
		cmd.Dir = task.BackendConfig.Cwd
	}

	env := os.Environ()
	env = append(env,
		"TASK_ID="+task.ID,
		"TASK_TYPE="+task.Type,
		"TASK_SUMMARY="+task.Summary,
		"TASK_PROMPT="+task.Prompt,
		"TASK_ATTEMPT="+strconv.Itoa(rc.Attempt),
		"TASK_FEEDBACK="+rc.Feedback,
	)
	for k, v := range task.BackendConfig.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.track(task.ID, cmd)
	defer a.untrack(task.ID)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	exitCode := 0
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, Classify(fmt.Errorf("command timed out after %s", timeout), -1)
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, Classify(err, -1)
		}
		exitCode = exitErr.ExitCode()
	}

	output := stdout.String()
	if output == "" && exitCode != 0 {
		output = stderr.String()
	}
	return &Result{
		Output:     output,
		ExitCode:   exitCode,
		DurationMS: elapsed,
	}, nil
}

// Abort sends SIGTERM to the task's running process, if any.
func (a *ShellAdapter) Abort(taskID string) {
	a.mu.Lock()
	cmd := a.running[taskID]
	a.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (a *ShellAdapter) track(taskID string, cmd *exec.Cmd) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running[taskID] = cmd
}

func (a *ShellAdapter) untrack(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.running, taskID)
}
