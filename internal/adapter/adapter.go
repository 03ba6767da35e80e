// Package adapter defines the execution backend contract consumed by the
// dispatcher, the adapter registry, and the built-in shell and HTTP backends.
package adapter

import (
	"context"
	"strings"

	"github.com/taskgate-org/taskgate/internal/gate"
	"github.com/taskgate-org/taskgate/internal/model"
)

// Result is what an adapter hands back after executing a task.
type Result struct {
	Output       string     `json:"output"`
	Structured   any        `json:"structured,omitempty"`
	FilesChanged []string   `json:"files_changed,omitempty"`
	Diff         string     `json:"diff,omitempty"`
	ExitCode     int        `json:"exit_code"`
	DurationMS   int64      `json:"duration_ms"`
	Cost         *gate.Cost `json:"cost,omitempty"`
}

// RetryContext carries the retry position and compiled feedback from earlier
// attempts so the backend can steer its next try.
type RetryContext struct {
	Attempt  int
	Feedback string
}

// Adapter executes tasks. Execute must honor ctx cancellation; Abort is
// best-effort and may be a no-op.
type Adapter interface {
	Name() string
	TaskTypes() []string
	CanHandle(task *model.Task) bool
	Execute(ctx context.Context, task *model.Task, rc RetryContext) (*Result, error)
	Abort(taskID string)
}

// Matches implements the shared selection precedence: exact backend name,
// then backend prefix "name/", then task type membership.
func Matches(name string, taskTypes []string, task *model.Task) bool {
	if task.Backend != "" {
		if task.Backend == name || strings.HasPrefix(task.Backend, name+"/") {
			return true
		}
	}
	for _, t := range taskTypes {
		if t == task.Type {
			return true
		}
	}
	return false
}

// Registry holds adapters in registration order. Selection returns the first
// adapter that can handle the task.
type Registry struct {
	adapters []Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

func (r *Registry) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

// Select returns the first registered adapter whose CanHandle accepts the
// task, or nil when none match.
func (r *Registry) Select(task *model.Task) Adapter {
	for _, a := range r.adapters {
		if a.CanHandle(task) {
			return a
		}
	}
	return nil
}

// Adapters returns the registered adapters in order.
func (r *Registry) Adapters() []Adapter {
	return r.adapters
}
