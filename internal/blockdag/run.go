package blockdag

import (
	"sort"
	"time"

	"github.com/taskgate-org/taskgate/internal/gate"
	"github.com/taskgate-org/taskgate/internal/model"
)

// RunStatus is the lifecycle of a whole run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// InstanceState is the lifecycle of one block within a run.
type InstanceState string

const (
	StatePending   InstanceState = "pending"
	StateRunning   InstanceState = "running"
	StateCompleted InstanceState = "completed"
	StateFailed    InstanceState = "failed"
	StateSkipped   InstanceState = "skipped"
	StateRetrying  InstanceState = "retrying"
)

// terminal reports whether the state has no further automatic movement.
// Retrying is not terminal: the block will run again.
func (s InstanceState) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSkipped
}

// RetryState tracks re-execution of one block.
type RetryState struct {
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// ExecutionRecord carries agent execution metadata attached on completion.
type ExecutionRecord struct {
	DurationMS int64  `json:"duration_ms,omitempty"`
	Agent      string `json:"agent,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Instance is the run-scoped state of one block.
type Instance struct {
	BlockID         string           `json:"block_id"`
	State           InstanceState    `json:"state"`
	Inputs          map[string]any   `json:"inputs,omitempty"`
	Outputs         map[string]any   `json:"outputs,omitempty"`
	PreGateResults  []gate.Result    `json:"pre_gate_results,omitempty"`
	PostGateResults []gate.Result    `json:"post_gate_results,omitempty"`
	Retry           RetryState       `json:"retry"`
	Error           string           `json:"error,omitempty"`
	Execution       *ExecutionRecord `json:"execution,omitempty"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// Run is one execution of a definition.
type Run struct {
	ID        string               `json:"id"`
	DAGName   string               `json:"dag_name"`
	Status    RunStatus            `json:"status"`
	Context   map[string]any       `json:"context,omitempty"`
	Instances map[string]*Instance `json:"instances"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// NewRun builds a pending run over the definition with every block pending.
func NewRun(def *Definition, runContext map[string]any) *Run {
	instances := make(map[string]*Instance, len(def.Blocks))
	for _, b := range def.Blocks {
		attempts := 1
		if b.Retry != nil {
			attempts = b.Retry.MaxAttempts
		}
		instances[b.ID] = &Instance{
			BlockID: b.ID,
			State:   StatePending,
			Retry:   RetryState{MaxAttempts: attempts},
		}
	}
	now := time.Now().UTC()
	return &Run{
		ID:        model.NewID(),
		DAGName:   def.Name,
		Status:    RunPending,
		Context:   runContext,
		Instances: instances,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Instance returns the run state of a block.
func (r *Run) Instance(blockID string) *Instance {
	return r.Instances[blockID]
}

// Order returns the block ids in a stable sorted order.
func (r *Run) Order() []string {
	ids := make([]string, 0, len(r.Instances))
	for id := range r.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
