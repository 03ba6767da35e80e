package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusDone       Status = "DONE"
	StatusBlocked    Status = "BLOCKED"
)

// Terminal reports whether the status has no automatic outgoing transitions.
// BLOCKED is operator-attention: it only exits via an explicit unblock.
func (s Status) Terminal() bool {
	return s == StatusDone
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusReview, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Default counters applied at creation time.
const (
	DefaultMaxAttempts = 5
	DefaultMaxBounces  = 3
)

// BackendConfig carries adapter-specific execution settings.
type BackendConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Model   string            `json:"model,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// Task is a unit of work moving through the lifecycle state machine. The task
// store owns all mutations; every other component receives snapshots.
type Task struct {
	ID string `json:"id"`

	// Classification
	Type       string `json:"type"`
	Backend    string `json:"backend,omitempty"`
	Priority   int32  `json:"priority"`
	ManualRank *int   `json:"manual_rank,omitempty"`

	// Payload
	Summary            string        `json:"summary,omitempty"`
	Prompt             string        `json:"prompt,omitempty"`
	AcceptanceCriteria []string      `json:"acceptance_criteria,omitempty"`
	DefinitionOfDone   []string      `json:"definition_of_done,omitempty"`
	BackendConfig      BackendConfig `json:"backend_config,omitempty"`

	// Lifecycle
	Status       Status `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	MaxAttempts  int    `json:"max_attempts"`
	BounceCount  int    `json:"bounce_count"`
	MaxBounces   int    `json:"max_bounces"`

	// Lease; both fields are set iff Status == IN_PROGRESS.
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// Result
	Result          string   `json:"result,omitempty"`
	EvidenceRef     string   `json:"evidence_ref,omitempty"`
	LastError       string   `json:"last_error,omitempty"`
	FeedbackHistory []string `json:"feedback_history,omitempty"`

	// Relationships
	PipelineID   string            `json:"pipeline_id,omitempty"`
	PipelineStep int               `json:"pipeline_step,omitempty"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	ParentTaskID string            `json:"parent_task_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Leased reports whether the task currently carries a lease.
func (t *Task) Leased() bool {
	return t.LeaseOwner != "" && t.LeaseExpiresAt != nil
}

// LeaseExpired reports whether the lease has lapsed past the given grace
// period at time now. A task without a lease is never expired.
func (t *Task) LeaseExpired(now time.Time, grace time.Duration) bool {
	if !t.Leased() {
		return false
	}
	return t.LeaseExpiresAt.Add(grace).Before(now)
}

// Clone returns a deep copy so that event subscribers and adapters cannot
// mutate the store's row.
func (t *Task) Clone() *Task {
	c := *t
	if t.ManualRank != nil {
		v := *t.ManualRank
		c.ManualRank = &v
	}
	if t.LeaseExpiresAt != nil {
		v := *t.LeaseExpiresAt
		c.LeaseExpiresAt = &v
	}
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.DefinitionOfDone = append([]string(nil), t.DefinitionOfDone...)
	c.FeedbackHistory = append([]string(nil), t.FeedbackHistory...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.BackendConfig.Args != nil {
		c.BackendConfig.Args = append([]string(nil), t.BackendConfig.Args...)
	}
	if t.BackendConfig.Env != nil {
		c.BackendConfig.Env = make(map[string]string, len(t.BackendConfig.Env))
		for k, v := range t.BackendConfig.Env {
			c.BackendConfig.Env[k] = v
		}
	}
	return &c
}

// NewID returns a new task identifier. UUIDv7 embeds a millisecond timestamp
// in the high bits, so ids sort lexicographically in creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
