package model

import "time"

// EventKind classifies a task store event.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventTransitioned EventKind = "transitioned"
	EventUpdated      EventKind = "updated"
)

// Event is fired by the task store after a transaction commits, so that
// subscribers never observe uncommitted state. The snapshot is a clone; it is
// safe to retain.
type Event struct {
	Kind      EventKind `json:"event"`
	Task      *Task     `json:"task_snapshot"`
	FromState Status    `json:"from_state,omitempty"`
	ToState   Status    `json:"to_state,omitempty"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}
