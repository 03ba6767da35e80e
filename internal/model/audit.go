package model

import "time"

// AuditEntry is one immutable row of the append-only transition log. Exactly
// one entry is written per accepted transition, in the same transaction as
// the row update.
type AuditEntry struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Actor      string    `json:"actor"`
	BeforeJSON string    `json:"before_json,omitempty"`
	AfterJSON  string    `json:"after_json,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Audit actions that are not state-pair transitions.
const (
	AuditActionCreate = "create"
	AuditActionUpdate = "update"
)
