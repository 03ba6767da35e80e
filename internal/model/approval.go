package model

import "time"

// Approval is one recorded review verdict against a task. Rows are
// append-only; a bounced task accumulates one row per review round.
type Approval struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Reviewer  string    `json:"reviewer"`
	Verdict   string    `json:"verdict"`
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
