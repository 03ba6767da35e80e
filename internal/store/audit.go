package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskgate-org/taskgate/internal/model"
)

func (s *Store) appendAudit(ctx context.Context, tx *sql.Tx, e *model.AuditEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (task_id, from_state, to_state, actor, before_json, after_json, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		e.TaskID, e.FromState, e.ToState, e.Actor, e.BeforeJSON, e.AfterJSON,
		e.CreatedAt.Format(timeFormat))
	return err
}

// ListAudit returns the full audit trail for a task, oldest first. The trail
// is append-only: replaying it reconstructs every state the task has held.
func (s *Store) ListAudit(ctx context.Context, taskID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, from_state, to_state, actor, before_json, after_json, created_at
		 FROM audit_log WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.FromState, &e.ToState, &e.Actor,
			&e.BeforeJSON, &e.AfterJSON, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
