package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskgate-org/taskgate/internal/model"
)

// CreateApproval appends a verdict row for a task and returns it with its
// generated id and timestamps.
func (s *Store) CreateApproval(ctx context.Context, a *model.Approval) (*model.Approval, error) {
	out := *a
	out.ID = model.NewID()
	now := s.now()
	out.CreatedAt = now
	out.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO approvals (id, task_id, reviewer, verdict, feedback, created_at, updated_at)
			 VALUES (?,?,?,?,?,?,?)`,
			out.ID, out.TaskID, out.Reviewer, out.Verdict, out.Feedback,
			now.Format(timeFormat), now.Format(timeFormat))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListApprovals returns a task's approvals oldest first.
func (s *Store) ListApprovals(ctx context.Context, taskID string) ([]*model.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, reviewer, verdict, feedback, created_at, updated_at
		 FROM approvals WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Approval
	for rows.Next() {
		var a model.Approval
		var created, updated string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Reviewer, &a.Verdict, &a.Feedback, &created, &updated); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
			return nil, err
		}
		if a.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
