package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskgate-org/taskgate/internal/model"
)

const timeFormat = time.RFC3339Nano

// transitionRetries is the optimistic-update budget before giving up with
// ErrConcurrency.
const transitionRetries = 3

var errVersionConflict = errors.New("version conflict")

const taskColumns = `id, type, backend, priority, manual_rank, summary, prompt,
	acceptance_criteria, definition_of_done, backend_config, status,
	attempt_count, max_attempts, bounce_count, max_bounces,
	lease_owner, lease_expires_at, result, evidence_ref, last_error,
	feedback_history, pipeline_id, pipeline_step, depends_on,
	parent_task_id, metadata, version, created_at, updated_at`

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status       model.Status
	Type         string
	PipelineID   string
	ParentTaskID string
	Limit        int
}

// CreateTask persists a new task from the prototype, assigning the id,
// defaulting status and counters, and writing the create audit entry. The
// created event fires after commit.
func (s *Store) CreateTask(ctx context.Context, in *model.Task, actor string) (*model.Task, error) {
	task := in.Clone()
	task.ID = model.NewID()
	task.Status = model.StatusPending
	task.AttemptCount = 0
	task.BounceCount = 0
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = model.DefaultMaxAttempts
	}
	if task.MaxBounces <= 0 {
		task.MaxBounces = model.DefaultMaxBounces
	}
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertTask(ctx, tx, task); err != nil {
			return err
		}
		return s.appendAudit(ctx, tx, &model.AuditEntry{
			TaskID:    task.ID,
			FromState: model.AuditActionCreate,
			ToState:   string(task.Status),
			Actor:     actor,
			AfterJSON: mustJSON(task),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.events.publish(model.Event{
		Kind:      model.EventCreated,
		Task:      task.Clone(),
		ToState:   task.Status,
		Actor:     actor,
		Timestamp: now,
	})
	return task, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, _, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	return task, err
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.PipelineID != "" {
		query += ` AND pipeline_id = ?`
		args = append(args, f.PipelineID)
	}
	if f.ParentTaskID != "" {
		query += ` AND parent_task_id = ?`
		args = append(args, f.ParentTaskID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		task, _, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// UpdateTask applies a non-lifecycle mutation under the row lock. Status
// changes through this path are rejected; use Transition.
func (s *Store) UpdateTask(ctx context.Context, id string, mutate func(*model.Task) error, actor string) (*model.Task, error) {
	var updated *model.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, version, err := selectTaskForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		before := mustJSON(task)
		prevStatus := task.Status
		prevUpdated := task.UpdatedAt

		next := task.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		if next.Status != prevStatus {
			return &model.TransitionError{From: prevStatus, To: next.Status, Reason: "status changes must go through Transition"}
		}
		next.UpdatedAt = monotonicNow(s.now(), prevUpdated)

		if err := updateTaskRow(ctx, tx, next, version); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, &model.AuditEntry{
			TaskID:     id,
			FromState:  model.AuditActionUpdate,
			ToState:    model.AuditActionUpdate,
			Actor:      actor,
			BeforeJSON: before,
			AfterJSON:  mustJSON(next),
			CreatedAt:  next.UpdatedAt,
		}); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.publish(model.Event{
		Kind:      model.EventUpdated,
		Task:      updated.Clone(),
		Actor:     actor,
		Timestamp: updated.UpdatedAt,
	})
	return updated, nil
}

// Transition atomically moves a task to the target state: the row is
// re-read under the transaction, the guard is validated, the patch and the
// audit entry are written together, and the event fires after commit. Lost
// optimistic races are retried up to the budget, then surface ErrConcurrency.
func (s *Store) Transition(ctx context.Context, id string, to model.Status, tc model.TransitionContext, actor string) (*model.Task, error) {
	return s.transition(ctx, id, "", to, tc, actor)
}

// TransitionOwned is Transition gated on lease ownership: it fails with
// ErrLeaseExpired when the row's lease_owner no longer matches. Adapters use
// this so that an orphaned execution cannot clobber a recovered task.
func (s *Store) TransitionOwned(ctx context.Context, id, owner string, to model.Status, tc model.TransitionContext, actor string) (*model.Task, error) {
	return s.transition(ctx, id, owner, to, tc, actor)
}

func (s *Store) transition(ctx context.Context, id, requiredOwner string, to model.Status, tc model.TransitionContext, actor string) (*model.Task, error) {
	var (
		updated *model.Task
		from    model.Status
	)

	for attempt := 0; attempt < transitionRetries; attempt++ {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			task, version, err := selectTaskForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if requiredOwner != "" && task.LeaseOwner != requiredOwner {
				return fmt.Errorf("%w: task %s is no longer leased by %s", model.ErrLeaseExpired, id, requiredOwner)
			}

			from = task.Status
			next, err := model.ApplyTransition(task, to, tc, monotonicNow(s.now(), task.UpdatedAt))
			if err != nil {
				return err
			}

			if err := updateTaskRow(ctx, tx, next, version); err != nil {
				return err
			}
			if err := s.appendAudit(ctx, tx, &model.AuditEntry{
				TaskID:     id,
				FromState:  string(from),
				ToState:    string(to),
				Actor:      actor,
				BeforeJSON: mustJSON(task),
				AfterJSON:  mustJSON(next),
				CreatedAt:  next.UpdatedAt,
			}); err != nil {
				return err
			}
			updated = next
			return nil
		})
		if errors.Is(err, errVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.events.publish(model.Event{
			Kind:      model.EventTransitioned,
			Task:      updated.Clone(),
			FromState: from,
			ToState:   to,
			Actor:     actor,
			Timestamp: updated.UpdatedAt,
		})
		return updated, nil
	}
	return nil, fmt.Errorf("%w: task %s", model.ErrConcurrency, id)
}

// Release returns a leased task to the queue, but only when the caller still
// owns the lease. A mismatched owner is a silent no-op. When the attempt
// budget is already spent the task is blocked instead.
func (s *Store) Release(ctx context.Context, id, owner, actor string, lastError string) (*model.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.LeaseOwner != owner {
		return task, nil
	}
	tc := model.TransitionContext{LastError: lastError}
	if task.AttemptCount < task.MaxAttempts {
		return s.TransitionOwned(ctx, id, owner, model.StatusPending, tc, actor)
	}
	return s.TransitionOwned(ctx, id, owner, model.StatusBlocked, tc, actor)
}

// InProgressCountByType returns the WIP count per task type.
func (s *Store) InProgressCountByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM tasks WHERE status = ? GROUP BY type`,
		string(model.StatusInProgress))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// ExpiredLeases returns IN_PROGRESS tasks whose lease lapsed more than grace
// ago. The watchdog is the only caller.
func (s *Store) ExpiredLeases(ctx context.Context, grace time.Duration) ([]*model.Task, error) {
	cutoff := s.now().Add(-grace).Format(timeFormat)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		 ORDER BY lease_expires_at`,
		string(model.StatusInProgress), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		task, _, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// Heartbeat extends the lease of a task iff the owner still holds it.
// Returns ErrLeaseExpired when the lease has been revoked.
func (s *Store) Heartbeat(ctx context.Context, id, owner string, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		expires := s.now().Add(ttl).Format(timeFormat)
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET lease_expires_at = ?, version = version + 1
			 WHERE id = ? AND status = ? AND lease_owner = ?`,
			expires, id, string(model.StatusInProgress), owner)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: heartbeat for task %s by %s", model.ErrLeaseExpired, id, owner)
		}
		return nil
	})
}

// ---- row plumbing ----

func insertTask(ctx context.Context, tx *sql.Tx, t *model.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		taskArgs(t, 0)...)
	return err
}

func updateTaskRow(ctx context.Context, tx *sql.Tx, t *model.Task, expectVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET
		type=?, backend=?, priority=?, manual_rank=?, summary=?, prompt=?,
		acceptance_criteria=?, definition_of_done=?, backend_config=?, status=?,
		attempt_count=?, max_attempts=?, bounce_count=?, max_bounces=?,
		lease_owner=?, lease_expires_at=?, result=?, evidence_ref=?, last_error=?,
		feedback_history=?, pipeline_id=?, pipeline_step=?, depends_on=?,
		parent_task_id=?, metadata=?, version=?, updated_at=?
		WHERE id=? AND version=?`,
		t.Type, t.Backend, t.Priority, nullableInt(t.ManualRank), t.Summary, t.Prompt,
		mustJSON(t.AcceptanceCriteria), mustJSON(t.DefinitionOfDone), mustJSON(t.BackendConfig), string(t.Status),
		t.AttemptCount, t.MaxAttempts, t.BounceCount, t.MaxBounces,
		nullableStr(t.LeaseOwner), nullableTime(t.LeaseExpiresAt), t.Result, t.EvidenceRef, t.LastError,
		mustJSON(t.FeedbackHistory), t.PipelineID, t.PipelineStep, mustJSON(t.DependsOn),
		t.ParentTaskID, mustJSON(t.Metadata), expectVersion+1, t.UpdatedAt.Format(timeFormat),
		t.ID, expectVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errVersionConflict
	}
	return nil
}

func selectTaskForUpdate(ctx context.Context, tx *sql.Tx, id string) (*model.Task, int64, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, version, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	return task, version, err
}

func taskArgs(t *model.Task, version int64) []any {
	return []any{
		t.ID, t.Type, t.Backend, t.Priority, nullableInt(t.ManualRank), t.Summary, t.Prompt,
		mustJSON(t.AcceptanceCriteria), mustJSON(t.DefinitionOfDone), mustJSON(t.BackendConfig), string(t.Status),
		t.AttemptCount, t.MaxAttempts, t.BounceCount, t.MaxBounces,
		nullableStr(t.LeaseOwner), nullableTime(t.LeaseExpiresAt), t.Result, t.EvidenceRef, t.LastError,
		mustJSON(t.FeedbackHistory), t.PipelineID, t.PipelineStep, mustJSON(t.DependsOn),
		t.ParentTaskID, mustJSON(t.Metadata), version,
		t.CreatedAt.Format(timeFormat), t.UpdatedAt.Format(timeFormat),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, int64, error) {
	var (
		t                                   model.Task
		manualRank                          sql.NullInt64
		leaseOwner, leaseExpires            sql.NullString
		criteria, dod, cfg, feedback, deps  string
		metadata                            string
		version                             int64
		createdAt, updatedAt                string
	)
	err := row.Scan(
		&t.ID, &t.Type, &t.Backend, &t.Priority, &manualRank, &t.Summary, &t.Prompt,
		&criteria, &dod, &cfg, (*string)(&t.Status),
		&t.AttemptCount, &t.MaxAttempts, &t.BounceCount, &t.MaxBounces,
		&leaseOwner, &leaseExpires, &t.Result, &t.EvidenceRef, &t.LastError,
		&feedback, &t.PipelineID, &t.PipelineStep, &deps,
		&t.ParentTaskID, &metadata, &version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, 0, err
	}

	if manualRank.Valid {
		v := int(manualRank.Int64)
		t.ManualRank = &v
	}
	if leaseOwner.Valid {
		t.LeaseOwner = leaseOwner.String
	}
	if leaseExpires.Valid {
		ts, err := time.Parse(timeFormat, leaseExpires.String)
		if err != nil {
			return nil, 0, fmt.Errorf("parse lease_expires_at: %w", err)
		}
		t.LeaseExpiresAt = &ts
	}
	for dst, src := range map[any]string{
		&t.AcceptanceCriteria: criteria,
		&t.DefinitionOfDone:   dod,
		&t.BackendConfig:      cfg,
		&t.FeedbackHistory:    feedback,
		&t.DependsOn:          deps,
		&t.Metadata:           metadata,
	} {
		if err := json.Unmarshal([]byte(src), dst); err != nil {
			return nil, 0, fmt.Errorf("decode task column: %w", err)
		}
	}
	if t.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, 0, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, 0, fmt.Errorf("parse updated_at: %w", err)
	}
	return &t, version, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.Format(timeFormat)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// monotonicNow guarantees strictly increasing updated_at per row even when
// the wall clock has not advanced between writes.
func monotonicNow(now, prev time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
