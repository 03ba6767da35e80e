package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/taskgate-org/taskgate/internal/model"
)

// QueueFilter narrows Next. Type selects one type; ExcludeTypes serves the
// default WIP bucket (any type not claimed by a dedicated limit).
type QueueFilter struct {
	Type         string
	ExcludeTypes []string
	ExcludeIDs   []string
}

// Anchor positions a task during Reorder. Exactly one of Top, Before, After
// is set.
type Anchor struct {
	Top    bool
	Before string
	After  string
}

// ErrBadAnchor is returned when Reorder is given an unusable anchor.
var ErrBadAnchor = errors.New("invalid reorder anchor")

const queueOrder = ` ORDER BY priority,
	CASE WHEN manual_rank IS NULL THEN 1 ELSE 0 END, manual_rank,
	created_at, id`

// Next returns the highest-priority PENDING task matching the filter whose
// dependencies are all DONE, or nil when the queue is empty. The ordering is
// priority, then manual_rank with nulls last, then created_at, then id.
func (s *Store) Next(ctx context.Context, f QueueFilter) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?`
	args := []any{string(model.StatusPending)}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	for _, t := range f.ExcludeTypes {
		query += ` AND type != ?`
		args = append(args, t)
	}
	for _, id := range f.ExcludeIDs {
		query += ` AND id != ?`
		args = append(args, id)
	}
	query += queueOrder

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*model.Task
	for rows.Next() {
		task, _, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, task := range candidates {
		ok, err := s.dependenciesSatisfied(ctx, task)
		if err != nil {
			return nil, err
		}
		if ok {
			return task, nil
		}
	}
	return nil, nil
}

// dependenciesSatisfied reports whether every depends_on task exists and is
// DONE. A missing dependency row counts as unsatisfied.
func (s *Store) dependenciesSatisfied(ctx context.Context, task *model.Task) (bool, error) {
	for _, dep := range task.DependsOn {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, dep).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if model.Status(status) != model.StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// rankGap is the spacing used when a priority bucket gets renumbered.
const rankGap = 10

type bucketEntry struct {
	id   string
	rank *int
}

// Reorder rewrites manual_rank for the target task so that it sorts at the
// anchored position within its priority bucket. Priority itself never
// changes. Anchors into a different bucket are rejected.
func (s *Store) Reorder(ctx context.Context, id string, anchor Anchor, actor string) (*model.Task, error) {
	var updated *model.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		target, version, err := selectTaskForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		bucket, err := loadBucket(ctx, tx, target.Priority, id)
		if err != nil {
			return err
		}

		var newRank int
		var renumber []bucketEntry
		switch {
		case anchor.Top:
			newRank = bucketMin(bucket) - 1
		case anchor.Before != "" || anchor.After != "":
			anchorID := anchor.Before
			after := false
			if anchor.After != "" {
				anchorID = anchor.After
				after = true
			}
			pos := indexOf(bucket, anchorID)
			if pos < 0 {
				return fmt.Errorf("%w: task %s is not in priority bucket %d", ErrBadAnchor, anchorID, target.Priority)
			}
			if after {
				pos++
			}
			rank, ok := midpointAt(bucket, pos)
			if !ok {
				renumber = insertAt(bucket, pos, bucketEntry{id: id})
			}
			newRank = rank
		default:
			return fmt.Errorf("%w: one of top, before, after is required", ErrBadAnchor)
		}

		now := monotonicNow(s.now(), target.UpdatedAt)
		before := mustJSON(target)
		next := target.Clone()
		next.UpdatedAt = now

		if renumber != nil {
			for i, entry := range renumber {
				rank := (i + 1) * rankGap
				if entry.id == id {
					next.ManualRank = &rank
					continue
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE tasks SET manual_rank = ?, version = version + 1 WHERE id = ?`,
					rank, entry.id); err != nil {
					return err
				}
			}
		} else {
			next.ManualRank = &newRank
		}

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
			CreatedAt:  now,
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

// loadBucket returns the PENDING tasks sharing the priority, in queue order,
// excluding the task being moved.
func loadBucket(ctx context.Context, tx *sql.Tx, priority int32, excludeID string) ([]bucketEntry, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, manual_rank FROM tasks WHERE status = ? AND priority = ? AND id != ?`+queueOrder,
		string(model.StatusPending), priority, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bucket []bucketEntry
	for rows.Next() {
		var e bucketEntry
		var rank sql.NullInt64
		if err := rows.Scan(&e.id, &rank); err != nil {
			return nil, err
		}
		if rank.Valid {
			v := int(rank.Int64)
			e.rank = &v
		}
		bucket = append(bucket, e)
	}
	return bucket, rows.Err()
}

func bucketMin(bucket []bucketEntry) int {
	min, found := 0, false
	for _, e := range bucket {
		if e.rank == nil {
			continue
		}
		if !found || *e.rank < min {
			min, found = *e.rank, true
		}
	}
	if !found {
		return 1
	}
	return min
}

func indexOf(bucket []bucketEntry, id string) int {
	for i, e := range bucket {
		if e.id == id {
			return i
		}
	}
	return -1
}

// midpointAt returns an integer rank that sorts strictly between the bucket
// neighbors at insertion position pos. ok is false when no such integer
// exists and the bucket must be renumbered.
func midpointAt(bucket []bucketEntry, pos int) (int, bool) {
	var left, right *int
	if pos > 0 {
		left = bucket[pos-1].rank
	}
	if pos < len(bucket) {
		right = bucket[pos].rank
	}
	switch {
	case left == nil && right == nil:
		return 0, pos == 0 && len(bucket) == 0
	case left == nil:
		return *right - 1, true
	case right == nil:
		return *left + 1, len(bucket) == pos || bucket[pos].rank == nil
	default:
		mid := (*left + *right) / 2
		if mid > *left && mid < *right {
			return mid, true
		}
		return 0, false
	}
}

func insertAt(bucket []bucketEntry, pos int, e bucketEntry) []bucketEntry {
	out := make([]bucketEntry, 0, len(bucket)+1)
	out = append(out, bucket[:pos]...)
	out = append(out, e)
	out = append(out, bucket[pos:]...)
	return out
}
