package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when a DAG run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is the persisted form of a DAG run: the definition and the run
// state are stored as opaque JSON blobs so the engine can evolve its shapes
// without store migrations.
type RunRecord struct {
	ID        string
	DAGName   string
	Status    string
	DAGJSON   string
	RunJSON   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunEvent is one append-only progress record for a run.
type RunEvent struct {
	ID        int64
	RunID     string
	BlockID   string
	Event     string
	Detail    string
	CreatedAt time.Time
}

// SaveRun upserts a run record. The first save inserts; later saves replace
// status and run_json and refresh updated_at.
func (s *Store) SaveRun(ctx context.Context, r *RunRecord) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO dag_runs (id, dag_name, status, dag_json, run_json, created_at, updated_at)
			 VALUES (?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET
			   status = excluded.status, run_json = excluded.run_json, updated_at = excluded.updated_at`,
			r.ID, r.DAGName, r.Status, r.DAGJSON, r.RunJSON,
			now.Format(timeFormat), now.Format(timeFormat))
		return err
	})
}

// GetRun fetches one run record by id.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, dag_name, status, dag_json, run_json, created_at, updated_at
		 FROM dag_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns runs for a DAG name (or all when name is empty), newest
// first.
func (s *Store) ListRuns(ctx context.Context, dagName string, limit int) ([]*RunRecord, error) {
	query := `SELECT id, dag_name, status, dag_json, run_json, created_at, updated_at FROM dag_runs`
	var args []any
	if dagName != "" {
		query += ` WHERE dag_name = ?`
		args = append(args, dagName)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendRunEvent records one progress event for a run.
func (s *Store) AppendRunEvent(ctx context.Context, runID, blockID, event, detail string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO dag_run_events (run_id, block_id, event, detail, created_at) VALUES (?,?,?,?,?)`,
			runID, blockID, event, detail, s.now().Format(timeFormat))
		return err
	})
}

// ListRunEvents returns a run's events, oldest first.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, block_id, event, detail, created_at
		 FROM dag_run_events WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var e RunEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.BlockID, &e.Event, &e.Detail, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRun(row scanner) (*RunRecord, error) {
	var r RunRecord
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.DAGName, &r.Status, &r.DAGJSON, &r.RunJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if r.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
