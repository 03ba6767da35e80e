package blockdag

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskgate-org/taskgate/internal/logger"
	"github.com/taskgate-org/taskgate/internal/store"
)

// SaveRun persists the run and its definition as JSON blobs.
func SaveRun(ctx context.Context, s *store.Store, def *Definition, run *Run) error {
	dagJSON, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode dag: %w", err)
	}
	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	return s.SaveRun(ctx, &store.RunRecord{
		ID:      run.ID,
		DAGName: run.DAGName,
		Status:  string(run.Status),
		DAGJSON: string(dagJSON),
		RunJSON: string(runJSON),
	})
}

// LoadRun restores a persisted run and the definition it ran against.
func LoadRun(ctx context.Context, s *store.Store, id string) (*Definition, *Run, error) {
	rec, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	var def Definition
	if err := json.Unmarshal([]byte(rec.DAGJSON), &def); err != nil {
		return nil, nil, fmt.Errorf("decode dag for run %s: %w", id, err)
	}
	var run Run
	if err := json.Unmarshal([]byte(rec.RunJSON), &run); err != nil {
		return nil, nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &def, &run, nil
}

// StoreObserver returns an Observer that persists the run and appends a run
// event on every state change. Persistence failures are logged, not fatal;
// the in-memory run stays the source of truth.
func StoreObserver(s *store.Store, def *Definition) Observer {
	return func(ctx context.Context, run *Run, blockID, event string) {
		if err := SaveRun(ctx, s, def, run); err != nil {
			logger.Error(ctx, "blockdag: persisting run", "run", run.ID, "err", err)
			return
		}
		if err := s.AppendRunEvent(ctx, run.ID, blockID, event, ""); err != nil {
			logger.Error(ctx, "blockdag: appending run event", "run", run.ID, "err", err)
		}
	}
}
