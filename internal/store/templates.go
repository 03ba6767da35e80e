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

// ErrTemplateNotFound is returned when a named template does not exist.
var ErrTemplateNotFound = errors.New("template not found")

// PutTemplate validates and upserts a template under its name.
func (s *Store) PutTemplate(ctx context.Context, tpl *model.Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}
	now := s.now()
	spec, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO templates (name, spec_json, created_at, updated_at) VALUES (?,?,?,?)
			 ON CONFLICT(name) DO UPDATE SET spec_json = excluded.spec_json, updated_at = excluded.updated_at`,
			tpl.Name, string(spec), now.Format(timeFormat), now.Format(timeFormat))
		return err
	})
}

// GetTemplate fetches a template by name.
func (s *Store) GetTemplate(ctx context.Context, name string) (*model.Template, error) {
	var spec string
	err := s.db.QueryRowContext(ctx,
		`SELECT spec_json FROM templates WHERE name = ?`, name).Scan(&spec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	var tpl model.Template
	if err := json.Unmarshal([]byte(spec), &tpl); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", name, err)
	}
	return &tpl, nil
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates(ctx context.Context) ([]*model.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT spec_json FROM templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Template
	for rows.Next() {
		var spec string
		if err := rows.Scan(&spec); err != nil {
			return nil, err
		}
		var tpl model.Template
		if err := json.Unmarshal([]byte(spec), &tpl); err != nil {
			return nil, err
		}
		out = append(out, &tpl)
	}
	return out, rows.Err()
}

// DeleteTemplate removes a template. Deleting an unknown name is a no-op.
func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM templates WHERE name = ?`, name)
		return err
	})
}

// InstantiateTemplate materializes one PENDING task per blueprint entry,
// recording the template name in each task's metadata.
func (s *Store) InstantiateTemplate(ctx context.Context, name, actor string) ([]*model.Task, error) {
	tpl, err := s.GetTemplate(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}

	var out []*model.Task
	for _, tt := range tpl.Tasks {
		meta := map[string]string{"template": name}
		for k, v := range tt.Metadata {
			meta[k] = v
		}
		proto := &model.Task{
			Type:               tt.Type,
			Backend:            tt.Backend,
			Priority:           tt.Priority,
			Summary:            tt.Summary,
			Prompt:             tt.Prompt,
			AcceptanceCriteria: tt.AcceptanceCriteria,
			DefinitionOfDone:   tt.DefinitionOfDone,
			BackendConfig:      tt.BackendConfig,
			MaxAttempts:        tt.MaxAttempts,
			MaxBounces:         tt.MaxBounces,
			Metadata:           meta,
		}
		task, err := s.CreateTask(ctx, proto, actor)
		if err != nil {
			return out, err
		}
		out = append(out, task)
	}
	return out, nil
}

// GetScheduleState loads the persisted firing record for a template, or an
// empty record when the schedule has never fired.
func (s *Store) GetScheduleState(ctx context.Context, templateName string) (*model.ScheduleState, error) {
	var last, next sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT last_run_at, next_run_at FROM schedule_state WHERE template_name = ?`,
		templateName).Scan(&last, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.ScheduleState{TemplateName: templateName}, nil
	}
	if err != nil {
		return nil, err
	}

	state := &model.ScheduleState{TemplateName: templateName}
	if state.LastRunAt, err = parseNullTime(last); err != nil {
		return nil, err
	}
	if state.NextRunAt, err = parseNullTime(next); err != nil {
		return nil, err
	}
	return state, nil
}

// PutScheduleState upserts the firing record for a template.
func (s *Store) PutScheduleState(ctx context.Context, state *model.ScheduleState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schedule_state (template_name, last_run_at, next_run_at) VALUES (?,?,?)
			 ON CONFLICT(template_name) DO UPDATE SET last_run_at = excluded.last_run_at, next_run_at = excluded.next_run_at`,
			state.TemplateName, nullableTime(state.LastRunAt), nullableTime(state.NextRunAt))
		return err
	})
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	ts, err := time.Parse(timeFormat, v.String)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
