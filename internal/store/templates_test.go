package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgate-org/taskgate/internal/model"
)

func TestTemplateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tpl := &model.Template{
		Name: "nightly-report",
		Tasks: []model.TemplateTask{
			{Type: "report", Prompt: "summarize the day", Priority: 2},
			{Type: "notify", Summary: "ping the channel"},
		},
	}
	require.NoError(t, s.PutTemplate(ctx, tpl))

	got, err := s.GetTemplate(ctx, "nightly-report")
	require.NoError(t, err)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "report", got.Tasks[0].Type)

	// Upsert replaces in place.
	tpl.Tasks = tpl.Tasks[:1]
	require.NoError(t, s.PutTemplate(ctx, tpl))
	got, err = s.GetTemplate(ctx, "nightly-report")
	require.NoError(t, err)
	assert.Len(t, got.Tasks, 1)

	all, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteTemplate(ctx, "nightly-report"))
	_, err = s.GetTemplate(ctx, "nightly-report")
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestPutTemplateValidates(t *testing.T) {
	s := openTestStore(t)
	err := s.PutTemplate(context.Background(), &model.Template{Name: "empty"})
	require.Error(t, err)
}

func TestInstantiateTemplate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutTemplate(ctx, &model.Template{
		Name: "pipeline",
		Tasks: []model.TemplateTask{
			{Type: "build", Metadata: map[string]string{"stage": "one"}},
			{Type: "test"},
		},
	}))

	tasks, err := s.InstantiateTemplate(ctx, "pipeline", "scheduler")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, model.StatusPending, tasks[0].Status)
	assert.Equal(t, "pipeline", tasks[0].Metadata["template"])
	assert.Equal(t, "one", tasks[0].Metadata["stage"])

	_, err = s.InstantiateTemplate(ctx, "missing", "scheduler")
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestScheduleState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t.Run("FirstRunIsEmpty", func(t *testing.T) {
		state, err := s.GetScheduleState(ctx, "pipeline")
		require.NoError(t, err)
		assert.Nil(t, state.LastRunAt)
		assert.Nil(t, state.NextRunAt)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		last := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
		next := last.Add(time.Hour)
		require.NoError(t, s.PutScheduleState(ctx, &model.ScheduleState{
			TemplateName: "pipeline",
			LastRunAt:    &last,
			NextRunAt:    &next,
		}))

		state, err := s.GetScheduleState(ctx, "pipeline")
		require.NoError(t, err)
		require.NotNil(t, state.LastRunAt)
		assert.Equal(t, last, state.LastRunAt.UTC())
		assert.Equal(t, next, state.NextRunAt.UTC())
	})
}

func TestRunPersistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &RunRecord{
		ID:      model.NewID(),
		DAGName: "etl",
		Status:  "running",
		DAGJSON: `{"id":"etl"}`,
		RunJSON: `{"state":"running"}`,
	}
	require.NoError(t, s.SaveRun(ctx, rec))
	require.NoError(t, s.AppendRunEvent(ctx, rec.ID, "extract", "block_started", ""))

	rec.Status = "completed"
	rec.RunJSON = `{"state":"completed"}`
	require.NoError(t, s.SaveRun(ctx, rec))
	require.NoError(t, s.AppendRunEvent(ctx, rec.ID, "extract", "block_completed", `{"ms":12}`))

	got, err := s.GetRun(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, `{"state":"completed"}`, got.RunJSON)

	runs, err := s.ListRuns(ctx, "etl", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	events, err := s.ListRunEvents(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "block_started", events[0].Event)
	assert.Equal(t, "block_completed", events[1].Event)

	_, err = s.GetRun(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}
