package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgate-org/taskgate/internal/model"
	"github.com/taskgate-org/taskgate/internal/store"
)

func TestParseEvery(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30m", 30 * time.Minute, false},
		{"6h", 6 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"30s", 0, true},
		{"2w", 0, true},
		{"h", 0, true},
		{"-1h", 0, true},
		{"", 0, true},
		{"1.5h", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseEvery(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func openTestStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "schedule.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func putTemplate(t *testing.T, s *store.Store, name string) {
	t.Helper()
	require.NoError(t, s.PutTemplate(context.Background(), &model.Template{
		Name:  name,
		Tasks: []model.TemplateTask{{Type: "report"}},
	}))
}

func TestSchedulerFiresImmediatelyWhenDue(t *testing.T) {
	s := openTestStore(t)
	putTemplate(t, s, "daily")

	sched := New(s, []Entry{{TemplateName: "daily", Every: "1d", Enabled: true}})
	sched.Start(context.Background())
	defer sched.Stop()

	require.Eventually(t, func() bool {
		tasks, err := s.ListTasks(context.Background(), store.TaskFilter{Type: "report"})
		return err == nil && len(tasks) == 1
	}, 2*time.Second, 10*time.Millisecond)

	state, err := s.GetScheduleState(context.Background(), "daily")
	require.NoError(t, err)
	require.NotNil(t, state.LastRunAt)
	require.NotNil(t, state.NextRunAt)
	assert.Equal(t, 24*time.Hour, state.NextRunAt.Sub(*state.LastRunAt))
}

func TestSchedulerWaitsForFutureNextRun(t *testing.T) {
	s := openTestStore(t)
	putTemplate(t, s, "hourly")

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.PutScheduleState(context.Background(), &model.ScheduleState{
		TemplateName: "hourly",
		NextRunAt:    &future,
	}))

	sched := New(s, []Entry{{TemplateName: "hourly", Every: "1h", Enabled: true}})
	sched.Start(context.Background())
	defer sched.Stop()

	time.Sleep(100 * time.Millisecond)
	tasks, err := s.ListTasks(context.Background(), store.TaskFilter{Type: "report"})
	require.NoError(t, err)
	assert.Empty(t, tasks, "schedule with a future next_run_at must not fire early")
}

func TestSchedulerDisabledEntryNeverFires(t *testing.T) {
	s := openTestStore(t)
	putTemplate(t, s, "off")

	sched := New(s, []Entry{{TemplateName: "off", Every: "1m", Enabled: false}})
	sched.Start(context.Background())
	defer sched.Stop()

	time.Sleep(50 * time.Millisecond)
	tasks, err := s.ListTasks(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSchedulerSurvivesMissingTemplate(t *testing.T) {
	s := openTestStore(t)
	putTemplate(t, s, "real")

	sched := New(s, []Entry{
		{TemplateName: "ghost", Every: "1d", Enabled: true},
		{TemplateName: "real", Every: "1d", Enabled: true},
	})
	sched.Start(context.Background())
	defer sched.Stop()

	// The ghost entry logs and continues; the real one still fires.
	require.Eventually(t, func() bool {
		tasks, err := s.ListTasks(context.Background(), store.TaskFilter{Type: "report"})
		return err == nil && len(tasks) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerInvalidEntrySkipped(t *testing.T) {
	s := openTestStore(t)
	putTemplate(t, s, "bad")

	sched := New(s, []Entry{{TemplateName: "bad", Every: "2weeks", Enabled: true}})
	sched.Start(context.Background())
	sched.Stop()

	tasks, err := s.ListTasks(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSchedulerCronEntry(t *testing.T) {
	s := openTestStore(t)
	putTemplate(t, s, "cron")

	sched := New(s, []Entry{{TemplateName: "cron", Cron: "0 6 * * *", Enabled: true}})
	sched.Start(context.Background())
	defer sched.Stop()

	// Cron entries with no recorded state fire once at start, then park
	// until the expression's next occurrence.
	require.Eventually(t, func() bool {
		state, err := s.GetScheduleState(context.Background(), "cron")
		return err == nil && state.NextRunAt != nil
	}, 2*time.Second, 10*time.Millisecond)

	state, err := s.GetScheduleState(context.Background(), "cron")
	require.NoError(t, err)
	assert.Equal(t, 6, state.NextRunAt.Hour())
}

func TestSchedulerBothEveryAndCronRejected(t *testing.T) {
	s := New(openTestStore(t), nil)
	_, err := s.nextFunc(Entry{TemplateName: "x", Every: "1h", Cron: "* * * * *"})
	require.Error(t, err)
	_, err = s.nextFunc(Entry{TemplateName: "x"})
	require.Error(t, err)
}
