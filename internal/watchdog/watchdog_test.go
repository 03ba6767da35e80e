package watchdog

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

func leaseExpiredTask(t *testing.T, clock *time.Time, maxAttempts int) (*store.Store, *model.Task) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "watchdog.db"),
		store.WithClock(func() time.Time { return *clock }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	task, err := s.CreateTask(ctx, &model.Task{Type: "code", MaxAttempts: maxAttempts}, "test")
	require.NoError(t, err)
	_, err = s.Transition(ctx, task.ID, model.StatusInProgress,
		model.TransitionContext{LeaseOwner: "worker-a", LeaseTTL: time.Second}, "dispatcher")
	require.NoError(t, err)

	*clock = clock.Add(time.Minute)
	return s, task
}

func TestSweepRequeues(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, task := leaseExpiredTask(t, &now, 5)

	w := New(s, Config{Grace: time.Second, Policy: PolicyRequeue})
	w.Sweep(context.Background())

	got, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Empty(t, got.LeaseOwner)
	assert.Contains(t, got.LastError, "worker-a")

	trail, err := s.ListAudit(context.Background(), task.ID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, Actor, last.Actor)
	assert.Contains(t, last.AfterJSON, "previous_owner")
}

func TestSweepBlocksAtAttemptCeiling(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, task := leaseExpiredTask(t, &now, 5)
	ctx := context.Background()

	// Burn the attempt budget before the sweep.
	for i := 0; i < 4; i++ {
		_, err := s.Transition(ctx, task.ID, model.StatusPending, model.TransitionContext{}, "test")
		require.NoError(t, err)
		_, err = s.Transition(ctx, task.ID, model.StatusInProgress,
			model.TransitionContext{LeaseOwner: "worker-a", LeaseTTL: time.Second}, "dispatcher")
		require.NoError(t, err)
	}
	now = now.Add(time.Minute)
	// attempt_count is now 4; one more requeue would hit the ceiling of 5,
	// so make it 5 first.
	_, err := s.Transition(ctx, task.ID, model.StatusPending, model.TransitionContext{}, "test")
	require.NoError(t, err)
	_, err = s.Transition(ctx, task.ID, model.StatusInProgress,
		model.TransitionContext{LeaseOwner: "worker-a", LeaseTTL: time.Second}, "dispatcher")
	require.NoError(t, err)
	now = now.Add(time.Minute)

	w := New(s, Config{Grace: time.Second, Policy: PolicyRequeue})
	w.Sweep(ctx)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, got.Status, "requeue falls through to block at the ceiling")
}

func TestSweepBlockPolicy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, task := leaseExpiredTask(t, &now, 5)

	w := New(s, Config{Grace: time.Second, Policy: PolicyBlock})
	w.Sweep(context.Background())

	got, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, got.Status)
}

func TestSweepFiresOncePerExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, task := leaseExpiredTask(t, &now, 5)
	ctx := context.Background()

	w := New(s, Config{Grace: time.Second, Policy: PolicyRequeue})
	w.Sweep(ctx)
	w.Sweep(ctx)
	w.Sweep(ctx)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptCount, "repeat sweeps must not double-recover")
}

func TestSweepIgnoresLiveLeases(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	s, err := store.Open(filepath.Join(t.TempDir(), "watchdog.db"),
		store.WithClock(func() time.Time { return *clock }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	task, err := s.CreateTask(ctx, &model.Task{Type: "code"}, "test")
	require.NoError(t, err)
	_, err = s.Transition(ctx, task.ID, model.StatusInProgress,
		model.TransitionContext{LeaseOwner: "worker-a", LeaseTTL: time.Hour}, "dispatcher")
	require.NoError(t, err)

	w := New(s, Config{Grace: time.Second})
	w.Sweep(ctx)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)
}
