package blockdag

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgate-org/taskgate/internal/backoff"
	"github.com/taskgate-org/taskgate/internal/gate"
	"github.com/taskgate-org/taskgate/internal/store"
)

func TestReadySet(t *testing.T) {
	def := linearDef()
	e := NewEngine(def)
	run := NewRun(def, nil)

	t.Run("OnlySourceReady", func(t *testing.T) {
		assert.Equal(t, []string{"a"}, e.Ready(run))
	})

	t.Run("DownstreamAfterCompletion", func(t *testing.T) {
		require.NoError(t, e.Start(run, "a", nil))
		assert.Empty(t, e.Ready(run), "running block's successors are not ready")
		require.NoError(t, e.Complete(run, "a", map[string]any{"x": 1}, nil))
		assert.Equal(t, []string{"b"}, e.Ready(run))
	})

	t.Run("MissingOutputBlocksSuccessor", func(t *testing.T) {
		def := linearDef()
		e := NewEngine(def)
		run := NewRun(def, nil)
		require.NoError(t, e.Start(run, "a", nil))
		require.NoError(t, e.Complete(run, "a", map[string]any{"other": 1}, nil))
		assert.Empty(t, e.Ready(run), "edge output value absent")
	})

	t.Run("NonRequiredPortAlwaysSatisfied", func(t *testing.T) {
		def := &Definition{
			Name:   "opt",
			Blocks: []Block{{ID: "solo", Inputs: []Port{{Name: "maybe"}}}},
		}
		e := NewEngine(def)
		assert.Equal(t, []string{"solo"}, e.Ready(NewRun(def, nil)))
	})

	t.Run("ContextSatisfiesEdgelessPort", func(t *testing.T) {
		def := &Definition{
			Name:   "ctx",
			Blocks: []Block{{ID: "solo", Inputs: []Port{{Name: "seed", Required: true}}}},
		}
		e := NewEngine(def)
		assert.Empty(t, e.Ready(NewRun(def, nil)))
		assert.Equal(t, []string{"solo"}, e.Ready(NewRun(def, map[string]any{"seed": 1})))
	})

	t.Run("DefaultSatisfiesEdgelessPort", func(t *testing.T) {
		def := &Definition{
			Name:   "dflt",
			Blocks: []Block{{ID: "solo", Inputs: []Port{{Name: "n", Required: true, Default: 7}}}},
		}
		e := NewEngine(def)
		assert.Equal(t, []string{"solo"}, e.Ready(NewRun(def, nil)))
	})
}

func TestWireInputs(t *testing.T) {
	def := &Definition{
		Name: "wiring",
		Blocks: []Block{
			{ID: "src", Outputs: []Port{{Name: "out"}}},
			{ID: "dst", Inputs: []Port{
				{Name: "wired"},
				{Name: "ctxport"},
				{Name: "defaulted", Default: "fallback"},
				{Name: "absent"},
			}},
		},
		Edges: []Edge{{From: "src", Output: "out", To: "dst", Input: "wired"}},
	}
	e := NewEngine(def)
	ctx := context.Background()

	t.Run("Precedence", func(t *testing.T) {
		run := NewRun(def, map[string]any{"ctxport": "from-context"})
		require.NoError(t, e.Start(run, "src", nil))
		require.NoError(t, e.Complete(run, "src", map[string]any{"out": "from-edge"}, nil))

		inputs, err := e.WireInputs(ctx, run, "dst")
		require.NoError(t, err)
		assert.Equal(t, "from-edge", inputs["wired"])
		assert.Equal(t, "from-context", inputs["ctxport"])
		assert.Equal(t, "fallback", inputs["defaulted"])
		_, present := inputs["absent"]
		assert.False(t, present, "unsourced port stays undefined")
	})

	t.Run("OverrideBeatsEdge", func(t *testing.T) {
		run := NewRun(def, map[string]any{"__override_input_dst_wired": "forced"})
		require.NoError(t, e.Start(run, "src", nil))
		require.NoError(t, e.Complete(run, "src", map[string]any{"out": "from-edge"}, nil))

		inputs, err := e.WireInputs(ctx, run, "dst")
		require.NoError(t, err)
		assert.Equal(t, "forced", inputs["wired"])
	})

	t.Run("Transform", func(t *testing.T) {
		def := &Definition{
			Name: "xform",
			Blocks: []Block{
				{ID: "src", Outputs: []Port{{Name: "x"}}},
				{ID: "dst", Inputs: []Port{{Name: "y"}}},
			},
			Edges: []Edge{{From: "src", Output: "x", To: "dst", Input: "y", Transform: "value + 1"}},
		}
		e := NewEngine(def)
		run := NewRun(def, nil)
		require.NoError(t, e.Start(run, "src", nil))
		require.NoError(t, e.Complete(run, "src", map[string]any{"x": 1.0}, nil))

		inputs, err := e.WireInputs(ctx, run, "dst")
		require.NoError(t, err)
		assert.Equal(t, 2.0, inputs["y"])
	})

	t.Run("TransformErrorFallsBackToRaw", func(t *testing.T) {
		def := &Definition{
			Name: "xform-bad",
			Blocks: []Block{
				{ID: "src", Outputs: []Port{{Name: "x"}}},
				{ID: "dst", Inputs: []Port{{Name: "y"}}},
			},
			Edges: []Edge{{From: "src", Output: "x", To: "dst", Input: "y", Transform: "undefined_name + 1"}},
		}
		e := NewEngine(def)
		run := NewRun(def, nil)
		require.NoError(t, e.Start(run, "src", nil))
		require.NoError(t, e.Complete(run, "src", map[string]any{"x": "raw"}, nil))

		inputs, err := e.WireInputs(ctx, run, "dst")
		require.NoError(t, err)
		assert.Equal(t, "raw", inputs["y"])
	})
}

func TestFailAndRetryState(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	def := &Definition{
		Name: "retry",
		Blocks: []Block{{
			ID:    "only",
			Retry: &RetryPolicy{MaxAttempts: 3, Backoff: backoff.KindLinear, DelayMS: 100},
		}},
	}
	e := NewEngine(def, WithClock(func() time.Time { return fixed }))
	run := NewRun(def, nil)

	require.NoError(t, e.Start(run, "only", nil))
	assert.Equal(t, 1, run.Instance("only").Retry.Attempt)
	assert.Equal(t, RunRunning, run.Status)

	require.NoError(t, e.Fail(run, "only", errors.New("boom")))
	inst := run.Instance("only")
	assert.Equal(t, StateRetrying, inst.State)
	require.NotNil(t, inst.Retry.NextRetryAt)
	assert.Equal(t, fixed.Add(100*time.Millisecond), *inst.Retry.NextRetryAt)

	require.NoError(t, e.Start(run, "only", nil))
	require.NoError(t, e.Fail(run, "only", errors.New("boom")))
	assert.Equal(t, fixed.Add(200*time.Millisecond), *run.Instance("only").Retry.NextRetryAt, "linear backoff grows")

	require.NoError(t, e.Start(run, "only", nil))
	require.NoError(t, e.Fail(run, "only", errors.New("boom")))
	assert.Equal(t, StateFailed, run.Instance("only").State, "budget spent")
	assert.Equal(t, RunFailed, run.Status)
}

func TestRunStatusPredicates(t *testing.T) {
	t.Run("TerminalsComplete", func(t *testing.T) {
		def := linearDef()
		e := NewEngine(def)
		run := NewRun(def, nil)

		require.NoError(t, e.Start(run, "a", nil))
		require.NoError(t, e.Complete(run, "a", map[string]any{"x": 1}, nil))
		require.NoError(t, e.Start(run, "b", map[string]any{"y": 1}))
		require.NoError(t, e.Complete(run, "b", map[string]any{"z": 2}, nil))
		require.NoError(t, e.Start(run, "c", map[string]any{"w": 2}))
		require.NoError(t, e.Complete(run, "c", nil, nil))

		assert.Equal(t, RunCompleted, run.Status)
	})

	t.Run("SkippedCountsTowardCompletion", func(t *testing.T) {
		def := &Definition{
			Name:      "skippy",
			Blocks:    []Block{{ID: "a"}, {ID: "b"}},
			Terminals: []string{"a", "b"},
		}
		e := NewEngine(def)
		run := NewRun(def, nil)
		require.NoError(t, e.Start(run, "a", nil))
		require.NoError(t, e.Complete(run, "a", nil, nil))
		require.NoError(t, e.Skip(run, "b"))
		assert.Equal(t, RunCompleted, run.Status)
	})

	t.Run("FailedOnlyWhenAllTerminalAndOneFailed", func(t *testing.T) {
		def := &Definition{Name: "two", Blocks: []Block{{ID: "a"}, {ID: "b"}}}
		e := NewEngine(def)
		run := NewRun(def, nil)

		require.NoError(t, e.Start(run, "a", nil))
		require.NoError(t, e.Fail(run, "a", errors.New("boom")))
		assert.Equal(t, RunRunning, run.Status, "b still pending")

		require.NoError(t, e.Start(run, "b", nil))
		require.NoError(t, e.Complete(run, "b", nil, nil))
		assert.Equal(t, RunFailed, run.Status)
	})
}

// Three blocks A -> B -> C with a transform on A.x and a flaky B that
// succeeds on its third attempt.
func TestExecuteLinearRunWithRetries(t *testing.T) {
	def := &Definition{
		Name: "pipeline",
		Blocks: []Block{
			{ID: "A", Outputs: []Port{{Name: "x"}}},
			{
				ID:      "B",
				Inputs:  []Port{{Name: "y", Required: true}},
				Outputs: []Port{{Name: "z"}},
				Retry:   &RetryPolicy{MaxAttempts: 3, Backoff: backoff.KindLinear, DelayMS: 10},
			},
			{ID: "C", Inputs: []Port{{Name: "in", Required: true}}},
		},
		Edges: []Edge{
			{From: "A", Output: "x", To: "B", Input: "y", Transform: "value + 1"},
			{From: "B", Output: "z", To: "C", Input: "in"},
		},
		Terminals: []string{"C"},
	}
	require.NoError(t, def.Validate())

	bCalls := 0
	agent := func(_ context.Context, b *Block, inputs map[string]any) (map[string]any, error) {
		switch b.ID {
		case "A":
			return map[string]any{"x": 1.0}, nil
		case "B":
			assert.Equal(t, 2.0, inputs["y"], "transform applied to edge value")
			bCalls++
			if bCalls < 3 {
				return nil, fmt.Errorf("flaky failure %d", bCalls)
			}
			return map[string]any{"z": "ok"}, nil
		default:
			assert.Equal(t, "ok", inputs["in"])
			return nil, nil
		}
	}

	e := NewEngine(def)
	run := NewRun(def, nil)
	start := time.Now()
	require.NoError(t, e.Execute(context.Background(), run, agent, nil))

	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, 1, run.Instance("A").Retry.Attempt)
	assert.Equal(t, 3, run.Instance("B").Retry.Attempt)
	assert.Equal(t, 1, run.Instance("C").Retry.Attempt)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "linear delays 10ms + 20ms observed")
}

func TestExecutePostGateFailureRetries(t *testing.T) {
	minWords := 3
	def := &Definition{
		Name: "gated",
		Blocks: []Block{{
			ID:        "only",
			Outputs:   []Port{{Name: "text"}},
			PostGates: []gate.Definition{{Kind: gate.KindWordCount, Name: "length", MinWords: &minWords}},
			Retry:     &RetryPolicy{MaxAttempts: 2, DelayMS: 1},
		}},
	}
	require.NoError(t, def.Validate())

	calls := 0
	agent := func(context.Context, *Block, map[string]any) (map[string]any, error) {
		calls++
		return map[string]any{"text": "short"}, nil
	}

	e := NewEngine(def)
	run := NewRun(def, nil)
	require.NoError(t, e.Execute(context.Background(), run, agent, nil))

	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, 2, calls)
	assert.Contains(t, run.Instance("only").Error, "post-gate failed")
}

func TestRunRecordsGateOutcomes(t *testing.T) {
	minWords := 3
	def := &Definition{
		Name: "inspected",
		Blocks: []Block{{
			ID:        "only",
			Inputs:    []Port{{Name: "topic", Default: "release notes draft"}},
			Outputs:   []Port{{Name: "text"}},
			PreGates:  []gate.Definition{{Kind: gate.KindExpression, Name: "has-topic", Expression: `topic != ""`}},
			PostGates: []gate.Definition{{Kind: gate.KindWordCount, Name: "length", MinWords: &minWords}},
			Retry:     &RetryPolicy{MaxAttempts: 2, DelayMS: 1},
		}},
	}
	require.NoError(t, def.Validate())

	agent := func(context.Context, *Block, map[string]any) (map[string]any, error) {
		return map[string]any{"text": "short"}, nil
	}

	e := NewEngine(def)
	run := NewRun(def, nil)
	createdAt := run.CreatedAt
	require.NoError(t, e.Execute(context.Background(), run, agent, nil))

	inst := run.Instance("only")

	t.Run("PreGateResultsPersisted", func(t *testing.T) {
		require.Len(t, inst.PreGateResults, 1)
		assert.Equal(t, "has-topic", inst.PreGateResults[0].Gate)
		assert.True(t, inst.PreGateResults[0].Passed)
	})

	t.Run("PostGateResultsPersisted", func(t *testing.T) {
		require.Len(t, inst.PostGateResults, 1)
		assert.Equal(t, "length", inst.PostGateResults[0].Gate)
		assert.False(t, inst.PostGateResults[0].Passed)
		assert.NotEmpty(t, inst.PostGateResults[0].Reason)
	})

	t.Run("RetryStateCarriesBudgetAndError", func(t *testing.T) {
		assert.Equal(t, 2, inst.Retry.MaxAttempts)
		assert.Contains(t, inst.Retry.LastError, "post-gate failed")
	})

	t.Run("RunTimestampAdvances", func(t *testing.T) {
		assert.False(t, run.UpdatedAt.Before(createdAt))
		assert.NotEqual(t, time.Time{}, run.UpdatedAt)
	})
}

func TestExecutePersistsThroughObserver(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "dag.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	def := &Definition{Name: "tiny", Blocks: []Block{{ID: "solo"}}}
	require.NoError(t, def.Validate())

	e := NewEngine(def)
	run := NewRun(def, nil)
	agent := func(context.Context, *Block, map[string]any) (map[string]any, error) {
		return map[string]any{"done": true}, nil
	}
	require.NoError(t, e.Execute(context.Background(), run, agent, StoreObserver(s, def)))

	loadedDef, loadedRun, err := LoadRun(context.Background(), s, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "tiny", loadedDef.Name)
	assert.Equal(t, RunCompleted, loadedRun.Status)
	assert.Equal(t, StateCompleted, loadedRun.Instance("solo").State)

	events, err := s.ListRunEvents(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "block_started", events[0].Event)
	assert.Equal(t, "run_completed", events[len(events)-1].Event)
}
