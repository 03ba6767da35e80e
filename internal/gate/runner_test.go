package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func TestRunnerEmptyGateList(t *testing.T) {
	r := NewRunner()
	results := r.Evaluate(context.Background(), nil, nil, "")
	assert.Empty(t, results)
	assert.True(t, Passed(results))
}

func TestSchemaGate(t *testing.T) {
	r := NewRunner()

	t.Run("Valid", func(t *testing.T) {
		defs := []Definition{{
			Kind: KindSchema,
			Name: "shape",
			Schema: &Schema{
				Type:     "object",
				Required: []string{"name"},
				Properties: map[string]*Schema{
					"name": {Type: "string"},
					"tags": {Type: "array", Items: &Schema{Type: "string"}},
				},
			},
		}}
		data := map[string]any{"name": "x", "tags": []any{"a", "b"}}
		results := r.Evaluate(context.Background(), defs, data, "")
		require.Len(t, results, 1)
		assert.True(t, results[0].Passed)
		assert.Equal(t, "shape", results[0].Gate)
	})

	t.Run("MissingRequired", func(t *testing.T) {
		defs := []Definition{{
			Kind:   KindSchema,
			Schema: &Schema{Type: "object", Required: []string{"name"}},
		}}
		results := r.Evaluate(context.Background(), defs, map[string]any{}, "")
		require.Len(t, results, 1)
		assert.False(t, results[0].Passed)
		assert.Contains(t, results[0].Reason, "name")
	})

	t.Run("ReportsFailurePath", func(t *testing.T) {
		defs := []Definition{{
			Kind: KindSchema,
			Schema: &Schema{
				Type:       "object",
				Properties: map[string]*Schema{"n": {Type: "number"}},
			},
		}}
		results := r.Evaluate(context.Background(), defs, map[string]any{"n": "not a number"}, "")
		require.Len(t, results, 1)
		assert.False(t, results[0].Passed)
		assert.Contains(t, results[0].Reason, "$.n")
	})

	t.Run("ExternalChecker", func(t *testing.T) {
		defs := []Definition{{Kind: KindSchema, Checker: failingChecker{}}}
		results := r.Evaluate(context.Background(), defs, nil, "")
		require.Len(t, results, 1)
		assert.False(t, results[0].Passed)
		assert.Equal(t, []string{"nope"}, results[0].Details)
	})
}

type failingChecker struct{}

func (failingChecker) Check(any) CheckOutcome {
	return CheckOutcome{OK: false, Issues: []string{"nope"}}
}

func TestExpressionGate(t *testing.T) {
	r := NewRunner()
	defs := []Definition{{Kind: KindExpression, Expression: "score >= 0.5"}}

	pass := r.Evaluate(context.Background(), defs, map[string]any{"score": 0.9}, "")
	assert.True(t, Passed(pass))

	fail := r.Evaluate(context.Background(), defs, map[string]any{"score": 0.1}, "")
	assert.False(t, Passed(fail))

	// Evaluation errors are captured as failures, never raised.
	bad := r.Evaluate(context.Background(), []Definition{{Kind: KindExpression, Expression: "missing + 1"}}, map[string]any{}, "")
	require.Len(t, bad, 1)
	assert.False(t, bad[0].Passed)
	assert.NotEmpty(t, bad[0].Reason)
}

func TestRegexGate(t *testing.T) {
	r := NewRunner()

	t.Run("Match", func(t *testing.T) {
		defs := []Definition{{Kind: KindRegex, Pattern: `^hello`}}
		assert.True(t, Passed(r.Evaluate(context.Background(), defs, nil, "hello world")))
		assert.False(t, Passed(r.Evaluate(context.Background(), defs, nil, "world hello")))
	})

	t.Run("Invert", func(t *testing.T) {
		defs := []Definition{{Kind: KindRegex, Pattern: `TODO`, Invert: true}}
		assert.True(t, Passed(r.Evaluate(context.Background(), defs, nil, "all done")))
		assert.False(t, Passed(r.Evaluate(context.Background(), defs, nil, "TODO: fix")))
	})

	t.Run("CaseInsensitiveFlag", func(t *testing.T) {
		defs := []Definition{{Kind: KindRegex, Pattern: `ok`, Flags: "i"}}
		assert.True(t, Passed(r.Evaluate(context.Background(), defs, nil, "OK")))
	})
}

func TestWordCountGate(t *testing.T) {
	r := NewRunner()
	defs := []Definition{{Kind: KindWordCount, MinWords: intp(5)}}

	short := r.Evaluate(context.Background(), defs, nil, "too short")
	require.Len(t, short, 1)
	assert.False(t, short[0].Passed)
	assert.Equal(t, "Word count 2 is below min 5", short[0].Reason)

	long := r.Evaluate(context.Background(), defs, nil, "this is a longer answer")
	assert.True(t, Passed(long))

	capped := r.Evaluate(context.Background(), []Definition{{Kind: KindWordCount, MaxWords: intp(3)}}, nil, "one two three four")
	assert.False(t, Passed(capped))
}

func TestCommandGate(t *testing.T) {
	r := NewRunner()

	t.Run("ExitZero", func(t *testing.T) {
		defs := []Definition{{Kind: KindCommand, Command: "true"}}
		assert.True(t, Passed(r.Evaluate(context.Background(), defs, nil, "")))
	})

	t.Run("ExitNonZero", func(t *testing.T) {
		defs := []Definition{{Kind: KindCommand, Command: "exit 3"}}
		results := r.Evaluate(context.Background(), defs, nil, "")
		require.Len(t, results, 1)
		assert.False(t, results[0].Passed)
		assert.Contains(t, results[0].Reason, "exit code 3")
	})

	t.Run("ExpectExit", func(t *testing.T) {
		defs := []Definition{{Kind: KindCommand, Command: "exit 3", ExpectExit: 3}}
		assert.True(t, Passed(r.Evaluate(context.Background(), defs, nil, "")))
	})

	t.Run("GateDataInjected", func(t *testing.T) {
		defs := []Definition{{Kind: KindCommand, Command: `echo "$GATE_DATA" | grep -q '"k":"v"'`}}
		data := map[string]any{"k": "v"}
		assert.True(t, Passed(r.Evaluate(context.Background(), defs, data, "")))
	})

	t.Run("Timeout", func(t *testing.T) {
		defs := []Definition{{Kind: KindCommand, Command: "sleep 5", TimeoutMS: 50}}
		results := r.Evaluate(context.Background(), defs, nil, "")
		require.Len(t, results, 1)
		assert.False(t, results[0].Passed)
		assert.Contains(t, results[0].Reason, "timed out")
	})
}

type stubReviewer struct {
	result *ReviewResult
	err    error
}

func (s stubReviewer) Review(context.Context, ReviewRequest) (*ReviewResult, error) {
	return s.result, s.err
}

func TestExternalReviewGate(t *testing.T) {
	t.Run("NoProvider", func(t *testing.T) {
		r := NewRunner()
		results := r.Evaluate(context.Background(), []Definition{{Kind: KindExternalReview}}, nil, "out")
		require.Len(t, results, 1)
		assert.False(t, results[0].Passed)
		assert.Equal(t, "no provider", results[0].Reason)
	})

	t.Run("AboveThreshold", func(t *testing.T) {
		r := NewRunner(WithReviewer(stubReviewer{result: &ReviewResult{Score: 0.9}}))
		results := r.Evaluate(context.Background(), []Definition{{Kind: KindExternalReview}}, nil, "out")
		assert.True(t, Passed(results))
	})

	t.Run("BelowThreshold", func(t *testing.T) {
		r := NewRunner(WithReviewer(stubReviewer{result: &ReviewResult{Score: 0.5}}))
		results := r.Evaluate(context.Background(), []Definition{{Kind: KindExternalReview}}, nil, "out")
		assert.False(t, Passed(results))
	})

	t.Run("CustomThreshold", func(t *testing.T) {
		r := NewRunner(WithReviewer(stubReviewer{result: &ReviewResult{Score: 0.5}}))
		results := r.Evaluate(context.Background(), []Definition{{Kind: KindExternalReview, Threshold: 0.4}}, nil, "out")
		assert.True(t, Passed(results))
	})

	t.Run("ReviewerError", func(t *testing.T) {
		r := NewRunner(WithReviewer(stubReviewer{err: errors.New("rate limited")}))
		results := r.Evaluate(context.Background(), []Definition{{Kind: KindExternalReview}}, nil, "out")
		assert.False(t, Passed(results))
		assert.Contains(t, results[0].Reason, "rate limited")
	})
}

func TestCustomGate(t *testing.T) {
	r := NewRunner()

	t.Run("Bool", func(t *testing.T) {
		defs := []Definition{{Kind: KindCustom, Check: func(any, string) (any, error) { return true, nil }}}
		assert.True(t, Passed(r.Evaluate(context.Background(), defs, nil, "")))
	})

	t.Run("StructuredResult", func(t *testing.T) {
		defs := []Definition{{Kind: KindCustom, Check: func(any, string) (any, error) {
			return Result{Passed: false, Reason: "bad shape"}, nil
		}}}
		results := r.Evaluate(context.Background(), defs, nil, "")
		require.Len(t, results, 1)
		assert.Equal(t, "bad shape", results[0].Reason)
	})

	t.Run("PanicCaptured", func(t *testing.T) {
		defs := []Definition{{Kind: KindCustom, Check: func(any, string) (any, error) {
			panic("boom")
		}}}
		results := r.Evaluate(context.Background(), defs, nil, "")
		require.Len(t, results, 1)
		assert.False(t, results[0].Passed)
		assert.Contains(t, results[0].Reason, "boom")
	})
}

func TestShortCircuitVsRunAll(t *testing.T) {
	r := NewRunner()
	defs := []Definition{
		{Kind: KindWordCount, Name: "min", MinWords: intp(100)},
		{Kind: KindRegex, Name: "greeting", Pattern: "hello"},
	}

	short := r.Evaluate(context.Background(), defs, nil, "hello")
	assert.Len(t, short, 1)

	all := r.EvaluateAll(context.Background(), defs, nil, "hello")
	require.Len(t, all, 2)
	assert.False(t, all[0].Passed)
	assert.True(t, all[1].Passed)
}
