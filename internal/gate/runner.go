package gate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/taskgate-org/taskgate/internal/expr"
)

// Mode selects how the runner treats failures.
type Mode int

const (
	// ModeShortCircuit stops at the first failing gate.
	ModeShortCircuit Mode = iota
	// ModeRunAll evaluates every gate and returns all results.
	ModeRunAll
)

// Runner evaluates gate definitions in declaration order against a produced
// (data, raw) pair.
type Runner struct {
	reviewer Reviewer
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithReviewer injects the external reviewer used by external-review gates.
func WithReviewer(r Reviewer) RunnerOption {
	return func(run *Runner) { run.reviewer = r }
}

// NewRunner builds a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Evaluate runs the gates in short-circuit mode.
func (r *Runner) Evaluate(ctx context.Context, defs []Definition, data any, raw string) []Result {
	return r.run(ctx, defs, data, raw, ModeShortCircuit)
}

// EvaluateAll runs every gate regardless of failures.
func (r *Runner) EvaluateAll(ctx context.Context, defs []Definition, data any, raw string) []Result {
	return r.run(ctx, defs, data, raw, ModeRunAll)
}

func (r *Runner) run(ctx context.Context, defs []Definition, data any, raw string, mode Mode) []Result {
	results := make([]Result, 0, len(defs))
	for i := range defs {
		res := r.evalOne(ctx, &defs[i], data, raw)
		results = append(results, res)
		if !res.Passed && mode == ModeShortCircuit {
			break
		}
	}
	return results
}

// evalOne dispatches on the gate kind. Panics become failed results.
func (r *Runner) evalOne(ctx context.Context, def *Definition, data any, raw string) (res Result) {
	start := time.Now()
	res = Result{Gate: def.DisplayName()}
	defer func() {
		res.DurationMS = durationMS(start)
		if p := recover(); p != nil {
			res.Passed = false
			res.Reason = fmt.Sprintf("gate panicked: %v", p)
		}
	}()

	switch def.Kind {
	case KindSchema:
		res = r.evalSchema(def, data)
	case KindExpression:
		res = r.evalExpression(def, data, raw)
	case KindRegex:
		res = r.evalRegex(def, raw)
	case KindWordCount:
		res = r.evalWordCount(def, raw)
	case KindCommand:
		res = r.evalCommand(ctx, def, data)
	case KindExternalReview:
		res = r.evalExternalReview(ctx, def, raw)
	case KindCustom:
		res = r.evalCustom(def, data, raw)
	default:
		res.Reason = fmt.Sprintf("unknown gate kind: %q", def.Kind)
	}
	res.Gate = def.DisplayName()
	res.DurationMS = durationMS(start)
	return res
}

func (r *Runner) evalSchema(def *Definition, data any) Result {
	if def.Checker != nil {
		outcome := def.Checker.Check(data)
		res := Result{Passed: outcome.OK}
		if !outcome.OK {
			res.Reason = "schema check failed"
			res.Details = outcome.Issues
		}
		return res
	}
	if def.Schema == nil {
		return Result{Reason: "schema gate has no schema"}
	}
	if err := def.Schema.Validate(data); err != nil {
		return Result{Reason: err.Error()}
	}
	return Result{Passed: true}
}

func (r *Runner) evalExpression(def *Definition, data any, raw string) Result {
	scope := expr.Scope{"data": data, "raw": raw}
	// Object payloads are also exposed at the top level for brevity.
	if m, ok := data.(map[string]any); ok {
		for k, v := range m {
			if _, taken := scope[k]; !taken {
				scope[k] = v
			}
		}
	}
	v, err := expr.Evaluate(def.Expression, scope)
	if err != nil {
		return Result{Reason: err.Error()}
	}
	if !truthy(v) {
		return Result{
			Reason:  fmt.Sprintf("expression %q evaluated to %v", def.Expression, v),
			Details: v,
		}
	}
	return Result{Passed: true}
}

func (r *Runner) evalRegex(def *Definition, raw string) Result {
	pattern := def.Pattern
	if prefix := regexFlags(def.Flags); prefix != "" {
		pattern = prefix + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Result{Reason: fmt.Sprintf("bad pattern: %v", err)}
	}
	matched := re.MatchString(raw)
	passed := matched != def.Invert
	res := Result{Passed: passed}
	if !passed {
		if def.Invert {
			res.Reason = fmt.Sprintf("pattern %q matched but was inverted", def.Pattern)
		} else {
			res.Reason = fmt.Sprintf("pattern %q did not match", def.Pattern)
		}
	}
	return res
}

// regexFlags converts the supported flag letters to a Go inline flag group.
func regexFlags(flags string) string {
	var letters []string
	for _, f := range flags {
		switch f {
		case 'i', 's', 'm':
			letters = append(letters, string(f))
		}
	}
	if len(letters) == 0 {
		return ""
	}
	return "(?" + strings.Join(letters, "") + ")"
}

func (r *Runner) evalWordCount(def *Definition, raw string) Result {
	count := len(strings.Fields(strings.TrimSpace(raw)))
	if def.MinWords != nil && count < *def.MinWords {
		return Result{
			Reason:  fmt.Sprintf("Word count %d is below min %d", count, *def.MinWords),
			Details: map[string]any{"count": count, "min": *def.MinWords},
		}
	}
	if def.MaxWords != nil && count > *def.MaxWords {
		return Result{
			Reason:  fmt.Sprintf("Word count %d is above max %d", count, *def.MaxWords),
			Details: map[string]any{"count": count, "max": *def.MaxWords},
		}
	}
	return Result{Passed: true}
}

func (r *Runner) evalExternalReview(ctx context.Context, def *Definition, raw string) Result {
	if r.reviewer == nil {
		return Result{Reason: "no provider"}
	}
	verdict, err := r.reviewer.Review(ctx, ReviewRequest{
		Output:   raw,
		Criteria: def.Criteria,
	})
	if err != nil {
		return Result{Reason: fmt.Sprintf("review failed: %v", err)}
	}
	threshold := def.Threshold
	if threshold == 0 {
		threshold = DefaultReviewThreshold
	}
	res := Result{Passed: verdict.Score >= threshold, Details: verdict}
	if !res.Passed {
		res.Reason = fmt.Sprintf("review score %.2f below threshold %.2f", verdict.Score, threshold)
	}
	return res
}

func (r *Runner) evalCustom(def *Definition, data any, raw string) Result {
	if def.Check == nil {
		return Result{Reason: "custom gate has no check function"}
	}
	v, err := def.Check(data, raw)
	if err != nil {
		return Result{Reason: err.Error()}
	}
	switch out := v.(type) {
	case bool:
		res := Result{Passed: out}
		if !out {
			res.Reason = "check returned false"
		}
		return res
	case Result:
		return out
	case *Result:
		return *out
	default:
		res := Result{Passed: truthy(v), Details: v}
		if !res.Passed {
			res.Reason = fmt.Sprintf("check returned %v", v)
		}
		return res
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}
