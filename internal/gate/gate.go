// Package gate evaluates ordered lists of deterministic checks against a
// produced artifact. A gate never raises: panics and internal errors are
// captured as failed results so that the retry engine can compile feedback
// from them.
package gate

import (
	"context"
	"time"
)

// Kind discriminates the gate sum type.
type Kind string

const (
	KindSchema         Kind = "schema"
	KindExpression     Kind = "expression"
	KindRegex          Kind = "regex"
	KindWordCount      Kind = "word_count"
	KindCommand        Kind = "command"
	KindExternalReview Kind = "external_review"
	KindCustom         Kind = "custom"
)

// DefaultReviewThreshold is applied when an external-review gate does not set
// its own threshold.
const DefaultReviewThreshold = 0.8

// Definition is one gate in a list. Only the fields for its Kind are
// consulted; the rest are ignored.
type Definition struct {
	Kind Kind   `json:"kind" yaml:"kind"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Schema gate: either an explicit structural schema or an external
	// checker implementing the validator protocol.
	Schema  *Schema `json:"schema,omitempty" yaml:"schema,omitempty"`
	Checker Checker `json:"-" yaml:"-"`

	// Expression gate.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// Regex gate.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Flags   string `json:"flags,omitempty" yaml:"flags,omitempty"`
	Invert  bool   `json:"invert,omitempty" yaml:"invert,omitempty"`

	// Word-count gate. Nil bounds are unbounded.
	MinWords *int `json:"min,omitempty" yaml:"min,omitempty"`
	MaxWords *int `json:"max,omitempty" yaml:"max,omitempty"`

	// Command gate.
	Command    string            `json:"command,omitempty" yaml:"command,omitempty"`
	Cwd        string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	TimeoutMS  int               `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	ExpectExit int               `json:"expect_exit,omitempty" yaml:"expect_exit,omitempty"`

	// External-review gate.
	Criteria  []string `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Threshold float64  `json:"threshold,omitempty" yaml:"threshold,omitempty"`

	// Custom gate: the closure's return is normalized (bool or Result).
	Check CheckFunc `json:"-" yaml:"-"`
}

// CheckFunc is a caller-supplied gate body.
type CheckFunc func(data any, raw string) (any, error)

// DisplayName returns the configured name or a fallback derived from the kind.
func (d *Definition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return string(d.Kind)
}

// Result is the outcome of one gate evaluation.
type Result struct {
	Gate       string `json:"gate_name"`
	Passed     bool   `json:"passed"`
	Reason     string `json:"reason,omitempty"`
	Details    any    `json:"details,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Passed reports whether every result passed. An empty list passes.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Failures returns the failing subset, preserving order.
func Failures(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Checker is the external validator protocol accepted by schema gates: any
// object exposing a structural check over the input.
type Checker interface {
	Check(input any) CheckOutcome
}

// CheckOutcome is a Checker verdict.
type CheckOutcome struct {
	OK     bool     `json:"ok"`
	Issues []string `json:"issues,omitempty"`
}

// ReviewRequest is handed to an external reviewer.
type ReviewRequest struct {
	Output         string   `json:"output"`
	Criteria       []string `json:"criteria"`
	OriginalPrompt string   `json:"original_prompt,omitempty"`
}

// CriterionResult is one reviewed criterion.
type CriterionResult struct {
	Criterion string `json:"criterion"`
	Passed    bool   `json:"passed"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ReviewResult is an external reviewer's verdict. Score is in [0,1].
type ReviewResult struct {
	Passed          bool              `json:"passed"`
	Score           float64           `json:"score"`
	CriteriaResults []CriterionResult `json:"criteria_results,omitempty"`
	Cost            *Cost             `json:"cost,omitempty"`
}

// Cost records token and dollar spend of an LLM call.
type Cost struct {
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	TotalTokens  int     `json:"total_tokens,omitempty"`
	USD          float64 `json:"usd,omitempty"`
}

// Reviewer scores produced output against acceptance criteria.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*ReviewResult, error)
}

func durationMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
