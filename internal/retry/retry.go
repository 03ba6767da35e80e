// Package retry drives the produce-then-evaluate loop used for gated
// generation: call a producer, run its output through gates, and retry with
// compiled feedback until the gates pass or the attempt budget runs out.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/taskgate-org/taskgate/internal/backoff"
	"github.com/taskgate-org/taskgate/internal/gate"
	"github.com/taskgate-org/taskgate/internal/logger"
)

// Produced is one producer output: a structured value and its raw text form.
type Produced struct {
	Data any
	Raw  string
}

// Context carries per-attempt state into the producer and evaluator.
type Context struct {
	// Attempt is 1-based.
	Attempt int
	// Feedback compiled from the previous attempt's failures, empty on the
	// first attempt or when feedback is disabled.
	Feedback string
	// Failures from the previous attempt.
	Failures []gate.Result
}

// Producer generates a candidate artifact for one attempt.
type Producer func(ctx context.Context, attempt Context) (Produced, error)

// Evaluator runs the gates for one attempt.
type Evaluator func(ctx context.Context, data any, raw string, attempt Context) []gate.Result

// Policy bounds the loop.
type Policy struct {
	// Max is the attempt budget; values below 1 are normalized to 1.
	Max int
	// Feedback enables feedback compilation between attempts.
	Feedback bool
	// Delay is the base backoff delay.
	Delay time.Duration
	// Backoff selects delay growth between attempts.
	Backoff backoff.Kind
}

func (p Policy) normalized() Policy {
	if p.Max < 1 {
		p.Max = 1
	}
	return p
}

// AttemptRecord is the durable trace of one attempt.
type AttemptRecord struct {
	Attempt      int           `json:"attempt"`
	Gates        []gate.Result `json:"gates"`
	Passed       bool          `json:"passed"`
	FeedbackSent bool          `json:"feedback_sent,omitempty"`
	DurationMS   int64         `json:"duration_ms"`
}

// Outcome is returned when an attempt passes all gates.
type Outcome struct {
	Data     any
	Raw      string
	Attempts int
	Gates    []gate.Result
	History  []AttemptRecord
}

// ExhaustionError carries the full attempt history when the budget is spent.
type ExhaustionError struct {
	History []AttemptRecord
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("gate retries exhausted after %d attempts", len(e.History))
}

// OnAttempt is notified after each attempt record is appended.
type OnAttempt func(record AttemptRecord)

// Option configures a Run call.
type Option func(*options)

type options struct {
	onAttempt OnAttempt
}

// WithOnAttempt registers an attempt observer.
func WithOnAttempt(fn OnAttempt) Option {
	return func(o *options) { o.onAttempt = fn }
}

// Run executes the loop. It returns an Outcome on the first passing attempt,
// an ExhaustionError when the budget is consumed, or the context/producer
// error if one aborts the loop.
func Run(ctx context.Context, produce Producer, evaluate Evaluator, policy Policy, opts ...Option) (*Outcome, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	policy = policy.normalized()

	var (
		history  []AttemptRecord
		failures []gate.Result
		feedback string
	)

	for attempt := 1; attempt <= policy.Max; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attCtx := Context{Attempt: attempt, Feedback: feedback, Failures: failures}
		start := time.Now()

		produced, err := produce(ctx, attCtx)
		if err != nil {
			return nil, fmt.Errorf("producer failed on attempt %d: %w", attempt, err)
		}

		gates := evaluate(ctx, produced.Data, produced.Raw, attCtx)
		record := AttemptRecord{
			Attempt:      attempt,
			Gates:        gates,
			Passed:       gate.Passed(gates),
			FeedbackSent: feedback != "",
			DurationMS:   time.Since(start).Milliseconds(),
		}
		history = append(history, record)
		if o.onAttempt != nil {
			o.onAttempt(record)
		}

		if record.Passed {
			return &Outcome{
				Data:     produced.Data,
				Raw:      produced.Raw,
				Attempts: attempt,
				Gates:    gates,
				History:  history,
			}, nil
		}

		failures = gate.Failures(gates)
		logger.Debug(ctx, "Attempt failed gates",
			"attempt", attempt,
			"failures", len(failures),
			"max", policy.Max)

		if attempt == policy.Max {
			return nil, &ExhaustionError{History: history}
		}

		feedback = ""
		if policy.Feedback {
			feedback = CompileFeedback(failures)
		}

		if err := backoff.Sleep(ctx, backoff.Delay(policy.Backoff, policy.Delay, attempt, 0)); err != nil {
			return nil, err
		}
	}

	// Unreachable: the loop always returns from inside.
	return nil, &ExhaustionError{History: history}
}

// CompileFeedback renders failures into a deterministic, numbered block
// suitable for prompting the next attempt.
func CompileFeedback(failures []gate.Result) string {
	if len(failures) == 0 {
		return "No gate failures recorded."
	}
	var b strings.Builder
	b.WriteString("The previous attempt failed the following checks:\n")
	for i, f := range failures {
		fmt.Fprintf(&b, "%d. %s", i+1, f.Gate)
		if f.Reason != "" {
			fmt.Fprintf(&b, ": %s", f.Reason)
		}
		if f.Details != nil {
			if detail, err := json.Marshal(f.Details); err == nil {
				fmt.Fprintf(&b, " (details: %s)", detail)
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
