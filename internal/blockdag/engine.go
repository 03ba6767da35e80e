package blockdag

import (
	"context"
	"fmt"
	"time"

	"github.com/taskgate-org/taskgate/internal/expr"
	"github.com/taskgate-org/taskgate/internal/gate"
)

// Engine drives runs over one definition. It is stateless beyond the
// definition; all run state lives on the Run value.
type Engine struct {
	def   *Definition
	gates *gate.Runner
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithGateRunner overrides the runner used for pre/post gates.
func WithGateRunner(r *gate.Runner) Option {
	return func(e *Engine) { e.gates = r }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine over a validated definition.
func NewEngine(def *Definition, opts ...Option) *Engine {
	e := &Engine{
		def:   def,
		gates: gate.NewRunner(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Definition returns the engine's definition.
func (e *Engine) Definition() *Definition {
	return e.def
}

// Ready returns the blocks that can execute now: pending instances whose
// inputs are satisfied, plus retrying instances whose backoff has elapsed.
func (e *Engine) Ready(run *Run) []string {
	var ready []string
	for _, b := range e.def.Blocks {
		inst := run.Instance(b.ID)
		switch inst.State {
		case StatePending:
			if e.inputsSatisfied(run, &b) {
				ready = append(ready, b.ID)
			}
		case StateRetrying:
			if inst.Retry.NextRetryAt == nil || !inst.Retry.NextRetryAt.After(e.now()) {
				if e.inputsSatisfied(run, &b) {
					ready = append(ready, b.ID)
				}
			}
		}
	}
	return ready
}

// inputsSatisfied checks every input port of the block: an incoming edge
// must originate from a completed block with the output value present; a
// port without an edge needs a context value or a default; non-required
// ports always pass.
func (e *Engine) inputsSatisfied(run *Run, b *Block) bool {
	for _, port := range b.Inputs {
		if !port.Required {
			continue
		}
		if e.portValueAvailable(run, b, port) {
			continue
		}
		return false
	}
	return true
}

func (e *Engine) portValueAvailable(run *Run, b *Block, port Port) bool {
	if _, ok := run.Context[overrideKey(b.ID, port.Name)]; ok {
		return true
	}

	edged := false
	for _, edge := range e.def.IncomingEdges(b.ID) {
		if edge.Input != port.Name {
			continue
		}
		edged = true
		src := run.Instance(edge.From)
		if src == nil || src.State != StateCompleted {
			continue
		}
		if _, ok := src.Outputs[edge.Output]; ok {
			return true
		}
	}
	if edged {
		return false
	}

	if _, ok := run.Context[port.Name]; ok {
		return true
	}
	return port.Default != nil
}

func overrideKey(blockID, port string) string {
	return fmt.Sprintf("__override_input_%s_%s", blockID, port)
}

// WireInputs resolves the input values for a block, in precedence order:
// explicit per-block override, incoming edge (with optional transform),
// run-context entry by port name, declared default. Ports with no source
// stay absent.
func (e *Engine) WireInputs(ctx context.Context, run *Run, blockID string) (map[string]any, error) {
	b, ok := e.def.Block(blockID)
	if !ok {
		return nil, fmt.Errorf("unknown block %q", blockID)
	}

	inputs := make(map[string]any, len(b.Inputs))
	for _, port := range b.Inputs {
		if v, ok := run.Context[overrideKey(b.ID, port.Name)]; ok {
			inputs[port.Name] = v
			continue
		}
		if v, ok := e.edgeValue(run, b.ID, port.Name); ok {
			inputs[port.Name] = v
			continue
		}
		if v, ok := run.Context[port.Name]; ok {
			inputs[port.Name] = v
			continue
		}
		if port.Default != nil {
			inputs[port.Name] = port.Default
		}
	}
	return inputs, nil
}

// edgeValue resolves a port's value from its incoming edge, applying the
// transform expression over scope {value}. A transform failure falls back
// to the raw value.
func (e *Engine) edgeValue(run *Run, blockID, port string) (any, bool) {
	for _, edge := range e.def.IncomingEdges(blockID) {
		if edge.Input != port {
			continue
		}
		src := run.Instance(edge.From)
		if src == nil || src.State != StateCompleted {
			continue
		}
		raw, ok := src.Outputs[edge.Output]
		if !ok {
			continue
		}
		if edge.Transform == "" {
			return raw, true
		}
		out, err := expr.Evaluate(edge.Transform, expr.Scope{"value": raw})
		if err != nil {
			return raw, true
		}
		return out, true
	}
	return nil, false
}

// PreGates evaluates the block's pre-gates against (inputs, "").
func (e *Engine) PreGates(ctx context.Context, blockID string, inputs map[string]any) []gate.Result {
	b, ok := e.def.Block(blockID)
	if !ok || len(b.PreGates) == 0 {
		return nil
	}
	return e.gates.Evaluate(ctx, b.PreGates, inputs, "")
}

// PostGates evaluates the block's post-gates against (inputs, outputs).
func (e *Engine) PostGates(ctx context.Context, blockID string, inputs, outputs map[string]any) []gate.Result {
	b, ok := e.def.Block(blockID)
	if !ok || len(b.PostGates) == 0 {
		return nil
	}
	scope := map[string]any{"inputs": inputs, "outputs": outputs}
	for k, v := range outputs {
		scope[k] = v
	}
	return e.gates.Evaluate(ctx, b.PostGates, scope, "")
}

// Start marks a block running: records started_at, increments the attempt
// counter, and lifts the run to running.
func (e *Engine) Start(run *Run, blockID string, inputs map[string]any) error {
	inst := run.Instance(blockID)
	if inst == nil {
		return fmt.Errorf("unknown block %q", blockID)
	}
	if inst.State != StatePending && inst.State != StateRetrying {
		return fmt.Errorf("block %q cannot start from state %s", blockID, inst.State)
	}
	now := e.now()
	inst.State = StateRunning
	inst.Inputs = inputs
	inst.StartedAt = &now
	inst.PreGateResults = nil
	inst.PostGateResults = nil
	inst.Retry.Attempt++
	inst.Retry.NextRetryAt = nil
	if run.Status == RunPending {
		run.Status = RunRunning
	}
	run.UpdatedAt = now
	return nil
}

// Complete marks a block completed with its outputs and execution metadata,
// then re-evaluates run completion.
func (e *Engine) Complete(run *Run, blockID string, outputs map[string]any, rec *ExecutionRecord) error {
	inst := run.Instance(blockID)
	if inst == nil {
		return fmt.Errorf("unknown block %q", blockID)
	}
	if inst.State != StateRunning {
		return fmt.Errorf("block %q cannot complete from state %s", blockID, inst.State)
	}
	now := e.now()
	inst.State = StateCompleted
	inst.Outputs = outputs
	inst.Execution = rec
	inst.CompletedAt = &now
	inst.Error = ""
	run.UpdatedAt = now
	e.refreshRunStatus(run)
	return nil
}

// Fail records a block failure. When the retry policy has attempts left the
// instance moves to retrying with a computed next_retry_at; otherwise it is
// failed for good.
func (e *Engine) Fail(run *Run, blockID string, failure error) error {
	inst := run.Instance(blockID)
	if inst == nil {
		return fmt.Errorf("unknown block %q", blockID)
	}
	if inst.State != StateRunning {
		return fmt.Errorf("block %q cannot fail from state %s", blockID, inst.State)
	}
	inst.Error = failure.Error()
	inst.Retry.LastError = failure.Error()

	b, _ := e.def.Block(blockID)
	if b != nil && b.Retry != nil && inst.Retry.Attempt < inst.Retry.MaxAttempts {
		now := e.now()
		next := now.Add(b.Retry.Delay(inst.Retry.Attempt))
		inst.State = StateRetrying
		inst.Retry.NextRetryAt = &next
		run.UpdatedAt = now
		return nil
	}

	now := e.now()
	inst.State = StateFailed
	inst.CompletedAt = &now
	run.UpdatedAt = now
	e.refreshRunStatus(run)
	return nil
}

// Skip marks a pending block skipped and re-evaluates run completion.
func (e *Engine) Skip(run *Run, blockID string) error {
	inst := run.Instance(blockID)
	if inst == nil {
		return fmt.Errorf("unknown block %q", blockID)
	}
	if inst.State != StatePending {
		return fmt.Errorf("block %q cannot be skipped from state %s", blockID, inst.State)
	}
	inst.State = StateSkipped
	run.UpdatedAt = e.now()
	e.refreshRunStatus(run)
	return nil
}

// refreshRunStatus applies the completion predicate: with terminals
// declared, the run completes when every terminal is completed or skipped;
// otherwise when every instance is. The run fails only when every block is
// in a terminal state and at least one failed.
func (e *Engine) refreshRunStatus(run *Run) {
	if e.completionSatisfied(run) {
		run.Status = RunCompleted
		return
	}

	allTerminal, anyFailed := true, false
	for _, inst := range run.Instances {
		if !inst.State.terminal() {
			allTerminal = false
		}
		if inst.State == StateFailed {
			anyFailed = true
		}
	}
	if allTerminal && anyFailed {
		run.Status = RunFailed
	}
}

func (e *Engine) completionSatisfied(run *Run) bool {
	ids := e.def.Terminals
	if len(ids) == 0 {
		ids = make([]string, 0, len(e.def.Blocks))
		for _, b := range e.def.Blocks {
			ids = append(ids, b.ID)
		}
	}
	for _, id := range ids {
		inst := run.Instance(id)
		if inst == nil {
			return false
		}
		if inst.State != StateCompleted && inst.State != StateSkipped {
			return false
		}
	}
	return true
}
