package blockdag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskgate-org/taskgate/internal/gate"
	"github.com/taskgate-org/taskgate/internal/logger"
)

// AgentFunc executes one block and returns its outputs.
type AgentFunc func(ctx context.Context, block *Block, inputs map[string]any) (map[string]any, error)

// Observer is notified after every run state change. Persistence hooks in
// here.
type Observer func(ctx context.Context, run *Run, blockID, event string)

// Execute drives the run to a terminal status, invoking agent for each
// ready block. Blocks execute sequentially in topological readiness order;
// retrying blocks are waited on. The observer, when set, sees every state
// change.
func (e *Engine) Execute(ctx context.Context, run *Run, agent AgentFunc, observe Observer) error {
	notify := func(blockID, event string) {
		if observe != nil {
			observe(ctx, run, blockID, event)
		}
	}

	for run.Status == RunPending || run.Status == RunRunning {
		if err := ctx.Err(); err != nil {
			return err
		}

		ready := e.Ready(run)
		if len(ready) == 0 {
			wait, ok := e.nextRetryWait(run)
			if !ok {
				// Nothing ready and nothing retrying: the run is wedged
				// unless the completion predicate already fired.
				e.refreshRunStatus(run)
				if run.Status == RunPending || run.Status == RunRunning {
					return fmt.Errorf("run %s stalled: no block is ready", run.ID)
				}
				break
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		for _, blockID := range ready {
			if err := e.executeBlock(ctx, run, blockID, agent, notify); err != nil {
				return err
			}
		}
	}

	notify("", "run_"+string(run.Status))
	return nil
}

func (e *Engine) executeBlock(ctx context.Context, run *Run, blockID string, agent AgentFunc, notify func(string, string)) error {
	b, ok := e.def.Block(blockID)
	if !ok {
		return fmt.Errorf("unknown block %q", blockID)
	}

	inputs, err := e.WireInputs(ctx, run, blockID)
	if err != nil {
		return err
	}

	preResults := e.PreGates(ctx, blockID, inputs)

	if err := e.Start(run, blockID, inputs); err != nil {
		return err
	}
	run.Instance(blockID).PreGateResults = preResults
	notify(blockID, "block_started")

	if !gate.Passed(preResults) {
		e.failWithGates(run, blockID, "pre-gate failed", preResults)
		notify(blockID, "block_failed")
		return nil
	}
	logger.Debug(ctx, "blockdag: block started",
		"run", run.ID, "block", blockID, "attempt", run.Instance(blockID).Retry.Attempt)

	started := time.Now()
	outputs, err := agent(ctx, b, inputs)
	if err != nil {
		if failErr := e.Fail(run, blockID, err); failErr != nil {
			return failErr
		}
		notify(blockID, "block_failed")
		return nil
	}

	postResults := e.PostGates(ctx, blockID, inputs, outputs)
	run.Instance(blockID).PostGateResults = postResults
	if !gate.Passed(postResults) {
		e.failWithGates(run, blockID, "post-gate failed", postResults)
		notify(blockID, "block_failed")
		return nil
	}

	rec := &ExecutionRecord{
		DurationMS: time.Since(started).Milliseconds(),
		Agent:      b.Agent,
	}
	if err := e.Complete(run, blockID, outputs, rec); err != nil {
		return err
	}
	notify(blockID, "block_completed")
	return nil
}

func (e *Engine) failWithGates(run *Run, blockID, prefix string, results []gate.Result) {
	failures := gate.Failures(results)
	msg := prefix
	for _, f := range failures {
		msg += "; " + f.Gate + ": " + f.Reason
	}
	_ = e.Fail(run, blockID, errors.New(msg))
}

// nextRetryWait returns how long until the earliest retrying block is due.
func (e *Engine) nextRetryWait(run *Run) (time.Duration, bool) {
	var earliest *time.Time
	for _, inst := range run.Instances {
		if inst.State != StateRetrying {
			continue
		}
		at := inst.Retry.NextRetryAt
		if at == nil {
			return 0, true
		}
		if earliest == nil || at.Before(*earliest) {
			earliest = at
		}
	}
	if earliest == nil {
		return 0, false
	}
	wait := time.Until(*earliest)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}
