package blockdag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskgate-org/taskgate/internal/adapter"
	"github.com/taskgate-org/taskgate/internal/model"
)

// AdapterAgent bridges block execution onto the adapter registry. The
// block's agent field selects the backend; inputs are serialized into the
// prompt and outputs are decoded from the structured result or the raw
// output text.
func AdapterAgent(reg *adapter.Registry) AgentFunc {
	return func(ctx context.Context, b *Block, inputs map[string]any) (map[string]any, error) {
		task := &model.Task{
			ID:      model.NewID(),
			Type:    b.Agent,
			Backend: b.Agent,
			Summary: fmt.Sprintf("block %s", b.ID),
			Prompt:  blockPrompt(b, inputs, ""),
		}
		a := reg.Select(task)
		if a == nil {
			return nil, fmt.Errorf("block %s: no adapter for agent %q", b.ID, b.Agent)
		}

		attempts := 1
		if b.StrictOutput && b.ContractRepairAttempts > 0 {
			attempts += b.ContractRepairAttempts
		}
		var lastErr error
		for i := 0; i < attempts; i++ {
			res, err := a.Execute(ctx, task, adapter.RetryContext{Attempt: i + 1})
			if err != nil {
				return nil, err
			}
			outputs := decodeOutputs(b, res)
			if !b.StrictOutput {
				return outputs, nil
			}
			missing := missingOutputs(b, outputs)
			if len(missing) == 0 {
				return outputs, nil
			}
			lastErr = fmt.Errorf("block %s: missing outputs %s", b.ID, strings.Join(missing, ", "))
			task.Prompt = blockPrompt(b, inputs, strings.Join(missing, ", "))
		}
		return nil, lastErr
	}
}

func blockPrompt(b *Block, inputs map[string]any, missing string) string {
	var sb strings.Builder
	raw, _ := json.Marshal(inputs)
	fmt.Fprintf(&sb, "Inputs:\n%s\n", raw)
	if len(b.Outputs) > 0 {
		names := make([]string, 0, len(b.Outputs))
		for _, p := range b.Outputs {
			names = append(names, p.Name)
		}
		fmt.Fprintf(&sb, "Respond with a JSON object containing: %s\n", strings.Join(names, ", "))
	}
	if missing != "" {
		fmt.Fprintf(&sb, "The previous response was missing: %s. Provide all required fields.\n", missing)
	}
	return sb.String()
}

// decodeOutputs prefers the structured result, then JSON in the raw output,
// then falls back to the whole text under "output".
func decodeOutputs(b *Block, res *adapter.Result) map[string]any {
	if m, ok := res.Structured.(map[string]any); ok {
		return m
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(res.Output), &m); err == nil {
		return m
	}
	out := map[string]any{"output": res.Output}
	if len(b.Outputs) == 1 {
		out[b.Outputs[0].Name] = res.Output
	}
	return out
}

func missingOutputs(b *Block, outputs map[string]any) []string {
	var missing []string
	for _, p := range b.Outputs {
		if _, ok := outputs[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	return missing
}
