// Package blockdag implements the typed-port DAG engine: definitions of
// blocks wired by edges, topological readiness, input wiring with
// transforms, per-block retry state, and terminal-based run completion. The
// engine never invokes agents itself; callers drive it through Start,
// Complete, and Fail.
package blockdag

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/taskgate-org/taskgate/internal/backoff"
	"github.com/taskgate-org/taskgate/internal/gate"
)

// Port is a typed input or output of a block.
type Port struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// RetryPolicy bounds re-execution of a failed block.
type RetryPolicy struct {
	MaxAttempts int          `json:"max_attempts" yaml:"max_attempts"`
	Backoff     backoff.Kind `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	DelayMS     int64        `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
	MaxDelayMS  int64        `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
}

// Delay returns the backoff before the given attempt's retry.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	base := time.Duration(p.DelayMS) * time.Millisecond
	cap := time.Duration(p.MaxDelayMS) * time.Millisecond
	return backoff.Delay(p.Backoff, base, attempt, cap)
}

// Block is one node of the DAG.
type Block struct {
	ID                     string            `json:"id" yaml:"id"`
	Agent                  string            `json:"agent,omitempty" yaml:"agent,omitempty"`
	Inputs                 []Port            `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs                []Port            `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	PreGates               []gate.Definition `json:"pre_gates,omitempty" yaml:"pre_gates,omitempty"`
	PostGates              []gate.Definition `json:"post_gates,omitempty" yaml:"post_gates,omitempty"`
	Retry                  *RetryPolicy      `json:"retry,omitempty" yaml:"retry,omitempty"`
	StrictOutput           bool              `json:"strict_output,omitempty" yaml:"strict_output,omitempty"`
	ContractRepairAttempts int               `json:"contract_repair_attempts,omitempty" yaml:"contract_repair_attempts,omitempty"`
}

// InputPort returns the named input port.
func (b *Block) InputPort(name string) (Port, bool) {
	for _, p := range b.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// OutputPort returns the named output port.
func (b *Block) OutputPort(name string) (Port, bool) {
	for _, p := range b.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Edge connects an output port to an input port, optionally transforming
// the value with a restricted expression over scope {value}.
type Edge struct {
	From      string `json:"from" yaml:"from"`
	Output    string `json:"output" yaml:"output"`
	To        string `json:"to" yaml:"to"`
	Input     string `json:"input" yaml:"input"`
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// Definition is a parsed, validated DAG.
type Definition struct {
	Name      string   `json:"name" yaml:"name"`
	Blocks    []Block  `json:"blocks" yaml:"blocks"`
	Edges     []Edge   `json:"edges,omitempty" yaml:"edges,omitempty"`
	Terminals []string `json:"terminals,omitempty" yaml:"terminals,omitempty"`
}

// Block returns the block with the given id.
func (d *Definition) Block(id string) (*Block, bool) {
	for i := range d.Blocks {
		if d.Blocks[i].ID == id {
			return &d.Blocks[i], true
		}
	}
	return nil, false
}

// IncomingEdges returns the edges feeding the given block.
func (d *Definition) IncomingEdges(blockID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.To == blockID {
			out = append(out, e)
		}
	}
	return out
}

// CycleError reports a cyclic definition. Remaining lists the block ids the
// topological sort could not order.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dag contains a cycle involving blocks %v", e.Remaining)
}

// ParseYAML decodes and validates a YAML definition.
func ParseYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse dag: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseJSON decodes and validates a JSON definition.
func ParseJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse dag: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks id uniqueness, edge endpoints and ports, terminal
// references, and acyclicity.
func (d *Definition) Validate() error {
	if len(d.Blocks) == 0 {
		return fmt.Errorf("dag %q has no blocks", d.Name)
	}

	seen := make(map[string]bool, len(d.Blocks))
	for _, b := range d.Blocks {
		if b.ID == "" {
			return fmt.Errorf("dag %q has a block without an id", d.Name)
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate block id %q", b.ID)
		}
		seen[b.ID] = true
	}

	for _, e := range d.Edges {
		from, ok := d.Block(e.From)
		if !ok {
			return fmt.Errorf("edge references unknown block %q", e.From)
		}
		to, ok := d.Block(e.To)
		if !ok {
			return fmt.Errorf("edge references unknown block %q", e.To)
		}
		if _, ok := from.OutputPort(e.Output); !ok {
			return fmt.Errorf("edge output %q is not declared on block %q", e.Output, e.From)
		}
		if _, ok := to.InputPort(e.Input); !ok {
			return fmt.Errorf("edge input %q is not declared on block %q", e.Input, e.To)
		}
	}

	for _, term := range d.Terminals {
		if !seen[term] {
			return fmt.Errorf("terminal references unknown block %q", term)
		}
	}

	return d.checkAcyclic()
}

// checkAcyclic runs a Kahn topological sort over the edge set.
func (d *Definition) checkAcyclic() error {
	indegree := make(map[string]int, len(d.Blocks))
	successors := make(map[string][]string)
	for _, b := range d.Blocks {
		indegree[b.ID] = 0
	}
	for _, e := range d.Edges {
		indegree[e.To]++
		successors[e.From] = append(successors[e.From], e.To)
	}

	var queue []string
	for _, b := range d.Blocks {
		if indegree[b.ID] == 0 {
			queue = append(queue, b.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(d.Blocks) {
		var remaining []string
		for _, b := range d.Blocks {
			if indegree[b.ID] > 0 {
				remaining = append(remaining, b.ID)
			}
		}
		return &CycleError{Remaining: remaining}
	}
	return nil
}

// Hash returns the canonical 16-hex-digit hash of a block's contract. Two
// blocks with identical contracts hash identically regardless of field
// ordering in the source document.
func (b *Block) Hash() string {
	canonical := map[string]any{
		"id":                       b.ID,
		"inputs":                   b.Inputs,
		"outputs":                  b.Outputs,
		"agent":                    b.Agent,
		"pre_gates":                b.PreGates,
		"post_gates":               b.PostGates,
		"retry":                    b.Retry,
		"strict_output":            b.StrictOutput,
		"contract_repair_attempts": b.ContractRepairAttempts,
	}
	// encoding/json sorts map keys, which is the canonical form here.
	data, err := json.Marshal(canonical)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8])
}
