package model

import (
	"fmt"
	"time"
)

// Template is a stored task blueprint instantiated by the scheduler or on
// demand. Instantiation produces one PENDING task per Tasks entry.
type Template struct {
	Name      string         `json:"name"`
	Tasks     []TemplateTask `json:"tasks"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TemplateTask is one task blueprint inside a template.
type TemplateTask struct {
	Type               string            `json:"type"`
	Backend            string            `json:"backend,omitempty"`
	Priority           int32             `json:"priority,omitempty"`
	Summary            string            `json:"summary,omitempty"`
	Prompt             string            `json:"prompt,omitempty"`
	AcceptanceCriteria []string          `json:"acceptance_criteria,omitempty"`
	DefinitionOfDone   []string          `json:"definition_of_done,omitempty"`
	BackendConfig      BackendConfig     `json:"backend_config,omitempty"`
	MaxAttempts        int               `json:"max_attempts,omitempty"`
	MaxBounces         int               `json:"max_bounces,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Validate checks that the template can be instantiated.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if len(t.Tasks) == 0 {
		return fmt.Errorf("template %q has no tasks", t.Name)
	}
	for i, tt := range t.Tasks {
		if tt.Type == "" {
			return fmt.Errorf("template %q: task %d has no type", t.Name, i)
		}
	}
	return nil
}

// ScheduleState is the persisted firing record for a named schedule.
type ScheduleState struct {
	TemplateName string     `json:"template_name"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
}
