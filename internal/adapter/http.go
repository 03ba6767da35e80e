package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/taskgate-org/taskgate/internal/gate"
	"github.com/taskgate-org/taskgate/internal/model"
)

// HTTPAdapter delegates execution to a remote completion endpoint. The
// endpoint receives the task payload as JSON and answers with the produced
// output plus optional structure and cost.
type HTTPAdapter struct {
	name      string
	taskTypes []string
	client    *resty.Client
}

type completionRequest struct {
	TaskID   string `json:"task_id"`
	Type     string `json:"type"`
	Prompt   string `json:"prompt"`
	Summary  string `json:"summary,omitempty"`
	Model    string `json:"model,omitempty"`
	Attempt  int    `json:"attempt"`
	Feedback string `json:"feedback,omitempty"`
}

type completionResponse struct {
	Output       string     `json:"output"`
	Structured   any        `json:"structured,omitempty"`
	FilesChanged []string   `json:"files_changed,omitempty"`
	Diff         string     `json:"diff,omitempty"`
	Cost         *gate.Cost `json:"cost,omitempty"`
}

// NewHTTPAdapter builds an adapter posting to baseURL for the given task
// types. An empty apiKey disables the Authorization header.
func NewHTTPAdapter(name, baseURL, apiKey string, timeout time.Duration, taskTypes ...string) *HTTPAdapter {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &HTTPAdapter{name: name, taskTypes: taskTypes, client: client}
}

func (a *HTTPAdapter) Name() string        { return a.name }
func (a *HTTPAdapter) TaskTypes() []string { return a.taskTypes }

func (a *HTTPAdapter) CanHandle(task *model.Task) bool {
	return Matches(a.name, a.taskTypes, task)
}

func (a *HTTPAdapter) Execute(ctx context.Context, task *model.Task, rc RetryContext) (*Result, error) {
	start := time.Now()
	var out completionResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(completionRequest{
			TaskID:   task.ID,
			Type:     task.Type,
			Prompt:   task.Prompt,
			Summary:  task.Summary,
			Model:    task.BackendConfig.Model,
			Attempt:  rc.Attempt,
			Feedback: rc.Feedback,
		}).
		SetResult(&out).
		Post("/v1/complete")
	if err != nil {
		return nil, Classify(err, -1)
	}
	if resp.IsError() {
		return nil, Classify(fmt.Errorf("completion endpoint returned %s: %s", resp.Status(), resp.String()), resp.StatusCode())
	}

	return &Result{
		Output:       out.Output,
		Structured:   out.Structured,
		FilesChanged: out.FilesChanged,
		Diff:         out.Diff,
		ExitCode:     0,
		DurationMS:   time.Since(start).Milliseconds(),
		Cost:         out.Cost,
	}, nil
}

// Abort is a no-op: the request context carries cancellation.
func (a *HTTPAdapter) Abort(string) {}

// HTTPReviewer scores output against criteria through a remote review
// endpoint. It satisfies the external-review gate's provider contract.
type HTTPReviewer struct {
	client *resty.Client
}

// NewHTTPReviewer builds a reviewer posting to baseURL.
func NewHTTPReviewer(baseURL, apiKey string, timeout time.Duration) *HTTPReviewer {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &HTTPReviewer{client: client}
}

func (r *HTTPReviewer) Review(ctx context.Context, req gate.ReviewRequest) (*gate.ReviewResult, error) {
	var out gate.ReviewResult
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/review")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("review endpoint returned %s: %s", resp.Status(), resp.String())
	}
	return &out, nil
}
