// Package review reacts to lifecycle events: tasks entering REVIEW spawn
// child review tasks per their declared strategy, and completed children
// resolve the parent through verdicts (approve, bounce, fix).
package review

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/taskgate-org/taskgate/internal/logger"
	"github.com/taskgate-org/taskgate/internal/model"
	"github.com/taskgate-org/taskgate/internal/store"
)

// Actor recorded on handler-driven transitions.
const Actor = "review-handler"

// Metadata keys consumed by the handler.
const (
	MetaStrategy = "review_strategy"
	MetaRole     = "role"
	MetaVerdict  = "verdict"

	RoleReview = "review"
	RoleFix    = "fix"
)

// Verdicts a review child can return.
const (
	VerdictApprove = "approve"
	VerdictBounce  = "bounce"
	VerdictFix     = "fix"
)

// FixResolution selects the parent transition when a fix child completes.
type FixResolution string

const (
	// FixResolvesDone closes the parent outright.
	FixResolvesDone FixResolution = "done"
	// FixResolvesPending requeues the parent for another pass.
	FixResolvesPending FixResolution = "pending"
)

// Config tunes the handler.
type Config struct {
	// OnFixComplete picks the parent resolution after a fix child finishes.
	OnFixComplete FixResolution
	// ReviewType is the task type given to spawned review children.
	ReviewType string
	// FixType is the task type given to spawned fix children.
	FixType string
}

func (c Config) withDefaults() Config {
	if c.OnFixComplete == "" {
		c.OnFixComplete = FixResolvesDone
	}
	if c.ReviewType == "" {
		c.ReviewType = "review"
	}
	if c.FixType == "" {
		c.FixType = "fix"
	}
	return c
}

// verdict is the structured result a review child reports.
type verdict struct {
	Verdict  string `json:"verdict"`
	Feedback string `json:"feedback,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// Handler is the event subscriber.
type Handler struct {
	cfg   Config
	store *store.Store
	unsub func()
}

// New builds a handler and subscribes it to the store's events.
func New(s *store.Store, cfg Config) *Handler {
	h := &Handler{cfg: cfg.withDefaults(), store: s}
	h.unsub = s.Events().Subscribe(h.onEvent)
	return h
}

// Close unsubscribes the handler; events after Close are ignored.
func (h *Handler) Close() {
	h.unsub()
}

func (h *Handler) onEvent(ev model.Event) {
	if ev.Kind != model.EventTransitioned {
		return
	}
	ctx := context.Background()
	switch {
	case ev.ToState == model.StatusReview:
		h.onEnterReview(ctx, ev.Task)
	case ev.ToState == model.StatusDone && ev.Task.ParentTaskID != "":
		h.onChildDone(ctx, ev.Task)
	}
}

// onEnterReview spawns a review child when the task declares a strategy.
// Children themselves never get children.
func (h *Handler) onEnterReview(ctx context.Context, task *model.Task) {
	if task.Metadata[MetaStrategy] == "" || task.Metadata[MetaRole] != "" {
		return
	}

	prompt := buildReviewPrompt(task)
	child := &model.Task{
		Type:     h.cfg.ReviewType,
		Backend:  task.Metadata["review_backend"],
		Priority: task.Priority,
		Summary:  "Review: " + task.Summary,
		Prompt:   prompt,
		AcceptanceCriteria: task.AcceptanceCriteria,
		ParentTaskID:       task.ID,
		PipelineID:         task.PipelineID,
		Metadata: map[string]string{
			MetaRole: RoleReview,
		},
	}
	created, err := h.store.CreateTask(ctx, child, Actor)
	if err != nil {
		logger.Error(ctx, "review: spawning review child", "parent", task.ID, "err", err)
		return
	}
	logger.Info(ctx, "review: spawned review child", "parent", task.ID, "child", created.ID)
}

// onChildDone resolves the parent according to the child's role and verdict.
func (h *Handler) onChildDone(ctx context.Context, child *model.Task) {
	switch child.Metadata[MetaRole] {
	case RoleReview:
		h.resolveReviewVerdict(ctx, child)
	case RoleFix:
		h.resolveFixCompletion(ctx, child)
	}
}

func (h *Handler) resolveReviewVerdict(ctx context.Context, child *model.Task) {
	v := parseVerdict(child)
	parent, err := h.store.GetTask(ctx, child.ParentTaskID)
	if err != nil {
		logger.Error(ctx, "review: loading parent", "child", child.ID, "err", err)
		return
	}
	if parent.Status != model.StatusReview {
		logger.Warn(ctx, "review: parent left REVIEW before verdict",
			"parent", parent.ID, "status", string(parent.Status))
		return
	}

	h.recordApproval(ctx, parent.ID, child.ID, v)

	switch v.Verdict {
	case VerdictApprove:
		_, err = h.store.Transition(ctx, parent.ID, model.StatusDone, model.TransitionContext{}, Actor)
	case VerdictBounce:
		feedback := v.Feedback
		if feedback == "" {
			feedback = child.Result
		}
		if feedback == "" {
			feedback = "review bounced without feedback"
		}
		_, err = h.store.Transition(ctx, parent.ID, model.StatusPending,
			model.TransitionContext{Feedback: feedback}, Actor)
	case VerdictFix:
		h.spawnFixChild(ctx, parent, v)
		return
	default:
		logger.Warn(ctx, "review: unrecognized verdict",
			"child", child.ID, "verdict", v.Verdict)
		return
	}
	if err != nil {
		logger.Error(ctx, "review: resolving verdict",
			"parent", parent.ID, "verdict", v.Verdict, "err", err)
	}
}

// recordApproval appends the verdict to the parent's approval history.
func (h *Handler) recordApproval(ctx context.Context, parentID, reviewer string, v verdict) {
	_, err := h.store.CreateApproval(ctx, &model.Approval{
		TaskID:   parentID,
		Reviewer: reviewer,
		Verdict:  v.Verdict,
		Feedback: v.Feedback,
	})
	if err != nil {
		logger.Error(ctx, "review: recording approval", "parent", parentID, "err", err)
	}
}

func (h *Handler) spawnFixChild(ctx context.Context, parent *model.Task, v verdict) {
	prompt := v.Prompt
	if prompt == "" {
		var sb strings.Builder
		sb.WriteString("Fix the issues found in review.\n\nOriginal task:\n")
		sb.WriteString(parent.Prompt)
		sb.WriteString("\n\nPrevious output:\n")
		sb.WriteString(parent.Result)
		if v.Feedback != "" {
			sb.WriteString("\n\nReview feedback:\n")
			sb.WriteString(v.Feedback)
		}
		prompt = sb.String()
	}
	child := &model.Task{
		Type:         h.cfg.FixType,
		Priority:     parent.Priority,
		Summary:      "Fix: " + parent.Summary,
		Prompt:       prompt,
		ParentTaskID: parent.ID,
		PipelineID:   parent.PipelineID,
		Metadata:     map[string]string{MetaRole: RoleFix},
	}
	created, err := h.store.CreateTask(ctx, child, Actor)
	if err != nil {
		logger.Error(ctx, "review: spawning fix child", "parent", parent.ID, "err", err)
		return
	}
	logger.Info(ctx, "review: spawned fix child", "parent", parent.ID, "child", created.ID)
}

func (h *Handler) resolveFixCompletion(ctx context.Context, child *model.Task) {
	parent, err := h.store.GetTask(ctx, child.ParentTaskID)
	if err != nil {
		logger.Error(ctx, "review: loading fix parent", "child", child.ID, "err", err)
		return
	}
	if parent.Status != model.StatusReview {
		return
	}

	switch h.cfg.OnFixComplete {
	case FixResolvesPending:
		_, err = h.store.Transition(ctx, parent.ID, model.StatusPending,
			model.TransitionContext{Feedback: "fix applied in task " + child.ID + "; re-verify"}, Actor)
	default:
		_, err = h.store.Transition(ctx, parent.ID, model.StatusDone, model.TransitionContext{}, Actor)
	}
	if err != nil {
		logger.Error(ctx, "review: resolving fix completion", "parent", parent.ID, "err", err)
	}
}

// parseVerdict reads the child's structured result. A bare non-JSON result
// falls back to a metadata verdict, then to approve/bounce keyword sniffing.
func parseVerdict(child *model.Task) verdict {
	var v verdict
	if err := json.Unmarshal([]byte(child.Result), &v); err == nil && v.Verdict != "" {
		return v
	}
	if mv := child.Metadata[MetaVerdict]; mv != "" {
		return verdict{Verdict: mv, Feedback: child.Result}
	}
	lower := strings.ToLower(child.Result)
	switch {
	case strings.HasPrefix(lower, "approve"), strings.HasPrefix(lower, "lgtm"):
		return verdict{Verdict: VerdictApprove}
	default:
		return verdict{Verdict: VerdictBounce, Feedback: child.Result}
	}
}

func buildReviewPrompt(task *model.Task) string {
	var sb strings.Builder
	sb.WriteString("Review the following output against the acceptance criteria.\n\nTask:\n")
	sb.WriteString(task.Prompt)
	if len(task.AcceptanceCriteria) > 0 {
		sb.WriteString("\n\nAcceptance criteria:\n")
		for _, c := range task.AcceptanceCriteria {
			sb.WriteString("- ")
			sb.WriteString(c)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nOutput:\n")
	sb.WriteString(task.Result)
	sb.WriteString("\n\nRespond with JSON: {\"verdict\": \"approve\"|\"bounce\"|\"fix\", \"feedback\": \"...\"}")
	return sb.String()
}
