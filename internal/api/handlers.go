package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskgate-org/taskgate/internal/blockdag"
	"github.com/taskgate-org/taskgate/internal/logger"
	"github.com/taskgate-org/taskgate/internal/model"
	"github.com/taskgate-org/taskgate/internal/store"
)

// actorFor attributes API-initiated mutations in the audit log. Clients may
// identify themselves via the X-Actor header.
func actorFor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var in model.Task
	if err := decode(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	if in.Type == "" {
		s.writeError(w, fmt.Errorf("%w: type is required", errBadRequest))
		return
	}
	task, err := s.store.CreateTask(r.Context(), &in, actorFor(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{
		Status:       model.Status(q.Get("status")),
		Type:         q.Get("type"),
		PipelineID:   q.Get("pipeline_id"),
		ParentTaskID: q.Get("parent_task_id"),
	}
	if f.Status != "" && !f.Status.Valid() {
		s.writeError(w, fmt.Errorf("%w: unknown status %q", errBadRequest, f.Status))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
		f.Limit = n
	}
	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// updateTaskRequest carries mutable fields. Pointers distinguish "leave
// alone" from "set to zero".
type updateTaskRequest struct {
	Priority           *int32             `json:"priority,omitempty"`
	Summary            *string            `json:"summary,omitempty"`
	Prompt             *string            `json:"prompt,omitempty"`
	AcceptanceCriteria *[]string          `json:"acceptance_criteria,omitempty"`
	DefinitionOfDone   *[]string          `json:"definition_of_done,omitempty"`
	Metadata           *map[string]string `json:"metadata,omitempty"`
	MaxAttempts        *int               `json:"max_attempts,omitempty"`
	MaxBounces         *int               `json:"max_bounces,omitempty"`
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.store.UpdateTask(r.Context(), chi.URLParam(r, "id"), func(t *model.Task) error {
		if req.Priority != nil {
			t.Priority = *req.Priority
		}
		if req.Summary != nil {
			t.Summary = *req.Summary
		}
		if req.Prompt != nil {
			t.Prompt = *req.Prompt
		}
		if req.AcceptanceCriteria != nil {
			t.AcceptanceCriteria = *req.AcceptanceCriteria
		}
		if req.DefinitionOfDone != nil {
			t.DefinitionOfDone = *req.DefinitionOfDone
		}
		if req.Metadata != nil {
			t.Metadata = *req.Metadata
		}
		if req.MaxAttempts != nil {
			t.MaxAttempts = *req.MaxAttempts
		}
		if req.MaxBounces != nil {
			t.MaxBounces = *req.MaxBounces
		}
		return nil
	}, actorFor(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type transitionRequest struct {
	To          model.Status  `json:"to"`
	LeaseOwner  string        `json:"lease_owner,omitempty"`
	LeaseTTL    time.Duration `json:"lease_ttl,omitempty"`
	Result      string        `json:"result,omitempty"`
	EvidenceRef string        `json:"evidence_ref,omitempty"`
	Feedback    string        `json:"feedback,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

func (s *Server) transitionTask(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if !req.To.Valid() {
		s.writeError(w, fmt.Errorf("%w: unknown status %q", errBadRequest, req.To))
		return
	}
	task, err := s.store.Transition(r.Context(), chi.URLParam(r, "id"), req.To, model.TransitionContext{
		LeaseOwner:  req.LeaseOwner,
		LeaseTTL:    req.LeaseTTL,
		Result:      req.Result,
		EvidenceRef: req.EvidenceRef,
		Feedback:    req.Feedback,
		LastError:   req.LastError,
	}, actorFor(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type reorderRequest struct {
	Top    bool   `json:"top,omitempty"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

func (s *Server) reorderTask(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.store.Reorder(r.Context(), chi.URLParam(r, "id"),
		store.Anchor{Top: req.Top, Before: req.Before, After: req.After}, actorFor(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.store.ListAudit(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	approvals, err := s.store.ListApprovals(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

func (s *Server) queueNext(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Next(r.Context(), store.QueueFilter{Type: r.URL.Query().Get("type")})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) putTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl model.Template
	if err := decode(r, &tpl); err != nil {
		s.writeError(w, err)
		return
	}
	tpl.Name = chi.URLParam(r, "name")
	if err := s.store.PutTemplate(r.Context(), &tpl); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.store.ListTemplates(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpls)
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTemplate(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) instantiateTemplate(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.InstantiateTemplate(r.Context(), chi.URLParam(r, "name"), actorFor(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tasks)
}

func (s *Server) listDAGs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dags.Names())
}

type startRunRequest struct {
	Context map[string]any `json:"context,omitempty"`
}

type startRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// startRun launches the run in the background and returns its id; progress
// is observable through the runs endpoints.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	def, ok := s.dags.Get(name)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: dag %q", store.ErrRunNotFound, name))
		return
	}
	var req startRunRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}

	engine := blockdag.NewEngine(def)
	run := blockdag.NewRun(def, req.Context)
	if err := blockdag.SaveRun(r.Context(), s.store, def, run); err != nil {
		s.writeError(w, err)
		return
	}

	// Runs outlive the triggering request.
	bg := context.WithoutCancel(r.Context())
	go func() {
		if err := engine.Execute(bg, run, s.agent, blockdag.StoreObserver(s.store, def)); err != nil {
			logger.Error(bg, "api: run failed", "run", run.ID, "dag", name, "err", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: run.ID, Status: string(run.Status)})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), r.URL.Query().Get("dag"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	_, run, err := blockdag.LoadRun(r.Context(), s.store, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.store.ListRunEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
