// Package webhook pushes lifecycle notifications to configured HTTP
// endpoints. Delivery is fire-and-forget on a bounded worker pool; one
// failing subscriber never blocks or fails another.
package webhook

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/taskgate-org/taskgate/internal/logger"
	"github.com/taskgate-org/taskgate/internal/model"
	"github.com/taskgate-org/taskgate/internal/store"
)

// Events a subscriber can receive.
const (
	EventReview           = "review"
	EventBlocked          = "blocked"
	EventDone             = "done"
	EventPipelineComplete = "pipeline_complete"
)

// Payload is the wire format delivered to subscribers.
type Payload struct {
	Event            string  `json:"event"`
	TaskID           string  `json:"task_id"`
	TaskSummary      string  `json:"task_summary"`
	TaskType         string  `json:"task_type"`
	TaskStatus       string  `json:"task_status"`
	PipelineID       string  `json:"pipeline_id,omitempty"`
	PipelineProgress float64 `json:"pipeline_progress,omitempty"`
	Timestamp        string  `json:"timestamp"`
}

// Subscriber is one configured endpoint. Events filters delivery; an empty
// list receives everything.
type Subscriber struct {
	Name   string   `mapstructure:"name" yaml:"name" json:"name"`
	URL    string   `mapstructure:"url" yaml:"url" json:"url"`
	Events []string `mapstructure:"events" yaml:"events" json:"events,omitempty"`
}

func (s Subscriber) wants(event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

const (
	defaultWorkers = 4
	defaultTimeout = 10 * time.Second
	queueDepth     = 256
)

// Emitter watches store events and fans deliveries out to subscribers.
type Emitter struct {
	store  *store.Store
	subs   []Subscriber
	client *resty.Client
	queue  chan delivery
	done   chan struct{}
	unsub  func()
}

type delivery struct {
	sub     Subscriber
	payload Payload
}

// New builds an emitter, subscribes it to the store, and starts its
// workers.
func New(s *store.Store, subs []Subscriber) *Emitter {
	e := &Emitter{
		store: s,
		subs:  subs,
		client: resty.New().
			SetTimeout(defaultTimeout).
			SetRetryCount(1),
		queue: make(chan delivery, queueDepth),
		done:  make(chan struct{}),
	}
	for i := 0; i < defaultWorkers; i++ {
		go e.worker()
	}
	e.unsub = s.Events().Subscribe(e.onEvent)
	return e
}

// Close unsubscribes from store events, stops accepting deliveries, and
// lets workers drain.
func (e *Emitter) Close() {
	e.unsub()
	close(e.done)
}

func (e *Emitter) onEvent(ev model.Event) {
	if ev.Kind != model.EventTransitioned {
		return
	}

	var name string
	switch ev.ToState {
	case model.StatusReview:
		name = EventReview
	case model.StatusBlocked:
		name = EventBlocked
	case model.StatusDone:
		name = EventDone
	default:
		return
	}

	payload := Payload{
		Event:       name,
		TaskID:      ev.Task.ID,
		TaskSummary: ev.Task.Summary,
		TaskType:    ev.Task.Type,
		TaskStatus:  string(ev.Task.Status),
		PipelineID:  ev.Task.PipelineID,
		Timestamp:   ev.Timestamp.UTC().Format(time.RFC3339),
	}
	if ev.Task.PipelineID != "" {
		payload.PipelineProgress = e.pipelineProgress(ev.Task.PipelineID)
	}
	e.enqueue(payload)

	if name == EventDone && ev.Task.PipelineID != "" && payload.PipelineProgress >= 1 {
		complete := payload
		complete.Event = EventPipelineComplete
		e.enqueue(complete)
	}
}

func (e *Emitter) enqueue(payload Payload) {
	for _, sub := range e.subs {
		if !sub.wants(payload.Event) {
			continue
		}
		select {
		case e.queue <- delivery{sub: sub, payload: payload}:
		default:
			logger.Warn(context.Background(), "webhook: queue full, dropping delivery",
				"subscriber", sub.Name, "event", payload.Event)
		}
	}
}

// pipelineProgress is the DONE fraction of the pipeline's tasks.
func (e *Emitter) pipelineProgress(pipelineID string) float64 {
	tasks, err := e.store.ListTasks(context.Background(), store.TaskFilter{PipelineID: pipelineID})
	if err != nil || len(tasks) == 0 {
		return 0
	}
	done := 0
	for _, t := range tasks {
		if t.Status == model.StatusDone {
			done++
		}
	}
	return float64(done) / float64(len(tasks))
}

func (e *Emitter) worker() {
	for {
		select {
		case <-e.done:
			return
		case d := <-e.queue:
			e.deliver(d)
		}
	}
}

func (e *Emitter) deliver(d delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(d.payload).
		Post(d.sub.URL)
	if err != nil {
		logger.Warn(ctx, "webhook: delivery failed",
			"subscriber", d.sub.Name, "event", d.payload.Event, "err", err)
		return
	}
	if resp.IsError() {
		logger.Warn(ctx, "webhook: subscriber rejected delivery",
			"subscriber", d.sub.Name, "event", d.payload.Event, "status", resp.StatusCode())
	}
}
