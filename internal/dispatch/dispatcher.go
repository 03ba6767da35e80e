// Package dispatch hosts the loop that drives PENDING tasks into execution:
// it acquires leases under WIP limits, hands tasks to adapters, keeps the
// lease alive with heartbeats, and maps adapter outcomes back onto the state
// machine.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/taskgate-org/taskgate/internal/adapter"
	"github.com/taskgate-org/taskgate/internal/logger"
	"github.com/taskgate-org/taskgate/internal/model"
	"github.com/taskgate-org/taskgate/internal/store"
)

// Defaults applied when the config leaves a knob unset.
const (
	DefaultTick              = 2 * time.Second
	DefaultLeaseTTL          = 2 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWIPLimit          = 1
)

// Config tunes the dispatcher. WIPLimits maps task type to its concurrency
// cap; types without a dedicated entry share the Default slot.
type Config struct {
	Tick              time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	WIPLimits         map[string]int
	Default           int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Default <= 0 {
		c.Default = DefaultWIPLimit
	}
	return c
}

// Dispatcher is the lease-acquiring execution loop.
type Dispatcher struct {
	cfg      Config
	store    *store.Store
	registry *adapter.Registry

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped chan struct{}

	mu      sync.Mutex
	closing bool
}

// New builds a dispatcher over the store and adapter registry.
func New(s *store.Store, registry *adapter.Registry, cfg Config) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		store:    s,
		registry: registry,
		stopped:  make(chan struct{}),
	}
}

// Start launches the tick loop. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.Tick)
		defer ticker.Stop()
		for {
			d.Tick(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop refuses new lease acquisitions, cancels the loop, and waits for
// in-flight heartbeats and adapter completions to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	close(d.stopped)
}

// Tick runs one scheduling pass: refresh WIP counts, then fill each bucket
// up to its limit. Exposed for tests.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	counts, err := d.store.InProgressCountByType(ctx)
	if err != nil {
		logger.Error(ctx, "dispatcher: counting in-progress tasks", "err", err)
		return
	}

	dedicated := make([]string, 0, len(d.cfg.WIPLimits))
	for typ, limit := range d.cfg.WIPLimits {
		dedicated = append(dedicated, typ)
		d.fillBucket(ctx, store.QueueFilter{Type: typ}, counts[typ], limit)
	}

	defaultCount := 0
	for typ, n := range counts {
		if _, ok := d.cfg.WIPLimits[typ]; !ok {
			defaultCount += n
		}
	}
	d.fillBucket(ctx, store.QueueFilter{ExcludeTypes: dedicated}, defaultCount, d.cfg.Default)
}

func (d *Dispatcher) fillBucket(ctx context.Context, filter store.QueueFilter, current, limit int) {
	for current < limit {
		task, err := d.store.Next(ctx, filter)
		if err != nil {
			logger.Error(ctx, "dispatcher: polling queue", "err", err)
			return
		}
		if task == nil {
			return
		}

		a := d.registry.Select(task)
		if a == nil {
			logger.Warn(ctx, "dispatcher: no adapter for task",
				"task", task.ID, "type", task.Type, "backend", task.Backend)
			filter.ExcludeIDs = append(filter.ExcludeIDs, task.ID)
			continue
		}

		leased, err := d.store.Transition(ctx, task.ID, model.StatusInProgress, model.TransitionContext{
			LeaseOwner: a.Name(),
			LeaseTTL:   d.cfg.LeaseTTL,
		}, "dispatcher")
		if err != nil {
			// Another worker won the row; skip it this tick.
			filter.ExcludeIDs = append(filter.ExcludeIDs, task.ID)
			continue
		}

		current++
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			// In-flight executions are left to complete on Stop; only the
			// tick loop observes cancellation.
			d.execute(context.WithoutCancel(ctx), a, leased)
		}()
	}
}

// execute runs the adapter with a live heartbeat and maps the outcome onto
// the state machine.
func (d *Dispatcher) execute(ctx context.Context, a adapter.Adapter, task *model.Task) {
	ctx = logger.WithValues(ctx, "task", task.ID, "adapter", a.Name())

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		d.heartbeat(hbCtx, a, task.ID)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	rc := adapter.RetryContext{Attempt: task.AttemptCount + 1}
	if n := len(task.FeedbackHistory); n > 0 {
		rc.Feedback = task.FeedbackHistory[n-1]
	}

	logger.Info(ctx, "dispatcher: executing task", "attempt", rc.Attempt)
	result, err := a.Execute(ctx, task, rc)
	switch {
	case err != nil:
		d.failTask(ctx, a.Name(), task, err.Error())
	case result.ExitCode == 0:
		d.completeTask(ctx, a.Name(), task, result)
	default:
		d.failTask(ctx, a.Name(), task,
			adapter.Classify(nil, result.ExitCode).Error())
	}
}

func (d *Dispatcher) completeTask(ctx context.Context, owner string, task *model.Task, result *adapter.Result) {
	_, err := d.store.TransitionOwned(ctx, task.ID, owner, model.StatusReview, model.TransitionContext{
		Result:      result.Output,
		EvidenceRef: result.Diff,
	}, owner)
	if errors.Is(err, model.ErrLeaseExpired) {
		// Watchdog already recovered the row; the result is discarded.
		logger.Warn(ctx, "dispatcher: lease lost before completion")
		return
	}
	if err != nil {
		logger.Error(ctx, "dispatcher: completing task", "err", err)
		return
	}
	logger.Info(ctx, "dispatcher: task sent to review", "duration_ms", result.DurationMS)
}

// failTask returns the task to the queue when attempts remain, or blocks it.
func (d *Dispatcher) failTask(ctx context.Context, owner string, task *model.Task, lastError string) {
	to := model.StatusPending
	if task.AttemptCount+1 >= task.MaxAttempts {
		to = model.StatusBlocked
	}
	_, err := d.store.TransitionOwned(ctx, task.ID, owner, to,
		model.TransitionContext{LastError: lastError}, owner)
	if errors.Is(err, model.ErrLeaseExpired) {
		logger.Warn(ctx, "dispatcher: lease lost before failure handling")
		return
	}
	if err != nil {
		logger.Error(ctx, "dispatcher: failing task", "err", err)
		return
	}
	logger.Info(ctx, "dispatcher: task execution failed", "to", string(to), "err", lastError)
}

// heartbeat extends the lease until the execution finishes. It aborts when
// the lease owner no longer matches, which means the watchdog recovered the
// row out from under us.
func (d *Dispatcher) heartbeat(ctx context.Context, a adapter.Adapter, taskID string) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := d.store.Heartbeat(ctx, taskID, a.Name(), d.cfg.LeaseTTL)
			if errors.Is(err, model.ErrLeaseExpired) {
				logger.Warn(ctx, "dispatcher: heartbeat lost lease, aborting adapter")
				a.Abort(taskID)
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Error(ctx, "dispatcher: heartbeat failed", "err", err)
			}
		}
	}
}
