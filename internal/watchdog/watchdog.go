// Package watchdog hosts the lease-recovery loop: it sweeps IN_PROGRESS
// tasks whose lease lapsed past the grace period and returns them to the
// queue, or blocks them when the attempt budget is spent. It never touches
// the adapter process; revoking the row-level lease is enough, because the
// orphaned adapter's own transition attempt will fail on the owner check.
package watchdog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/taskgate-org/taskgate/internal/backoff"
	"github.com/taskgate-org/taskgate/internal/logger"
	"github.com/taskgate-org/taskgate/internal/model"
	"github.com/taskgate-org/taskgate/internal/store"
)

// Actor recorded on recovery transitions.
const Actor = "watchdog"

// Policy selects what happens to an expired task.
type Policy string

const (
	// PolicyRequeue returns the task to PENDING, falling through to block
	// when the attempt ceiling is reached.
	PolicyRequeue Policy = "requeue"
	// PolicyBlock parks the task for operator attention.
	PolicyBlock Policy = "block"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultGrace    = 10 * time.Second
)

// Config tunes the watchdog.
type Config struct {
	Interval time.Duration
	Grace    time.Duration
	Policy   Policy
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Grace < 0 {
		c.Grace = DefaultGrace
	}
	if c.Policy == "" {
		c.Policy = PolicyRequeue
	}
	return c
}

// Watchdog is the lease expiry sweeper.
type Watchdog struct {
	cfg    Config
	store  *store.Store
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a watchdog over the store.
func New(s *store.Store, cfg Config) *Watchdog {
	return &Watchdog{cfg: cfg.withDefaults(), store: s}
}

// Start launches the sweep loop.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		// Stagger the first sweep so processes sharing a database do not
		// wake in lockstep.
		if err := backoff.Sleep(ctx, backoff.FullJitter(w.cfg.Interval)); err != nil {
			return
		}
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Sweep(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Sweep recovers every expired lease once. Transition failures are logged
// and the sweep continues; a lost race simply means another actor already
// moved the row.
func (w *Watchdog) Sweep(ctx context.Context) {
	expired, err := w.store.ExpiredLeases(ctx, w.cfg.Grace)
	if err != nil {
		logger.Error(ctx, "watchdog: listing expired leases", "err", err)
		return
	}

	for _, task := range expired {
		w.recover(ctx, task)
	}
}

func (w *Watchdog) recover(ctx context.Context, task *model.Task) {
	meta, _ := json.Marshal(map[string]any{
		"previous_owner": task.LeaseOwner,
		"expires_at":     task.LeaseExpiresAt,
	})
	tc := model.TransitionContext{LastError: "lease expired: " + string(meta)}

	to := model.StatusBlocked
	if w.cfg.Policy == PolicyRequeue && task.AttemptCount < task.MaxAttempts {
		to = model.StatusPending
	}

	_, err := w.store.Transition(ctx, task.ID, to, tc, Actor)
	if err != nil {
		logger.Error(ctx, "watchdog: recovering expired lease",
			"task", task.ID, "owner", task.LeaseOwner, "err", err)
		return
	}
	logger.Warn(ctx, "watchdog: recovered expired lease",
		"task", task.ID, "owner", task.LeaseOwner, "to", string(to))
}
