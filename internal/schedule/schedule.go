// Package schedule materializes recurring task templates. Each entry fires
// on a fixed interval parsed from a compact duration string, or on a cron
// expression. Firing state is persisted so restarts do not double-fire.
package schedule

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskgate-org/taskgate/internal/logger"
	"github.com/taskgate-org/taskgate/internal/model"
	"github.com/taskgate-org/taskgate/internal/store"
)

// Actor recorded on scheduler-created tasks.
const Actor = "scheduler"

// Entry is one configured schedule. Every selects a fixed interval ("30m",
// "6h", "1d"); Cron selects a cron expression instead. Exactly one of the
// two must be set.
type Entry struct {
	TemplateName string `mapstructure:"template" yaml:"template" json:"template"`
	Every        string `mapstructure:"every" yaml:"every" json:"every,omitempty"`
	Cron         string `mapstructure:"cron" yaml:"cron" json:"cron,omitempty"`
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

var durationRe = regexp.MustCompile(`^(\d+)([mhd])$`)

// ParseEvery parses the compact duration syntax: Nm, Nh, Nd. Any other unit
// fails.
func ParseEvery(s string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want <n>m, <n>h, or <n>d", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid duration %q: count must be positive", s)
	}
	switch m[2] {
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}

// Scheduler drives the configured entries.
type Scheduler struct {
	store   *store.Store
	entries []Entry
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler over the store.
func New(st *store.Store, entries []Entry, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   st,
		entries: entries,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start validates the entries and launches one timer loop per enabled
// schedule. Invalid entries are logged and skipped.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.entries {
		if !e.Enabled {
			continue
		}
		next, err := s.nextFunc(e)
		if err != nil {
			logger.Error(ctx, "scheduler: skipping invalid entry",
				"template", e.TemplateName, "err", err)
			continue
		}
		s.wg.Add(1)
		go func(e Entry) {
			defer s.wg.Done()
			s.loop(ctx, e, next)
		}(e)
	}
}

// Stop cancels all outstanding timers and waits for the loops to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// nextFunc returns the advance function for an entry: given the previous
// firing time it yields the next one.
func (s *Scheduler) nextFunc(e Entry) (func(time.Time) time.Time, error) {
	switch {
	case e.Every != "" && e.Cron != "":
		return nil, fmt.Errorf("schedule %q sets both every and cron", e.TemplateName)
	case e.Every != "":
		every, err := ParseEvery(e.Every)
		if err != nil {
			return nil, err
		}
		return func(t time.Time) time.Time { return t.Add(every) }, nil
	case e.Cron != "":
		spec, err := cron.ParseStandard(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", e.TemplateName, err)
		}
		return spec.Next, nil
	default:
		return nil, fmt.Errorf("schedule %q sets neither every nor cron", e.TemplateName)
	}
}

// loop fires the entry whenever next_run_at arrives. An overdue or absent
// next_run_at fires immediately on start.
func (s *Scheduler) loop(ctx context.Context, e Entry, next func(time.Time) time.Time) {
	for {
		state, err := s.store.GetScheduleState(ctx, e.TemplateName)
		if err != nil {
			logger.Error(ctx, "scheduler: loading state", "template", e.TemplateName, "err", err)
			return
		}

		now := s.now()
		if state.NextRunAt != nil && state.NextRunAt.After(now) {
			timer := time.NewTimer(state.NextRunAt.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			now = s.now()
		}

		s.fire(ctx, e)

		nextRun := next(now)
		if err := s.store.PutScheduleState(ctx, &model.ScheduleState{
			TemplateName: e.TemplateName,
			LastRunAt:    &now,
			NextRunAt:    &nextRun,
		}); err != nil {
			logger.Error(ctx, "scheduler: persisting state", "template", e.TemplateName, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// fire instantiates the template. Errors are logged, never fatal.
func (s *Scheduler) fire(ctx context.Context, e Entry) {
	tasks, err := s.store.InstantiateTemplate(ctx, e.TemplateName, Actor)
	if err != nil {
		logger.Error(ctx, "scheduler: firing failed", "template", e.TemplateName, "err", err)
		return
	}
	logger.Info(ctx, "scheduler: fired template",
		"template", e.TemplateName, "tasks", len(tasks))
}
