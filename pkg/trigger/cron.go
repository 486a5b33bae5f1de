// Package trigger turns external stimuli into dispatched tasks. Every
// trigger builds a model.NormalizedTask and calls the dispatcher; nothing
// here touches the log directly.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/daviddao/clockq/pkg/model"
)

// Dispatcher is the single entry point triggers call.
type Dispatcher interface {
	Dispatch(ctx context.Context, task model.NormalizedTask) (model.RecordID, error)
	DispatchBatch(ctx context.Context, tasks []model.NormalizedTask, stagger time.Duration) ([]model.RecordID, error)
}

// CronEntry dispatches one task on a schedule. Schedule takes the standard
// five cron fields or a descriptor such as "@hourly" or "@every 15m".
type CronEntry struct {
	Name     string          `yaml:"name"`
	Schedule string          `yaml:"schedule"`
	Type     string          `yaml:"type"`
	Payload  json.RawMessage `yaml:"-"`
	Priority int             `yaml:"priority"`
}

// Cron fires CronEntries. A failed dispatch is logged; the next firing is
// unaffected.
type Cron struct {
	disp    Dispatcher
	sched   *cron.Cron
	logger  *slog.Logger
	entries map[string]CronEntry
	ids     map[string]cron.EntryID

	mu  sync.Mutex
	ctx context.Context
}

// NewCron validates and registers entries. It does not start the
// scheduler.
func NewCron(disp Dispatcher, entries []CronEntry, logger *slog.Logger) (*Cron, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cron{
		disp:    disp,
		sched:   cron.New(cron.WithLocation(time.UTC)),
		logger:  logger,
		entries: make(map[string]CronEntry, len(entries)),
		ids:     make(map[string]cron.EntryID, len(entries)),
		ctx:     context.Background(),
	}
	for _, e := range entries {
		if e.Name == "" || e.Type == "" {
			return nil, fmt.Errorf("cron entry %q: name and type are required", e.Name)
		}
		if _, dup := c.entries[e.Name]; dup {
			return nil, fmt.Errorf("cron entry %q: duplicate name", e.Name)
		}
		name := e.Name
		id, err := c.sched.AddFunc(e.Schedule, func() { c.fire(name) })
		if err != nil {
			return nil, fmt.Errorf("cron entry %q: schedule %q: %w", e.Name, e.Schedule, err)
		}
		c.entries[e.Name] = e
		c.ids[e.Name] = id
	}
	return c, nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for running dispatches to finish.
func (c *Cron) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.sched.Start()
	c.logger.Info("cron triggers started", "entries", len(c.entries))
	<-ctx.Done()
	<-c.sched.Stop().Done()
	return nil
}

// Next returns the next firing time of every entry, keyed by name. Times
// are zero until Run has started the scheduler.
func (c *Cron) Next() map[string]time.Time {
	out := make(map[string]time.Time, len(c.ids))
	for name, id := range c.ids {
		out[name] = c.sched.Entry(id).Next
	}
	return out
}

// Fire dispatches the entry called name now, outside its schedule.
func (c *Cron) Fire(ctx context.Context, name string) (model.RecordID, error) {
	e, ok := c.entries[name]
	if !ok {
		return 0, fmt.Errorf("cron entry %q not found", name)
	}
	return c.disp.Dispatch(ctx, model.NormalizedTask{
		Type:     e.Type,
		Payload:  e.Payload,
		Priority: e.Priority,
	})
}

func (c *Cron) fire(name string) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	id, err := c.Fire(ctx, name)
	if err != nil {
		c.logger.ErrorContext(ctx, "cron dispatch failed", "entry", name, "error", err)
		return
	}
	c.logger.InfoContext(ctx, "cron dispatched", "entry", name, "record_id", id.String())
}
