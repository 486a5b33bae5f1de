package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/daviddao/clockq/pkg/clock"
	"github.com/daviddao/clockq/pkg/model"
)

// Inspector is the read-only view of the log and heartbeats the watchdog
// scans. *store.Store implements it.
type Inspector interface {
	ListGroups(ctx context.Context, partition string) ([]model.ConsumerGroup, error)
	ListPending(ctx context.Context, partition, group string, minIdle time.Duration) ([]model.PendingEntry, error)
	ListHeartbeats(ctx context.Context) ([]model.ConsumerHeartbeat, error)
}

// PendingObserver receives per-group pending counts from each scan.
type PendingObserver interface {
	SetPending(partition, group string, n int64)
}

// Stall is a pending entry idle for longer than the stall threshold.
type Stall struct {
	Entry model.PendingEntry `json:"entry"`
	Idle  time.Duration      `json:"idle"`
	// OwnerAlive reports whether the owning consumer has a live heartbeat.
	OwnerAlive bool `json:"owner_alive"`
}

// Report is the result of one watchdog scan.
type Report struct {
	At      time.Time                 `json:"at"`
	Stalled []Stall                   `json:"stalled"`
	Dead    []model.ConsumerHeartbeat `json:"dead"`
}

// Watchdog flags work that has been pending too long and consumers whose
// heartbeat expired. It is advisory: it emits events for humans and never
// claims or acks anything. Reclaiming stays with the runtimes' idle-gated
// recovery.
type Watchdog struct {
	src        Inspector
	stallAfter time.Duration
	opts       options

	// reported suppresses repeat events for the same stall or dead consumer.
	reported map[string]bool
}

// NewWatchdog returns a Watchdog that treats entries idle for stallAfter
// as stalled.
func NewWatchdog(src Inspector, stallAfter time.Duration, opts ...Option) *Watchdog {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Watchdog{
		src:        src,
		stallAfter: stallAfter,
		opts:       o,
		reported:   make(map[string]bool),
	}
}

// Scan inspects every consumer group once.
func (w *Watchdog) Scan(ctx context.Context) (*Report, error) {
	now := w.opts.clock.Now()
	beats, err := w.src.ListHeartbeats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	alive := make(map[string]bool, len(beats))
	rep := &Report{At: now}
	for _, hb := range beats {
		if hb.Alive(now) {
			alive[hb.ConsumerID] = true
		} else {
			rep.Dead = append(rep.Dead, hb)
		}
	}

	groups, err := w.src.ListGroups(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		pending, err := w.src.ListPending(ctx, g.Partition, g.Name, 0)
		if err != nil {
			return nil, fmt.Errorf("list pending %s/%s: %w", g.Partition, g.Name, err)
		}
		if w.opts.pending != nil {
			w.opts.pending.SetPending(g.Partition, g.Name, int64(len(pending)))
		}
		for _, e := range pending {
			idle := e.Idle(now)
			if idle < w.stallAfter {
				// Oldest first: everything after this is younger.
				break
			}
			rep.Stalled = append(rep.Stalled, Stall{Entry: e, Idle: idle, OwnerAlive: alive[e.ConsumerID]})
		}
	}
	// One order across groups.
	sort.SliceStable(rep.Stalled, func(i, j int) bool {
		a, b := rep.Stalled[i].Entry, rep.Stalled[j].Entry
		return clock.OldestFirst(a.ClaimedAt, int64(a.RecordID), b.ClaimedAt, int64(b.RecordID))
	})
	return rep, nil
}

// Run scans every interval until ctx is cancelled. New stalls whose owner
// has no live heartbeat emit stalled; newly expired heartbeats emit
// consumer_dead.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) {
	rep, err := w.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.opts.logger.ErrorContext(ctx, "watchdog scan failed", "error", err)
		}
		return
	}
	w.Notify(ctx, rep)
}

// Notify emits events for the findings in rep not reported before. A
// finding that disappears and comes back is reported again.
func (w *Watchdog) Notify(ctx context.Context, rep *Report) {
	seen := make(map[string]bool, len(rep.Stalled)+len(rep.Dead))
	for _, hb := range rep.Dead {
		key := "consumer/" + hb.ConsumerID
		seen[key] = true
		if w.reported[key] {
			continue
		}
		w.opts.events.Emit(ctx, model.LifecycleEvent{
			Kind:       model.EventConsumerDead,
			ConsumerID: hb.ConsumerID,
			Duration:   rep.At.Sub(hb.LastSeenAt),
			Detail:     fmt.Sprintf("no heartbeat within ttl %s, %d in flight at last beat", hb.TTL, hb.InFlight),
			At:         rep.At,
		})
	}
	for _, s := range rep.Stalled {
		if s.OwnerAlive {
			continue
		}
		e := s.Entry
		key := fmt.Sprintf("pending/%s/%s/%s/%d", e.Partition, e.Group, e.RecordID, e.DeliveryCount)
		seen[key] = true
		if w.reported[key] {
			continue
		}
		w.opts.events.Emit(ctx, model.LifecycleEvent{
			Kind:          model.EventStalled,
			Partition:     e.Partition,
			Group:         e.Group,
			RecordID:      e.RecordID,
			ConsumerID:    e.ConsumerID,
			DeliveryCount: e.DeliveryCount,
			State:         model.StateClaimed,
			Duration:      s.Idle,
			Detail:        "pending with no live heartbeat from its owner",
			At:            rep.At,
		})
	}
	w.reported = seen
}
