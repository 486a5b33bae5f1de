// Package coordinator layers consumer-group lifecycle and reclaim policy on
// the message log.
//
// Reclaim is gated on idle time, never on heartbeats or ownership: the
// coordinator cannot tell a crashed consumer from a slow one, so an entry
// becomes reclaimable only after sitting unclaimed for minIdle. Operators
// must set minIdle well above the worst-case execution time of a task.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/daviddao/clockq/pkg/events"
	"github.com/daviddao/clockq/pkg/model"
	"github.com/daviddao/clockq/pkg/store"
)

// Coordinator manages consumer groups and reclaims abandoned work.
type Coordinator struct {
	log    store.Log
	events events.Sink
	logger *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEvents sets the sink that receives reclaimed events.
func WithEvents(s events.Sink) Option {
	return func(c *Coordinator) { c.events = events.Or(s) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Coordinator over log.
func New(log store.Log, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:    log,
		events: events.Discard,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureGroup creates group over partition if it does not exist. An
// existing group is left untouched and reported with created == false.
func (c *Coordinator) EnsureGroup(ctx context.Context, partition, group, startID string) (bool, error) {
	created, err := c.log.CreateGroup(ctx, partition, group, startID)
	if err != nil {
		return false, fmt.Errorf("ensure group %s/%s: %w", partition, group, err)
	}
	if created {
		c.logger.InfoContext(ctx, "consumer group created",
			"partition", partition, "group", group, "start", startID)
	}
	return created, nil
}

// RecoverAbandoned claims to consumer every pending entry in the group that
// has been idle for at least minIdle, whoever owned it before, oldest claim
// first. A worker calls it on startup before reading new records so that
// fresh work never starves recovery of old work.
func (c *Coordinator) RecoverAbandoned(ctx context.Context, partition, group, consumer string, minIdle time.Duration) ([]model.Delivery, error) {
	return c.Reclaim(ctx, partition, group, consumer, minIdle, 0)
}

// Reclaim is RecoverAbandoned bounded to at most max claims (0 means no
// bound). Entries taken by a racing claimer or acked in the meantime are
// skipped. On error the deliveries claimed so far are returned with it:
// they now belong to consumer and must still be processed.
func (c *Coordinator) Reclaim(ctx context.Context, partition, group, consumer string, minIdle time.Duration, max int) ([]model.Delivery, error) {
	entries, err := c.log.ListPending(ctx, partition, group, minIdle)
	if err != nil {
		return nil, fmt.Errorf("list pending %s/%s: %w", partition, group, err)
	}

	var claimed []model.Delivery
	for _, e := range entries {
		if max > 0 && len(claimed) >= max {
			break
		}
		if err := ctx.Err(); err != nil {
			return claimed, err
		}
		d, err := c.log.Claim(ctx, partition, group, consumer, e.RecordID, minIdle)
		if errors.Is(err, store.ErrNotFound) {
			c.logger.DebugContext(ctx, "reclaim skipped, entry gone or no longer idle",
				"partition", partition, "group", group, "record_id", e.RecordID.String())
			continue
		}
		if err != nil {
			return claimed, fmt.Errorf("claim %s in %s/%s: %w", e.RecordID, partition, group, err)
		}
		claimed = append(claimed, *d)
		c.events.Emit(ctx, model.LifecycleEvent{
			Kind:          model.EventReclaimed,
			Partition:     partition,
			Group:         group,
			TaskType:      d.TaskType,
			RecordID:      d.ID,
			ConsumerID:    consumer,
			CorrelationID: d.CorrelationID,
			DeliveryCount: d.DeliveryCount,
			State:         model.StateClaimed,
			Duration:      d.ClaimedAt.Sub(e.ClaimedAt),
			Detail:        "previous owner " + e.ConsumerID,
			At:            d.ClaimedAt,
		})
	}
	if len(claimed) > 0 {
		c.logger.InfoContext(ctx, "reclaimed abandoned entries",
			"partition", partition, "group", group, "consumer", consumer, "count", len(claimed))
	}
	return claimed, nil
}
