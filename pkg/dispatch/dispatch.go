// Package dispatch is the producer side of clockq: it validates normalized
// tasks against the type registry and appends them to their partition.
//
// Dispatch never waits on consumers and never retries a failed append. A
// storage failure is returned to the caller (the trigger), which decides
// whether to dispatch again; retrying here could enqueue a task twice.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/daviddao/clockq/pkg/clock"
	"github.com/daviddao/clockq/pkg/events"
	"github.com/daviddao/clockq/pkg/model"
	"github.com/daviddao/clockq/pkg/registry"
	"github.com/daviddao/clockq/pkg/tracing"
)

// Appender is the part of the message log the dispatcher writes to.
type Appender interface {
	Append(ctx context.Context, req model.AppendRequest) (model.RecordID, error)
}

// Resolver is the part of the type registry the dispatcher reads.
type Resolver interface {
	Resolve(taskType string) (registry.Resolution, error)
	Validate(taskType string, payload []byte) error
}

// Dispatcher turns NormalizedTasks into appended records.
type Dispatcher struct {
	types  Resolver
	log    Appender
	clock  clock.Clock
	events events.Sink
	logger *slog.Logger
	newID  func() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock used to pace DispatchBatch.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithEvents sets the sink that receives dispatched events.
func WithEvents(s events.Sink) Option {
	return func(d *Dispatcher) { d.events = events.Or(s) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New returns a Dispatcher validating against types and appending to log.
func New(types Resolver, log Appender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		types:  types,
		log:    log,
		clock:  clock.Real{},
		events: events.Discard,
		logger: slog.Default(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch validates task and appends it to the partition of its type.
// Errors match registry.ErrUnknownTaskType, registry.ErrPayloadInvalid or
// store.ErrStorageUnavailable; in every error case nothing was appended.
func (d *Dispatcher) Dispatch(ctx context.Context, task model.NormalizedTask) (model.RecordID, error) {
	res, err := d.types.Resolve(task.Type)
	if err != nil {
		return 0, err
	}
	payload := []byte(task.Payload)
	if err := d.types.Validate(task.Type, payload); err != nil {
		return 0, err
	}

	correlationID := task.CorrelationID
	if correlationID == "" {
		correlationID = d.newID()
	}

	ctx, span := tracing.StartSpan(ctx, "clockq.dispatch",
		attribute.String("clockq.task_type", task.Type),
		attribute.String("clockq.partition", res.PartitionKey),
		attribute.String("clockq.correlation_id", correlationID),
	)
	defer span.End()

	id, err := d.log.Append(ctx, model.AppendRequest{
		Partition:     res.PartitionKey,
		TaskType:      task.Type,
		Payload:       payload,
		Priority:      task.Priority,
		CorrelationID: correlationID,
		Headers:       tracing.Inject(ctx, nil),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return 0, fmt.Errorf("dispatch %s: %w", task.Type, err)
	}
	span.SetAttributes(attribute.String("clockq.record_id", id.String()))

	d.events.Emit(ctx, model.LifecycleEvent{
		Kind:          model.EventDispatched,
		Partition:     res.PartitionKey,
		TaskType:      task.Type,
		RecordID:      id,
		CorrelationID: correlationID,
		At:            d.clock.Now(),
	})
	return id, nil
}

// DispatchBatch dispatches tasks in order, waiting stagger between
// consecutive appends so a large fan-out does not flood a partition. It
// stops at the first failure and returns the ids appended before it.
func (d *Dispatcher) DispatchBatch(ctx context.Context, tasks []model.NormalizedTask, stagger time.Duration) ([]model.RecordID, error) {
	ids := make([]model.RecordID, 0, len(tasks))
	for i, task := range tasks {
		if i > 0 && stagger > 0 {
			select {
			case <-ctx.Done():
				return ids, ctx.Err()
			case <-d.clock.After(stagger):
			}
		}
		id, err := d.Dispatch(ctx, task)
		if err != nil {
			return ids, fmt.Errorf("batch task %d of %d: %w", i+1, len(tasks), err)
		}
		ids = append(ids, id)
	}
	if len(tasks) > 1 {
		d.logger.InfoContext(ctx, "batch dispatched", "count", len(ids), "stagger", stagger)
	}
	return ids, nil
}
