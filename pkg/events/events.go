// Package events carries lifecycle events from dispatch, coordination and
// workers to observability sinks.
//
// Emitting is fire-and-forget: a sink that cannot deliver logs the failure
// and drops the event. Observability must never block or fail task work.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/daviddao/clockq/pkg/model"
)

// Sink receives lifecycle events.
type Sink interface {
	Emit(ctx context.Context, ev model.LifecycleEvent)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(context.Context, model.LifecycleEvent) {}

// Or returns s, or Discard if s is nil.
func Or(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// Multi fans each event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev model.LifecycleEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// Log writes events as structured log lines. Redundant acks, stalls and
// dead consumers log at Warn; the rest at Debug except terminal outcomes.
type Log struct {
	Logger *slog.Logger
}

// NewLog returns a Log sink; nil uses slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Logger: logger}
}

func (l *Log) Emit(ctx context.Context, ev model.LifecycleEvent) {
	attrs := []any{
		"kind", string(ev.Kind),
	}
	if ev.Partition != "" {
		attrs = append(attrs, "partition", ev.Partition)
	}
	if ev.Group != "" {
		attrs = append(attrs, "group", ev.Group)
	}
	if ev.RecordID != 0 {
		attrs = append(attrs, "record_id", ev.RecordID.String())
	}
	if ev.ConsumerID != "" {
		attrs = append(attrs, "consumer", ev.ConsumerID)
	}
	if ev.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", ev.CorrelationID)
	}
	if ev.DeliveryCount > 0 {
		attrs = append(attrs, "delivery_count", ev.DeliveryCount)
	}
	if ev.State != "" {
		attrs = append(attrs, "state", string(ev.State))
	}
	if ev.Duration > 0 {
		attrs = append(attrs, "duration", ev.Duration)
	}
	if ev.Detail != "" {
		attrs = append(attrs, "detail", ev.Detail)
	}

	switch ev.Kind {
	case model.EventRedundantAck:
		l.Logger.WarnContext(ctx, "redundant ack", attrs...)
	case model.EventStalled, model.EventConsumerDead:
		l.Logger.WarnContext(ctx, "task "+string(ev.Kind), attrs...)
	case model.EventFailed:
		if ev.State == model.StateFailedTerminal {
			l.Logger.ErrorContext(ctx, "task failed", attrs...)
		} else {
			l.Logger.InfoContext(ctx, "task failed", attrs...)
		}
	case model.EventDispatched, model.EventAcked, model.EventReclaimed:
		l.Logger.InfoContext(ctx, "task "+string(ev.Kind), attrs...)
	default:
		l.Logger.DebugContext(ctx, "task "+string(ev.Kind), attrs...)
	}
}

// Recorder keeps every event in memory. Used by tests and by the CLI's
// one-shot commands to report what happened.
type Recorder struct {
	mu     sync.Mutex
	events []model.LifecycleEvent
}

func (r *Recorder) Emit(_ context.Context, ev model.LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []model.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.LifecycleEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of recorded events in order.
func (r *Recorder) Kinds() []model.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind model.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
