package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/daviddao/clockq/pkg/executor"
	"github.com/daviddao/clockq/pkg/model"
	"github.com/daviddao/clockq/pkg/store"
	"github.com/daviddao/clockq/pkg/tracing"
)

// errPanic marks an executor that panicked.
var errPanic = errors.New("executor panicked")

// handle runs one attempt of d from EXECUTING to its final state and
// returns that state. Every attempt emits started and then exactly one of
// acked, failed or redundant_ack.
func (r *Runtime) handle(ctx context.Context, ln lane, d model.Delivery) model.AttemptState {
	ctx = tracing.Extract(ctx, d.Headers)
	ctx, span := tracing.StartSpan(ctx, "clockq.execute",
		attribute.String("clockq.task_type", d.TaskType),
		attribute.String("clockq.partition", d.Partition),
		attribute.String("clockq.record_id", d.ID.String()),
		attribute.String("clockq.correlation_id", d.CorrelationID),
		attribute.Int("clockq.delivery_count", d.DeliveryCount),
	)
	defer span.End()

	key := ln.partition + "/" + d.ID.String()
	started := r.opts.clock.Now()
	r.track(key, &attempt{delivery: d, started: started})
	defer r.untrack(key)

	// Bookkeeping writes must land even when a shutdown cancelled ctx.
	bg := context.WithoutCancel(ctx)

	var cp *model.Checkpoint
	if r.opts.checkpoints != nil {
		loaded, err := r.opts.checkpoints.LoadCheckpoint(bg, d.Partition, d.ID)
		if err != nil {
			r.opts.logger.WarnContext(ctx, "load checkpoint failed, starting fresh",
				"record_id", d.ID.String(), "error", err)
		} else {
			cp = loaded
		}
	}

	r.emit(ctx, model.EventStarted, d, model.StateExecuting, 0, "")
	res, deadlineHit, abandoned := r.execute(ctx, ln, d, cp)
	state, detail := Classify(Attempt{
		Result:        res,
		DeadlineHit:   deadlineHit,
		Abandoned:     abandoned,
		Interrupted:   ctx.Err() != nil && !deadlineHit,
		DeliveryCount: d.DeliveryCount,
		MaxDeliveries: r.cfg.MaxDeliveries,
	})
	elapsed := r.opts.clock.Now().Sub(started)

	var final model.AttemptState
	switch state {
	case model.StateAcked:
		final = r.succeed(bg, d, elapsed)
	case model.StateFailedTerminal:
		final = r.fail(bg, d, elapsed, detail)
	default:
		final = r.retry(bg, d, elapsed, detail, res.Checkpoint)
	}
	if final != model.StateAcked {
		span.SetStatus(codes.Error, detail)
	}
	span.SetAttributes(attribute.String("clockq.state", string(final)))
	return final
}

// execute runs the executor under the type timeout. An executor that does
// not return within CancelGrace after cancellation is abandoned; its
// goroutine is left to finish on its own.
func (r *Runtime) execute(ctx context.Context, ln lane, d model.Delivery, cp *model.Checkpoint) (res executor.Result, deadlineHit, abandoned bool) {
	execCtx, cancel := context.WithTimeout(ctx, ln.timeout)
	defer cancel()

	task := executor.Task{
		TaskType:      d.TaskType,
		Partition:     d.Partition,
		RecordID:      d.ID,
		CorrelationID: d.CorrelationID,
		Payload:       d.Payload,
		Deadline:      r.opts.clock.Now().Add(ln.timeout),
		DeliveryCount: d.DeliveryCount,
		Checkpoint:    cp,
	}
	done := make(chan executor.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- executor.Terminal(fmt.Errorf("%w: %v", errPanic, p))
			}
		}()
		done <- r.exec.Execute(execCtx, task)
	}()

	select {
	case res = <-done:
	case <-execCtx.Done():
		select {
		case res = <-done:
		case <-r.opts.clock.After(r.cfg.CancelGrace):
			abandoned = true
		}
	}
	deadlineHit = errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	return res, deadlineHit, abandoned
}

func (r *Runtime) succeed(ctx context.Context, d model.Delivery, elapsed time.Duration) model.AttemptState {
	res, err := r.ack(ctx, d, elapsed, model.StateAcked, "")
	if err != nil {
		return model.StateFailedRetryable
	}
	if res != store.AckDeleted {
		return model.StateAcked
	}
	r.dropCheckpoint(ctx, d)
	// Success outcomes are informational; a lost one does not undo the ack.
	if err := r.recordOutcome(ctx, d, model.OutcomeSucceeded, ""); err != nil {
		r.opts.logger.WarnContext(ctx, "record success outcome failed",
			"record_id", d.ID.String(), "error", err)
	}
	return model.StateAcked
}

// fail records a terminal outcome and then acks. Without a recorded
// outcome the entry stays pending, so the failure is never silent.
func (r *Runtime) fail(ctx context.Context, d model.Delivery, elapsed time.Duration, detail string) model.AttemptState {
	if err := r.recordOutcome(ctx, d, model.OutcomeFailedTerminal, detail); err != nil {
		r.opts.logger.ErrorContext(ctx, "record terminal outcome failed, leaving entry pending",
			"record_id", d.ID.String(), "error", err)
		r.emit(ctx, model.EventFailed, d, model.StateFailedRetryable, elapsed,
			fmt.Sprintf("%s; outcome not recorded: %v", detail, err))
		return model.StateFailedRetryable
	}
	res, err := r.ack(ctx, d, elapsed, model.StateFailedTerminal, detail)
	if err != nil {
		return model.StateFailedRetryable
	}
	if res == store.AckDeleted {
		r.dropCheckpoint(ctx, d)
	}
	return model.StateFailedTerminal
}

func (r *Runtime) retry(ctx context.Context, d model.Delivery, elapsed time.Duration, detail string, state []byte) model.AttemptState {
	if state != nil && r.opts.checkpoints != nil {
		err := r.opts.checkpoints.SaveCheckpoint(ctx, model.Checkpoint{
			Partition: d.Partition,
			RecordID:  d.ID,
			TaskType:  d.TaskType,
			State:     state,
		})
		if err != nil {
			r.opts.logger.WarnContext(ctx, "save checkpoint failed",
				"record_id", d.ID.String(), "error", err)
		}
	}
	r.emit(ctx, model.EventFailed, d, model.StateFailedRetryable, elapsed, detail)
	return model.StateFailedRetryable
}

// ack acknowledges d as this consumer and emits the attempt's closing
// event: acked for a successful attempt, failed for a terminal one,
// redundant_ack when the entry is no longer ours. A failed ack emits a
// retryable failure.
func (r *Runtime) ack(ctx context.Context, d model.Delivery, elapsed time.Duration, state model.AttemptState, detail string) (store.AckResult, error) {
	res, err := r.log.AckAs(ctx, d.Partition, r.cfg.Group, d.ID, r.cfg.ConsumerID)
	if err != nil {
		r.opts.logger.ErrorContext(ctx, "ack failed, entry stays pending",
			"record_id", d.ID.String(), "error", err)
		r.emit(ctx, model.EventFailed, d, model.StateFailedRetryable, elapsed, "ack failed: "+err.Error())
		return 0, err
	}
	switch res {
	case store.AckDeleted:
		if state == model.StateAcked {
			r.emit(ctx, model.EventAcked, d, state, elapsed, "")
		} else {
			r.emit(ctx, model.EventFailed, d, state, elapsed, detail)
		}
	case store.AckRedundant:
		r.emit(ctx, model.EventRedundantAck, d, state, elapsed, "entry reclaimed by another consumer")
	default:
		r.emit(ctx, model.EventRedundantAck, d, state, elapsed, "entry already acknowledged")
	}
	return res, nil
}

func (r *Runtime) recordOutcome(ctx context.Context, d model.Delivery, status model.OutcomeStatus, detail string) error {
	if r.opts.outcomes == nil {
		return nil
	}
	return r.opts.outcomes.RecordOutcome(ctx, model.Outcome{
		Partition:     d.Partition,
		RecordID:      d.ID,
		TaskType:      d.TaskType,
		Group:         r.cfg.Group,
		Status:        status,
		Detail:        detail,
		DeliveryCount: d.DeliveryCount,
		CorrelationID: d.CorrelationID,
		RecordedAt:    r.opts.clock.Now(),
	})
}

func (r *Runtime) dropCheckpoint(ctx context.Context, d model.Delivery) {
	if r.opts.checkpoints == nil {
		return
	}
	if err := r.opts.checkpoints.DeleteCheckpoint(ctx, d.Partition, d.ID); err != nil {
		r.opts.logger.WarnContext(ctx, "delete checkpoint failed",
			"record_id", d.ID.String(), "error", err)
	}
}
