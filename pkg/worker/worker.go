// Package worker is the consumer side of clockq: it claims records, runs
// them through an executor, keeps a heartbeat, and acknowledges or
// escalates each attempt.
//
// A Runtime serves one consumer group over the partitions of its task
// types. On start it recovers abandoned entries before its first ReadNew so
// that new work never starves recovery. While running, a periodic sweep
// keeps reclaiming entries that go idle, bounded by free slots.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daviddao/clockq/pkg/coordinator"
	"github.com/daviddao/clockq/pkg/executor"
	"github.com/daviddao/clockq/pkg/model"
	"github.com/daviddao/clockq/pkg/registry"
	"github.com/daviddao/clockq/pkg/store"
)

// readRetryDelay is the pause after a failed ReadNew.
const readRetryDelay = time.Second

// Resolver is the part of the type registry a runtime reads.
type Resolver interface {
	Resolve(taskType string) (registry.Resolution, error)
}

// Heartbeats records consumer liveness. *store.Store implements it.
type Heartbeats interface {
	RecordHeartbeat(ctx context.Context, consumer string, ttl time.Duration, inFlight int) error
	DeleteHeartbeat(ctx context.Context, consumer string) error
}

// Runtime executes tasks for one consumer.
type Runtime struct {
	cfg   Config
	log   store.Log
	coord *coordinator.Coordinator
	exec  executor.Executor
	opts  options
	lanes []lane

	slots    chan struct{}
	attempts sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]*attempt
}

// lane is one served task type resolved to its partition and timeout.
type lane struct {
	taskType  string
	partition string
	timeout   time.Duration
}

type attempt struct {
	delivery model.Delivery
	started  time.Time
}

// New returns a Runtime for cfg. Every type in cfg.Types must resolve, and
// cfg.MinIdle must exceed each type's timeout plus the cancel grace.
func New(log store.Log, types Resolver, exec executor.Executor, cfg Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{
		cfg:      cfg,
		log:      log,
		exec:     exec,
		opts:     o,
		slots:    make(chan struct{}, cfg.Concurrency),
		inFlight: make(map[string]*attempt),
		coord: coordinator.New(log,
			coordinator.WithEvents(o.events),
			coordinator.WithLogger(o.logger)),
	}
	for _, t := range cfg.Types {
		res, err := types.Resolve(t)
		if err != nil {
			return nil, err
		}
		if cfg.MinIdle <= res.DefaultTimeout+cfg.CancelGrace {
			return nil, fmt.Errorf("min idle %s must exceed %s timeout %s plus cancel grace %s",
				cfg.MinIdle, t, res.DefaultTimeout, cfg.CancelGrace)
		}
		r.lanes = append(r.lanes, lane{taskType: t, partition: res.PartitionKey, timeout: res.DefaultTimeout})
	}
	return r, nil
}

// Run serves until ctx is cancelled, then drains: claiming stops, in-flight
// attempts run until they finish or DrainTimeout passes, after which they
// are cancelled. The heartbeat is removed on exit.
func (r *Runtime) Run(ctx context.Context) error {
	logger := r.opts.logger.With("consumer", r.cfg.ConsumerID, "group", r.cfg.Group)

	for _, ln := range r.lanes {
		if _, err := r.coord.EnsureGroup(ctx, ln.partition, r.cfg.Group, "0"); err != nil {
			return err
		}
	}

	// Executions and heartbeats outlive ctx so that a drain can let
	// in-flight work finish while still reporting liveness.
	execCtx, stopExec := context.WithCancel(context.WithoutCancel(ctx))
	defer stopExec()
	beatCtx, stopBeats := context.WithCancel(context.WithoutCancel(ctx))
	var beats sync.WaitGroup
	beats.Add(1)
	go func() {
		defer beats.Done()
		r.heartbeatLoop(beatCtx)
	}()
	defer func() {
		stopBeats()
		beats.Wait()
		if r.opts.beats != nil {
			if err := r.opts.beats.DeleteHeartbeat(context.WithoutCancel(ctx), r.cfg.ConsumerID); err != nil {
				logger.Warn("delete heartbeat failed", "error", err)
			}
		}
	}()

	if err := r.recover(ctx, execCtx); err != nil {
		r.drain(logger, stopExec)
		return err
	}

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		r.reclaimLoop(ctx, execCtx)
	}()
	for _, ln := range r.lanes {
		loops.Add(1)
		go func(ln lane) {
			defer loops.Done()
			r.claimLoop(ctx, execCtx, ln)
		}(ln)
	}

	logger.Info("worker started",
		"types", r.cfg.Types,
		"concurrency", r.cfg.Concurrency,
		"min_idle", r.cfg.MinIdle,
		"max_deliveries", r.cfg.MaxDeliveries)

	<-ctx.Done()
	logger.Info("worker stopping", "in_flight", r.InFlight())
	loops.Wait()
	r.drain(logger, stopExec)
	return nil
}

// recover claims the abandoned entries of every lane and starts them. It
// claims only as many entries as there are free slots at a time, so a
// recovered entry never waits behind a full runtime with its claim already
// ageing. It returns once every lane has nothing idle left.
func (r *Runtime) recover(ctx, execCtx context.Context) error {
	for _, ln := range r.lanes {
		for {
			started, want, err := r.reclaimBatch(ctx, execCtx, ln, true)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("recover abandoned in %s: %w", ln.partition, err)
			}
			if started < want {
				break
			}
		}
	}
	return nil
}

// drain waits for in-flight attempts, cancelling them after DrainTimeout.
func (r *Runtime) drain(logger *slog.Logger, stopExec context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		r.attempts.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("all attempts drained")
	case <-r.opts.clock.After(r.cfg.DrainTimeout):
		logger.Warn("drain timeout exceeded, cancelling in-flight attempts", "in_flight", r.InFlight())
		stopExec()
		<-done
	}
}

func (r *Runtime) acquire(ctx context.Context) bool {
	select {
	case r.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// tryAcquire takes a slot only if one is free right now.
func (r *Runtime) tryAcquire() bool {
	select {
	case r.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (r *Runtime) release() { <-r.slots }

// start runs one attempt in the slot the caller acquired.
func (r *Runtime) start(ctx context.Context, ln lane, d model.Delivery) {
	r.attempts.Add(1)
	go func() {
		defer func() {
			r.release()
			r.attempts.Done()
		}()
		r.handle(ctx, ln, d)
	}()
}

// claimLoop waits for new records without holding a slot, so an idle lane
// never keeps the reclaim sweep from running. A slot is taken only for the
// non-blocking read that delivers one record.
func (r *Runtime) claimLoop(ctx, execCtx context.Context, ln lane) {
	for {
		ready, err := r.log.WaitNew(ctx, ln.partition, r.cfg.Group, r.cfg.Block)
		if err == nil && !ready {
			continue
		}
		if err == nil {
			if !r.acquire(ctx) {
				return
			}
			var ds []model.Delivery
			ds, err = r.log.ReadNew(ctx, ln.partition, r.cfg.Group, r.cfg.ConsumerID, 1, 0)
			if err == nil {
				if len(ds) == 0 {
					// Another consumer read it first.
					r.release()
					continue
				}
				d := ds[0]
				r.emit(ctx, model.EventClaimed, d, model.StateClaimed, 0, "")
				r.start(execCtx, ln, d)
				continue
			}
			r.release()
		}
		if ctx.Err() != nil {
			return
		}
		r.opts.logger.ErrorContext(ctx, "read new failed", "partition", ln.partition, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-r.opts.clock.After(readRetryDelay):
		}
	}
}

func (r *Runtime) reclaimLoop(ctx, execCtx context.Context) {
	ticker := time.NewTicker(r.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx, execCtx)
		}
	}
}

// sweep reclaims idle entries into the slots that are free right now.
func (r *Runtime) sweep(ctx, execCtx context.Context) {
	for _, ln := range r.lanes {
		_, want, err := r.reclaimBatch(ctx, execCtx, ln, false)
		if err != nil && ctx.Err() == nil {
			r.opts.logger.ErrorContext(ctx, "reclaim sweep failed", "partition", ln.partition, "error", err)
		}
		if want == 0 {
			return
		}
	}
}

// reclaimBatch reserves slots first and then claims at most that many idle
// entries of ln, so every claimed entry starts at once. With wait set it
// blocks for the first slot; otherwise it takes only slots already free.
// It returns how many entries it started and how many slots it reserved.
func (r *Runtime) reclaimBatch(ctx, execCtx context.Context, ln lane, wait bool) (started, reserved int, err error) {
	if wait {
		if !r.acquire(ctx) {
			return 0, 0, ctx.Err()
		}
		reserved++
	}
	for r.tryAcquire() {
		reserved++
	}
	if reserved == 0 {
		return 0, 0, nil
	}
	got, err := r.coord.Reclaim(ctx, ln.partition, r.cfg.Group, r.cfg.ConsumerID, r.cfg.MinIdle, reserved)
	for _, d := range got {
		r.start(execCtx, ln, d)
	}
	for i := len(got); i < reserved; i++ {
		r.release()
	}
	return len(got), reserved, err
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	r.beat(ctx)
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

// beat records the consumer heartbeat and emits one heartbeat event per
// in-flight attempt.
func (r *Runtime) beat(ctx context.Context) {
	now := r.opts.clock.Now()
	snapshot := r.snapshot()
	if r.opts.beats != nil {
		if err := r.opts.beats.RecordHeartbeat(ctx, r.cfg.ConsumerID, r.cfg.HeartbeatTTL, len(snapshot)); err != nil {
			r.opts.logger.ErrorContext(ctx, "heartbeat failed", "consumer", r.cfg.ConsumerID, "error", err)
		}
	}
	for _, a := range snapshot {
		r.emit(ctx, model.EventHeartbeat, a.delivery, model.StateExecuting, now.Sub(a.started), "")
	}
}

// InFlight returns the number of attempts currently executing.
func (r *Runtime) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

func (r *Runtime) snapshot() []attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]attempt, 0, len(r.inFlight))
	for _, a := range r.inFlight {
		out = append(out, *a)
	}
	return out
}

func (r *Runtime) track(key string, a *attempt) {
	r.mu.Lock()
	r.inFlight[key] = a
	r.mu.Unlock()
}

func (r *Runtime) untrack(key string) {
	r.mu.Lock()
	delete(r.inFlight, key)
	r.mu.Unlock()
}

func (r *Runtime) emit(ctx context.Context, kind model.EventKind, d model.Delivery, state model.AttemptState, dur time.Duration, detail string) {
	r.opts.events.Emit(ctx, model.LifecycleEvent{
		Kind:          kind,
		Partition:     d.Partition,
		Group:         r.cfg.Group,
		TaskType:      d.TaskType,
		RecordID:      d.ID,
		ConsumerID:    r.cfg.ConsumerID,
		CorrelationID: d.CorrelationID,
		DeliveryCount: d.DeliveryCount,
		State:         state,
		Duration:      dur,
		Detail:        detail,
		At:            r.opts.clock.Now(),
	})
}
