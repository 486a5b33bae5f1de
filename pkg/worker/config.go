package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/daviddao/clockq/pkg/checkpoint"
	"github.com/daviddao/clockq/pkg/clock"
	"github.com/daviddao/clockq/pkg/events"
	"github.com/daviddao/clockq/pkg/outcome"
)

// Defaults used by DefaultConfig.
const (
	DefaultGroup             = "workers"
	DefaultConcurrency       = 4
	DefaultBlock             = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTTL      = 90 * time.Second
	DefaultMinIdle           = 15 * time.Minute
	DefaultReclaimInterval   = time.Minute
	DefaultMaxDeliveries     = 10
	DefaultCancelGrace       = 10 * time.Second
	DefaultDrainTimeout      = 30 * time.Second
)

// Config controls one worker runtime.
type Config struct {
	ConsumerID string
	Group      string
	// Types are the task types served; each maps to one partition.
	Types []string

	// Concurrency bounds the attempts executing at once across all types.
	Concurrency int
	// Block is how long an idle lane waits for new records per check.
	Block time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration

	// MinIdle gates reclaim. It must exceed every served type's timeout
	// plus CancelGrace, or live attempts get reclaimed.
	MinIdle         time.Duration
	ReclaimInterval time.Duration
	// MaxDeliveries is the highest delivery count that may still fail
	// retryably. A failed attempt with a higher count is terminal.
	MaxDeliveries int

	// CancelGrace is how long a cancelled executor may take to return
	// before the runtime abandons it.
	CancelGrace time.Duration
	// DrainTimeout bounds shutdown: in-flight attempts still running after
	// it are cancelled.
	DrainTimeout time.Duration
}

// DefaultConfig returns a Config with every tunable at its default. The
// caller still sets ConsumerID and Types.
func DefaultConfig() Config {
	return Config{
		Group:             DefaultGroup,
		Concurrency:       DefaultConcurrency,
		Block:             DefaultBlock,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTTL:      DefaultHeartbeatTTL,
		MinIdle:           DefaultMinIdle,
		ReclaimInterval:   DefaultReclaimInterval,
		MaxDeliveries:     DefaultMaxDeliveries,
		CancelGrace:       DefaultCancelGrace,
		DrainTimeout:      DefaultDrainTimeout,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.ConsumerID == "" {
		errs = append(errs, errors.New("consumer id is required"))
	}
	if c.Group == "" {
		errs = append(errs, errors.New("group is required"))
	}
	if len(c.Types) == 0 {
		errs = append(errs, errors.New("at least one task type is required"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.Block < 0 {
		errs = append(errs, fmt.Errorf("block must not be negative, got %s", c.Block))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.HeartbeatTTL <= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("heartbeat ttl %s must exceed interval %s", c.HeartbeatTTL, c.HeartbeatInterval))
	}
	if c.MinIdle <= 0 {
		errs = append(errs, fmt.Errorf("min idle must be positive, got %s", c.MinIdle))
	}
	if c.ReclaimInterval <= 0 {
		errs = append(errs, fmt.Errorf("reclaim interval must be positive, got %s", c.ReclaimInterval))
	}
	if c.MaxDeliveries < 1 {
		errs = append(errs, fmt.Errorf("max deliveries must be at least 1, got %d", c.MaxDeliveries))
	}
	if c.CancelGrace < 0 || c.DrainTimeout < 0 {
		errs = append(errs, errors.New("cancel grace and drain timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// options are shared by Runtime and Watchdog.
type options struct {
	clock       clock.Clock
	events      events.Sink
	logger      *slog.Logger
	beats       Heartbeats
	outcomes    outcome.Store
	checkpoints checkpoint.Store
	pending     PendingObserver
}

func defaultOptions() options {
	return options{
		clock:  clock.Real{},
		events: events.Discard,
		logger: slog.Default(),
	}
}

// Option configures a Runtime or Watchdog.
type Option func(*options)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithEvents sets the lifecycle event sink.
func WithEvents(s events.Sink) Option {
	return func(o *options) { o.events = events.Or(s) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHeartbeats sets where the runtime records its liveness.
func WithHeartbeats(h Heartbeats) Option {
	return func(o *options) { o.beats = h }
}

// WithOutcomes sets the sink for terminal results.
func WithOutcomes(s outcome.Store) Option {
	return func(o *options) { o.outcomes = s }
}

// WithCheckpoints sets the store for suspended-task state.
func WithCheckpoints(s checkpoint.Store) Option {
	return func(o *options) { o.checkpoints = s }
}

// WithPendingObserver makes the watchdog report per-group pending counts.
func WithPendingObserver(p PendingObserver) Option {
	return func(o *options) { o.pending = p }
}
