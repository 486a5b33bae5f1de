// Package config loads clockq.yaml: store location, worker tuning, the task
// type registry, executors and the optional NATS, MinIO, metrics, tracing
// and trigger integrations.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daviddao/clockq/pkg/checkpoint"
	"github.com/daviddao/clockq/pkg/registry"
	"github.com/daviddao/clockq/pkg/trigger"
	"github.com/daviddao/clockq/pkg/worker"
)

// Config is the whole of clockq.yaml.
type Config struct {
	Store       StoreConfig               `yaml:"store"`
	Log         LogConfig                 `yaml:"log"`
	Worker      WorkerConfig              `yaml:"worker"`
	Dispatch    DispatchConfig            `yaml:"dispatch"`
	Types       []TypeConfig              `yaml:"types"`
	Executors   map[string]ExecutorConfig `yaml:"executors"`
	NATS        NATSConfig                `yaml:"nats"`
	Checkpoints CheckpointConfig          `yaml:"checkpoints"`
	Metrics     MetricsConfig             `yaml:"metrics"`
	Tracing     TracingConfig             `yaml:"tracing"`
	Triggers    TriggersConfig            `yaml:"triggers"`
}

// StoreConfig locates the SQLite log.
type StoreConfig struct {
	Path string `yaml:"path"`
	// PollInterval is how often a blocked read checks for appends made by
	// other processes.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WorkerConfig mirrors worker.Config. Types left empty means every
// registered type.
type WorkerConfig struct {
	ConsumerID        string        `yaml:"consumer_id"`
	Group             string        `yaml:"group"`
	Types             []string      `yaml:"types"`
	Concurrency       int           `yaml:"concurrency"`
	Block             time.Duration `yaml:"block"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
	MinIdle           time.Duration `yaml:"min_idle"`
	ReclaimInterval   time.Duration `yaml:"reclaim_interval"`
	MaxDeliveries     int           `yaml:"max_deliveries"`
	CancelGrace       time.Duration `yaml:"cancel_grace"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	// StallAfter is the watchdog's stall threshold; 0 uses MinIdle.
	StallAfter    time.Duration `yaml:"stall_after"`
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// DispatchConfig holds dispatch defaults.
type DispatchConfig struct {
	// Stagger is the default pause between tasks of a batch.
	Stagger time.Duration `yaml:"stagger"`
}

// TypeConfig registers one task type. Schema is a JSON Schema written as
// YAML.
type TypeConfig struct {
	Name    string         `yaml:"name"`
	Timeout time.Duration  `yaml:"timeout"`
	Schema  map[string]any `yaml:"schema"`
}

// ExecutorConfig runs a command for one task type.
type ExecutorConfig struct {
	Command []string      `yaml:"command"`
	Dir     string        `yaml:"dir"`
	Env     []string      `yaml:"env"`
	Grace   time.Duration `yaml:"grace"`
}

// NATSConfig enables the NATS event sink and the JetStream outcome sink.
// An empty URL disables both.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	EventsPrefix   string        `yaml:"events_prefix"`
	OutcomeSubject string        `yaml:"outcome_subject"`
	OutcomeStream  string        `yaml:"outcome_stream"`
	OutcomeMaxAge  time.Duration `yaml:"outcome_max_age"`
}

// CheckpointConfig selects where suspended-task checkpoints live.
type CheckpointConfig struct {
	// Backend is "sqlite" (the log database) or "minio".
	Backend string      `yaml:"backend"`
	Minio   MinioConfig `yaml:"minio"`
}

// MinioConfig is the S3-compatible checkpoint bucket.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MetricsConfig exposes Prometheus metrics. An empty Listen disables the
// standalone listener; serve always mounts /metrics on its router.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// TriggersConfig configures the webhook listener and cron entries.
type TriggersConfig struct {
	HTTP HTTPTriggerConfig `yaml:"http"`
	Cron []CronConfig      `yaml:"cron"`
}

// HTTPTriggerConfig is the webhook listener.
type HTTPTriggerConfig struct {
	Listen string `yaml:"listen"`
	// AllowedOrigins enables CORS for browser callers.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CronConfig dispatches one task on a schedule.
type CronConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Type     string `yaml:"type"`
	Payload  any    `yaml:"payload"`
	Priority int    `yaml:"priority"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() *Config {
	wc := worker.DefaultConfig()
	return &Config{
		Store: StoreConfig{
			Path:         DefaultDBPath,
			PollInterval: 250 * time.Millisecond,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Worker: WorkerConfig{
			Group:             wc.Group,
			Concurrency:       wc.Concurrency,
			Block:             wc.Block,
			HeartbeatInterval: wc.HeartbeatInterval,
			HeartbeatTTL:      wc.HeartbeatTTL,
			MinIdle:           wc.MinIdle,
			ReclaimInterval:   wc.ReclaimInterval,
			MaxDeliveries:     wc.MaxDeliveries,
			CancelGrace:       wc.CancelGrace,
			DrainTimeout:      wc.DrainTimeout,
			WatchInterval:     time.Minute,
		},
		NATS: NATSConfig{
			OutcomeStream: "CLOCKQ_OUTCOMES",
			OutcomeMaxAge: 30 * 24 * time.Hour,
		},
		Checkpoints: CheckpointConfig{Backend: "sqlite"},
		Tracing:     TracingConfig{Exporter: "none", SampleRatio: 1},
		Triggers: TriggersConfig{
			HTTP: HTTPTriggerConfig{Listen: ":8080"},
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}

	w := c.Worker
	if w.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be at least 1, got %d", w.Concurrency))
	}
	if w.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("worker.heartbeat_interval must be positive, got %s", w.HeartbeatInterval))
	}
	if w.HeartbeatTTL <= w.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("worker.heartbeat_ttl %s must exceed heartbeat_interval %s", w.HeartbeatTTL, w.HeartbeatInterval))
	}
	if w.MaxDeliveries < 1 {
		errs = append(errs, fmt.Errorf("worker.max_deliveries must be at least 1, got %d", w.MaxDeliveries))
	}

	seen := make(map[string]bool, len(c.Types))
	for i, t := range c.Types {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("types[%d]: name is required", i))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("types[%d]: duplicate type %q", i, t.Name))
		}
		seen[t.Name] = true
		timeout := t.Timeout
		if timeout <= 0 {
			timeout = registry.DefaultTimeout
		}
		if w.MinIdle <= timeout+w.CancelGrace {
			errs = append(errs, fmt.Errorf("worker.min_idle %s must exceed timeout %s plus cancel_grace %s of type %q",
				w.MinIdle, timeout, w.CancelGrace, t.Name))
		}
	}
	for _, name := range w.Types {
		if !seen[name] {
			errs = append(errs, fmt.Errorf("worker.types: %q is not a registered type", name))
		}
	}
	for name, ex := range c.Executors {
		if !seen[name] && name != "*" {
			errs = append(errs, fmt.Errorf("executors.%s: not a registered type", name))
		}
		if len(ex.Command) == 0 {
			errs = append(errs, fmt.Errorf("executors.%s: command is required", name))
		}
	}

	switch c.Checkpoints.Backend {
	case "", "sqlite":
	case "minio":
		if c.Checkpoints.Minio.Endpoint == "" {
			errs = append(errs, errors.New("checkpoints.minio.endpoint is required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoints.backend %q: want sqlite or minio", c.Checkpoints.Backend))
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q: want none or stdout", c.Tracing.Exporter))
	}
	for i, e := range c.Triggers.Cron {
		if e.Name == "" || e.Schedule == "" || e.Type == "" {
			errs = append(errs, fmt.Errorf("triggers.cron[%d]: name, schedule and type are required", i))
		} else if !seen[e.Type] {
			errs = append(errs, fmt.Errorf("triggers.cron[%d]: %q is not a registered type", i, e.Type))
		}
	}
	return errors.Join(errs...)
}

// TypeSpecs converts the types section into registry registrations.
func (c *Config) TypeSpecs() ([]registry.TypeSpec, error) {
	specs := make([]registry.TypeSpec, 0, len(c.Types))
	for _, t := range c.Types {
		spec := registry.TypeSpec{Name: t.Name, Timeout: t.Timeout}
		if len(t.Schema) > 0 {
			raw, err := json.Marshal(t.Schema)
			if err != nil {
				return nil, fmt.Errorf("type %q: encode schema: %w", t.Name, err)
			}
			spec.Schema = raw
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// TypeNames lists the registered types in file order.
func (c *Config) TypeNames() []string {
	names := make([]string, 0, len(c.Types))
	for _, t := range c.Types {
		names = append(names, t.Name)
	}
	return names
}

// WorkerConfig builds the runtime configuration. An empty worker.types
// serves every registered type.
func (c *Config) WorkerConfig() worker.Config {
	w := c.Worker
	types := w.Types
	if len(types) == 0 {
		types = c.TypeNames()
	}
	return worker.Config{
		ConsumerID:        w.ConsumerID,
		Group:             w.Group,
		Types:             types,
		Concurrency:       w.Concurrency,
		Block:             w.Block,
		HeartbeatInterval: w.HeartbeatInterval,
		HeartbeatTTL:      w.HeartbeatTTL,
		MinIdle:           w.MinIdle,
		ReclaimInterval:   w.ReclaimInterval,
		MaxDeliveries:     w.MaxDeliveries,
		CancelGrace:       w.CancelGrace,
		DrainTimeout:      w.DrainTimeout,
	}
}

// StallAfter is the watchdog threshold.
func (c *Config) StallAfter() time.Duration {
	if c.Worker.StallAfter > 0 {
		return c.Worker.StallAfter
	}
	return c.Worker.MinIdle
}

// CronEntries converts the cron triggers, encoding each payload as JSON.
func (c *Config) CronEntries() ([]trigger.CronEntry, error) {
	entries := make([]trigger.CronEntry, 0, len(c.Triggers.Cron))
	for _, e := range c.Triggers.Cron {
		payload := json.RawMessage("{}")
		if e.Payload != nil {
			raw, err := json.Marshal(e.Payload)
			if err != nil {
				return nil, fmt.Errorf("cron entry %q: encode payload: %w", e.Name, err)
			}
			payload = raw
		}
		entries = append(entries, trigger.CronEntry{
			Name:     e.Name,
			Schedule: e.Schedule,
			Type:     e.Type,
			Payload:  payload,
			Priority: e.Priority,
		})
	}
	return entries, nil
}

// MinioCheckpointConfig converts the minio section.
func (c *Config) MinioCheckpointConfig() checkpoint.MinioConfig {
	m := c.Checkpoints.Minio
	return checkpoint.MinioConfig{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		Prefix:    m.Prefix,
		UseSSL:    m.UseSSL,
	}
}

// LoadFromFile reads path over DefaultConfig. It does not apply the
// environment or validate.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadTypes reads only the type registrations from path. It is the
// registry reload function.
func LoadTypes(path string) ([]registry.TypeSpec, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return cfg.TypeSpecs()
}

// WriteSample writes Sample to path unless a file already exists there. It
// reports whether it wrote.
func WriteSample(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(Sample), 0644); err != nil {
		return false, fmt.Errorf("write config file: %w", err)
	}
	return true, nil
}

// Sample is the clockq.yaml written by "cq init".
const Sample = `# clockq configuration
store:
  path: .clockq/clockq.db
  poll_interval: 250ms

log:
  level: info
  format: text

worker:
  group: workers
  concurrency: 4
  block: 5s
  heartbeat_interval: 30s
  heartbeat_ttl: 90s
  min_idle: 15m
  reclaim_interval: 1m
  max_deliveries: 10
  cancel_grace: 10s
  drain_timeout: 30s
  watch_interval: 1m

types:
  - name: drift-scan
    timeout: 10m
    schema:
      type: object
      required: [repo]
      properties:
        repo: {type: string, minLength: 1}
  - name: background-agent
    timeout: 10m

executors:
  drift-scan:
    command: [sh, -c, "cat >/dev/null; echo ok"]

checkpoints:
  backend: sqlite

tracing:
  exporter: none

triggers:
  http:
    listen: ":8080"
  cron:
    - name: nightly-drift
      schedule: "0 3 * * *"
      type: drift-scan
      payload: {repo: infra-core}
`
