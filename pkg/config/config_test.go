package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/clockq/pkg/registry"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.Worker.HeartbeatTTL)
	assert.Equal(t, 15*time.Minute, cfg.Worker.MinIdle)
	assert.Equal(t, 10, cfg.Worker.MaxDeliveries)
	assert.Equal(t, "sqlite", cfg.Checkpoints.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "concurrency"},
		{"ttl not above interval", func(c *Config) { c.Worker.HeartbeatTTL = c.Worker.HeartbeatInterval }, "heartbeat_ttl"},
		{"zero max deliveries", func(c *Config) { c.Worker.MaxDeliveries = 0 }, "max_deliveries"},
		{"min idle below timeout plus grace", func(c *Config) {
			c.Types = []TypeConfig{{Name: "drift-scan", Timeout: 15 * time.Minute}}
		}, "min_idle"},
		{"default timeout counts", func(c *Config) {
			c.Worker.MinIdle = 5 * time.Minute
			c.Types = []TypeConfig{{Name: "drift-scan"}}
		}, "min_idle"},
		{"duplicate type", func(c *Config) {
			c.Types = []TypeConfig{{Name: "a"}, {Name: "a"}}
		}, "duplicate"},
		{"executor for unknown type", func(c *Config) {
			c.Executors = map[string]ExecutorConfig{"ghost": {Command: []string{"true"}}}
		}, "executors.ghost"},
		{"minio without endpoint", func(c *Config) { c.Checkpoints.Backend = "minio" }, "endpoint"},
		{"unknown exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, "tracing.exporter"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"cron for unknown type", func(c *Config) {
			c.Triggers.Cron = []CronConfig{{Name: "n", Schedule: "@daily", Type: "ghost"}}
		}, "triggers.cron[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSampleLoadsAndConverts(t *testing.T) {
	path := filepath.Join(t.TempDir(), ProjectConfigFile)
	wrote, err := WriteSample(path)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = WriteSample(path)
	require.NoError(t, err)
	assert.False(t, wrote, "an existing file is left alone")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 250*time.Millisecond, cfg.Store.PollInterval)
	assert.Equal(t, []string{"drift-scan", "background-agent"}, cfg.TypeNames())

	specs, err := cfg.TypeSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, 10*time.Minute, specs[0].Timeout)
	assert.Empty(t, specs[1].Schema)

	reg, err := registry.New(specs)
	require.NoError(t, err)
	assert.NoError(t, reg.Validate("drift-scan", []byte(`{"repo":"infra-core"}`)))
	assert.ErrorIs(t, reg.Validate("drift-scan", []byte(`{}`)), registry.ErrPayloadInvalid)

	wc := cfg.WorkerConfig()
	assert.Equal(t, []string{"drift-scan", "background-agent"}, wc.Types)
	assert.Equal(t, 4, wc.Concurrency)

	entries, err := cfg.CronEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "0 3 * * *", entries[0].Schedule)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
	assert.Equal(t, "infra-core", payload["repo"])

	assert.Equal(t, cfg.Worker.MinIdle, cfg.StallAfter())
}

func TestLoaderSearchesParentsAndAppliesEnv(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectConfigFile), `
store:
  path: /var/lib/clockq/log.db
worker:
  group: agents
types:
  - name: drift-scan
    timeout: 2m
`)
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	writeFile(t, filepath.Join(nested, ".env"), "CLOCKQ_CONSUMER=from-dotenv\nCLOCKQ_GROUP=from-dotenv\n")

	t.Setenv(EnvGroup, "from-env")
	t.Setenv(EnvNATSURL, "nats://127.0.0.1:4222")
	t.Setenv(EnvConsumer, "")
	os.Unsetenv(EnvConsumer)

	l := &Loader{logger: NewLoader(nil).logger, dir: nested}
	cfg, path, err := l.Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, ProjectConfigFile), path)
	assert.Equal(t, "/var/lib/clockq/log.db", cfg.Store.Path)
	assert.Equal(t, 2*time.Minute, cfg.Types[0].Timeout)
	assert.Equal(t, "from-dotenv", cfg.Worker.ConsumerID)
	assert.Equal(t, "from-env", cfg.Worker.Group, ".env never overrides the environment")
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, 4, cfg.Worker.Concurrency, "unset fields keep their defaults")
}

func TestLoaderDefaultsWithoutFile(t *testing.T) {
	t.Setenv(EnvDB, filepath.Join(t.TempDir(), "x.db"))
	l := &Loader{logger: NewLoader(nil).logger, dir: t.TempDir()}
	cfg, path, err := l.Load("")
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, os.Getenv(EnvDB), cfg.Store.Path)
}

func TestLoaderRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "worker:\n  concurrency: 0\n")
	_, _, err := NewLoader(nil).Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency")

	writeFile(t, path, "worker: [\n")
	_, _, err = NewLoader(nil).Load(path)
	assert.Error(t, err)
}
