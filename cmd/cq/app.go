package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/daviddao/clockq/pkg/config"
	"github.com/daviddao/clockq/pkg/model"
	"github.com/daviddao/clockq/pkg/registry"
	"github.com/daviddao/clockq/pkg/store"
)

// annotationNoConfig marks commands that run before (or without) a config.
const annotationNoConfig = "clockq/no-config"

// app holds shared state for all CLI subcommands.
type app struct {
	flags struct {
		db        string
		config    string
		logLevel  string
		logFormat string
		json      bool
	}

	cfg     *config.Config
	cfgPath string // empty when only defaults applied
	logger  *slog.Logger
	store   *store.Store
	out     io.Writer
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "cq",
		Short: "Durable task dispatch and recovery for infrastructure agents",
		Long: `cq dispatches tasks onto a durable log, runs workers that claim them
through consumer groups, and repairs groups when workers die.

Every command reads clockq.yaml from the working directory or a parent.
Environment overrides: CLOCKQ_DB, CLOCKQ_CONSUMER, CLOCKQ_GROUP,
CLOCKQ_NATS_URL (also read from .env).

Exit codes:
  0  success
  1  error
  2  claim denied or entry not found`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.out = cmd.OutOrStdout()
			if cmd.Annotations[annotationNoConfig] == "true" {
				return nil
			}
			return a.load()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.db, "db", "", "SQLite database path (overrides store.path and CLOCKQ_DB)")
	pf.StringVarP(&a.flags.config, "config", "c", "", "config file (default: clockq.yaml in . or a parent)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "log format: text, json")
	pf.BoolVar(&a.flags.json, "json", false, "JSON output")

	root.AddCommand(
		newInitCmd(a),
		newDispatchCmd(a),
		newBatchCmd(a),
		newGroupCmd(a),
		newReadCmd(a),
		newAckCmd(a),
		newPendingCmd(a),
		newClaimCmd(a),
		newRecoverCmd(a),
		newLogCmd(a),
		newStatusCmd(a),
		newHeartbeatCmd(a),
		newOutcomesCmd(a),
		newTrimCmd(a),
		newWorkerCmd(a),
		newWatchdogCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)
	return root
}

// load resolves the configuration and installs the logger. Flags win over
// the file and the environment.
func (a *app) load() error {
	cfg, path, err := config.NewLoader(nil).Load(a.flags.config)
	if err != nil {
		return err
	}
	if a.flags.db != "" {
		cfg.Store.Path = a.flags.db
	}
	if a.flags.logLevel != "" {
		cfg.Log.Level = a.flags.logLevel
	}
	if a.flags.logFormat != "" {
		cfg.Log.Format = a.flags.logFormat
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	a.cfg, a.cfgPath, a.logger = cfg, path, logger
	return nil
}

func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", lc.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(lc.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", lc.Format)
	}
}

// openStore opens the log database once, creating its directory.
func (a *app) openStore() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	path := a.cfg.Store.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	s, err := store.New(path, store.WithPollInterval(a.cfg.Store.PollInterval))
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", path, err)
	}
	a.store = s
	return s, nil
}

// Close releases the database connection.
func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}

func (a *app) registry() (*registry.Registry, error) {
	specs, err := a.cfg.TypeSpecs()
	if err != nil {
		return nil, err
	}
	return registry.New(specs)
}

// resolveConsumer returns the consumer ID from the flag, falling back to
// worker.consumer_id / CLOCKQ_CONSUMER. With generate set, a fresh
// host-pid-random ID is made when neither names one.
func (a *app) resolveConsumer(flagVal string, generate bool) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	if a.cfg.Worker.ConsumerID != "" {
		return a.cfg.Worker.ConsumerID, nil
	}
	if !generate {
		return "", fmt.Errorf("no consumer ID: pass --consumer or set %s", config.EnvConsumer)
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]), nil
}

// resolveGroup returns the group flag or the configured group.
func (a *app) resolveGroup(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return a.cfg.Worker.Group
}

// partitionOf accepts a task type or a full partition key.
func partitionOf(arg string) string {
	if strings.HasPrefix(arg, registry.PartitionPrefix) {
		return arg
	}
	return registry.PartitionKey(arg)
}

// partitionsOf maps args to partitions, defaulting to every configured type.
func (a *app) partitionsOf(args []string) []string {
	if len(args) == 0 {
		args = a.cfg.TypeNames()
	}
	out := make([]string, 0, len(args))
	for _, arg := range args {
		out = append(out, partitionOf(arg))
	}
	return out
}

func parseIDs(args []string) ([]model.RecordID, error) {
	ids := make([]model.RecordID, 0, len(args))
	for _, arg := range args {
		id, err := model.ParseRecordID(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// printJSON writes v to stdout as indented JSON.
func (a *app) printJSON(v any) {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

// readInput reads a file argument, "-" meaning stdin.
func readInput(cmd *cobra.Command, arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(arg)
}
