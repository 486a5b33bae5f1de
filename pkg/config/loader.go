package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is searched for in the working directory and its
	// parents.
	ProjectConfigFile = "clockq.yaml"
	// DefaultDBPath is used when neither the file nor CLOCKQ_DB names one.
	DefaultDBPath = ".clockq/clockq.db"
)

// Environment overrides, applied after the file.
const (
	EnvDB       = "CLOCKQ_DB"
	EnvConsumer = "CLOCKQ_CONSUMER"
	EnvGroup    = "CLOCKQ_GROUP"
	EnvNATSURL  = "CLOCKQ_NATS_URL"
)

// Loader resolves configuration with layered precedence.
type Loader struct {
	logger *slog.Logger
	dir    string
}

// NewLoader returns a loader searching from the working directory.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	dir, _ := os.Getwd()
	return &Loader{logger: logger, dir: dir}
}

// Load builds the configuration:
//
//  1. DefaultConfig
//  2. explicit (when non-empty) or clockq.yaml in the working directory
//     or a parent
//  3. .env in the working directory (never overriding set variables)
//  4. CLOCKQ_* environment overrides
//
// then validates it. It returns the config and the file it read, which is
// empty when only defaults applied.
func (l *Loader) Load(explicit string) (*Config, string, error) {
	path := explicit
	if path == "" {
		path = l.findProjectConfig()
	}

	cfg := DefaultConfig()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, "", err
		}
		cfg = fileCfg
		l.logger.Debug("loaded config", "path", path)
	} else {
		l.logger.Debug("no project config found, using defaults")
	}

	if err := godotenv.Load(filepath.Join(l.dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("load .env: %w", err)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", displayPath(path), err)
	}
	return cfg, path, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDB); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv(EnvConsumer); v != "" {
		cfg.Worker.ConsumerID = v
	}
	if v := os.Getenv(EnvGroup); v != "" {
		cfg.Worker.Group = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.NATS.URL = v
	}
}

// findProjectConfig searches for clockq.yaml in the loader's directory and
// its parents.
func (l *Loader) findProjectConfig() string {
	if l.dir == "" {
		return ""
	}
	dir := l.dir
	for {
		p := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func displayPath(p string) string {
	if p == "" {
		return "(defaults)"
	}
	return p
}
