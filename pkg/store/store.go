// Package store is the SQLite-backed message log for clockq.
//
// One database holds every partition, consumer group and pending entry, so
// the log and the claim table always change together inside one
// transaction. WAL mode lets worker processes on the same host read while
// one of them writes; transactions start IMMEDIATE so the check-and-claim
// sequences in ReadNew, Claim and Ack hold the write lock from their first
// statement.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/daviddao/clockq/pkg/clock"

	_ "modernc.org/sqlite"
)

// DefaultPollInterval bounds how long a blocked ReadNew waits before
// re-checking for records appended by another process.
const DefaultPollInterval = 100 * time.Millisecond

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db           *sql.DB
	clock        clock.Clock
	pollInterval time.Duration
	notify       *notifier
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for dispatch, claim and
// heartbeat timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithPollInterval sets how often a blocked ReadNew polls for appends made
// by other processes. Appends made through the same Store wake readers
// immediately.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string, opts ...Option) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)" +
		"&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{
		db:           db,
		clock:        clock.Real{},
		pollInterval: DefaultPollInterval,
		notify:       newNotifier(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Clock returns the store's time source.
func (s *Store) Clock() clock.Clock { return s.clock }

// retryOnContention wraps retryOp from retry.go with the default config.
// Every write except Append goes through it.
func retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, fn)
}

// Timestamps are stored as INTEGER unix nanoseconds: idle-time gating
// compares them in SQL and text timestamps do not sort numerically.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS partitions (
		name       TEXT PRIMARY KEY,
		last_seq   INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		partition_name TEXT NOT NULL REFERENCES partitions(name),
		seq            INTEGER NOT NULL,
		task_type      TEXT NOT NULL,
		payload        BLOB NOT NULL,
		priority       INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT NOT NULL DEFAULT '',
		headers        TEXT NOT NULL DEFAULT '',
		dispatched_at  INTEGER NOT NULL,
		PRIMARY KEY (partition_name, seq)
	);

	CREATE TABLE IF NOT EXISTS consumer_groups (
		partition_name TEXT NOT NULL REFERENCES partitions(name),
		name           TEXT NOT NULL,
		last_delivered INTEGER NOT NULL DEFAULT 0,
		acked          INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL,
		PRIMARY KEY (partition_name, name)
	);

	CREATE TABLE IF NOT EXISTS pending (
		partition_name TEXT NOT NULL,
		grp            TEXT NOT NULL,
		seq            INTEGER NOT NULL,
		consumer_id    TEXT NOT NULL,
		claimed_at     INTEGER NOT NULL,
		delivery_count INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (partition_name, grp, seq),
		FOREIGN KEY (partition_name, grp) REFERENCES consumer_groups(partition_name, name)
	);
	CREATE INDEX IF NOT EXISTS idx_pending_idle ON pending(partition_name, grp, claimed_at, seq);
	CREATE INDEX IF NOT EXISTS idx_pending_consumer ON pending(consumer_id);

	CREATE TABLE IF NOT EXISTS heartbeats (
		consumer_id TEXT PRIMARY KEY,
		last_seen   INTEGER NOT NULL,
		ttl_ms      INTEGER NOT NULL,
		in_flight   INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS outcomes (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		partition_name TEXT NOT NULL,
		seq            INTEGER NOT NULL,
		task_type      TEXT NOT NULL,
		grp            TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		detail         TEXT NOT NULL DEFAULT '',
		delivery_count INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT NOT NULL DEFAULT '',
		recorded_at    INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_outcomes_once ON outcomes(partition_name, seq, grp, status);
	CREATE INDEX IF NOT EXISTS idx_outcomes_type ON outcomes(task_type, recorded_at);

	CREATE TABLE IF NOT EXISTS checkpoints (
		partition_name TEXT NOT NULL,
		seq            INTEGER NOT NULL,
		task_type      TEXT NOT NULL,
		state          BLOB NOT NULL,
		workdir_ref    TEXT NOT NULL DEFAULT '',
		updated_at     INTEGER NOT NULL,
		PRIMARY KEY (partition_name, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Append notification
// ---------------------------------------------------------------------------

// notifier wakes ReadNew callers blocked on a partition when a record is
// appended through the same Store. Readers take the channel before
// querying, so an append that lands between the query and the wait is
// never missed.
type notifier struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{chans: make(map[string]chan struct{})}
}

func (n *notifier) wait(partition string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.chans[partition]
	if !ok {
		ch = make(chan struct{})
		n.chans[partition] = ch
	}
	return ch
}

func (n *notifier) broadcast(partition string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.chans[partition]; ok {
		close(ch)
		delete(n.chans, partition)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
