// iface.go defines the interfaces the rest of clockq programs against.
//
// The concrete *Store type satisfies both. The coordinator and worker
// runtime accept Log instead of *Store, so tests can inject a failing log.
package store

import (
	"context"
	"time"

	"github.com/daviddao/clockq/pkg/model"
)

// Log is the message log contract used by dispatch, coordination and
// workers.
type Log interface {
	// Append adds a record to its partition. Never retried internally.
	Append(ctx context.Context, req model.AppendRequest) (model.RecordID, error)

	// CreateGroup creates a consumer group; false if it already existed.
	CreateGroup(ctx context.Context, partition, group, startID string) (bool, error)

	// ReadNew delivers never-delivered records to consumer.
	ReadNew(ctx context.Context, partition, group, consumer string, maxCount int, block time.Duration) ([]model.Delivery, error)

	// WaitNew waits for undelivered records without delivering them.
	WaitNew(ctx context.Context, partition, group string, block time.Duration) (bool, error)

	// Ack removes a pending entry; false if there was none.
	Ack(ctx context.Context, partition, group string, id model.RecordID) (bool, error)

	// AckAs removes a pending entry only if consumer still owns it.
	AckAs(ctx context.Context, partition, group string, id model.RecordID, consumer string) (AckResult, error)

	// ListPending returns entries idle for at least minIdle, oldest first.
	ListPending(ctx context.Context, partition, group string, minIdle time.Duration) ([]model.PendingEntry, error)

	// Claim takes over an entry idle for at least minIdle.
	Claim(ctx context.Context, partition, group, consumer string, id model.RecordID, minIdle time.Duration) (*model.Delivery, error)

	// GroupStats accounts for every record from one group's point of view.
	GroupStats(ctx context.Context, partition, group string) (*model.GroupStats, error)
}

// StoreInterface defines the full set of store operations.
// The concrete *Store type implements this interface.
type StoreInterface interface {
	Log

	// Close closes the database connection.
	Close() error

	// --- Groups and records ---

	GetGroup(ctx context.Context, partition, group string) (*model.ConsumerGroup, error)
	ListGroups(ctx context.Context, partition string) ([]model.ConsumerGroup, error)
	ListPartitions(ctx context.Context) ([]PartitionInfo, error)
	ListRecords(ctx context.Context, partition string, after model.RecordID, limit int) ([]model.TaskRecord, error)
	GetRecord(ctx context.Context, partition string, id model.RecordID) (*model.TaskRecord, error)
	ListPendingForConsumer(ctx context.Context, consumer string) ([]model.PendingEntry, error)
	TrimAcked(ctx context.Context, partition string) (int64, error)

	// --- Heartbeats ---

	RecordHeartbeat(ctx context.Context, consumer string, ttl time.Duration, inFlight int) error
	GetHeartbeat(ctx context.Context, consumer string) (*model.ConsumerHeartbeat, error)
	ListHeartbeats(ctx context.Context) ([]model.ConsumerHeartbeat, error)
	DeleteHeartbeat(ctx context.Context, consumer string) error

	// --- Outcomes and checkpoints ---

	RecordOutcome(ctx context.Context, o model.Outcome) error
	ListOutcomes(ctx context.Context, q OutcomeQuery) ([]model.Outcome, error)
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	LoadCheckpoint(ctx context.Context, partition string, id model.RecordID) (*model.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, partition string, id model.RecordID) error
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
