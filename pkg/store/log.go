package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/clockq/pkg/model"
)

// CreateGroup start ids.
const (
	// StartFromBeginning delivers every record of the partition.
	StartFromBeginning = "0"
	// StartNewOnly delivers only records appended after the group exists.
	StartNewOnly = "$"
)

// PartitionInfo summarizes one partition.
type PartitionInfo struct {
	Name      string         `json:"name"`
	LastID    model.RecordID `json:"last_id"`
	Length    int64          `json:"length"`
	CreatedAt time.Time      `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Append
// ---------------------------------------------------------------------------

// Append adds a record to the end of its partition, creating the partition
// on first use, and returns the assigned id. It never waits on consumers.
// Any storage failure is returned wrapped in ErrStorageUnavailable and is
// not retried here.
func (s *Store) Append(ctx context.Context, req model.AppendRequest) (model.RecordID, error) {
	if req.TaskType == "" {
		return 0, fmt.Errorf("append: task type is required")
	}
	partition := req.Partition
	if partition == "" {
		partition = req.TaskType
	}
	headers := ""
	if len(req.Headers) > 0 {
		b, err := json.Marshal(req.Headers)
		if err != nil {
			return 0, fmt.Errorf("append: encode headers: %w", err)
		}
		headers = string(b)
	}
	payload := req.Payload
	if payload == nil {
		payload = []byte{}
	}
	now := toNanos(s.clock.Now())

	id, err := s.appendTx(ctx, partition, req, payload, headers, now)
	if err != nil {
		return 0, fmt.Errorf("%w: append to %s: %v", ErrStorageUnavailable, partition, err)
	}
	s.notify.broadcast(partition)
	return id, nil
}

func (s *Store) appendTx(ctx context.Context, partition string, req model.AppendRequest, payload []byte, headers string, now int64) (model.RecordID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO partitions (name, last_seq, created_at) VALUES (?, 0, ?)
		 ON CONFLICT(name) DO NOTHING`, partition, now); err != nil {
		return 0, err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE partitions SET last_seq = last_seq + 1 WHERE name = ? RETURNING last_seq`,
		partition).Scan(&seq); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (partition_name, seq, task_type, payload, priority, correlation_id, headers, dispatched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		partition, seq, req.TaskType, payload, req.Priority, req.CorrelationID, headers, now,
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return model.RecordID(seq), nil
}

// ---------------------------------------------------------------------------
// Groups
// ---------------------------------------------------------------------------

// CreateGroup creates a consumer group over partition. startID is "0"
// (deliver every record), "$" (deliver only records appended from now on)
// or an explicit record id. Returns false, with no error, when the group
// already exists; its cursor is left untouched.
func (s *Store) CreateGroup(ctx context.Context, partition, group, startID string) (bool, error) {
	if partition == "" || group == "" {
		return false, fmt.Errorf("create group: partition and group are required")
	}
	var explicit model.RecordID
	if startID != StartNewOnly {
		if startID == "" {
			startID = "0"
		}
		id, err := model.ParseRecordID(startID)
		if err != nil {
			return false, fmt.Errorf("create group: %w", err)
		}
		explicit = id
	}

	var created bool
	err := retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		now := toNanos(s.clock.Now())
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO partitions (name, last_seq, created_at) VALUES (?, 0, ?)
			 ON CONFLICT(name) DO NOTHING`, partition, now); err != nil {
			return err
		}
		start := int64(explicit)
		if startID == StartNewOnly {
			if err := tx.QueryRowContext(ctx,
				`SELECT last_seq FROM partitions WHERE name = ?`, partition).Scan(&start); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO consumer_groups (partition_name, name, last_delivered, acked, created_at)
			 VALUES (?, ?, ?, 0, ?)
			 ON CONFLICT(partition_name, name) DO NOTHING`,
			partition, group, start, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit group: %w", err)
		}
		created = n > 0
		return nil
	})
	return created, err
}

// GetGroup returns a consumer group, or ErrNoGroup.
func (s *Store) GetGroup(ctx context.Context, partition, group string) (*model.ConsumerGroup, error) {
	var g model.ConsumerGroup
	var last, created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT partition_name, name, last_delivered, acked, created_at
		 FROM consumer_groups WHERE partition_name = ? AND name = ?`,
		partition, group,
	).Scan(&g.Partition, &g.Name, &last, &g.Acked, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoGroup, partition, group)
	}
	if err != nil {
		return nil, err
	}
	g.LastDeliveredID = model.RecordID(last)
	g.CreatedAt = fromNanos(created)
	return &g, nil
}

// ListGroups returns consumer groups ordered by partition and name. An
// empty partition lists every group.
func (s *Store) ListGroups(ctx context.Context, partition string) ([]model.ConsumerGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition_name, name, last_delivered, acked, created_at
		 FROM consumer_groups WHERE ? = '' OR partition_name = ?
		 ORDER BY partition_name, name`, partition, partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []model.ConsumerGroup
	for rows.Next() {
		var g model.ConsumerGroup
		var last, created int64
		if err := rows.Scan(&g.Partition, &g.Name, &last, &g.Acked, &created); err != nil {
			return nil, err
		}
		g.LastDeliveredID = model.RecordID(last)
		g.CreatedAt = fromNanos(created)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

// ReadNew delivers up to maxCount records the group has never delivered,
// in id order, to consumer. The group cursor advance and the pending
// entries for the returned records commit atomically, so two consumers
// reading concurrently never receive the same record.
//
// With nothing to deliver and block > 0, ReadNew waits up to block for an
// append and then returns an empty result. It returns ctx.Err() if ctx is
// cancelled while waiting.
func (s *Store) ReadNew(ctx context.Context, partition, group, consumer string, maxCount int, block time.Duration) ([]model.Delivery, error) {
	if consumer == "" {
		return nil, fmt.Errorf("read new: consumer is required")
	}
	if maxCount <= 0 {
		maxCount = 1
	}
	var deadline <-chan time.Time
	if block > 0 {
		deadline = s.clock.After(block)
	}
	for {
		wake := s.notify.wait(partition)
		out, err := s.readNewOnce(ctx, partition, group, consumer, maxCount)
		if err != nil || len(out) > 0 || block <= 0 {
			return out, err
		}
		poll := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		case <-deadline:
			poll.Stop()
			return nil, nil
		case <-wake:
			poll.Stop()
		case <-poll.C:
		}
	}
}

func (s *Store) readNewOnce(ctx context.Context, partition, group, consumer string, maxCount int) ([]model.Delivery, error) {
	var out []model.Delivery
	err := retryOnContention(ctx, func() error {
		out = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		var last int64
		err = tx.QueryRowContext(ctx,
			`SELECT last_delivered FROM consumer_groups WHERE partition_name = ? AND name = ?`,
			partition, group).Scan(&last)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s/%s", ErrNoGroup, partition, group)
		}
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, selectRecordCols+
			` FROM records WHERE partition_name = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
			partition, last, maxCount)
		if err != nil {
			return err
		}
		records, err := scanRecords(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		now := s.clock.Now()
		for _, r := range records {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pending (partition_name, grp, seq, consumer_id, claimed_at, delivery_count)
				 VALUES (?, ?, ?, ?, ?, 1)`,
				partition, group, int64(r.ID), consumer, toNanos(now)); err != nil {
				return fmt.Errorf("create pending entry %s: %w", r.ID, err)
			}
			out = append(out, model.Delivery{
				TaskRecord:    r,
				Group:         group,
				ConsumerID:    consumer,
				ClaimedAt:     now,
				DeliveryCount: 1,
			})
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE consumer_groups SET last_delivered = ? WHERE partition_name = ? AND name = ?`,
			int64(records[len(records)-1].ID), partition, group); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WaitNew waits up to block for the group to have undelivered records in
// partition and reports whether it has any. It claims nothing, so a caller
// can wait for work without holding capacity it may not use.
func (s *Store) WaitNew(ctx context.Context, partition, group string, block time.Duration) (bool, error) {
	var deadline <-chan time.Time
	if block > 0 {
		deadline = s.clock.After(block)
	}
	for {
		wake := s.notify.wait(partition)
		var undelivered bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM consumer_groups g JOIN partitions p ON p.name = g.partition_name
				WHERE g.partition_name = ? AND g.name = ? AND p.last_seq > g.last_delivered)`,
			partition, group).Scan(&undelivered)
		if err != nil || undelivered || block <= 0 {
			return undelivered, err
		}
		poll := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return false, ctx.Err()
		case <-deadline:
			poll.Stop()
			return false, nil
		case <-wake:
			poll.Stop()
		case <-poll.C:
		}
	}
}

// Ack deletes the record's pending entry. It returns false, with no error,
// when there was nothing to acknowledge. The record itself stays in the
// partition.
func (s *Store) Ack(ctx context.Context, partition, group string, id model.RecordID) (bool, error) {
	var deleted bool
	err := retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		res, err := tx.ExecContext(ctx,
			`DELETE FROM pending WHERE partition_name = ? AND grp = ? AND seq = ?`,
			partition, group, int64(id))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			if err := countAck(ctx, tx, partition, group); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit ack: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// AckAs acknowledges a delivery on behalf of consumer. If the entry was
// reclaimed by another consumer in the meantime the ack is AckRedundant
// and the entry stays with its new owner. The ownership check and the
// delete are one statement, so a racing Claim either happens entirely
// before (redundant) or entirely after (entry gone, claim fails).
func (s *Store) AckAs(ctx context.Context, partition, group string, id model.RecordID, consumer string) (AckResult, error) {
	result := AckMissing
	err := retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		res, err := tx.ExecContext(ctx,
			`DELETE FROM pending WHERE partition_name = ? AND grp = ? AND seq = ? AND consumer_id = ?`,
			partition, group, int64(id), consumer)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			if err := countAck(ctx, tx, partition, group); err != nil {
				return err
			}
			result = AckDeleted
		} else {
			var owner string
			err := tx.QueryRowContext(ctx,
				`SELECT consumer_id FROM pending WHERE partition_name = ? AND grp = ? AND seq = ?`,
				partition, group, int64(id)).Scan(&owner)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				result = AckMissing
			case err != nil:
				return err
			default:
				result = AckRedundant
			}
		}
		return tx.Commit()
	})
	return result, err
}

func countAck(ctx context.Context, tx *sql.Tx, partition, group string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE consumer_groups SET acked = acked + 1 WHERE partition_name = ? AND name = ?`,
		partition, group)
	return err
}

// ListPending returns pending entries idle for at least minIdle, oldest
// claim first with ties broken by record id. This is the order in which
// abandoned work is recovered.
func (s *Store) ListPending(ctx context.Context, partition, group string, minIdle time.Duration) ([]model.PendingEntry, error) {
	if _, err := s.GetGroup(ctx, partition, group); err != nil {
		return nil, err
	}
	cutoff := toNanos(s.clock.Now().Add(-minIdle))
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, consumer_id, claimed_at, delivery_count FROM pending
		 WHERE partition_name = ? AND grp = ? AND claimed_at <= ?
		 ORDER BY claimed_at ASC, seq ASC`,
		partition, group, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.PendingEntry
	for rows.Next() {
		e := model.PendingEntry{Partition: partition, Group: group}
		var seq, claimed int64
		if err := rows.Scan(&seq, &e.ConsumerID, &claimed, &e.DeliveryCount); err != nil {
			return nil, err
		}
		e.RecordID = model.RecordID(seq)
		e.ClaimedAt = fromNanos(claimed)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListPendingForConsumer returns every pending entry owned by consumer
// across all partitions and groups.
func (s *Store) ListPendingForConsumer(ctx context.Context, consumer string) ([]model.PendingEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition_name, grp, seq, consumer_id, claimed_at, delivery_count FROM pending
		 WHERE consumer_id = ? ORDER BY claimed_at ASC, seq ASC`, consumer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.PendingEntry
	for rows.Next() {
		var e model.PendingEntry
		var seq, claimed int64
		if err := rows.Scan(&e.Partition, &e.Group, &seq, &e.ConsumerID, &claimed, &e.DeliveryCount); err != nil {
			return nil, err
		}
		e.RecordID = model.RecordID(seq)
		e.ClaimedAt = fromNanos(claimed)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Claim reassigns a pending entry to consumer, incrementing its delivery
// count and resetting its claim time, but only if the entry has been idle
// for at least minIdle. The idle check and the reassignment are one
// guarded UPDATE, so of two watchdogs racing for the same entry exactly one
// wins and a slow-but-alive owner is never robbed early. Returns
// ErrNotFound when the entry is gone or the guard rejects the claim.
func (s *Store) Claim(ctx context.Context, partition, group, consumer string, id model.RecordID, minIdle time.Duration) (*model.Delivery, error) {
	if consumer == "" {
		return nil, fmt.Errorf("claim: consumer is required")
	}
	var d *model.Delivery
	err := retryOnContention(ctx, func() error {
		d = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		now := s.clock.Now()
		cutoff := toNanos(now.Add(-minIdle))
		var count int
		err = tx.QueryRowContext(ctx,
			`UPDATE pending SET consumer_id = ?, claimed_at = ?, delivery_count = delivery_count + 1
			 WHERE partition_name = ? AND grp = ? AND seq = ? AND claimed_at <= ?
			 RETURNING delivery_count`,
			consumer, toNanos(now), partition, group, int64(id), cutoff).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: pending entry %s in %s/%s", ErrNotFound, id, partition, group)
		}
		if err != nil {
			return err
		}

		rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecordCols+
			` FROM records WHERE partition_name = ? AND seq = ?`, partition, int64(id)))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: record %s in %s", ErrNotFound, id, partition)
		}
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim: %w", err)
		}
		d = &model.Delivery{
			TaskRecord:    *rec,
			Group:         group,
			ConsumerID:    consumer,
			ClaimedAt:     now,
			DeliveryCount: count,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// GroupStats accounts for every record of the partition from the group's
// point of view. Record ids are gapless per partition, so the partition's
// last id is its total append count even after trimming.
func (s *Store) GroupStats(ctx context.Context, partition, group string) (*model.GroupStats, error) {
	g, err := s.GetGroup(ctx, partition, group)
	if err != nil {
		return nil, err
	}
	var last, pending int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM partitions WHERE name = ?`, partition).Scan(&last); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending WHERE partition_name = ? AND grp = ?`,
		partition, group).Scan(&pending); err != nil {
		return nil, err
	}
	return &model.GroupStats{
		Partition:   partition,
		Group:       group,
		Total:       last,
		Acked:       g.Acked,
		Pending:     pending,
		Undelivered: last - int64(g.LastDeliveredID),
		LastID:      model.RecordID(last),
		Cursor:      g.LastDeliveredID,
	}, nil
}

// ListPartitions returns every partition ordered by name.
func (s *Store) ListPartitions(ctx context.Context) ([]PartitionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.name, p.last_seq, p.created_at,
		        (SELECT COUNT(*) FROM records r WHERE r.partition_name = p.name)
		 FROM partitions p ORDER BY p.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PartitionInfo
	for rows.Next() {
		var p PartitionInfo
		var last, created int64
		if err := rows.Scan(&p.Name, &last, &created, &p.Length); err != nil {
			return nil, err
		}
		p.LastID = model.RecordID(last)
		p.CreatedAt = fromNanos(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListRecords returns records with id > after in id order.
func (s *Store) ListRecords(ctx context.Context, partition string, after model.RecordID, limit int) ([]model.TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectRecordCols+
		` FROM records WHERE partition_name = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		partition, int64(after), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// GetRecord returns one record, or ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, partition string, id model.RecordID) (*model.TaskRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecordCols+
		` FROM records WHERE partition_name = ? AND seq = ?`, partition, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: record %s in %s", ErrNotFound, id, partition)
	}
	return rec, err
}

// TrimAcked deletes records every group of the partition has delivered and
// none still has pending. A partition without groups is never trimmed.
// Returns the number of records deleted.
func (s *Store) TrimAcked(ctx context.Context, partition string) (int64, error) {
	var n int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM records
			 WHERE partition_name = ?1
			   AND seq <= (SELECT COALESCE(MIN(last_delivered), 0) FROM consumer_groups WHERE partition_name = ?1)
			   AND NOT EXISTS (SELECT 1 FROM pending p
			                   WHERE p.partition_name = records.partition_name AND p.seq = records.seq)`,
			partition)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ---------------------------------------------------------------------------
// Record scanning
// ---------------------------------------------------------------------------

const selectRecordCols = `SELECT partition_name, seq, task_type, payload, priority, correlation_id, headers, dispatched_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.TaskRecord, error) {
	var r model.TaskRecord
	var seq, dispatched int64
	var headers string
	if err := row.Scan(&r.Partition, &seq, &r.TaskType, &r.Payload, &r.Priority,
		&r.CorrelationID, &headers, &dispatched); err != nil {
		return nil, err
	}
	r.ID = model.RecordID(seq)
	r.DispatchedAt = fromNanos(dispatched)
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &r.Headers); err != nil {
			return nil, fmt.Errorf("parse headers for record %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]model.TaskRecord, error) {
	var records []model.TaskRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}
