package store

import (
	"context"
	"fmt"

	"github.com/daviddao/clockq/pkg/model"
)

// OutcomeQuery filters ListOutcomes. Zero fields match everything.
type OutcomeQuery struct {
	Partition string
	RecordID  model.RecordID
	TaskType  string
	Status    model.OutcomeStatus
	Limit     int
}

// RecordOutcome appends a task outcome. A record keeps at most one outcome
// per group and status: recording the same status again, for example after
// a later delivery of an entry whose outcome was stored but never acked, is
// a no-op that keeps the first row. A record redelivered after a lost ack
// can still end with outcomes of different statuses.
func (s *Store) RecordOutcome(ctx context.Context, o model.Outcome) error {
	if o.Partition == "" || o.RecordID == 0 {
		return fmt.Errorf("record outcome: partition and record id are required")
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = s.clock.Now()
	}
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO outcomes (partition_name, seq, task_type, grp, status, detail, delivery_count, correlation_id, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (partition_name, seq, grp, status) DO NOTHING`,
			o.Partition, int64(o.RecordID), o.TaskType, o.Group, string(o.Status), o.Detail,
			o.DeliveryCount, o.CorrelationID, toNanos(o.RecordedAt))
		return err
	})
}

// ListOutcomes returns outcomes matching q, newest first.
func (s *Store) ListOutcomes(ctx context.Context, q OutcomeQuery) ([]model.Outcome, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition_name, seq, task_type, grp, status, detail, delivery_count, correlation_id, recorded_at
		 FROM outcomes
		 WHERE (?1 = '' OR partition_name = ?1)
		   AND (?2 = 0 OR seq = ?2)
		   AND (?3 = '' OR task_type = ?3)
		   AND (?4 = '' OR status = ?4)
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?5`,
		q.Partition, int64(q.RecordID), q.TaskType, string(q.Status), q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Outcome
	for rows.Next() {
		var o model.Outcome
		var seq, recorded int64
		var status string
		if err := rows.Scan(&o.Partition, &seq, &o.TaskType, &o.Group, &status, &o.Detail,
			&o.DeliveryCount, &o.CorrelationID, &recorded); err != nil {
			return nil, err
		}
		o.RecordID = model.RecordID(seq)
		o.Status = model.OutcomeStatus(status)
		o.RecordedAt = fromNanos(recorded)
		out = append(out, o)
	}
	return out, rows.Err()
}
