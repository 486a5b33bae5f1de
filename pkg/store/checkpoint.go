package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/daviddao/clockq/pkg/model"
)

// SaveCheckpoint stores partial progress for a record, replacing any
// earlier checkpoint. A later delivery of the same record loads it.
func (s *Store) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if cp.Partition == "" || cp.RecordID == 0 {
		return fmt.Errorf("save checkpoint: partition and record id are required")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.clock.Now()
	}
	state := cp.State
	if state == nil {
		state = []byte{}
	}
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO checkpoints (partition_name, seq, task_type, state, workdir_ref, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(partition_name, seq) DO UPDATE SET
				task_type = excluded.task_type,
				state = excluded.state,
				workdir_ref = excluded.workdir_ref,
				updated_at = excluded.updated_at`,
			cp.Partition, int64(cp.RecordID), cp.TaskType, state, cp.WorkdirRef, toNanos(cp.UpdatedAt))
		return err
	})
}

// LoadCheckpoint returns the checkpoint for a record, or nil if none was
// saved.
func (s *Store) LoadCheckpoint(ctx context.Context, partition string, id model.RecordID) (*model.Checkpoint, error) {
	cp := model.Checkpoint{Partition: partition, RecordID: id}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT task_type, state, workdir_ref, updated_at FROM checkpoints
		 WHERE partition_name = ? AND seq = ?`, partition, int64(id),
	).Scan(&cp.TaskType, &cp.State, &cp.WorkdirRef, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.UpdatedAt = fromNanos(updated)
	return &cp, nil
}

// DeleteCheckpoint removes a record's checkpoint once it is acknowledged.
func (s *Store) DeleteCheckpoint(ctx context.Context, partition string, id model.RecordID) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM checkpoints WHERE partition_name = ? AND seq = ?`, partition, int64(id))
		return err
	})
}
