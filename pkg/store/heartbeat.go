package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/clockq/pkg/model"
)

// RecordHeartbeat upserts a consumer's liveness record. Heartbeats are
// advisory: nothing in the log consults them before a Claim.
func (s *Store) RecordHeartbeat(ctx context.Context, consumer string, ttl time.Duration, inFlight int) error {
	if consumer == "" {
		return fmt.Errorf("heartbeat: consumer is required")
	}
	now := toNanos(s.clock.Now())
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO heartbeats (consumer_id, last_seen, ttl_ms, in_flight) VALUES (?, ?, ?, ?)
			 ON CONFLICT(consumer_id) DO UPDATE SET
				last_seen = excluded.last_seen,
				ttl_ms = excluded.ttl_ms,
				in_flight = excluded.in_flight`,
			consumer, now, ttl.Milliseconds(), inFlight)
		return err
	})
}

// GetHeartbeat returns the last heartbeat of consumer, or ErrNotFound.
func (s *Store) GetHeartbeat(ctx context.Context, consumer string) (*model.ConsumerHeartbeat, error) {
	var hb model.ConsumerHeartbeat
	var seen, ttl int64
	err := s.db.QueryRowContext(ctx,
		`SELECT consumer_id, last_seen, ttl_ms, in_flight FROM heartbeats WHERE consumer_id = ?`,
		consumer).Scan(&hb.ConsumerID, &seen, &ttl, &hb.InFlight)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: heartbeat for %s", ErrNotFound, consumer)
	}
	if err != nil {
		return nil, err
	}
	hb.LastSeenAt = fromNanos(seen)
	hb.TTL = time.Duration(ttl) * time.Millisecond
	return &hb, nil
}

// ListHeartbeats returns every known consumer ordered by id.
func (s *Store) ListHeartbeats(ctx context.Context) ([]model.ConsumerHeartbeat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT consumer_id, last_seen, ttl_ms, in_flight FROM heartbeats ORDER BY consumer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConsumerHeartbeat
	for rows.Next() {
		var hb model.ConsumerHeartbeat
		var seen, ttl int64
		if err := rows.Scan(&hb.ConsumerID, &seen, &ttl, &hb.InFlight); err != nil {
			return nil, err
		}
		hb.LastSeenAt = fromNanos(seen)
		hb.TTL = time.Duration(ttl) * time.Millisecond
		out = append(out, hb)
	}
	return out, rows.Err()
}

// DeleteHeartbeat removes a consumer's liveness record on clean shutdown.
func (s *Store) DeleteHeartbeat(ctx context.Context, consumer string) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM heartbeats WHERE consumer_id = ?`, consumer)
		return err
	})
}
