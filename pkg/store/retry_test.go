package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransientSQLiteErr(t *testing.T) {
	transient := []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"sqlite: (5) database is busy",
		"sqlite: (6) table is locked",
		"sqlite: (517) busy snapshot",
		"sqlite: (522) short read",
	}
	for _, msg := range transient {
		assert.True(t, isTransientSQLiteErr(errors.New(msg)), msg)
		assert.True(t, isTransientSQLiteErr(fmt.Errorf("ack: %w", errors.New(msg))), "wrapped "+msg)
	}

	assert.False(t, isTransientSQLiteErr(nil))
	assert.False(t, isTransientSQLiteErr(errors.New("UNIQUE constraint failed: pending.seq")))
	assert.False(t, isTransientSQLiteErr(ErrNotFound))
}

// fastRetry keeps the backoff in the millisecond range.
var fastRetry = retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 4 * time.Millisecond}

func TestRetryOp(t *testing.T) {
	permanent := errors.New("UNIQUE constraint failed: pending.seq")
	busy := errors.New("database is locked")

	tests := []struct {
		name      string
		failures  int // calls returning failErr before success
		failErr   error
		wantErr   error
		wantCalls int
	}{
		{name: "first try", failures: 0, wantCalls: 1},
		{name: "recovers from contention", failures: 2, failErr: busy, wantCalls: 3},
		{name: "permanent error is not retried", failures: 5, failErr: permanent, wantErr: permanent, wantCalls: 1},
		{name: "gives up after max retries", failures: 10, failErr: busy, wantErr: busy, wantCalls: fastRetry.maxRetries + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryOp(context.Background(), fastRetry, func() error {
				calls++
				if calls <= tt.failures {
					return tt.failErr
				}
				return nil
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestRetryOpZeroRetries(t *testing.T) {
	calls := 0
	err := retryOp(context.Background(), retryConfig{baseDelay: time.Millisecond, maxDelay: time.Millisecond}, func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryOpStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	err := retryOp(ctx, retryConfig{maxRetries: 10, baseDelay: time.Hour, maxDelay: time.Hour}, func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestBackoffDelay(t *testing.T) {
	cfg := retryConfig{maxRetries: 5, baseDelay: 50 * time.Millisecond, maxDelay: 200 * time.Millisecond}

	for attempt, base := range []time.Duration{50, 100, 200} {
		d := backoffDelay(cfg, attempt)
		lo := base * time.Millisecond
		assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
		assert.Less(t, d, lo+cfg.baseDelay, "attempt %d", attempt)
	}

	// Capped at maxDelay plus jitter.
	assert.Less(t, backoffDelay(cfg, 5), cfg.maxDelay+cfg.baseDelay)
	// A shift overflow must not go negative.
	assert.GreaterOrEqual(t, backoffDelay(cfg, 70), cfg.maxDelay)
}
