// retry.go retries transient SQLite contention on claim-table writes.
//
// Several worker processes sharing one WAL database contend on the write
// lock: a reclaim sweep, a heartbeat and an ack can all arrive at once.
// busy_timeout absorbs most SQLITE_BUSY waits at the connection level;
// SQLITE_LOCKED and IOERR_SHORT_READ (522) still surface and are retried
// here with exponential backoff and jitter.
//
// Append is not retried: a failed append surfaces to the dispatcher's
// caller.
package store

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// retryConfig controls retry behavior for transient SQLite errors.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// defaultRetryConfig is used for all retried store writes.
var defaultRetryConfig = retryConfig{
	maxRetries: 4,
	baseDelay:  25 * time.Millisecond,
	maxDelay:   400 * time.Millisecond,
}

// transientPatterns are matched against error text from modernc.org/sqlite,
// which embeds result codes in its messages.
var transientPatterns = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"IOERR_SHORT_READ",
	"database is locked",
	"database table is locked",
	"(5)",
	"(6)",
	"(517)", // SQLITE_BUSY_SNAPSHOT
	"(522)",
}

// isTransientSQLiteErr reports whether retrying err can succeed.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOp runs fn until it succeeds, fails permanently, exhausts its
// retries or ctx is done. fn must be safe to re-run: every caller wraps a
// whole transaction, so a failed attempt leaves nothing behind.
func retryOp(ctx context.Context, cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt == cfg.maxRetries {
			break
		}
		t := time.NewTimer(backoffDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
	}
	return lastErr
}

// backoffDelay returns baseDelay * 2^attempt, capped at maxDelay, plus
// jitter in [0, baseDelay).
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay || delay <= 0 {
		delay = cfg.maxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(cfg.baseDelay)))
}
