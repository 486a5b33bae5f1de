package store

import "errors"

// Common store errors.
var (
	// ErrNotFound is returned when a pending entry, record or heartbeat does
	// not exist, and when Claim's idle guard rejects a reclaim.
	ErrNotFound = errors.New("not found")

	// ErrNoGroup is returned when a consumer group has not been created.
	ErrNoGroup = errors.New("no such consumer group")

	// ErrStorageUnavailable wraps any storage failure during Append. The
	// record was not appended; the caller decides whether to retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// AckResult distinguishes the outcomes of a consumer-guarded ack. None of
// them is an error: duplicate delivery and duplicate ack are expected under
// at-least-once semantics.
type AckResult int

const (
	// AckDeleted means the pending entry was removed.
	AckDeleted AckResult = iota
	// AckMissing means no pending entry existed (already acknowledged).
	AckMissing
	// AckRedundant means the entry now belongs to another consumer after a
	// reclaim; it was left in place.
	AckRedundant
)

func (r AckResult) String() string {
	switch r {
	case AckDeleted:
		return "deleted"
	case AckMissing:
		return "missing"
	case AckRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}
