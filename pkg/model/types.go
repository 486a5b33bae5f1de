// Package model defines the core domain types for clockq.
//
// Clockq dispatches work to infrastructure agents through a durable,
// partitioned log with consumer groups:
//
//   - A partition is an append-only sequence of task records for one task
//     type. Records are immutable once appended; only their claim state
//     changes, and that state lives in separate pending entries.
//
//   - A consumer group is a named cursor plus claim table over a partition.
//     Every record is delivered to at most one member of the group unless it
//     is reclaimed after sitting idle longer than a threshold.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RecordID identifies a record within its partition. IDs are assigned by
// the log at append time, start at 1, increase strictly and are never
// reused. The zero value sorts before every real record.
type RecordID int64

// String renders the ID in stream notation, e.g. "5-0".
func (id RecordID) String() string {
	return strconv.FormatInt(int64(id), 10) + "-0"
}

// MarshalJSON encodes the ID in stream notation.
func (id RecordID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts stream notation or a bare number.
func (id *RecordID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("record id: %w", err)
		}
		*id = RecordID(n)
		return nil
	}
	parsed, err := ParseRecordID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ErrInvalidID is returned for malformed record ids.
var ErrInvalidID = errors.New("invalid record id")

// ParseRecordID parses "N" or "N-0". Any other sub-sequence is rejected
// because the log never assigns one.
func ParseRecordID(s string) (RecordID, error) {
	s = strings.TrimSpace(s)
	seq, sub, found := strings.Cut(s, "-")
	if found && sub != "0" {
		return 0, fmt.Errorf("%w %q: sub-sequence must be 0", ErrInvalidID, s)
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w %q", ErrInvalidID, s)
	}
	return RecordID(n), nil
}

// TaskRecord is an immutable unit of dispatch. Priority is lower-is-more-
// urgent and informational: delivery follows id order.
type TaskRecord struct {
	ID            RecordID          `json:"id"`
	Partition     string            `json:"partition"`
	TaskType      string            `json:"task_type"`
	Payload       []byte            `json:"payload"`
	Priority      int               `json:"priority"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	DispatchedAt  time.Time         `json:"dispatched_at"`
}

// AppendRequest carries everything the log needs to append one record.
// Partition defaults to TaskType when empty.
type AppendRequest struct {
	Partition     string
	TaskType      string
	Payload       []byte
	Priority      int
	CorrelationID string
	Headers       map[string]string
}

// Delivery is a record handed to a consumer together with the claim state
// of its pending entry at the moment of delivery.
type Delivery struct {
	TaskRecord
	Group         string    `json:"group"`
	ConsumerID    string    `json:"consumer_id"`
	ClaimedAt     time.Time `json:"claimed_at"`
	DeliveryCount int       `json:"delivery_count"`
}

// PendingEntry tracks one claimed-but-unacknowledged delivery.
type PendingEntry struct {
	Partition     string    `json:"partition"`
	Group         string    `json:"group"`
	RecordID      RecordID  `json:"record_id"`
	ConsumerID    string    `json:"consumer_id"`
	ClaimedAt     time.Time `json:"claimed_at"`
	DeliveryCount int       `json:"delivery_count"`
}

// Idle returns how long the entry has gone without a claim.
func (p PendingEntry) Idle(now time.Time) time.Duration {
	d := now.Sub(p.ClaimedAt)
	if d < 0 {
		return 0
	}
	return d
}

// ConsumerGroup is a named cursor over one partition.
type ConsumerGroup struct {
	Partition       string    `json:"partition"`
	Name            string    `json:"name"`
	LastDeliveredID RecordID  `json:"last_delivered_id"`
	Acked           int64     `json:"acked"`
	CreatedAt       time.Time `json:"created_at"`
}

// GroupStats accounts for every record of a partition from one group's
// point of view. For a group created at "0",
// Acked + Pending + Undelivered == Total always holds.
type GroupStats struct {
	Partition   string   `json:"partition"`
	Group       string   `json:"group"`
	Total       int64    `json:"total"`
	Acked       int64    `json:"acked"`
	Pending     int64    `json:"pending"`
	Undelivered int64    `json:"undelivered"`
	LastID      RecordID `json:"last_id"`
	Cursor      RecordID `json:"cursor"`
}

// ConsumerHeartbeat is an advisory liveness signal with a TTL.
type ConsumerHeartbeat struct {
	ConsumerID string        `json:"consumer_id"`
	LastSeenAt time.Time     `json:"last_seen_at"`
	TTL        time.Duration `json:"ttl"`
	InFlight   int           `json:"in_flight"`
}

// Alive reports whether a heartbeat was recorded within the TTL.
func (h ConsumerHeartbeat) Alive(now time.Time) bool {
	return now.Sub(h.LastSeenAt) <= h.TTL
}

// Presence classifies a consumer for display:
//   - "online" within one TTL
//   - "stale" within three TTLs
//   - "dead" when silent for longer
func (h ConsumerHeartbeat) Presence(now time.Time) string {
	since := now.Sub(h.LastSeenAt)
	switch {
	case since <= h.TTL:
		return "online"
	case since <= 3*h.TTL:
		return "stale"
	default:
		return "dead"
	}
}

// NormalizedTask is what any trigger (cron, webhook, chat) builds before
// calling the dispatcher.
type NormalizedTask struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// OutcomeStatus enumerates terminal results written to the outcome store.
type OutcomeStatus string

const (
	OutcomeSucceeded      OutcomeStatus = "succeeded"
	OutcomeFailedTerminal OutcomeStatus = "failed_terminal"
)

// Outcome is an append-only terminal result for one record.
type Outcome struct {
	Partition     string        `json:"partition"`
	RecordID      RecordID      `json:"record_id"`
	TaskType      string        `json:"task_type"`
	Group         string        `json:"group"`
	Status        OutcomeStatus `json:"status"`
	Detail        string        `json:"detail,omitempty"`
	DeliveryCount int           `json:"delivery_count"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	RecordedAt    time.Time     `json:"recorded_at"`
}

// Checkpoint is the serializable state of a suspended task. Any worker may
// resume from it; it is not tied to the process that saved it.
type Checkpoint struct {
	Partition  string    `json:"partition"`
	RecordID   RecordID  `json:"record_id"`
	TaskType   string    `json:"task_type"`
	State      []byte    `json:"state"`
	WorkdirRef string    `json:"workdir_ref,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AttemptState is the state of one execution attempt of a delivery.
//
//	claimed -> executing -> {acked | failed_retryable | failed_terminal}
type AttemptState string

const (
	StateClaimed         AttemptState = "claimed"
	StateExecuting       AttemptState = "executing"
	StateAcked           AttemptState = "acked"
	StateFailedRetryable AttemptState = "failed_retryable"
	StateFailedTerminal  AttemptState = "failed_terminal"
)

// EventKind enumerates lifecycle events emitted for observability.
type EventKind string

const (
	EventDispatched   EventKind = "dispatched"
	EventClaimed      EventKind = "claimed"
	EventReclaimed    EventKind = "reclaimed"
	EventStarted      EventKind = "started"
	EventHeartbeat    EventKind = "heartbeat"
	EventAcked        EventKind = "acked"
	EventFailed       EventKind = "failed"
	EventRedundantAck EventKind = "redundant_ack"
	EventStalled      EventKind = "stalled"
	EventConsumerDead EventKind = "consumer_dead"
)

// LifecycleEvent is one structured observation about a record or consumer.
// Every attempt that reaches "started" ends with exactly one of acked,
// failed or redundant_ack.
type LifecycleEvent struct {
	Kind          EventKind     `json:"kind"`
	Partition     string        `json:"partition,omitempty"`
	Group         string        `json:"group,omitempty"`
	TaskType      string        `json:"task_type,omitempty"`
	RecordID      RecordID      `json:"record_id,omitempty"`
	ConsumerID    string        `json:"consumer_id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	DeliveryCount int           `json:"delivery_count,omitempty"`
	State         AttemptState  `json:"state,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	At            time.Time     `json:"at"`
}
