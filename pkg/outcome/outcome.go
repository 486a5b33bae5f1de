// Package outcome is the append-only sink for terminal task results.
// clockq writes outcomes and never reads them back on the task path.
package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/daviddao/clockq/pkg/model"
)

// Store records outcomes. *store.Store implements it over SQLite.
type Store interface {
	RecordOutcome(ctx context.Context, o model.Outcome) error
}

// Tee records each outcome to every store in order. All stores are
// attempted; the first error is returned.
type Tee []Store

func (t Tee) RecordOutcome(ctx context.Context, o model.Outcome) error {
	var first error
	for _, s := range t {
		if err := s.RecordOutcome(ctx, o); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// DefaultSubject prefixes outcome subjects: "clockq.outcomes.<task type>".
const DefaultSubject = "clockq.outcomes"

// Publisher is the part of jetstream.JetStream the sink needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStream publishes outcomes as JSON to a persistent stream. Each message
// carries a Nats-Msg-Id derived from the record and delivery count, so a
// worker that re-records the same attempt is deduplicated by the server.
type JetStream struct {
	pub     Publisher
	subject string
}

// NewJetStream returns a sink publishing on "<subject>.<task type>".
func NewJetStream(pub Publisher, subject string) *JetStream {
	if subject == "" {
		subject = DefaultSubject
	}
	return &JetStream{pub: pub, subject: subject}
}

func (j *JetStream) RecordOutcome(ctx context.Context, o model.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	msgID := fmt.Sprintf("%s/%s/%d", o.Partition, o.RecordID, o.DeliveryCount)
	if _, err := j.pub.Publish(ctx, j.subject+"."+o.TaskType, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish outcome %s: %w", msgID, err)
	}
	return nil
}

// EnsureStream creates or updates the stream that retains outcomes.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, subject string, maxAge time.Duration) error {
	if subject == "" {
		subject = DefaultSubject
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{subject + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("ensure outcome stream %s: %w", name, err)
	}
	return nil
}
