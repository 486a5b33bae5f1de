package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/clockq/pkg/model"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	optCount []int
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	f.optCount = append(f.optCount, len(opts))
	return &jetstream.PubAck{Stream: "OUTCOMES", Sequence: uint64(len(f.subjects))}, nil
}

type memStore struct {
	got []model.Outcome
	err error
}

func (m *memStore) RecordOutcome(_ context.Context, o model.Outcome) error {
	if m.err != nil {
		return m.err
	}
	m.got = append(m.got, o)
	return nil
}

func TestJetStreamPublishesPerTaskType(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewJetStream(pub, "")
	o := model.Outcome{
		Partition:     "dispatch:drift-scan",
		RecordID:      5,
		TaskType:      "drift-scan",
		Status:        model.OutcomeFailedTerminal,
		Detail:        "max deliveries exceeded",
		DeliveryCount: 11,
	}
	require.NoError(t, sink.RecordOutcome(context.Background(), o))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "clockq.outcomes.drift-scan", pub.subjects[0])
	assert.Equal(t, 1, pub.optCount[0], "message id option")

	var back model.Outcome
	require.NoError(t, json.Unmarshal(pub.payloads[0], &back))
	assert.Equal(t, o.Detail, back.Detail)
	assert.Equal(t, 11, back.DeliveryCount)
}

func TestJetStreamPublishError(t *testing.T) {
	sink := NewJetStream(&fakePublisher{err: errors.New("nats: no responders")}, "x")
	err := sink.RecordOutcome(context.Background(), model.Outcome{Partition: "p", RecordID: 1, TaskType: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p/1-0/0")
}

func TestTeeWritesAllAndReturnsFirstError(t *testing.T) {
	a := &memStore{}
	b := &memStore{err: errors.New("b down")}
	c := &memStore{}
	err := Tee{a, b, c}.RecordOutcome(context.Background(), model.Outcome{RecordID: 1})
	assert.EqualError(t, err, "b down")
	assert.Len(t, a.got, 1)
	assert.Len(t, c.got, 1, "later stores still receive the outcome")
}
