package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/clockq/pkg/model"
)

type fakePublisher struct {
	mu   sync.Mutex
	subj []string
	data [][]byte
	err  error
}

func (f *fakePublisher) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subj = append(f.subj, subj)
	f.data = append(f.data, data)
	return nil
}

func TestMultiFansOut(t *testing.T) {
	var a, b Recorder
	m := Multi{&a, nil, &b}
	m.Emit(context.Background(), model.LifecycleEvent{Kind: model.EventAcked})
	assert.Equal(t, 1, a.Count(model.EventAcked))
	assert.Equal(t, 1, b.Count(model.EventAcked))
}

func TestOrDefaultsToDiscard(t *testing.T) {
	assert.Equal(t, Discard, Or(nil))
	var r Recorder
	assert.Equal(t, Sink(&r), Or(&r))
}

func TestLogRedundantAckAtWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	sink := NewLog(logger)

	sink.Emit(context.Background(), model.LifecycleEvent{Kind: model.EventClaimed, RecordID: 1})
	sink.Emit(context.Background(), model.LifecycleEvent{
		Kind:       model.EventRedundantAck,
		Partition:  "dispatch:drift-scan",
		RecordID:   5,
		ConsumerID: "w1",
	})

	out := buf.String()
	assert.Contains(t, out, `msg="redundant ack"`)
	assert.Contains(t, out, "record_id=5-0")
	assert.NotContains(t, out, "claimed", "debug events filtered at warn")
}

func TestNATSPublishesOnKindSubject(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATS(pub, "", nil)
	sink.Emit(context.Background(), model.LifecycleEvent{
		Kind:          model.EventReclaimed,
		RecordID:      5,
		DeliveryCount: 2,
	})

	require.Len(t, pub.subj, 1)
	assert.Equal(t, "clockq.events.reclaimed", pub.subj[0])

	var ev model.LifecycleEvent
	require.NoError(t, json.Unmarshal(pub.data[0], &ev))
	assert.Equal(t, model.RecordID(5), ev.RecordID)
	assert.Equal(t, 2, ev.DeliveryCount)
}

func TestNATSPublishFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	sink := NewNATS(pub, "ops", slog.New(slog.NewTextHandler(&buf, nil)))
	sink.Emit(context.Background(), model.LifecycleEvent{Kind: model.EventAcked})
	assert.True(t, strings.Contains(buf.String(), "connection closed"))
	assert.Equal(t, "ops.acked", sink.Subject(model.EventAcked))
}

func TestRecorderKinds(t *testing.T) {
	var r Recorder
	for _, k := range []model.EventKind{model.EventClaimed, model.EventStarted, model.EventAcked} {
		r.Emit(context.Background(), model.LifecycleEvent{Kind: k})
	}
	assert.Equal(t, []model.EventKind{model.EventClaimed, model.EventStarted, model.EventAcked}, r.Kinds())
	assert.Len(t, r.Events(), 3)
}
