package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/clockq/pkg/clock"
	"github.com/daviddao/clockq/pkg/events"
	"github.com/daviddao/clockq/pkg/model"
	"github.com/daviddao/clockq/pkg/registry"
	"github.com/daviddao/clockq/pkg/store"
)

const repoSchema = `{"type":"object","required":["repo"],"properties":{"repo":{"type":"string"}}}`

type fixture struct {
	store *store.Store
	clock *clock.Fake
	rec   *events.Recorder
	d     *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), store.WithClock(fc))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg, err := registry.New([]registry.TypeSpec{
		{Name: "drift-scan", Schema: json.RawMessage(repoSchema)},
		{Name: "background-agent"},
	})
	require.NoError(t, err)

	rec := &events.Recorder{}
	d := New(reg, s, WithClock(fc), WithEvents(rec))
	return &fixture{store: s, clock: fc, rec: rec, d: d}
}

func TestDispatchThenConsume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.d.Dispatch(ctx, model.NormalizedTask{
		Type:    "drift-scan",
		Payload: json.RawMessage(`{"repo":"infra-core"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "1-0", id.String())

	part := registry.PartitionKey("drift-scan")
	_, err = f.store.CreateGroup(ctx, part, "workers", "0")
	require.NoError(t, err)
	got, err := f.store.ReadNew(ctx, part, "workers", "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, `{"repo":"infra-core"}`, string(got[0].Payload))
	assert.NotEmpty(t, got[0].CorrelationID)

	ok, err := f.store.Ack(ctx, part, "workers", got[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)
	pending, err := f.store.ListPending(ctx, part, "workers", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	evs := f.rec.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventDispatched, evs[0].Kind)
	assert.Equal(t, got[0].CorrelationID, evs[0].CorrelationID)
}

func TestDispatchKeepsCallerCorrelationID(t *testing.T) {
	f := newFixture(t)
	id, err := f.d.Dispatch(context.Background(), model.NormalizedTask{
		Type:          "background-agent",
		Payload:       json.RawMessage(`"anything"`),
		Priority:      2,
		CorrelationID: "chat-42",
	})
	require.NoError(t, err)
	rec, err := f.store.GetRecord(context.Background(), "dispatch:background-agent", id)
	require.NoError(t, err)
	assert.Equal(t, "chat-42", rec.CorrelationID)
	assert.Equal(t, 2, rec.Priority)
}

func TestDispatchUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Dispatch(context.Background(), model.NormalizedTask{Type: "nope"})
	assert.ErrorIs(t, err, registry.ErrUnknownTaskType)

	parts, err := f.store.ListPartitions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestDispatchInvalidPayloadAppendsNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Dispatch(context.Background(), model.NormalizedTask{
		Type:    "drift-scan",
		Payload: json.RawMessage(`{"repository":"infra-core"}`),
	})
	require.Error(t, err)

	var perr *registry.PayloadValidationError
	require.True(t, errors.As(err, &perr))
	assert.NotEmpty(t, perr.Violations)

	parts, err := f.store.ListPartitions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, parts, "no record may appear in any partition")
	assert.Empty(t, f.rec.Events())
}

type failingAppender struct{ calls int }

func (f *failingAppender) Append(context.Context, model.AppendRequest) (model.RecordID, error) {
	f.calls++
	return 0, fmt.Errorf("%w: disk full", store.ErrStorageUnavailable)
}

func TestDispatchSurfacesStorageFailureWithoutRetry(t *testing.T) {
	reg, err := registry.New([]registry.TypeSpec{{Name: "t"}})
	require.NoError(t, err)
	app := &failingAppender{}
	d := New(reg, app)

	_, err = d.Dispatch(context.Background(), model.NormalizedTask{Type: "t"})
	assert.ErrorIs(t, err, store.ErrStorageUnavailable)
	assert.Equal(t, 1, app.calls)
}

func TestDispatchBatchStaggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tasks := make([]model.NormalizedTask, 100)
	for i := range tasks {
		tasks[i] = model.NormalizedTask{
			Type:    "drift-scan",
			Payload: json.RawMessage(fmt.Sprintf(`{"repo":"repo-%03d"}`, i)),
		}
	}
	ids, err := f.d.DispatchBatch(ctx, tasks, 5000*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, ids, 100)

	part := registry.PartitionKey("drift-scan")
	first, err := f.store.GetRecord(ctx, part, ids[0])
	require.NoError(t, err)
	last, err := f.store.GetRecord(ctx, part, ids[99])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, last.DispatchedAt.Sub(first.DispatchedAt), 495000*time.Millisecond)
}

func TestDispatchBatchStopsAtFirstError(t *testing.T) {
	f := newFixture(t)
	tasks := []model.NormalizedTask{
		{Type: "drift-scan", Payload: json.RawMessage(`{"repo":"a"}`)},
		{Type: "drift-scan", Payload: json.RawMessage(`{}`)},
		{Type: "drift-scan", Payload: json.RawMessage(`{"repo":"c"}`)},
	}
	ids, err := f.d.DispatchBatch(context.Background(), tasks, time.Second)
	assert.ErrorIs(t, err, registry.ErrPayloadInvalid)
	assert.Equal(t, []model.RecordID{1}, ids)
}

func TestDispatchBatchHonorsCancellation(t *testing.T) {
	reg, err := registry.New([]registry.TypeSpec{{Name: "t"}})
	require.NoError(t, err)
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	d := New(reg, s) // real clock: the stagger really waits
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	ids, err := d.DispatchBatch(ctx, []model.NormalizedTask{{Type: "t"}, {Type: "t"}}, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, ids, 1)
}
