package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/clockq/pkg/clock"
	"github.com/daviddao/clockq/pkg/dispatch"
	"github.com/daviddao/clockq/pkg/model"
	"github.com/daviddao/clockq/pkg/registry"
	"github.com/daviddao/clockq/pkg/store"
)

const driftSchema = `{
	"type": "object",
	"required": ["repo"],
	"properties": {"repo": {"type": "string", "minLength": 1}}
}`

type fixture struct {
	store *store.Store
	disp  *dispatch.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s, err := store.New(filepath.Join(t.TempDir(), "clockq.db"), store.WithClock(fc))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	reg, err := registry.New([]registry.TypeSpec{
		{Name: "drift-scan", Schema: json.RawMessage(driftSchema)},
		{Name: "background-agent"},
	})
	require.NoError(t, err)
	return &fixture{store: s, disp: dispatch.New(reg, s, dispatch.WithClock(fc))}
}

func (f *fixture) records(t *testing.T, taskType string) []model.TaskRecord {
	t.Helper()
	recs, err := f.store.ListRecords(context.Background(), registry.PartitionKey(taskType), 0, 1000)
	require.NoError(t, err)
	return recs
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPCreateTask(t *testing.T) {
	f := newFixture(t)
	h := NewHTTP(f.disp, nil, nil).Routes()

	rec := post(t, h, "/v1/tasks", `{"type":"drift-scan","payload":{"repo":"infra-core"},"priority":2}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":"1-0"}`, rec.Body.String())

	recs := f.records(t, "drift-scan")
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Priority)
	assert.JSONEq(t, `{"repo":"infra-core"}`, string(recs[0].Payload))
}

func TestHTTPErrors(t *testing.T) {
	f := newFixture(t)
	h := NewHTTP(f.disp, nil, nil).Routes()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"bad json", `{"type":`, http.StatusBadRequest},
		{"missing type", `{"payload":{}}`, http.StatusBadRequest},
		{"unknown type", `{"type":"teleport","payload":{}}`, http.StatusBadRequest},
		{"invalid payload", `{"type":"drift-scan","payload":{"repo":""}}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, "/v1/tasks", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, f.records(t, "drift-scan"), "rejected tasks are never appended")
}

func TestHTTPInvalidPayloadListsViolations(t *testing.T) {
	f := newFixture(t)
	h := NewHTTP(f.disp, nil, nil).Routes()

	rec := post(t, h, "/v1/tasks", `{"type":"drift-scan","payload":{}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Violations)
	assert.Contains(t, body.Violations[0], "repo")
}

func TestHTTPStorageUnavailable(t *testing.T) {
	f := newFixture(t)
	h := NewHTTP(f.disp, nil, nil).Routes()
	require.NoError(t, f.store.Close())

	rec := post(t, h, "/v1/tasks", `{"type":"background-agent","payload":{}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPBatch(t *testing.T) {
	f := newFixture(t)
	h := NewHTTP(f.disp, nil, nil).Routes()

	rec := post(t, h, "/v1/tasks/batch", `{"stagger_ms":5000,"tasks":[
		{"type":"drift-scan","payload":{"repo":"a"}},
		{"type":"drift-scan","payload":{"repo":"b"}},
		{"type":"drift-scan","payload":{"repo":""}},
		{"type":"drift-scan","payload":{"repo":"d"}}
	]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var body BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []model.RecordID{1, 2}, body.IDs)
	assert.NotEmpty(t, body.Error)

	recs := f.records(t, "drift-scan")
	require.Len(t, recs, 2)
	assert.GreaterOrEqual(t, recs[1].DispatchedAt.Sub(recs[0].DispatchedAt), 5*time.Second)

	rec = post(t, h, "/v1/tasks/batch", `{"tasks":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("clockq_tasks_in_flight 0\n"))
	})
	srv := httptest.NewServer(NewHTTP(f.disp, metrics, nil).Routes())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPCORS(t *testing.T) {
	f := newFixture(t)
	preflight := func(h http.Handler) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/v1/tasks", nil)
		req.Header.Set("Origin", "https://ops.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight(NewHTTP(f.disp, nil, nil).WithCORS([]string{"https://ops.example.com"}).Routes())
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = preflight(NewHTTP(f.disp, nil, nil).Routes())
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(store.ErrStorageUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

type countingDispatcher struct {
	Dispatcher
	mu    sync.Mutex
	calls int
	tasks []model.NormalizedTask
	err   error
}

func (c *countingDispatcher) Dispatch(_ context.Context, task model.NormalizedTask) (model.RecordID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	c.tasks = append(c.tasks, task)
	return model.RecordID(len(c.tasks)), nil
}

func (c *countingDispatcher) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestCronFire(t *testing.T) {
	disp := &countingDispatcher{}
	c, err := NewCron(disp, []CronEntry{
		{Name: "nightly-drift", Schedule: "0 3 * * *", Type: "drift-scan", Payload: json.RawMessage(`{"repo":"infra-core"}`), Priority: 5},
		{Name: "hourly-agent", Schedule: "@every 1h", Type: "background-agent"},
	}, nil)
	require.NoError(t, err)

	id, err := c.Fire(context.Background(), "nightly-drift")
	require.NoError(t, err)
	assert.Equal(t, model.RecordID(1), id)
	require.Len(t, disp.tasks, 1)
	assert.Equal(t, "drift-scan", disp.tasks[0].Type)
	assert.Equal(t, 5, disp.tasks[0].Priority)

	_, err = c.Fire(context.Background(), "missing")
	assert.Error(t, err)

	assert.Len(t, c.Next(), 2)
}

func TestCronRejectsBadEntries(t *testing.T) {
	disp := &countingDispatcher{}
	_, err := NewCron(disp, []CronEntry{{Name: "x", Schedule: "not a schedule", Type: "t"}}, nil)
	assert.Error(t, err)

	_, err = NewCron(disp, []CronEntry{{Name: "x", Schedule: "@daily"}}, nil)
	assert.Error(t, err)

	_, err = NewCron(disp, []CronEntry{
		{Name: "x", Schedule: "@daily", Type: "t"},
		{Name: "x", Schedule: "@hourly", Type: "t"},
	}, nil)
	assert.Error(t, err)
}

func TestCronRunFiresAndStops(t *testing.T) {
	disp := &countingDispatcher{err: errors.New("log down")}
	c, err := NewCron(disp, []CronEntry{{Name: "tick", Schedule: "@every 1s", Type: "t"}}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.Run(ctx))
	assert.GreaterOrEqual(t, disp.callCount(), 1, "a failed firing does not stop the schedule")
}
