package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/clockq/pkg/model"
)

func newCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	return c, reg
}

func TestCollectorCountsEvents(t *testing.T) {
	c, _ := newCollector(t)
	ctx := context.Background()

	c.Emit(ctx, model.LifecycleEvent{Kind: model.EventDispatched, TaskType: "drift-scan"})
	c.Emit(ctx, model.LifecycleEvent{Kind: model.EventDispatched, TaskType: "drift-scan"})
	c.Emit(ctx, model.LifecycleEvent{Kind: model.EventReclaimed, TaskType: "drift-scan"})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues("dispatched", "drift-scan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("reclaimed", "drift-scan")))
}

func TestCollectorInFlightAndDuration(t *testing.T) {
	c, _ := newCollector(t)
	ctx := context.Background()

	c.Emit(ctx, model.LifecycleEvent{Kind: model.EventStarted, TaskType: "t"})
	c.Emit(ctx, model.LifecycleEvent{Kind: model.EventStarted, TaskType: "t"})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.inFlight))

	c.Emit(ctx, model.LifecycleEvent{Kind: model.EventAcked, TaskType: "t", State: model.StateAcked, Duration: 3 * time.Second})
	c.Emit(ctx, model.LifecycleEvent{Kind: model.EventFailed, TaskType: "t", State: model.StateFailedRetryable, Duration: time.Second})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.inFlight))

	assert.Equal(t, 2, testutil.CollectAndCount(c.duration, "clockq_task_duration_seconds"))
}

func TestCollectorSetPending(t *testing.T) {
	c, _ := newCollector(t)
	c.SetPending("dispatch:drift-scan", "workers", 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(c.pending.WithLabelValues("dispatch:drift-scan", "workers")))
}

func TestNewCollectorDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)
	_, err = NewCollector(reg)
	assert.Error(t, err)
}

func TestHandlerServesMetrics(t *testing.T) {
	c, reg := newCollector(t)
	c.Emit(context.Background(), model.LifecycleEvent{Kind: model.EventAcked, TaskType: "t", State: model.StateAcked})

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `clockq_lifecycle_events_total{kind="acked",task_type="t"} 1`)
}
