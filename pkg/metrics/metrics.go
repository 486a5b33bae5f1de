// Package metrics exposes lifecycle events as Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/daviddao/clockq/pkg/model"
)

// Collector is an events.Sink that keeps Prometheus metrics.
type Collector struct {
	// Counters
	events *prometheus.CounterVec

	// Gauges
	inFlight prometheus.Gauge
	pending  *prometheus.GaugeVec

	// Histograms
	duration *prometheus.HistogramVec
}

// NewCollector creates the clockq metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clockq_lifecycle_events_total",
				Help: "Total number of lifecycle events by kind",
			},
			[]string{"kind", "task_type"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clockq_tasks_in_flight",
				Help: "Number of attempts currently executing",
			},
		),
		pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clockq_pending_entries",
				Help: "Pending entries per consumer group, as of the last watchdog scan",
			},
			[]string{"partition", "group"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clockq_task_duration_seconds",
				Help:    "Execution time of finished attempts",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"task_type", "state"},
		),
	}
	for _, col := range []prometheus.Collector{c.events, c.inFlight, c.pending, c.duration} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return c, nil
}

// Emit counts ev and, for attempt boundaries, updates the in-flight gauge
// and duration histogram.
func (c *Collector) Emit(_ context.Context, ev model.LifecycleEvent) {
	c.events.WithLabelValues(string(ev.Kind), ev.TaskType).Inc()

	switch ev.Kind {
	case model.EventStarted:
		c.inFlight.Inc()
	case model.EventAcked, model.EventFailed, model.EventRedundantAck:
		c.inFlight.Dec()
		state := string(ev.State)
		if state == "" {
			state = string(ev.Kind)
		}
		c.duration.WithLabelValues(ev.TaskType, state).Observe(ev.Duration.Seconds())
	}
}

// SetPending records the pending count of one group.
func (c *Collector) SetPending(partition, group string, n int64) {
	c.pending.WithLabelValues(partition, group).Set(float64(n))
}

// Handler serves the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
