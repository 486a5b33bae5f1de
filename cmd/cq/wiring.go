package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/daviddao/clockq/pkg/checkpoint"
	"github.com/daviddao/clockq/pkg/config"
	"github.com/daviddao/clockq/pkg/events"
	"github.com/daviddao/clockq/pkg/executor"
	"github.com/daviddao/clockq/pkg/metrics"
	"github.com/daviddao/clockq/pkg/outcome"
	"github.com/daviddao/clockq/pkg/registry"
	"github.com/daviddao/clockq/pkg/store"
	"github.com/daviddao/clockq/pkg/tracing"
)

// stack is everything a long-running command wires together from the
// config: the log, the type registry, lifecycle sinks and the optional
// NATS, JetStream, MinIO and tracing integrations.
type stack struct {
	store       *store.Store
	reg         *registry.Registry
	prom        *prometheus.Registry
	collector   *metrics.Collector
	events      events.Sink
	outcomes    outcome.Store
	checkpoints checkpoint.Store

	closers []func(context.Context) error
}

func (a *app) buildStack(ctx context.Context, component string) (st *stack, err error) {
	s, err := a.openStore()
	if err != nil {
		return nil, err
	}
	st = &stack{store: s, outcomes: s, checkpoints: s}
	defer func() {
		if err != nil {
			st.Close(context.Background())
		}
	}()

	shutdown, err := tracing.Init("clockq-"+component, tracing.Config{
		Exporter:    a.cfg.Tracing.Exporter,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, shutdown)

	if st.reg, err = a.registry(); err != nil {
		return nil, err
	}

	st.prom = prometheus.NewRegistry()
	st.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if st.collector, err = metrics.NewCollector(st.prom); err != nil {
		return nil, err
	}
	sinks := events.Multi{events.NewLog(a.logger), st.collector}

	if url := a.cfg.NATS.URL; url != "" {
		nc, err := events.ConnectNATS(url, "clockq-"+component)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, func(context.Context) error { return nc.Drain() })
		sinks = append(sinks, events.NewNATS(nc, a.cfg.NATS.EventsPrefix, a.logger))

		js, err := jetstream.New(nc)
		if err != nil {
			return nil, err
		}
		ncfg := a.cfg.NATS
		if err := outcome.EnsureStream(ctx, js, ncfg.OutcomeStream, ncfg.OutcomeSubject, ncfg.OutcomeMaxAge); err != nil {
			return nil, err
		}
		st.outcomes = outcome.Tee{s, outcome.NewJetStream(js, ncfg.OutcomeSubject)}
		a.logger.Info("nats enabled", "url", url, "outcome_stream", ncfg.OutcomeStream)
	}

	if a.cfg.Checkpoints.Backend == "minio" {
		m, err := checkpoint.NewMinio(ctx, a.cfg.MinioCheckpointConfig())
		if err != nil {
			return nil, err
		}
		st.checkpoints = m
		a.logger.Info("minio checkpoints enabled", "endpoint", a.cfg.Checkpoints.Minio.Endpoint)
	}

	st.events = sinks
	return st, nil
}

// Close releases integrations in reverse order. The store is closed by the
// app.
func (st *stack) Close(ctx context.Context) {
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](ctx); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}
	st.closers = nil
}

// executors routes each configured type to its command. The "*" entry is
// the fallback.
func (a *app) executors() *executor.Router {
	r := executor.NewRouter()
	for name, ec := range a.cfg.Executors {
		grace := ec.Grace
		if grace <= 0 {
			grace = a.cfg.Worker.CancelGrace / 2
		}
		ex := &executor.Command{Argv: ec.Command, Dir: ec.Dir, Env: ec.Env, Grace: grace}
		if name == "*" {
			r.Fallback(ex)
			continue
		}
		r.Handle(name, ex)
	}
	return r
}

// watchRegistry hot-reloads type registrations while ctx lives.
func (a *app) watchRegistry(ctx context.Context, reg *registry.Registry) {
	if a.cfgPath == "" {
		return
	}
	go func() {
		if err := reg.Watch(ctx, a.cfgPath, config.LoadTypes, a.logger); err != nil {
			a.logger.Warn("registry watch stopped", "path", a.cfgPath, "error", err)
		}
	}()
}

// serveHTTP runs h on addr until ctx is done, then shuts down gracefully.
func serveHTTP(ctx context.Context, logger *slog.Logger, name, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "server", name, "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("stopped", "server", name)
	return nil
}

// serveMetrics runs the standalone metrics listener when metrics.listen is
// set.
func (a *app) serveMetrics(ctx context.Context, st *stack) {
	addr := a.cfg.Metrics.Listen
	if addr == "" {
		return
	}
	go func() {
		if err := serveHTTP(ctx, a.logger, "metrics", addr, metrics.Handler(st.prom)); err != nil {
			a.logger.Error("metrics listener failed", "addr", addr, "error", err)
		}
	}()
}
