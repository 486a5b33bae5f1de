package main

import (
	"context"
	"errors"
	"sync"

	"github.com/spf13/cobra"

	"github.com/daviddao/clockq/pkg/dispatch"
	"github.com/daviddao/clockq/pkg/metrics"
	"github.com/daviddao/clockq/pkg/trigger"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	var noCron bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and cron triggers",
		Long: `Run the trigger server:

  POST /v1/tasks        dispatch one task
  POST /v1/tasks/batch  dispatch several with a stagger
  GET  /healthz
  GET  /metrics

and fire triggers.cron entries on schedule. The type registry reloads when
the config file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if listen == "" {
				listen = a.cfg.Triggers.HTTP.Listen
			}

			st, err := a.buildStack(ctx, "serve")
			if err != nil {
				return err
			}
			defer st.Close(context.Background())

			disp := dispatch.New(st.reg, st.store,
				dispatch.WithLogger(a.logger),
				dispatch.WithEvents(st.events),
			)
			entries, err := a.cfg.CronEntries()
			if err != nil {
				return err
			}
			if noCron {
				entries = nil
			}
			crons, err := trigger.NewCron(disp, entries, a.logger)
			if err != nil {
				return err
			}
			router := trigger.NewHTTP(disp, metrics.Handler(st.prom), a.logger).
				WithCORS(a.cfg.Triggers.HTTP.AllowedOrigins).
				Routes()

			a.watchRegistry(ctx, st.reg)
			a.serveMetrics(ctx, st)

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			var wg sync.WaitGroup
			errs := make([]error, 2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				defer cancel()
				errs[0] = serveHTTP(ctx, a.logger, "triggers", listen, router)
			}()
			go func() {
				defer wg.Done()
				errs[1] = crons.Run(ctx)
			}()
			for name, next := range crons.Next() {
				a.logger.Debug("cron entry", "entry", name, "next", next)
			}
			wg.Wait()
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "webhook listen address (default: triggers.http.listen)")
	cmd.Flags().BoolVar(&noCron, "no-cron", false, "do not fire cron entries")
	return cmd
}
