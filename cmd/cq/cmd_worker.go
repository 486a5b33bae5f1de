package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/clockq/pkg/worker"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newWorkerCmd(a *app) *cobra.Command {
	var (
		consumer    string
		types       []string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker: recover abandoned work, then claim and execute tasks",
		Long: `Run a worker. On start it recovers every entry idle past worker.min_idle
before reading new records, then claims tasks of the configured types,
executes them through the configured commands and acks, retries or
records a terminal outcome. SIGINT or SIGTERM drains in-flight tasks for
up to worker.drain_timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			who, err := a.resolveConsumer(consumer, true)
			if err != nil {
				return err
			}
			wc := a.cfg.WorkerConfig()
			wc.ConsumerID = who
			if len(types) > 0 {
				wc.Types = types
			}
			if concurrency > 0 {
				wc.Concurrency = concurrency
			}

			st, err := a.buildStack(ctx, "worker")
			if err != nil {
				return err
			}
			defer st.Close(context.Background())

			rt, err := worker.New(st.store, st.reg, a.executors(), wc,
				worker.WithLogger(a.logger),
				worker.WithEvents(st.events),
				worker.WithHeartbeats(st.store),
				worker.WithOutcomes(st.outcomes),
				worker.WithCheckpoints(st.checkpoints),
			)
			if err != nil {
				return err
			}
			a.watchRegistry(ctx, st.reg)
			a.serveMetrics(ctx, st)

			a.logger.Info("worker starting", "consumer", who, "group", wc.Group,
				"types", wc.Types, "concurrency", wc.Concurrency)
			return rt.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer ID (default: CLOCKQ_CONSUMER or host-pid-random)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "task types to serve (default: worker.types or every type)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "concurrent executions (default: worker.concurrency)")
	return cmd
}

func newWatchdogCmd(a *app) *cobra.Command {
	var (
		once       bool
		interval   time.Duration
		stallAfter time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Report stalled entries and dead consumers",
		Long: `Scan every consumer group for entries pending longer than --stall-after
and for consumers whose heartbeat expired, emitting stalled and
consumer_dead events. The watchdog is advisory: it never claims or acks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if !cmd.Flags().Changed("interval") {
				interval = a.cfg.Worker.WatchInterval
			}
			if !cmd.Flags().Changed("stall-after") {
				stallAfter = a.cfg.StallAfter()
			}

			st, err := a.buildStack(ctx, "watchdog")
			if err != nil {
				return err
			}
			defer st.Close(context.Background())

			w := worker.NewWatchdog(st.store, stallAfter,
				worker.WithLogger(a.logger),
				worker.WithEvents(st.events),
				worker.WithPendingObserver(st.collector),
			)
			if once {
				rep, err := w.Scan(ctx)
				if err != nil {
					return err
				}
				w.Notify(ctx, rep)
				a.printReport(rep)
				return nil
			}
			a.serveMetrics(ctx, st)
			return w.Run(ctx, interval)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "scan once, print the report and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "scan interval (default: worker.watch_interval)")
	cmd.Flags().DurationVar(&stallAfter, "stall-after", 0, "stall threshold (default: worker.stall_after or min_idle)")
	return cmd
}

func (a *app) printReport(rep *worker.Report) {
	if a.flags.json {
		a.printJSON(rep)
		return
	}
	if len(rep.Stalled) == 0 && len(rep.Dead) == 0 {
		a.printf("all clear\n")
		return
	}
	for _, d := range rep.Dead {
		a.printf("dead     %-30s last_seen=%s in_flight=%d\n",
			d.ConsumerID, d.LastSeenAt.Format(time.RFC3339), d.InFlight)
	}
	for _, s := range rep.Stalled {
		owner := "owner dead"
		if s.OwnerAlive {
			owner = "owner alive"
		}
		a.printf("stalled  %-30s %-8s %-24s idle=%s delivery=%d (%s)\n",
			s.Entry.Partition, s.Entry.RecordID, s.Entry.ConsumerID,
			s.Idle.Round(time.Second), s.Entry.DeliveryCount, owner)
	}
}
