package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/clockq/pkg/coordinator"
	"github.com/daviddao/clockq/pkg/model"
	"github.com/daviddao/clockq/pkg/store"
)

type pendingView struct {
	model.PendingEntry
	Idle string `json:"idle"`
}

func (a *app) printPending(entries []model.PendingEntry, now time.Time) {
	if a.flags.json {
		views := make([]pendingView, len(entries))
		for i, e := range entries {
			views[i] = pendingView{PendingEntry: e, Idle: e.Idle(now).Round(time.Second).String()}
		}
		a.printJSON(views)
		return
	}
	if len(entries) == 0 {
		a.printf("no pending entries\n")
		return
	}
	for _, e := range entries {
		a.printf("%-30s %-12s %-8s %-24s delivery=%-3d idle=%s\n",
			e.Partition, e.Group, e.RecordID, e.ConsumerID, e.DeliveryCount, e.Idle(now).Round(time.Second))
	}
}

func newPendingCmd(a *app) *cobra.Command {
	var (
		group, consumer string
		minIdle         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pending [type]...",
		Short: "List pending entries, oldest claim first",
		Long: `List pending entries of a group, oldest claim first. Without a type,
every configured type is listed. --consumer lists one consumer's entries
across every partition and group instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			now := s.Clock().Now()
			if consumer != "" {
				entries, err := s.ListPendingForConsumer(cmd.Context(), consumer)
				if err != nil {
					return err
				}
				a.printPending(entries, now)
				return nil
			}
			name := a.resolveGroup(group)
			var all []model.PendingEntry
			for _, p := range a.partitionsOf(args) {
				entries, err := s.ListPending(cmd.Context(), p, name, minIdle)
				if errors.Is(err, store.ErrNoGroup) && len(args) == 0 {
					continue
				}
				if err != nil {
					return fmt.Errorf("pending %s: %w", p, err)
				}
				all = append(all, entries...)
			}
			a.printPending(all, now)
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "group name (default: worker.group)")
	cmd.Flags().StringVar(&consumer, "consumer", "", "list this consumer's entries instead")
	cmd.Flags().DurationVar(&minIdle, "min-idle", 0, "only entries idle at least this long")
	return cmd
}

func newClaimCmd(a *app) *cobra.Command {
	var (
		group, consumer string
		minIdle         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "claim <type> <id>",
		Short: "Transfer an idle pending entry to a consumer",
		Long: `Transfer a pending entry to a consumer if it has been idle at least
--min-idle. Exits 2 when the entry does not exist or is not idle enough.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := a.resolveConsumer(consumer, false)
			if err != nil {
				return err
			}
			id, err := model.ParseRecordID(args[1])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("min-idle") {
				minIdle = a.cfg.Worker.MinIdle
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}
			partition := partitionOf(args[0])
			d, err := s.Claim(cmd.Context(), partition, a.resolveGroup(group), who, id, minIdle)
			if isNotFound(err) {
				if a.flags.json {
					a.printJSON(map[string]any{"claimed": false, "id": id})
				}
				return denied("claim %s %s: no pending entry idle for at least %s", partition, id, minIdle)
			}
			if err != nil {
				return err
			}
			if a.flags.json {
				a.printJSON(map[string]any{"claimed": true, "delivery": d})
			} else {
				a.printf("claimed %s for %s (delivery=%d)\n", d.ID, who, d.DeliveryCount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "group name (default: worker.group)")
	cmd.Flags().StringVar(&consumer, "consumer", "", "new owner (default: CLOCKQ_CONSUMER)")
	cmd.Flags().DurationVar(&minIdle, "min-idle", 0, "idle threshold (default: worker.min_idle)")
	return cmd
}

func newRecoverCmd(a *app) *cobra.Command {
	var (
		group, consumer string
		minIdle         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recover [type]...",
		Short: "Claim every abandoned entry for a consumer",
		Long: `Claim every pending entry idle at least --min-idle, oldest first, for
the consumer. Entries another claimer takes first are skipped. Without a
type, every configured type is recovered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := a.resolveConsumer(consumer, false)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("min-idle") {
				minIdle = a.cfg.Worker.MinIdle
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}
			coord := coordinator.New(s, coordinator.WithLogger(a.logger))
			name := a.resolveGroup(group)
			var all []model.Delivery
			for _, p := range a.partitionsOf(args) {
				ds, err := coord.RecoverAbandoned(cmd.Context(), p, name, who, minIdle)
				if err != nil && !errors.Is(err, store.ErrNoGroup) {
					return fmt.Errorf("recover %s: %w", p, err)
				}
				all = append(all, ds...)
			}
			if a.flags.json {
				if all == nil {
					all = []model.Delivery{}
				}
				a.printJSON(all)
				return nil
			}
			if len(all) == 0 {
				a.printf("nothing to recover\n")
				return nil
			}
			for _, d := range all {
				a.printf("recovered %s %s for %s (delivery=%d)\n", d.Partition, d.ID, who, d.DeliveryCount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "group name (default: worker.group)")
	cmd.Flags().StringVar(&consumer, "consumer", "", "new owner (default: CLOCKQ_CONSUMER)")
	cmd.Flags().DurationVar(&minIdle, "min-idle", 0, "idle threshold (default: worker.min_idle)")
	return cmd
}
