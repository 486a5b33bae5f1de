package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/clockq/pkg/model"
	"github.com/daviddao/clockq/pkg/store"
)

func newReadCmd(a *app) *cobra.Command {
	var (
		consumer, group string
		count           int
		block           time.Duration
	)
	cmd := &cobra.Command{
		Use:   "read <type>",
		Short: "Deliver never-delivered records to a consumer",
		Long: `Deliver up to --count records the group has never delivered, in id
order, and record them as pending for the consumer. With --block, wait that
long for an append when nothing is available.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := a.resolveConsumer(consumer, false)
			if err != nil {
				return err
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}
			ds, err := s.ReadNew(cmd.Context(), partitionOf(args[0]), a.resolveGroup(group), who, count, block)
			if err != nil {
				return err
			}
			if a.flags.json {
				if ds == nil {
					ds = []model.Delivery{}
				}
				a.printJSON(ds)
				return nil
			}
			if len(ds) == 0 {
				a.printf("nothing to read\n")
				return nil
			}
			for _, d := range ds {
				a.printf("%s %s delivery=%d correlation=%s payload=%s\n",
					d.ID, d.TaskType, d.DeliveryCount, d.CorrelationID, d.Payload)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer ID (default: CLOCKQ_CONSUMER)")
	cmd.Flags().StringVar(&group, "group", "", "group name (default: worker.group)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "maximum records to deliver")
	cmd.Flags().DurationVar(&block, "block", 0, "wait this long for new records")
	return cmd
}

func newAckCmd(a *app) *cobra.Command {
	var as, group string
	cmd := &cobra.Command{
		Use:   "ack <type> <id>...",
		Short: "Acknowledge pending entries",
		Long: `Acknowledge pending entries. Acking an id with no pending entry is a
no-op. With --as, the ack is guarded: an entry that now belongs to another
consumer after a reclaim is left in place and reported as redundant.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}
			partition := partitionOf(args[0])
			name := a.resolveGroup(group)

			results := make(map[string]string, len(ids))
			for _, id := range ids {
				var res string
				if as != "" {
					r, err := s.AckAs(cmd.Context(), partition, name, id, as)
					if err != nil {
						return err
					}
					res = r.String()
					if r == store.AckRedundant {
						a.logger.Warn("redundant ack", "partition", partition, "group", name,
							"record_id", id.String(), "consumer", as)
					}
				} else {
					deleted, err := s.Ack(cmd.Context(), partition, name, id)
					if err != nil {
						return err
					}
					res = store.AckMissing.String()
					if deleted {
						res = store.AckDeleted.String()
					}
				}
				results[id.String()] = res
				if !a.flags.json {
					a.printf("%s %s\n", id, res)
				}
			}
			if a.flags.json {
				a.printJSON(results)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "ack only if this consumer still owns the entry")
	cmd.Flags().StringVar(&group, "group", "", "group name (default: worker.group)")
	return cmd
}

// isNotFound reports a failed claim guard or a missing entry.
func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }
