package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/clockq/pkg/model"
	"github.com/daviddao/clockq/pkg/store"
)

type heartbeatView struct {
	model.ConsumerHeartbeat
	Presence string `json:"presence"`
	Pending  int    `json:"pending"`
}

type statusView struct {
	Partitions []store.PartitionInfo `json:"partitions"`
	Groups     []model.GroupStats    `json:"groups"`
	Consumers  []heartbeatView       `json:"consumers"`
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show partitions, group accounting and consumer presence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			parts, err := s.ListPartitions(ctx)
			if err != nil {
				return err
			}
			groups, err := s.ListGroups(ctx, "")
			if err != nil {
				return err
			}
			view := statusView{Partitions: parts, Groups: []model.GroupStats{}}
			for _, g := range groups {
				st, err := s.GroupStats(ctx, g.Partition, g.Name)
				if err != nil {
					return err
				}
				view.Groups = append(view.Groups, *st)
			}
			view.Consumers, err = a.heartbeatViews(cmd, s)
			if err != nil {
				return err
			}

			if a.flags.json {
				a.printJSON(view)
				return nil
			}
			if len(parts) == 0 {
				a.printf("partitions: none\n")
			} else {
				a.printf("partitions:\n")
				for _, p := range parts {
					a.printf("  %-30s last=%-8s length=%d\n", p.Name, p.LastID, p.Length)
				}
			}
			if len(view.Groups) > 0 {
				a.printf("groups:\n")
				for _, g := range view.Groups {
					a.printf("  %-30s %-12s total=%-5d acked=%-5d pending=%-5d undelivered=%-5d cursor=%s\n",
						g.Partition, g.Group, g.Total, g.Acked, g.Pending, g.Undelivered, g.Cursor)
				}
			}
			a.printConsumers(view.Consumers)
			return nil
		},
	}
}

func (a *app) heartbeatViews(cmd *cobra.Command, s *store.Store) ([]heartbeatView, error) {
	beats, err := s.ListHeartbeats(cmd.Context())
	if err != nil {
		return nil, err
	}
	now := s.Clock().Now()
	views := make([]heartbeatView, 0, len(beats))
	for _, hb := range beats {
		pending, err := s.ListPendingForConsumer(cmd.Context(), hb.ConsumerID)
		if err != nil {
			return nil, err
		}
		views = append(views, heartbeatView{
			ConsumerHeartbeat: hb,
			Presence:          hb.Presence(now),
			Pending:           len(pending),
		})
	}
	return views, nil
}

func (a *app) printConsumers(views []heartbeatView) {
	if len(views) == 0 {
		a.printf("consumers: none\n")
		return
	}
	a.printf("consumers:\n")
	for _, v := range views {
		a.printf("  %s %-30s in_flight=%-3d pending=%-3d last_seen=%s\n",
			presenceIndicator(v.Presence), v.ConsumerID, v.InFlight, v.Pending,
			v.LastSeenAt.Format("15:04:05"))
	}
}

// presenceIndicator returns a short text indicator for display.
func presenceIndicator(presence string) string {
	switch presence {
	case "online":
		return "[+]"
	case "stale":
		return "[~]"
	default:
		return "[-]"
	}
}

func newHeartbeatCmd(a *app) *cobra.Command {
	var (
		consumer string
		ttl      time.Duration
		inFlight int
		remove   bool
	)
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Record, delete or list consumer heartbeats",
		Long: `With --consumer, record a heartbeat for it (or delete it with --delete).
Without, list every heartbeat with its presence. Heartbeats are advisory:
they feed the watchdog and never gate reclaim.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			if consumer == "" {
				views, err := a.heartbeatViews(cmd, s)
				if err != nil {
					return err
				}
				if a.flags.json {
					a.printJSON(views)
				} else {
					a.printConsumers(views)
				}
				return nil
			}

			if remove {
				if err := s.DeleteHeartbeat(cmd.Context(), consumer); err != nil {
					return err
				}
				a.printf("deleted heartbeat of %s\n", consumer)
				return nil
			}

			if !cmd.Flags().Changed("ttl") {
				ttl = a.cfg.Worker.HeartbeatTTL
			}
			if err := s.RecordHeartbeat(cmd.Context(), consumer, ttl, inFlight); err != nil {
				return err
			}
			hb, err := s.GetHeartbeat(cmd.Context(), consumer)
			if err != nil {
				return err
			}
			if a.flags.json {
				a.printJSON(hb)
			} else {
				a.printf("heartbeat %s (ttl=%s, in_flight=%d)\n", consumer, ttl, inFlight)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer to record a heartbeat for")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "heartbeat TTL (default: worker.heartbeat_ttl)")
	cmd.Flags().IntVar(&inFlight, "in-flight", 0, "tasks the consumer has in flight")
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the consumer's heartbeat")
	return cmd
}
