package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daviddao/clockq/pkg/model"
)

func newLogCmd(a *app) *cobra.Command {
	var (
		after string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "log <type>",
		Short: "Show records of a partition in id order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			afterID, err := model.ParseRecordID(after)
			if err != nil {
				return err
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}
			recs, err := s.ListRecords(cmd.Context(), partitionOf(args[0]), afterID, limit)
			if err != nil {
				return err
			}
			if a.flags.json {
				if recs == nil {
					recs = []model.TaskRecord{}
				}
				a.printJSON(recs)
				return nil
			}
			for _, r := range recs {
				a.printf("%-8s %s prio=%d correlation=%s payload=%s\n",
					r.ID, r.DispatchedAt.Format("2006-01-02 15:04:05"), r.Priority, r.CorrelationID, r.Payload)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&after, "after", "0", "show records after this id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum records")
	return cmd
}

func newTrimCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "trim [type]...",
		Short: "Delete records every group has delivered and acked",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			trimmed := map[string]int64{}
			for _, p := range a.partitionsOf(args) {
				n, err := s.TrimAcked(cmd.Context(), p)
				if err != nil {
					return fmt.Errorf("trim %s: %w", p, err)
				}
				trimmed[p] = n
				if !a.flags.json {
					a.printf("%-30s trimmed %d\n", p, n)
				}
			}
			if a.flags.json {
				a.printJSON(trimmed)
			}
			return nil
		},
	}
}
