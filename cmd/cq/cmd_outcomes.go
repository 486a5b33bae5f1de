package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daviddao/clockq/pkg/model"
	"github.com/daviddao/clockq/pkg/store"
)

func newOutcomesCmd(a *app) *cobra.Command {
	var (
		taskType, status, id string
		limit                int
	)
	cmd := &cobra.Command{
		Use:   "outcomes",
		Short: "List recorded task outcomes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := store.OutcomeQuery{TaskType: taskType, Limit: limit}
			switch model.OutcomeStatus(status) {
			case "", model.OutcomeSucceeded, model.OutcomeFailedTerminal:
				q.Status = model.OutcomeStatus(status)
			default:
				return fmt.Errorf("unknown status %q (want %s or %s)", status, model.OutcomeSucceeded, model.OutcomeFailedTerminal)
			}
			if id != "" {
				if taskType == "" {
					return fmt.Errorf("--id needs --type")
				}
				rid, err := model.ParseRecordID(id)
				if err != nil {
					return err
				}
				q.RecordID = rid
				q.Partition = partitionOf(taskType)
			}

			s, err := a.openStore()
			if err != nil {
				return err
			}
			outs, err := s.ListOutcomes(cmd.Context(), q)
			if err != nil {
				return err
			}
			if a.flags.json {
				if outs == nil {
					outs = []model.Outcome{}
				}
				a.printJSON(outs)
				return nil
			}
			if len(outs) == 0 {
				a.printf("no outcomes\n")
				return nil
			}
			for _, o := range outs {
				a.printf("%s %-30s %-8s %-16s delivery=%-3d %s\n",
					o.RecordedAt.Format("2006-01-02 15:04:05"), o.Partition, o.RecordID,
					o.Status, o.DeliveryCount, o.Detail)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "only this task type")
	cmd.Flags().StringVar(&status, "status", "", "succeeded or failed_terminal")
	cmd.Flags().StringVar(&id, "id", "", "only this record id (needs --type)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum outcomes")
	return cmd
}
