package main

import (
	"github.com/spf13/cobra"

	"github.com/daviddao/clockq/pkg/coordinator"
	"github.com/daviddao/clockq/pkg/store"
)

func newGroupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Create and list consumer groups",
	}
	cmd.AddCommand(newGroupCreateCmd(a), newGroupListCmd(a))
	return cmd
}

func newGroupCreateCmd(a *app) *cobra.Command {
	var group, start string
	cmd := &cobra.Command{
		Use:   "create <type>...",
		Short: "Create a consumer group (no-op if it exists)",
		Long: `Create a consumer group (no-op if it exists).

--start is "0" (every record), "$" (only records appended from now) or an
explicit record id.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			coord := coordinator.New(s, coordinator.WithLogger(a.logger))
			name := a.resolveGroup(group)
			result := make(map[string]bool, len(args))
			for _, p := range a.partitionsOf(args) {
				created, err := coord.EnsureGroup(cmd.Context(), p, name, start)
				if err != nil {
					return err
				}
				result[p] = created
				if !a.flags.json {
					if created {
						a.printf("created %s on %s (start %s)\n", name, p, start)
					} else {
						a.printf("%s on %s already exists\n", name, p)
					}
				}
			}
			if a.flags.json {
				a.printJSON(map[string]any{"group": name, "created": result})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "group name (default: worker.group)")
	cmd.Flags().StringVar(&start, "start", store.StartFromBeginning, `start id: "0", "$" or a record id`)
	return cmd
}

func newGroupListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list [type]",
		Short: "List consumer groups with their cursors",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			partition := ""
			if len(args) == 1 {
				partition = partitionOf(args[0])
			}
			groups, err := s.ListGroups(cmd.Context(), partition)
			if err != nil {
				return err
			}
			if a.flags.json {
				a.printJSON(groups)
				return nil
			}
			if len(groups) == 0 {
				a.printf("no groups\n")
				return nil
			}
			for _, g := range groups {
				a.printf("%-30s %-12s cursor=%-8s acked=%d\n", g.Partition, g.Name, g.LastDeliveredID, g.Acked)
			}
			return nil
		},
	}
}
