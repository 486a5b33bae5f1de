package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daviddao/clockq/pkg/config"
	"github.com/daviddao/clockq/pkg/coordinator"
	"github.com/daviddao/clockq/pkg/registry"
	"github.com/daviddao/clockq/pkg/store"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "init",
		Short:       "Write clockq.yaml, create the database and a group per type",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.flags.config
			if path == "" {
				path = config.ProjectConfigFile
			}
			wrote, err := config.WriteSample(path)
			if err != nil {
				return err
			}
			a.flags.config = path
			if err := a.load(); err != nil {
				return err
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}

			coord := coordinator.New(s, coordinator.WithLogger(a.logger))
			group := a.cfg.Worker.Group
			created := map[string]bool{}
			for _, t := range a.cfg.TypeNames() {
				ok, err := coord.EnsureGroup(cmd.Context(), registry.PartitionKey(t), group, store.StartFromBeginning)
				if err != nil {
					return fmt.Errorf("init: %w", err)
				}
				created[t] = ok
			}

			if a.flags.json {
				a.printJSON(map[string]any{
					"config":         path,
					"config_written": wrote,
					"db":             a.cfg.Store.Path,
					"group":          group,
					"groups_created": created,
				})
				return nil
			}
			if wrote {
				a.printf("wrote %s\n", path)
			} else {
				a.printf("kept existing %s\n", path)
			}
			a.printf("database %s\n", a.cfg.Store.Path)
			for _, t := range a.cfg.TypeNames() {
				state := "exists"
				if created[t] {
					state = "created"
				}
				a.printf("  group %-10s on %-30s %s\n", group, registry.PartitionKey(t), state)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoConfig: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "cq", version)
		},
	}
}
