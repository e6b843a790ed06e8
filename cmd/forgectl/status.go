package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goforge/forge/config"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Print a previously created workflow's persisted status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := config.NewStateStore(ctx, cfg.Store)
			if err != nil {
				return fmt.Errorf("construct state store: %w", err)
			}

			wf, err := store.LoadWorkflow(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load workflow: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workflow %s: %s\n", wf.WorkflowID, wf.Status)
			for id, state := range wf.TaskStates {
				fmt.Fprintf(out, "  %s: %s (attempts=%d)\n", id, state.Status, state.Attempts)
			}
			return nil
		},
	}
}
