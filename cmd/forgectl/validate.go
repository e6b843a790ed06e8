package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <task-graph-file>",
		Short: "Validate a task graph against the wire schema and admission invariants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: graph %q has %d tasks\n", graph.GraphID, len(graph.Tasks))
			return nil
		},
	}
}
