package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goforge/forge/taskgraph"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <task-graph-file>",
		Short: "Print a task graph's dependency ranks without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			ranks, err := taskgraph.TopologicalOrder(graph)
			if err != nil {
				return err
			}
			byID := graph.TaskByID()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "graph %q: %d tasks, %d ranks\n", graph.GraphID, len(graph.Tasks), len(ranks))
			for i, rank := range ranks {
				fmt.Fprintf(out, "rank %d:\n", i)
				for _, id := range rank {
					t := byID[id]
					fmt.Fprintf(out, "  %s  role=%s  priority=%d  deps=%v\n", t.ID, t.Role, t.Priority, t.Deps)
				}
			}
			return nil
		},
	}
}
