// Command forgectl is a thin shell over the forge engine: it loads a
// config file and a task graph, and drives the scheduler through them. It
// does not plan tasks or translate natural language into a graph - that
// remains an external collaborator's job.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/goforge/forge/config"
)

var (
	version = "dev"

	configPath string
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "forgectl:", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:     "forgectl",
		Short:   "Drive the forge workflow engine from the command line",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a forge config file (defaults omitted fields)")

	rootCmd.AddCommand(newRunCmd(), newValidateCmd(), newStatusCmd(), newInspectCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
