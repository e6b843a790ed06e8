package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/goforge/forge/artifact"
	"github.com/goforge/forge/config"
	"github.com/goforge/forge/ratelimit"
	"github.com/goforge/forge/router"
	"github.com/goforge/forge/scheduler"
	"github.com/goforge/forge/secret"
	"github.com/goforge/forge/taskgraph"
	"github.com/goforge/forge/telemetry"
	"github.com/goforge/forge/workerrole"
)

func newRunCmd() *cobra.Command {
	var pollInterval time.Duration
	var timeout time.Duration
	var secretPrefix string

	cmd := &cobra.Command{
		Use:   "run <task-graph-file>",
		Short: "Execute a task graph to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			graph, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			return runGraph(cmd, cfg, graph, secretPrefix, pollInterval, timeout)
		},
	}
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "how often to print workflow progress while running")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "overall deadline for the run")
	cmd.Flags().StringVar(&secretPrefix, "secret-prefix", "", "environment variable prefix credential secrets are read from")
	return cmd
}

func runGraph(cmd *cobra.Command, cfg *config.Config, graph *taskgraph.TaskGraph, secretPrefix string, pollInterval, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	logger := telemetry.NewNoopLogger()
	metrics := telemetry.NewNoopMetrics()

	b, err := config.NewBus(cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	store, err := config.NewStateStore(ctx, cfg.Store)
	if err != nil {
		return err
	}

	secrets := secret.NewEnvSource(secretPrefix)
	r := router.New(ratelimit.NewMemoryStore(), secrets, config.RouterOptions(cfg.Router)...)
	config.RegisterCredentials(r, cfg.Router.Credentials)
	if err := config.WireProviderAdapters(ctx, r, cfg.Router.Credentials, secrets); err != nil {
		return fmt.Errorf("wire provider adapters: %w", err)
	}

	gw, err := config.NewSandboxGateway(cfg.Sandbox, logger)
	if err != nil {
		return fmt.Errorf("wire sandbox gateway: %w", err)
	}

	artifacts := artifact.New(artifact.NewMemoryBackend(), config.ArtifactOptions(cfg.Artifact, logger)...)

	registry := workerrole.NewDefaultRegistry(r, gw, artifacts)
	consumer := workerrole.NewConsumer(b, registry, logger)
	sub, err := consumer.Start()
	if err != nil {
		return fmt.Errorf("start worker consumer: %w", err)
	}
	defer sub.Close()

	sched := scheduler.New(config.SchedulerOptions(cfg.Scheduler, b, store, logger, metrics))

	workflowID, err := sched.CreateWorkflow(ctx, graph, "")
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	fmt.Fprintf(out, "created workflow %s\n", workflowID)

	done := make(chan error, 1)
	go func() { done <- sched.Execute(ctx, workflowID) }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("execute workflow: %w", err)
			}
			return printStatus(out, sched, workflowID)
		case <-ticker.C:
			_ = printStatus(out, sched, workflowID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printStatus(out io.Writer, sched *scheduler.Scheduler, workflowID string) error {
	status, tasks, err := sched.Status(workflowID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "workflow %s: %s\n", workflowID, status)
	for id, st := range tasks {
		fmt.Fprintf(out, "  %s: %s\n", id, st)
	}
	return nil
}
