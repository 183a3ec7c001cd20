package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"marduk/internal/coordinator"
	"marduk/internal/task"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "marduk",
		Short:         "Cognitive coordination core",
		Long:          "marduk hosts the context coordinator, memory subsystems, task manager, and worker channel.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to marduk.yaml")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newQueryCmd(&configPath))
	root.AddCommand(newCycleCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and worker channel until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, appOptions{withDispatcher: true})
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := a.Close(); closeErr != nil {
					fmt.Fprintf(os.Stderr, "shutdown: %v\n", closeErr)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.coordinator.Start(ctx)
			a.monitor.Start(ctx)
			return a.server.Run(ctx)
		},
	}
}

func newQueryCmd(configPath *string) *cobra.Command {
	var systemPrompt string

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Answer one query with retrieved context and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, appOptions{inMemory: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, err := a.coordinator.ProcessQuery(ctx, strings.Join(args, " "),
				coordinator.QueryOptions{SystemPrompt: systemPrompt})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Content)
			fmt.Fprintf(cmd.ErrOrStderr(), "model=%s tokens=%d\n", result.Model, result.Usage.TotalTokens)
			return nil
		},
	}
	cmd.Flags().StringVar(&systemPrompt, "system", "", "system prompt for the completion")
	return cmd
}

func newCycleCmd(configPath *string) *cobra.Command {
	var topics []string

	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one deliberation cycle and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.deliberation.RunCycle(context.Background(), task.MemoryState{
				CompletedTopics: topics,
			})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&topics, "completed-topic", nil, "topic marked complete before the cycle (repeatable)")
	return cmd
}
