package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/agentgate/pkg/mcp"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the response cache",
	}

	var top int
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stats, err := a.gateway.Stats(context.Background(), top)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), mcp.FormatCacheStats(stats))
			return nil
		},
	}
	statsCmd.Flags().IntVar(&top, "top", 10, "number of most-hit entries to list")

	var agent string
	flushCmd := &cobra.Command{
		Use:   "flush",
		Short: "Delete every cached response for one agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			n, err := a.gateway.FlushAgent(context.Background(), agent)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Flushed %d cache entries for %s.\n", n, agent)
			return nil
		},
	}
	flushCmd.Flags().StringVar(&agent, "agent", "", "agent to flush")
	_ = flushCmd.MarkFlagRequired("agent")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired entries and finished rate-limit windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			report := a.sweeper.RunOnce(context.Background())
			fmt.Fprint(cmd.OutOrStdout(), mcp.FormatSweepReport(report))
			if report.CacheError != "" || report.WindowError != "" {
				return fmt.Errorf("sweep incomplete")
			}
			return nil
		},
	}

	cmd.AddCommand(statsCmd, flushCmd, sweepCmd)
	return cmd
}
