package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/agentgate/pkg/mcp"
)

func newLimitsCmd(configPath *string) *cobra.Command {
	var agent string

	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Show active rate-limit windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			windows, err := a.gateway.Windows(context.Background(), agent)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), mcp.FormatWindows(windows))
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "only show windows for this agent")
	return cmd
}
