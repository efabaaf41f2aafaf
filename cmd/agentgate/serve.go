package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/agentgate/pkg/agents"
	"github.com/pario-ai/agentgate/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.sweeper.Start()
			defer a.sweeper.Close()

			registry := agents.New(a.provider)
			srv := server.New(a.provider, a.gateway, registry, a.sweeper,
				server.WithLogger(a.logger), server.WithGatherer(a.registry), server.WithAddr(listen))

			a.logger.Info("starting agentgate",
				zap.String("config", *configPath),
				zap.String("backend", a.provider.Current().Store.Backend),
				zap.Strings("agents", registry.Names()))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.provider.Watch(gctx) })
			g.Go(func() error {
				err := srv.ListenAndServe(gctx)
				stop()
				return err
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}
