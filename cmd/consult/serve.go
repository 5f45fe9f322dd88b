package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/consult/internal/conversation"
	"github.com/zulandar/consult/internal/dashboard"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		key        string
		agentType  string
		port       int
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a consultation over HTTP",
		Long: "Initializes the consultation for --key and exposes it through the JSON and SSE dashboard API.\n" +
			"Stale active-session records are pruned on the configured schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, key, agentType, port, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to consult config file")
	cmd.Flags().StringVarP(&key, "key", "k", "", "caller key the consultation is resumed by (required)")
	cmd.Flags().StringVar(&agentType, "agent", "", "agent type for new consultations (defaults to config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (defaults to config)")
	cmd.Flags().BoolVar(&debug, "debug", false, "print debug logs to stderr")
	cmd.MarkFlagRequired("key")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, key, agentType string, port int, debug bool) error {
	cfg, logger, err := loadConfig(cmd, configPath, debug, true)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if agentType == "" {
		agentType = cfg.Backend.AgentType
	}
	ic := conversation.InitContext{AgentType: agentType}
	initCtx, initCancel := initContext(ctx)
	sess, err := a.orch.Initialize(initCtx, key, ic)
	initCancel()
	if err != nil {
		return fmt.Errorf("start consultation: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Consultation %s ready for %s\n", sess.ID, key)

	if port <= 0 {
		port = cfg.Dashboard.Port
	}
	pruner, err := a.newPruner()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dashboard.Start(gctx, dashboard.StartOpts{
			Controller:  a.orch,
			Metrics:     a.metrics,
			Key:         key,
			InitContext: ic,
			Port:        port,
			Out:         cmd.OutOrStdout(),
			Logger:      logger,
		})
	})
	if pruner != nil {
		g.Go(func() error {
			if _, err := pruner.PruneNow(gctx); err != nil {
				logger.Warn("initial prune failed", zap.Error(err))
			}
			return pruner.Run(gctx)
		})
	}
	return g.Wait()
}
