package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zapsuite/zapsuite/pkg/api"
	"github.com/zapsuite/zapsuite/pkg/config"
	"github.com/zapsuite/zapsuite/pkg/indexer"
	"github.com/zapsuite/zapsuite/pkg/inputs"
	"github.com/zapsuite/zapsuite/pkg/logstream"
	"github.com/zapsuite/zapsuite/pkg/scheduler"
	"github.com/zapsuite/zapsuite/pkg/session"
	"github.com/zapsuite/zapsuite/pkg/store"
	"github.com/zapsuite/zapsuite/pkg/testrun"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long:  `Start the zapsuite API server for test execution and live log streaming.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if cfg.API == nil {
		return fmt.Errorf("api section is required in config")
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	registry := session.NewRegistry(log)
	broker := logstream.NewBroker(log, logstream.Config{
		Retention: cfg.Suite.LogRetention,
		Keepalive: cfg.Suite.LogKeepalive.Std(),
	})
	builder := indexer.NewBuilder(log, &cfg.Indexer, broker)
	runner := testrun.NewRunner(log, &cfg.Tool, broker)
	sched := scheduler.NewScheduler(
		log, &cfg.Suite, registry, broker, builder, runner, inputs.NewEnumerator(),
	)

	deps := api.Deps{
		Registry:   registry,
		Broker:     broker,
		Scheduler:  sched,
		Enumerator: inputs.NewEnumerator(),
	}

	if cfg.Results.Database != nil {
		sink := store.NewStore(log, cfg.Results.Database)
		if err := sink.Start(ctx); err != nil {
			return fmt.Errorf("starting store: %w", err)
		}

		defer func() {
			if err := sink.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop store")
			}
		}()

		deps.Store = sink
	}

	srv := api.NewServer(log, cfg, deps)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
