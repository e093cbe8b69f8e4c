package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/zapsuite/zapsuite/pkg/config"
	"github.com/zapsuite/zapsuite/pkg/indexer"
	"github.com/zapsuite/zapsuite/pkg/inputs"
	"github.com/zapsuite/zapsuite/pkg/logstream"
	"github.com/zapsuite/zapsuite/pkg/orchestrator"
	"github.com/zapsuite/zapsuite/pkg/scheduler"
	"github.com/zapsuite/zapsuite/pkg/session"
	"github.com/zapsuite/zapsuite/pkg/store"
	"github.com/zapsuite/zapsuite/pkg/sysinfo"
	"github.com/zapsuite/zapsuite/pkg/testrun"
	"github.com/zapsuite/zapsuite/pkg/upload"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full test suite",
	Long:  `Run every configured repository's test batch and write the aggregated report.`,
	RunE:  runSuite,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runSuite(cmd *cobra.Command, args []string) error {
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

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	// All services live exactly as long as this suite.
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
	orch := orchestrator.New(log, cfg, registry, sched)

	report, err := orch.Run(ctx)
	if err != nil {
		return fmt.Errorf("running suite: %w", err)
	}

	report.Host = sysinfo.Collect(ctx, log)

	printSummary(report)

	reportPath, err := writeReport(cfg.Results.Dir, report)
	if err != nil {
		return err
	}

	log.WithField("path", reportPath).Info("Report written")

	if cfg.Results.Database != nil {
		if err := persistReport(ctx, cfg, report); err != nil {
			log.WithError(err).Warn("Persisting report failed")
		}
	}

	if cfg.Upload != nil && cfg.Upload.Enabled {
		if err := uploadReport(ctx, cfg, report.SuiteSessionID, reportPath); err != nil {
			log.WithError(err).Warn("Uploading report failed")
		}
	}

	return nil
}

// writeReport writes the suite report JSON into the results directory.
func writeReport(dir string, report *orchestrator.SuiteReport) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating results directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("report-%s.json", report.SuiteSessionID))

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling report: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}

	return path, nil
}

// persistReport saves the report to the configured database sink.
func persistReport(ctx context.Context, cfg *config.Config, report *orchestrator.SuiteReport) error {
	sink := store.NewStore(log, cfg.Results.Database)
	if err := sink.Start(ctx); err != nil {
		return err
	}

	defer func() {
		if err := sink.Stop(); err != nil {
			log.WithError(err).Warn("Closing store failed")
		}
	}()

	return sink.SaveReport(ctx, report)
}

// uploadReport pushes the report file to the configured S3 bucket.
func uploadReport(ctx context.Context, cfg *config.Config, suiteID, path string) error {
	uploader, err := upload.NewS3Uploader(log, cfg.Upload)
	if err != nil {
		return err
	}

	return uploader.UploadReport(ctx, suiteID, path)
}

// printSummary writes a human-readable batch summary to stdout.
func printSummary(report *orchestrator.SuiteReport) {
	fmt.Printf("\nSuite %s: %s in %s\n",
		report.SuiteSessionID,
		report.Status,
		units.HumanDuration(report.EndedAt.Sub(report.StartedAt)),
	)

	for _, repo := range report.Repos {
		fmt.Printf("  %-24s attempted=%-3d succeeded=%-3d failed=%-3d mean=%.2fs\n",
			repo.RepoID, repo.Attempted, repo.Succeeded, repo.Failed,
			repo.MeanDurationSeconds,
		)

		if repo.IndexError != "" {
			fmt.Printf("    index error: %s\n", repo.IndexError)
		}
	}

	var findings int
	for _, result := range report.Results {
		findings += testrun.FindingCount(result.Output)
	}

	fmt.Printf("  %d results, %d findings\n\n", len(report.Results), findings)
}
