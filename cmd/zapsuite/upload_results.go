package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zapsuite/zapsuite/pkg/config"
	"github.com/zapsuite/zapsuite/pkg/upload"
)

var uploadResultsCmd = &cobra.Command{
	Use:   "upload-results <report.json>",
	Short: "Upload a suite report to S3",
	Long:  `Upload a previously written suite report file to the configured S3 bucket.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUploadResults,
}

func init() {
	rootCmd.AddCommand(uploadResultsCmd)
}

func runUploadResults(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Upload == nil || !cfg.Upload.Enabled {
		return fmt.Errorf("upload section must be configured and enabled")
	}

	reportPath := args[0]

	data, err := os.ReadFile(reportPath)
	if err != nil {
		return fmt.Errorf("reading report: %w", err)
	}

	var report struct {
		SuiteSessionID string `json:"suite_session_id"`
	}

	if err := json.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("parsing report: %w", err)
	}

	if report.SuiteSessionID == "" {
		return fmt.Errorf("report has no suite session id")
	}

	uploader, err := upload.NewS3Uploader(log, cfg.Upload)
	if err != nil {
		return fmt.Errorf("creating uploader: %w", err)
	}

	ctx := context.Background()

	if err := uploader.Preflight(ctx); err != nil {
		return fmt.Errorf("upload preflight: %w", err)
	}

	if err := uploader.UploadReport(ctx, report.SuiteSessionID, reportPath); err != nil {
		return fmt.Errorf("uploading report: %w", err)
	}

	return nil
}
