package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zapsuite/zapsuite/pkg/config"
	"github.com/zapsuite/zapsuite/pkg/orchestrator"
)

// Store persists completed suite reports. It is an optional result sink:
// live execution state stays in memory and is never read back from here.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// SaveReport persists a finished suite report with its results and
	// per-repository subtotals.
	SaveReport(ctx context.Context, report *orchestrator.SuiteReport) error

	// ListSuiteRuns returns persisted runs, newest first, without
	// per-test detail.
	ListSuiteRuns(ctx context.Context) ([]SuiteRun, error)

	// GetSuiteRun returns one run by suite session id, including its
	// results and subtotals.
	GetSuiteRun(ctx context.Context, sessionID string) (*SuiteRun, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&SuiteRun{},
		&RepoSubtotal{},
		&TestResultRecord{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// SaveReport persists the report in a single transaction.
func (s *store) SaveReport(ctx context.Context, report *orchestrator.SuiteReport) error {
	run := SuiteRun{
		SessionID:   report.SuiteSessionID,
		Status:      string(report.Status),
		StartedAt:   report.StartedAt,
		EndedAt:     report.EndedAt,
		ResultCount: len(report.Results),
	}

	if report.Host != nil {
		run.Hostname = report.Host.Hostname
	}

	for _, summary := range report.Repos {
		run.Repos = append(run.Repos, RepoSubtotal{
			RepoID:              summary.RepoID,
			SessionID:           summary.SessionID,
			State:               string(summary.State),
			IndexError:          summary.IndexError,
			Attempted:           summary.Attempted,
			Succeeded:           summary.Succeeded,
			Failed:              summary.Failed,
			MeanDurationSeconds: summary.MeanDurationSeconds,
		})
	}

	for _, result := range report.Results {
		record := TestResultRecord{
			SessionID:       result.Job.SessionID,
			RepoID:          result.Job.RepoID,
			InputFile:       result.Job.InputFile,
			RunNumber:       result.Job.RunNumber,
			Success:         result.Success,
			DurationSeconds: result.DurationSeconds,
			RawStdout:       result.RawStdout,
			RawStderr:       result.RawStderr,
			Error:           result.Error,
			Timestamp:       result.Timestamp,
		}

		if len(result.Output) > 0 {
			data, err := json.Marshal(result.Output)
			if err == nil {
				record.Output = string(data)
			}
		}

		run.Results = append(run.Results, record)
	}

	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("saving suite report: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"suite":   report.SuiteSessionID,
		"results": len(run.Results),
	}).Info("Suite report persisted")

	return nil
}

func (s *store) ListSuiteRuns(ctx context.Context) ([]SuiteRun, error) {
	var runs []SuiteRun
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing suite runs: %w", err)
	}

	return runs, nil
}

func (s *store) GetSuiteRun(ctx context.Context, sessionID string) (*SuiteRun, error) {
	var run SuiteRun
	if err := s.db.WithContext(ctx).
		Preload("Results").
		Preload("Repos").
		Where("session_id = ?", sessionID).
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting suite run %s: %w", sessionID, err)
	}

	return &run, nil
}
