package scheduler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zapsuite/zapsuite/pkg/config"
	"github.com/zapsuite/zapsuite/pkg/session"
	"github.com/zapsuite/zapsuite/pkg/testrun"
)

// RunAdHoc builds a throwaway index and runs a single job against it as
// one atomic unit. This is the explicit single-test mode used outside a
// full suite; the index handle is discarded when the call returns. A
// checkout or index failure is returned as an error since there is no
// batch to account against.
func (s *scheduler) RunAdHoc(
	ctx context.Context,
	repo config.RepoConfig,
	inputFile string,
	runNumber int,
) (*testrun.Result, error) {
	label := fmt.Sprintf("%s#%d", inputFile, runNumber)

	suiteSess, err := s.registry.Create("", session.KindSuite, "ad-hoc "+label)
	if err != nil {
		return nil, fmt.Errorf("creating ad-hoc suite session: %w", err)
	}

	s.markRunning(suiteSess.ID)

	repoSess, err := s.registry.Create(suiteSess.ID, session.KindRepo, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("creating ad-hoc repo session: %w", err)
	}

	s.markRunning(repoSess.ID)

	testSess, err := s.registry.Create(repoSess.ID, session.KindTest, label)
	if err != nil {
		return nil, fmt.Errorf("creating ad-hoc test session: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"repo":  repo.ID,
		"input": inputFile,
		"run":   runNumber,
	}).Info("Running ad-hoc test")

	handle, err := s.builder.Build(ctx, repo, repoSess.ID)
	if err != nil {
		s.markRunning(testSess.ID)
		s.markTerminal(testSess.ID, false)
		s.markTerminal(repoSess.ID, false)
		s.markTerminal(suiteSess.ID, false)

		return nil, fmt.Errorf("ad-hoc index build: %w", err)
	}

	job := testrun.Job{
		RepoID:    repo.ID,
		InputFile: inputFile,
		RunNumber: runNumber,
		SessionID: testSess.ID,
	}

	s.markRunning(testSess.ID)

	result := s.runner.Run(ctx, repo, handle, job)

	s.markTerminal(testSess.ID, result.Success)
	s.markTerminal(repoSess.ID, result.Success)
	s.markTerminal(suiteSess.ID, result.Success)

	return result, nil
}
