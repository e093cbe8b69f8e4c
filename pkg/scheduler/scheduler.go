package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zapsuite/zapsuite/pkg/config"
	"github.com/zapsuite/zapsuite/pkg/indexer"
	"github.com/zapsuite/zapsuite/pkg/inputs"
	"github.com/zapsuite/zapsuite/pkg/logstream"
	"github.com/zapsuite/zapsuite/pkg/session"
	"github.com/zapsuite/zapsuite/pkg/testrun"
)

// State tracks a repository's progress through its batch.
type State string

const (
	StateScheduled     State = "scheduled"
	StateIndexBuilding State = "index_building"
	StateDispatching   State = "dispatching"
	StateCollecting    State = "collecting"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// Report is the outcome of one repository's batch. Results are kept in
// completion order on purpose: the fastest feedback surfaces first, and
// any "submission order" view is reconstructed by the presentation layer
// sorting on (input file, run number).
type Report struct {
	RepoID     string            `json:"repo_id"`
	SessionID  string            `json:"session_id"`
	State      State             `json:"state"`
	IndexError string            `json:"index_error,omitempty"`
	Results    []*testrun.Result `json:"results"`
}

// Scheduler runs one repository's batch: a single index build followed
// by every (input x run) job on a bounded worker pool. RunAdHoc is the
// explicit build-then-run mode for one job outside a suite; the two
// modes are deliberately separate operations, not one overloaded call.
type Scheduler interface {
	Run(ctx context.Context, repo config.RepoConfig, repoSessionID string) *Report
	RunAdHoc(ctx context.Context, repo config.RepoConfig, inputFile string, runNumber int) (*testrun.Result, error)
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log        logrus.FieldLogger
	cfg        *config.SuiteConfig
	registry   session.Registry
	broker     logstream.Broker
	builder    indexer.Builder
	runner     testrun.Runner
	enumerator inputs.Enumerator
}

// NewScheduler creates a repository scheduler.
func NewScheduler(
	log logrus.FieldLogger,
	cfg *config.SuiteConfig,
	registry session.Registry,
	broker logstream.Broker,
	builder indexer.Builder,
	runner testrun.Runner,
	enumerator inputs.Enumerator,
) Scheduler {
	return &scheduler{
		log:        log.WithField("component", "repo-scheduler"),
		cfg:        cfg,
		registry:   registry,
		broker:     broker,
		builder:    builder,
		runner:     runner,
		enumerator: enumerator,
	}
}

// Run executes the repository's full batch. The caller owns the repo
// session's lifecycle; this method owns the test sessions it creates.
// Run never aborts on per-job failures — the report always accounts for
// every planned job.
func (s *scheduler) Run(ctx context.Context, repo config.RepoConfig, repoSessionID string) *Report {
	log := s.log.WithField("repo", repo.ID)

	report := &Report{
		RepoID:    repo.ID,
		SessionID: repoSessionID,
		State:     StateScheduled,
	}

	files, err := s.enumerator.List(repo.InputsPath)
	if err != nil {
		log.WithError(err).Error("Input enumeration failed")

		report.State = StateFailed
		report.IndexError = fmt.Sprintf("enumerating inputs: %v", err)
		s.broker.Append(repoSessionID, report.IndexError)

		return report
	}

	jobs := s.planJobs(repo, repoSessionID, files)

	log.WithFields(logrus.Fields{
		"inputs": len(files),
		"runs":   s.cfg.RunCount,
		"jobs":   len(jobs),
	}).Info("Repository batch planned")

	report.State = StateIndexBuilding
	s.broker.Append(repoSessionID, fmt.Sprintf("building index for %s", repo.ID))

	handle, err := s.builder.Build(ctx, repo, repoSessionID)
	if err != nil {
		log.WithError(err).Error("Index build failed")

		report.State = StateFailed
		report.IndexError = err.Error()
		report.Results = s.synthesizeFailures(jobs, fmt.Sprintf("index build failed: %v", err))
		s.broker.Append(repoSessionID, report.IndexError)

		return report
	}

	report.State = StateDispatching
	report.Results = s.dispatch(ctx, repo, handle, jobs, &report.State)
	report.State = StateDone

	log.WithField("results", len(report.Results)).Info("Repository batch complete")

	return report
}

// planJobs enumerates the (input x run) cross product, creating each
// job's test session at scheduling time so observers can subscribe to
// its log stream before the job starts executing.
func (s *scheduler) planJobs(repo config.RepoConfig, repoSessionID string, files []string) []testrun.Job {
	jobs := make([]testrun.Job, 0, len(files)*s.cfg.RunCount)

	for _, file := range files {
		for run := 1; run <= s.cfg.RunCount; run++ {
			label := fmt.Sprintf("%s#%d", file, run)

			sess, err := s.registry.Create(repoSessionID, session.KindTest, label)
			if err != nil {
				// Only possible if the repo session vanished, which is
				// a programming error in the orchestrator.
				s.log.WithError(err).WithField("job", label).Error("Creating test session failed")

				continue
			}

			jobs = append(jobs, testrun.Job{
				RepoID:    repo.ID,
				InputFile: file,
				RunNumber: run,
				SessionID: sess.ID,
			})
		}
	}

	return jobs
}

// dispatch feeds the jobs to a fixed-size worker pool and collects
// results as they complete. A cancelled context stops admitting new jobs;
// the remainder are synthesized as failed so accounting totals hold.
func (s *scheduler) dispatch(
	ctx context.Context,
	repo config.RepoConfig,
	handle *indexer.IndexHandle,
	jobs []testrun.Job,
	state *State,
) []*testrun.Result {
	var (
		mu      sync.Mutex
		results = make([]*testrun.Result, 0, len(jobs))
	)

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.ParallelWorkers)

	*state = StateCollecting

	for _, job := range jobs {
		if ctx.Err() != nil {
			results = append(results, s.synthesizeFailure(job, "suite cancelled before dispatch"))

			continue
		}

		g.Go(func() error {
			s.markRunning(job.SessionID)

			result := s.runner.Run(ctx, repo, handle, job)

			s.markTerminal(job.SessionID, result.Success)

			mu.Lock()
			results = append(results, result)
			mu.Unlock()

			return nil
		})
	}

	// Workers never return errors; failures live in their results.
	_ = g.Wait()

	return results
}

// synthesizeFailures produces a failed result for every planned job
// without invoking the tool, preserving accounting totals.
func (s *scheduler) synthesizeFailures(jobs []testrun.Job, reason string) []*testrun.Result {
	results := make([]*testrun.Result, 0, len(jobs))

	for _, job := range jobs {
		results = append(results, s.synthesizeFailure(job, reason))
	}

	return results
}

func (s *scheduler) synthesizeFailure(job testrun.Job, reason string) *testrun.Result {
	s.markRunning(job.SessionID)
	s.markTerminal(job.SessionID, false)

	result := &testrun.Result{
		Job:       job,
		Output:    map[string]any{},
		Error:     reason,
		Timestamp: time.Now(),
	}

	s.broker.Append(job.SessionID, reason)

	return result
}

func (s *scheduler) markRunning(sessionID string) {
	if err := s.registry.Transition(sessionID, session.StatusRunning); err != nil {
		s.log.WithError(err).WithField("session", sessionID).Error("Session transition failed")
	}
}

func (s *scheduler) markTerminal(sessionID string, success bool) {
	status := session.StatusFailed
	if success {
		status = session.StatusSucceeded
	}

	if err := s.registry.Transition(sessionID, status); err != nil {
		s.log.WithError(err).WithField("session", sessionID).Error("Session transition failed")
	}
}
