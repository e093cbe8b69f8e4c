package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zapsuite/zapsuite/pkg/config"
	"github.com/zapsuite/zapsuite/pkg/scheduler"
	"github.com/zapsuite/zapsuite/pkg/session"
	"github.com/zapsuite/zapsuite/pkg/sysinfo"
	"github.com/zapsuite/zapsuite/pkg/testrun"
)

// RepoSummary is the per-repository subtotal of a suite run.
type RepoSummary struct {
	RepoID              string          `json:"repo_id"`
	SessionID           string          `json:"session_id"`
	State               scheduler.State `json:"state"`
	IndexError          string          `json:"index_error,omitempty"`
	Attempted           int             `json:"attempted"`
	Succeeded           int             `json:"succeeded"`
	Failed              int             `json:"failed"`
	MeanDurationSeconds float64         `json:"mean_duration_seconds"`
}

// SuiteReport is the full outcome of one suite execution. Results keep
// each repository's completion order, with repositories in configuration
// order.
type SuiteReport struct {
	SuiteSessionID string            `json:"suite_session_id"`
	Status         session.Status    `json:"status"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        time.Time         `json:"ended_at"`
	Results        []*testrun.Result `json:"results"`
	Repos          []RepoSummary     `json:"repos"`
	Host           *sysinfo.Snapshot `json:"host,omitempty"`
}

// Orchestrator runs the configured repositories strictly one at a time.
// Repositories are sequential on purpose: concurrent repos would contend
// for working-tree state (branch checkout) and for the analysis binary's
// own resource assumptions.
type Orchestrator interface {
	// SuiteSessionID allocates the suite session on first call and
	// returns its id, so observers can subscribe to the suite's log
	// stream before Run begins executing.
	SuiteSessionID() (string, error)

	// Run executes the whole suite and returns the aggregated report.
	// Repository failures are isolated; Run only errors on suite-level
	// bookkeeping problems.
	Run(ctx context.Context) (*SuiteReport, error)
}

// Compile-time interface check.
var _ Orchestrator = (*orchestrator)(nil)

type orchestrator struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	registry session.Registry
	sched    scheduler.Scheduler

	once    sync.Once
	suiteID string
	initErr error
}

// New creates a suite orchestrator. The registry, broker and scheduler
// are owned by the caller and live exactly as long as this suite.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	registry session.Registry,
	sched scheduler.Scheduler,
) Orchestrator {
	return &orchestrator{
		log:      log.WithField("component", "orchestrator"),
		cfg:      cfg,
		registry: registry,
		sched:    sched,
	}
}

// SuiteSessionID lazily creates the suite session.
func (o *orchestrator) SuiteSessionID() (string, error) {
	o.once.Do(func() {
		sess, err := o.registry.Create("", session.KindSuite, "suite")
		if err != nil {
			o.initErr = fmt.Errorf("creating suite session: %w", err)

			return
		}

		o.suiteID = sess.ID
	})

	return o.suiteID, o.initErr
}

// Run iterates repositories sequentially, delegating each to the
// repository scheduler and aggregating results and subtotals.
func (o *orchestrator) Run(ctx context.Context) (*SuiteReport, error) {
	suiteID, err := o.SuiteSessionID()
	if err != nil {
		return nil, err
	}

	if err := o.registry.Transition(suiteID, session.StatusRunning); err != nil {
		return nil, fmt.Errorf("starting suite session: %w", err)
	}

	report := &SuiteReport{
		SuiteSessionID: suiteID,
		StartedAt:      time.Now(),
	}

	o.log.WithFields(logrus.Fields{
		"suite": suiteID,
		"repos": len(o.cfg.Repos),
	}).Info("Suite started")

	suiteFailed := false

	for _, repo := range o.cfg.Repos {
		summary := o.runRepo(ctx, suiteID, repo, report)
		report.Repos = append(report.Repos, summary)

		if summary.State == scheduler.StateFailed || summary.Failed > 0 {
			suiteFailed = true
		}
	}

	status := session.StatusSucceeded
	if suiteFailed {
		status = session.StatusFailed
	}

	if err := o.registry.Transition(suiteID, status); err != nil {
		return nil, fmt.Errorf("finishing suite session: %w", err)
	}

	report.Status = status
	report.EndedAt = time.Now()

	o.log.WithFields(logrus.Fields{
		"suite":   suiteID,
		"status":  status,
		"results": len(report.Results),
	}).Info("Suite finished")

	return report, nil
}

// runRepo executes one repository's batch and folds its results into the
// report. A repository failure never aborts the suite.
func (o *orchestrator) runRepo(
	ctx context.Context,
	suiteID string,
	repo config.RepoConfig,
	report *SuiteReport,
) RepoSummary {
	log := o.log.WithField("repo", repo.ID)

	sess, err := o.registry.Create(suiteID, session.KindRepo, repo.ID)
	if err != nil {
		// Registry bookkeeping failure; account for the repo anyway.
		log.WithError(err).Error("Creating repo session failed")

		return RepoSummary{
			RepoID:     repo.ID,
			State:      scheduler.StateFailed,
			IndexError: fmt.Sprintf("creating repo session: %v", err),
		}
	}

	if err := o.registry.Transition(sess.ID, session.StatusRunning); err != nil {
		log.WithError(err).Error("Starting repo session failed")
	}

	repoReport := o.sched.Run(ctx, repo, sess.ID)
	report.Results = append(report.Results, repoReport.Results...)

	summary := summarize(repoReport)

	status := session.StatusSucceeded
	if summary.State == scheduler.StateFailed || summary.Failed > 0 {
		status = session.StatusFailed
	}

	if err := o.registry.Transition(sess.ID, status); err != nil {
		log.WithError(err).Error("Finishing repo session failed")
	}

	log.WithFields(logrus.Fields{
		"attempted": summary.Attempted,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}).Info("Repository finished")

	return summary
}

// summarize computes a repository's subtotals. Mean duration covers
// executed jobs only; synthesized failures never ran and would skew it.
func summarize(r *scheduler.Report) RepoSummary {
	summary := RepoSummary{
		RepoID:     r.RepoID,
		SessionID:  r.SessionID,
		State:      r.State,
		IndexError: r.IndexError,
		Attempted:  len(r.Results),
	}

	var (
		total    float64
		executed int
	)

	for _, result := range r.Results {
		if result.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}

		if result.DurationSeconds > 0 {
			total += result.DurationSeconds
			executed++
		}
	}

	if executed > 0 {
		summary.MeanDurationSeconds = total / float64(executed)
	}

	return summary
}
