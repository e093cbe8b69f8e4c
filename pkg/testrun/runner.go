package testrun

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zapsuite/zapsuite/pkg/config"
	"github.com/zapsuite/zapsuite/pkg/indexer"
	"github.com/zapsuite/zapsuite/pkg/logstream"
)

// Runner wraps one invocation of the external analysis tool against a
// single input case. It always runs with a pre-built index handle and
// never builds one itself: building per-test would reintroduce the
// O(repos*inputs*runs) index cost the scheduler exists to avoid.
//
// Run never returns an error; every failure mode is recorded in the
// Result so a suite always accounts for every planned job.
type Runner interface {
	Run(ctx context.Context, repo config.RepoConfig, handle *indexer.IndexHandle, job Job) *Result
}

// Compile-time interface check.
var _ Runner = (*runner)(nil)

type runner struct {
	log    logrus.FieldLogger
	cfg    *config.ToolConfig
	broker logstream.Broker
}

// NewRunner creates a new test runner adapter.
func NewRunner(
	log logrus.FieldLogger,
	cfg *config.ToolConfig,
	broker logstream.Broker,
) Runner {
	return &runner{
		log:    log.WithField("component", "test-runner"),
		cfg:    cfg,
		broker: broker,
	}
}

// Run invokes the tool once and records the outcome. Duration covers the
// subprocess lifetime only, never queue wait time.
func (r *runner) Run(
	ctx context.Context,
	repo config.RepoConfig,
	handle *indexer.IndexHandle,
	job Job,
) *Result {
	log := r.log.WithFields(logrus.Fields{
		"repo":    job.RepoID,
		"input":   job.InputFile,
		"run":     job.RunNumber,
		"session": job.SessionID,
	})

	result := &Result{Job: job}

	if handle == nil {
		result.Error = "no index handle provided"
		result.Timestamp = time.Now()

		return result
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout.Std())
	defer cancel()

	inputPath := filepath.Join(repo.InputsPath, job.InputFile)

	args := []string{"-v", "-c", r.cfg.ConfigPath, "-p", inputPath, "-s", job.SessionID}
	args = append(args, r.cfg.ExtraArgs...)

	cmd := exec.CommandContext(ctx, r.cfg.BinaryPath, args...)
	cmd.Dir = repo.Path
	cmd.Env = r.buildEnv(handle)

	r.broker.Append(job.SessionID, fmt.Sprintf("$ %s", strings.Join(cmd.Args, " ")))

	var stdout, stderr bytes.Buffer

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return r.fail(result, fmt.Sprintf("attaching stdout: %v", err))
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return r.fail(result, fmt.Sprintf("attaching stderr: %v", err))
	}

	log.Debug("Starting analysis tool")

	start := time.Now()

	if err := cmd.Start(); err != nil {
		return r.fail(result, fmt.Sprintf("starting tool: %v", err))
	}

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		r.forwardLines(io.TeeReader(stdoutPipe, &stdout), job.SessionID)
	}()
	go func() {
		defer wg.Done()
		r.forwardLines(io.TeeReader(stderrPipe, &stderr), job.SessionID)
	}()

	wg.Wait()

	runErr := cmd.Wait()
	result.DurationSeconds = time.Since(start).Seconds()
	result.Timestamp = time.Now()
	result.RawStdout = stdout.String()
	result.RawStderr = stderr.String()

	if ctx.Err() == context.DeadlineExceeded {
		result.Output = map[string]any{}
		result.Error = fmt.Sprintf("tool timed out after %s", r.cfg.Timeout.Std())

		log.WithField("timeout", r.cfg.Timeout.Std()).Warn("Tool invocation timed out")

		return result
	}

	if output, ok := ExtractPayload(result.RawStdout); ok {
		result.Output = output
	} else {
		// Parse failure is an anomaly, not a test failure: the raw
		// output stays available for reclassification.
		result.Output = map[string]any{}
	}

	result.Analytics = ExtractAnalytics(result.RawStdout)

	if runErr != nil {
		result.Error = strings.TrimSpace(result.RawStderr)
		if result.Error == "" {
			result.Error = runErr.Error()
		}

		log.WithError(runErr).Debug("Tool exited non-zero")

		return result
	}

	result.Success = true

	log.WithField("duration_s", result.DurationSeconds).Debug("Tool invocation complete")

	return result
}

// buildEnv merges the process environment, configured overrides and the
// index handle path.
func (r *runner) buildEnv(handle *indexer.IndexHandle) []string {
	env := os.Environ()

	for k, v := range r.cfg.Environment {
		env = append(env, k+"="+v)
	}

	if r.cfg.IndexEnv != "" {
		env = append(env, r.cfg.IndexEnv+"="+handle.Path)
	}

	return env
}

// forwardLines streams process output to the broker line by line.
func (r *runner) forwardLines(reader io.Reader, sessionID string) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		r.broker.Append(sessionID, scanner.Text())
	}
}

func (r *runner) fail(result *Result, reason string) *Result {
	result.Output = map[string]any{}
	result.Error = reason
	result.Timestamp = time.Now()

	return result
}
