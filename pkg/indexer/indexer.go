package indexer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zapsuite/zapsuite/pkg/config"
	"github.com/zapsuite/zapsuite/pkg/logstream"
)

// IndexHandle references a pre-built index artifact for one repository.
// It is owned by the repository scheduler for that repository's lifetime
// and is never shared across repositories or suite runs.
type IndexHandle struct {
	RepoID  string    `json:"repo_id"`
	Branch  string    `json:"branch,omitempty"`
	Path    string    `json:"path"`
	BuiltAt time.Time `json:"built_at"`
}

// Builder wraps one invocation of the external tool's index-construction
// mode. The call is synchronous and never retried; a failure is terminal
// for the repository's whole batch.
type Builder interface {
	Build(ctx context.Context, repo config.RepoConfig, sessionID string) (*IndexHandle, error)
}

// Compile-time interface check.
var _ Builder = (*builder)(nil)

type builder struct {
	log    logrus.FieldLogger
	cfg    *config.IndexerConfig
	broker logstream.Broker
}

// NewBuilder creates a new index builder adapter.
func NewBuilder(
	log logrus.FieldLogger,
	cfg *config.IndexerConfig,
	broker logstream.Broker,
) Builder {
	return &builder{
		log:    log.WithField("component", "index-builder"),
		cfg:    cfg,
		broker: broker,
	}
}

// Build checks out the configured branch if any, then runs the external
// indexing command once. Every line the process produces is forwarded to
// the log broker under sessionID before the call returns.
func (b *builder) Build(
	ctx context.Context,
	repo config.RepoConfig,
	sessionID string,
) (*IndexHandle, error) {
	log := b.log.WithFields(logrus.Fields{
		"repo":    repo.ID,
		"session": sessionID,
	})

	if repo.Branch != "" {
		if err := b.checkout(ctx, repo, sessionID); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout.Std())
	defer cancel()

	cmd := exec.CommandContext(ctx, b.cfg.BinaryPath, "create_index", "-r", repo.Path)
	cmd.Dir = repo.Path

	b.broker.Append(sessionID, fmt.Sprintf("$ %s", strings.Join(cmd.Args, " ")))

	var stdout bytes.Buffer

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &BuildError{Repo: repo.ID, Reason: fmt.Sprintf("attaching stdout: %v", err)}
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &BuildError{Repo: repo.ID, Reason: fmt.Sprintf("attaching stderr: %v", err)}
	}

	log.Info("Building index")

	if err := cmd.Start(); err != nil {
		return nil, &BuildError{Repo: repo.ID, Reason: fmt.Sprintf("starting indexer: %v", err)}
	}

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		b.forwardLines(io.TeeReader(stdoutPipe, &stdout), sessionID)
	}()
	go func() {
		defer wg.Done()
		b.forwardLines(stderrPipe, sessionID)
	}()

	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &BuildError{
				Repo:   repo.ID,
				Reason: fmt.Sprintf("indexer timed out after %s", b.cfg.Timeout.Std()),
			}
		}

		return nil, &BuildError{Repo: repo.ID, Reason: fmt.Sprintf("indexer exited: %v", err)}
	}

	indexPath := ParseIndexPath(stdout.String())
	if indexPath == "" {
		return nil, &BuildError{Repo: repo.ID, Reason: "no index path in indexer output"}
	}

	handle := &IndexHandle{
		RepoID:  repo.ID,
		Branch:  repo.Branch,
		Path:    indexPath,
		BuiltAt: time.Now(),
	}

	log.WithField("index", indexPath).Info("Index built")
	b.broker.Append(sessionID, fmt.Sprintf("index ready at %s", indexPath))

	return handle, nil
}

// checkout switches the repository to the configured branch. A dirty
// working tree or unknown branch fails the whole repository batch.
func (b *builder) checkout(ctx context.Context, repo config.RepoConfig, sessionID string) error {
	status := exec.CommandContext(ctx, "git", "-C", repo.Path, "status", "--porcelain")

	out, err := status.Output()
	if err != nil {
		return &CheckoutError{
			Repo:   repo.ID,
			Branch: repo.Branch,
			Reason: fmt.Sprintf("git status: %v", err),
		}
	}

	if len(bytes.TrimSpace(out)) > 0 {
		return &CheckoutError{
			Repo:   repo.ID,
			Branch: repo.Branch,
			Reason: "working tree is dirty",
		}
	}

	b.broker.Append(sessionID, fmt.Sprintf("checking out %s", repo.Branch))

	checkout := exec.CommandContext(ctx, "git", "-C", repo.Path, "checkout", repo.Branch)

	var stderr bytes.Buffer
	checkout.Stderr = &stderr

	if err := checkout.Run(); err != nil {
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = err.Error()
		}

		return &CheckoutError{Repo: repo.ID, Branch: repo.Branch, Reason: reason}
	}

	return nil
}

// forwardLines streams process output to the broker line by line.
func (b *builder) forwardLines(r io.Reader, sessionID string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		b.broker.Append(sessionID, scanner.Text())
	}
}

// indexerOutput mirrors the JSON the indexing command writes on success.
type indexerOutput struct {
	Output []struct {
		IndexPath string `json:"index_path"`
	} `json:"output"`
}

// ParseIndexPath extracts the built index's path from indexer stdout.
// Structured JSON output is preferred; a plain INDEX_PATH= line is
// accepted as fallback for older indexer builds.
func ParseIndexPath(stdout string) string {
	var parsed indexerOutput
	if err := json.Unmarshal([]byte(stdout), &parsed); err == nil {
		if len(parsed.Output) > 0 && parsed.Output[0].IndexPath != "" {
			return parsed.Output[0].IndexPath
		}
	}

	for _, line := range strings.Split(stdout, "\n") {
		if idx := strings.Index(line, "INDEX_PATH="); idx >= 0 {
			return strings.TrimSpace(line[idx+len("INDEX_PATH="):])
		}
	}

	return ""
}
