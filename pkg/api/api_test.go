package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/zapsuite/zapsuite/pkg/config"
	"github.com/zapsuite/zapsuite/pkg/inputs"
	"github.com/zapsuite/zapsuite/pkg/logstream"
	"github.com/zapsuite/zapsuite/pkg/orchestrator"
	"github.com/zapsuite/zapsuite/pkg/scheduler"
	"github.com/zapsuite/zapsuite/pkg/session"
	"github.com/zapsuite/zapsuite/pkg/testrun"
)

// stubScheduler satisfies the batch and ad-hoc entry points without
// touching an external tool. The repo batch creates and resolves test
// sessions so API responses expose a realistic session tree.
type stubScheduler struct {
	registry session.Registry
	broker   logstream.Broker
	adHocErr error
	block    chan struct{} // when set, Run waits here before returning
}

func (f *stubScheduler) Run(_ context.Context, repo config.RepoConfig, repoSessionID string) *scheduler.Report {
	if f.block != nil {
		<-f.block
	}

	sess, _ := f.registry.Create(repoSessionID, session.KindTest, "case.txt#1")
	_ = f.registry.Transition(sess.ID, session.StatusRunning)
	_ = f.registry.Transition(sess.ID, session.StatusSucceeded)

	f.broker.Append(sess.ID, "stub run complete")

	return &scheduler.Report{
		RepoID:    repo.ID,
		SessionID: repoSessionID,
		State:     scheduler.StateDone,
		Results: []*testrun.Result{
			{
				Job: testrun.Job{
					RepoID: repo.ID, InputFile: "case.txt", RunNumber: 1, SessionID: sess.ID,
				},
				Success:         true,
				DurationSeconds: 0.5,
				Output:          map[string]any{},
				Timestamp:       time.Now(),
			},
		},
	}
}

func (f *stubScheduler) RunAdHoc(_ context.Context, repo config.RepoConfig, inputFile string, runNumber int) (*testrun.Result, error) {
	if f.adHocErr != nil {
		return nil, f.adHocErr
	}

	return &testrun.Result{
		Job:       testrun.Job{RepoID: repo.ID, InputFile: inputFile, RunNumber: runNumber},
		Success:   true,
		Output:    map[string]any{},
		Timestamp: time.Now(),
	}, nil
}

type apiFixture struct {
	srv      *server
	handler  http.Handler
	registry session.Registry
	broker   logstream.Broker
	sched    *stubScheduler
}

func newAPIFixture(t *testing.T, mutate func(*config.Config)) *apiFixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		Tool:    config.ToolConfig{BinaryPath: "/usr/local/bin/zap", ConfigPath: "/etc/zap.yaml"},
		Indexer: config.IndexerConfig{BinaryPath: "/usr/local/bin/zap"},
		Suite:   config.SuiteConfig{RunCount: 1, ParallelWorkers: 1},
		Repos: []config.RepoConfig{
			{ID: "repo-a", Path: "/srv/repos/a", InputsPath: "/srv/repos/a/inputs"},
		},
		API: &config.APIConfig{Listen: "127.0.0.1:0"},
	}

	if mutate != nil {
		mutate(cfg)
	}

	f := &apiFixture{
		registry: session.NewRegistry(log),
		broker:   logstream.NewBroker(log, logstream.Config{}),
	}
	f.sched = &stubScheduler{registry: f.registry, broker: f.broker}

	f.srv = &server{
		log: log,
		cfg: cfg,
		deps: Deps{
			Registry:   f.registry,
			Broker:     f.broker,
			Scheduler:  f.sched,
			Enumerator: inputs.NewEnumerator(),
		},
		suites: make(map[string]*suiteRun),
	}
	f.handler = f.srv.buildRouter()

	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	return out
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_ConfigOmitsSecrets(t *testing.T) {
	f := newAPIFixture(t, func(cfg *config.Config) {
		cfg.Tool.Environment = map[string]string{"ZAP_API_KEY": "supersecret"}
	})

	rec := f.do(t, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, rec.Body.String(), "repo-a")
	assert.NotContains(t, rec.Body.String(), "supersecret")
}

func TestAPI_InputFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.txt"), []byte("x"), 0o644))

	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/input-files", map[string]string{"inputs_path": dir})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string][]string](t, rec)
	assert.Equal(t, []string{"one.txt", "two.txt"}, body["files"])
}

func TestAPI_InputFilesRequiresPath(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/input-files", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RunTest(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/tests", map[string]any{
		"repo_id":    "repo-a",
		"input_file": "case.txt",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	result := decodeBody[testrun.Result](t, rec)
	assert.True(t, result.Success)
	assert.Equal(t, "case.txt", result.Job.InputFile)

	// run_number defaults to 1.
	assert.Equal(t, 1, result.Job.RunNumber)
}

func TestAPI_RunTestUnknownRepo(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/tests", map[string]any{
		"repo_id":    "nope",
		"input_file": "case.txt",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_SuiteLifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.sched.block = make(chan struct{})

	rec := f.do(t, http.MethodPost, "/api/v1/suites", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	started := decodeBody[map[string]string](t, rec)
	suiteID := started["suite_session_id"]
	require.NotEmpty(t, suiteID)

	// The suite session is observable before execution finishes.
	sessRec := f.do(t, http.MethodGet, "/api/v1/sessions/"+suiteID, nil)
	require.Equal(t, http.StatusOK, sessRec.Code)

	// A second submission while one runs is rejected.
	conflict := f.do(t, http.MethodPost, "/api/v1/suites", nil)
	assert.Equal(t, http.StatusConflict, conflict.Code)

	close(f.sched.block)

	// Poll until the background execution finishes.
	require.Eventually(t, func() bool {
		r := f.do(t, http.MethodGet, "/api/v1/suites/"+suiteID, nil)
		if r.Code != http.StatusOK {
			return false
		}

		var body map[string]any
		if err := json.Unmarshal(r.Body.Bytes(), &body); err != nil {
			return false
		}

		done, present := body["done"]

		return !present || done != false
	}, 5*time.Second, 10*time.Millisecond)

	final := f.do(t, http.MethodGet, "/api/v1/suites/"+suiteID, nil)
	require.Equal(t, http.StatusOK, final.Code)
	assert.Contains(t, final.Body.String(), "repo-a")

	// API-run suites record the host snapshot just like the CLI path.
	finalReport := decodeBody[orchestrator.SuiteReport](t, final)
	require.NotNil(t, finalReport.Host)
	assert.False(t, finalReport.Host.CollectedAt.IsZero())

	// Once finished, a new suite can start.
	again := f.do(t, http.MethodPost, "/api/v1/suites", nil)
	assert.Equal(t, http.StatusAccepted, again.Code)
}

func TestAPI_GetUnknownSuite(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/suites/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_SessionInspection(t *testing.T) {
	f := newAPIFixture(t, nil)

	suite, err := f.registry.Create("", session.KindSuite, "suite")
	require.NoError(t, err)

	repo, err := f.registry.Create(suite.ID, session.KindRepo, "repo-a")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/sessions/"+suite.ID+"/children", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string][]session.Session](t, rec)
	require.Len(t, body["children"], 1)
	assert.Equal(t, repo.ID, body["children"][0].ID)

	missing := f.do(t, http.MethodGet, "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestAPI_SessionLogs(t *testing.T) {
	f := newAPIFixture(t, nil)

	f.broker.Append("sess-1", "first line")
	f.broker.Append("sess-1", "second line")

	rec := f.do(t, http.MethodGet, "/api/v1/sessions/sess-1/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string][]logstream.Entry](t, rec)
	require.Len(t, body["entries"], 2)
	assert.Equal(t, "first line", body["entries"][0].Message)
	assert.Equal(t, uint64(1), body["entries"][1].Sequence)
}

func TestAPI_SessionLogStream(t *testing.T) {
	f := newAPIFixture(t, nil)

	f.broker.Append("sess-1", "replayed line")

	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, ts.URL+"/api/v1/sessions/sess-1/logs/stream", nil,
	)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// The retained buffer replays first.
	var dataLine string

	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)

		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(strings.TrimSpace(line), "data: ")

			break
		}
	}

	var entry logstream.Entry
	require.NoError(t, json.Unmarshal([]byte(dataLine), &entry))
	assert.Equal(t, "replayed line", entry.Message)

	// Live entries follow on the same stream.
	f.broker.Append("sess-1", "live line")

	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)

		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(strings.TrimSpace(line), "data: ")

			break
		}
	}

	require.NoError(t, json.Unmarshal([]byte(dataLine), &entry))
	assert.Equal(t, "live line", entry.Message)
	assert.Equal(t, uint64(1), entry.Sequence)
}

func TestAPI_BasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	f := newAPIFixture(t, func(cfg *config.Config) {
		cfg.API.Auth = config.AuthConfig{
			Enabled: true,
			Users: []config.BasicAuthUser{
				{Username: "ops", PasswordHash: string(hash)},
			},
		}
	})

	// Health stays public.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/health", nil).Code)

	// Everything else requires credentials.
	rec := f.do(t, http.MethodGet, "/api/v1/config", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req.SetBasicAuth("ops", "hunter2")

	authed := httptest.NewRecorder()
	f.handler.ServeHTTP(authed, req)
	assert.Equal(t, http.StatusOK, authed.Code)

	wrong := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	wrong.SetBasicAuth("ops", "wrong")

	denied := httptest.NewRecorder()
	f.handler.ServeHTTP(denied, wrong)
	assert.Equal(t, http.StatusUnauthorized, denied.Code)
}

func TestAPI_RateLimit(t *testing.T) {
	f := newAPIFixture(t, func(cfg *config.Config) {
		cfg.API.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2}
	})
	f.srv.limiter = newRateLimiterMap(2)
	f.handler = f.srv.buildRouter()

	first := f.do(t, http.MethodGet, "/api/v1/config", nil)
	assert.Equal(t, http.StatusOK, first.Code)

	second := f.do(t, http.MethodGet, "/api/v1/config", nil)
	assert.Equal(t, http.StatusOK, second.Code)

	third := f.do(t, http.MethodGet, "/api/v1/config", nil)
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
}
