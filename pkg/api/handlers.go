package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zapsuite/zapsuite/pkg/config"
	"github.com/zapsuite/zapsuite/pkg/orchestrator"
	"github.com/zapsuite/zapsuite/pkg/sysinfo"
)

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the configuration with secrets omitted.
func (s *server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	sanitized := struct {
		Suite config.SuiteConfig  `json:"suite"`
		Repos []config.RepoConfig `json:"repos"`
		Tool  struct {
			BinaryPath string `json:"binary_path"`
			ConfigPath string `json:"config_path"`
		} `json:"tool"`
		Indexer struct {
			BinaryPath string `json:"binary_path"`
		} `json:"indexer"`
	}{
		Suite: s.cfg.Suite,
		Repos: s.cfg.Repos,
	}
	sanitized.Tool.BinaryPath = s.cfg.Tool.BinaryPath
	sanitized.Tool.ConfigPath = s.cfg.Tool.ConfigPath
	sanitized.Indexer.BinaryPath = s.cfg.Indexer.BinaryPath

	writeJSON(w, http.StatusOK, sanitized)
}

// handleInputFiles enumerates input cases for a directory.
func (s *server) handleInputFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InputsPath string `json:"inputs_path"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InputsPath == "" {
		writeError(w, http.StatusBadRequest, "inputs_path is required")

		return
	}

	files, err := s.deps.Enumerator.List(req.InputsPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	if files == nil {
		files = []string{}
	}

	writeJSON(w, http.StatusOK, map[string][]string{"files": files})
}

// handleRunTest runs one ad-hoc test synchronously in build-then-run mode.
func (s *server) handleRunTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RepoID    string `json:"repo_id"`
		InputFile string `json:"input_file"`
		RunNumber int    `json:"run_number"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.RepoID == "" || req.InputFile == "" {
		writeError(w, http.StatusBadRequest, "repo_id and input_file are required")

		return
	}

	if req.RunNumber == 0 {
		req.RunNumber = 1
	}

	repo, ok := s.findRepo(req.RepoID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown repo "+req.RepoID)

		return
	}

	result, err := s.deps.Scheduler.RunAdHoc(r.Context(), repo, req.InputFile, req.RunNumber)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleStartSuite launches the full suite asynchronously. The suite
// session id is returned before execution begins so callers can start
// log subscriptions without losing early lines.
func (s *server) handleStartSuite(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()

	if s.active != "" {
		active := s.active
		s.mu.Unlock()

		writeJSON(w, http.StatusConflict, map[string]string{
			"error":            "a suite is already running",
			"suite_session_id": active,
		})

		return
	}

	orch := orchestrator.New(s.log, s.cfg, s.deps.Registry, s.deps.Scheduler)

	suiteID, err := orch.SuiteSessionID()
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	run := &suiteRun{}
	s.suites[suiteID] = run
	s.active = suiteID
	s.mu.Unlock()

	go s.executeSuite(orch, suiteID, run)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"suite_session_id": suiteID,
	})
}

// executeSuite runs a submitted suite to completion in the background.
func (s *server) executeSuite(orch orchestrator.Orchestrator, suiteID string, run *suiteRun) {
	report, err := orch.Run(context.Background())

	if err == nil {
		report.Host = sysinfo.Collect(context.Background(), s.log)
	}

	s.mu.Lock()
	run.Done = true
	run.Report = report

	if err != nil {
		run.Err = err.Error()
	}

	s.active = ""
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).WithField("suite", suiteID).Error("Suite execution failed")

		return
	}

	if s.deps.Store != nil {
		if err := s.deps.Store.SaveReport(context.Background(), report); err != nil {
			s.log.WithError(err).Warn("Persisting suite report failed")
		}
	}
}

func (s *server) handleListSuites(w http.ResponseWriter, _ *http.Request) {
	type suiteStatus struct {
		SuiteSessionID string `json:"suite_session_id"`
		Done           bool   `json:"done"`
		Error          string `json:"error,omitempty"`
	}

	s.mu.Lock()

	out := make([]suiteStatus, 0, len(s.suites))
	for id, run := range s.suites {
		out = append(out, suiteStatus{SuiteSessionID: id, Done: run.Done, Error: run.Err})
	}

	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"suites": out})
}

func (s *server) handleGetSuite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	run, ok := s.suites[id]
	s.mu.Unlock()

	if ok {
		if !run.Done {
			writeJSON(w, http.StatusOK, map[string]any{
				"suite_session_id": id,
				"done":             false,
			})

			return
		}

		if run.Err != "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"suite_session_id": id,
				"done":             true,
				"error":            run.Err,
			})

			return
		}

		writeJSON(w, http.StatusOK, run.Report)

		return
	}

	// Fall back to the persisted sink for suites from earlier processes.
	if s.deps.Store != nil {
		if stored, err := s.deps.Store.GetSuiteRun(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, stored)

			return
		}
	}

	writeError(w, http.StatusNotFound, "unknown suite "+id)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleSessionChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.deps.Registry.Children(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"children": children})
}

// handleSessionLogs returns the retained log buffer for polling clients.
func (s *server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Broker.Entries(chi.URLParam(r, "id"))

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *server) findRepo(id string) (config.RepoConfig, bool) {
	for _, repo := range s.cfg.Repos {
		if repo.ID == id {
			return repo, true
		}
	}

	return config.RepoConfig{}, false
}
