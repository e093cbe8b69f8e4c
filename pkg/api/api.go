package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zapsuite/zapsuite/pkg/config"
	"github.com/zapsuite/zapsuite/pkg/inputs"
	"github.com/zapsuite/zapsuite/pkg/logstream"
	"github.com/zapsuite/zapsuite/pkg/orchestrator"
	"github.com/zapsuite/zapsuite/pkg/scheduler"
	"github.com/zapsuite/zapsuite/pkg/session"
	"github.com/zapsuite/zapsuite/pkg/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

// Deps are the collaborators the API serves. Registry and broker are
// shared with suite executions so observers can inspect sessions and
// subscribe to log streams while a batch runs.
type Deps struct {
	Registry   session.Registry
	Broker     logstream.Broker
	Scheduler  scheduler.Scheduler
	Enumerator inputs.Enumerator
	Store      store.Store // optional result sink
}

// suiteRun tracks one submitted suite execution.
type suiteRun struct {
	Report *orchestrator.SuiteReport
	Done   bool
	Err    string
}

type server struct {
	log  logrus.FieldLogger
	cfg  *config.Config
	deps Deps

	httpServer *http.Server
	limiter    *rateLimiterMap
	wg         sync.WaitGroup

	mu     sync.Mutex
	active string // suite session id currently executing, if any
	suites map[string]*suiteRun
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config, deps Deps) Server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		deps:   deps,
		suites: make(map[string]*suiteRun),
	}
}

// Start builds the router and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	if s.cfg.API == nil {
		return fmt.Errorf("api configuration is required")
	}

	if s.cfg.API.RateLimit.Enabled {
		s.limiter = newRateLimiterMap(s.cfg.API.RateLimit.RequestsPerMinute)
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.API.Listen).Info("API server listening")

		if err := s.httpServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server failed")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
