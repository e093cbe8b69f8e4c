package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.API.Auth.Enabled {
				r.Use(s.requireAuth)
			}

			if s.limiter != nil {
				r.Use(s.rateLimitMiddleware)
			}

			r.Get("/config", s.handleConfig)
			r.Post("/input-files", s.handleInputFiles)

			// Test execution.
			r.Post("/tests", s.handleRunTest)
			r.Post("/suites", s.handleStartSuite)
			r.Get("/suites", s.handleListSuites)
			r.Get("/suites/{id}", s.handleGetSuite)

			// Session inspection and log streaming.
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Get("/sessions/{id}/children", s.handleSessionChildren)
			r.Get("/sessions/{id}/logs", s.handleSessionLogs)
			r.Get("/sessions/{id}/logs/stream", s.handleSessionLogStream)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.API.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
