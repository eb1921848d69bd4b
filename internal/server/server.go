// Package server provides the HTTP API over stored fit results.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/zfit/internal/results"
	"github.com/aristath/zfit/internal/scheduler"
)

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	DB        DBInfo
	Results   *results.Repository
	Scheduler *scheduler.Scheduler
	Jobs      []scheduler.Job // Jobs that can be triggered manually
	Port      int
	DevMode   bool
}

// Server is the results API.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// New wires handlers and middleware. Nothing listens until Start.
func New(cfg Config) *Server {
	log := cfg.Log.With().Str("component", "server").Logger()
	return &Server{
		log: log,
		http: &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
			Handler:           newRouter(cfg, log),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// candidate arrays of a large run take a while to encode
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func newRouter(cfg Config, log zerolog.Logger) chi.Router {
	system := NewSystemHandlers(cfg.DB, cfg.Scheduler, cfg.Jobs, cfg.Log)
	res := NewResultsHandlers(cfg.Results, cfg.Log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(log), middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))
	if !cfg.DevMode {
		r.Use(middleware.Compress(5, "application/json"))
	}

	r.Get("/health", system.HandleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/system", system.HandleSystemStatus)
		r.Get("/jobs", system.HandleListJobs)
		r.Post("/jobs/{name}", system.HandleTriggerJob)
		res.RegisterRoutes(r)
	})
	return r
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("Starting HTTP server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.http.Shutdown(ctx)
}

// requestLogger logs one line per request. Health probes log at debug.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Header().Set(middleware.RequestIDHeader, middleware.GetReqID(r.Context()))
			next.ServeHTTP(ww, r)

			ev := log.Info()
			switch {
			case ww.Status() >= http.StatusInternalServerError:
				ev = log.Error()
			case r.URL.Path == "/health":
				ev = log.Debug()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration_ms", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
		})
	}
}
