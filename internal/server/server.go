// Package server exposes the generation commands over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flynn-ai/genii/internal/generator"
	"github.com/flynn-ai/genii/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Server routes HTTP requests to a Generator.
type Server struct {
	gen    *generator.Generator
	log    *logger.Logger
	router chi.Router
}

// New creates a server for gen.
func New(gen *generator.Generator, log *logger.Logger) *Server {
	s := &Server{
		gen: gen,
		log: logger.OrNop(log).With("component", "server"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"provider": s.gen.CurrentProvider(),
			"busy":     s.gen.Busy(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generate", s.generate)
		r.Post("/stream", s.stream)
		r.Post("/batch", s.batch)
		r.Post("/estimate", s.estimate)
		r.Post("/stop", s.stop)
		r.Get("/providers", s.providers)
		r.Put("/provider", s.setProvider)
		r.Put("/model", s.setModel)
		r.Get("/templates", s.templates)
		r.Get("/stats", s.stats)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// ListenAndServe serves on addr until ctx is done. A running generation
// is canceled on shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.gen.Cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
