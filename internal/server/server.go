// Package server exposes the HTTP control surface for managing
// integrations and triggering syncs.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/lgm-ops/movesync/internal/db"
	"github.com/lgm-ops/movesync/internal/ingest"
)

// Config tunes the control surface.
type Config struct {
	Addr        string
	RunDeadline time.Duration // budget for runs triggered over HTTP
	WindowDays  int           // default window when the request has none
}

// Server wires the ingest stores behind a chi router.
type Server struct {
	pool         db.Pool
	integrations *ingest.Integrations
	syncLog      *ingest.SyncLog
	orch         *ingest.Orchestrator
	cfg          Config
}

// New creates a server over the shared pool and orchestrator.
func New(pool db.Pool, orch *ingest.Orchestrator, cfg Config) *Server {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 2
	}
	return &Server{
		pool:         pool,
		integrations: ingest.NewIntegrations(pool),
		syncLog:      ingest.NewSyncLog(pool),
		orch:         orch,
		cfg:          cfg,
	}
}

// Router builds the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)

	r.Route("/integrations/{id}", func(r chi.Router) {
		r.Post("/sync", s.handleTriggerSync)
		r.Get("/status", s.handleStatus)
		r.Post("/test-connection", s.handleTestConnection)
		r.Patch("/", s.handlePatch)
	})

	return r
}

// ListenAndServe runs the HTTP server until ctx is done, then shuts it
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("http server listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		zap.L().Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// requestLogger logs each request through the global zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
