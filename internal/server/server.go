// Package server exposes the reconciliation engine over HTTP. Submission is
// the only mutating client endpoint and carries a per-client rate limit; the
// review and merge endpoints are for operators.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snuconnectome/viberank-connectomelab/pkg/reconcile"
)

// Options tune the HTTP server.
type Options struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodySize  int64
	SubmitRate   float64 // submissions per second per client, 0 disables limiting
	SubmitBurst  int
}

// Server is the viberank HTTP API.
type Server struct {
	engine  *reconcile.Engine
	logger  *slog.Logger
	opts    Options
	limiter *clientLimiter
	httpSrv *http.Server
}

// New creates the HTTP API over an engine.
func New(engine *reconcile.Engine, logger *slog.Logger, opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 60 * time.Second
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 4 << 20
	}
	if opts.SubmitBurst <= 0 {
		opts.SubmitBurst = 5
	}

	s := &Server{
		engine: engine,
		logger: logger,
		opts:   opts,
	}
	if opts.SubmitRate > 0 {
		s.limiter = newClientLimiter(opts.SubmitRate, opts.SubmitBurst)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/v1/submissions", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/canonical", s.handleCanonical)
	mux.HandleFunc("GET /api/v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /api/v1/leaderboard/range", s.handleLeaderboardRange)
	mux.HandleFunc("GET /api/v1/timeline", s.handleTimeline)
	mux.HandleFunc("GET /api/v1/profiles/{username}", s.handleProfile)
	mux.HandleFunc("GET /api/v1/stats/departments/{department}", s.handleDepartmentStats)
	mux.HandleFunc("GET /api/v1/stats/lab", s.handleLabStats)
	mux.HandleFunc("GET /api/v1/review/flagged", s.handleFlaggedQueue)
	mux.HandleFunc("POST /api/v1/review/{id}", s.handleReview)
	mux.HandleFunc("POST /api/v1/admin/merge/{username}", s.handleMergeIdentity)

	return s.logRequests(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.opts.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.opts.Listen)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("http server shutting down")
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
