// Package api exposes the read-only HTTP status interface for a running
// batch, plus the Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/policyatlas/metabatch/internal/collector"
	"github.com/policyatlas/metabatch/internal/quota"
	"github.com/policyatlas/metabatch/internal/ratelimit"
	"github.com/policyatlas/metabatch/internal/telemetry"
)

// WorkerCounter reports the current pool size.
type WorkerCounter interface {
	Count() int
}

// Server serves the live run status.
type Server struct {
	router    chi.Router
	collector *collector.Collector
	limiter   *ratelimit.Limiter
	tracker   *quota.Tracker
	pool      WorkerCounter
	runID     string
	logger    *zap.Logger
	httpSrv   *http.Server
}

// StatusResponse is the JSON body of GET /status.
type StatusResponse struct {
	RunID       string  `json:"run_id"`
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Pending     int     `json:"pending"`
	Workers     int     `json:"workers"`
	RatePerMin  float64 `json:"rate_per_minute"`
	RateCeiling int     `json:"rate_ceiling"`
	QuotaUsed   int     `json:"quota_used"`
	QuotaLimit  int     `json:"quota_ceiling"`
}

// NewServer wires routes over the run's live components.
func NewServer(
	col *collector.Collector,
	limiter *ratelimit.Limiter,
	tracker *quota.Tracker,
	pool WorkerCounter,
	runID string,
	port int,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		collector: col,
		limiter:   limiter,
		tracker:   tracker,
		pool:      pool,
		runID:     runID,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Get("/status", s.status)
	r.Handle("/metrics", telemetry.Handler())
	s.router = r

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	stats := s.collector.Stats()
	used, ceiling, _ := s.tracker.Status()
	resp := StatusResponse{
		RunID:       s.runID,
		Total:       stats.Total,
		Completed:   stats.Completed,
		Failed:      stats.Failed,
		Pending:     stats.Pending,
		Workers:     s.pool.Count(),
		RatePerMin:  s.limiter.CurrentRate(),
		RateCeiling: s.limiter.Ceiling(),
		QuotaUsed:   used,
		QuotaLimit:  ceiling,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("encode status response", zap.Error(err))
	}
}
