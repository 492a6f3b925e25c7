// Package api exposes the scanner's REST surface: scan CRUD, status
// with queue-state overlay, results and surface read models, analytics
// and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/surfscan/surfscan/pkg/cache"
	"github.com/surfscan/surfscan/pkg/config"
	"github.com/surfscan/surfscan/pkg/finding"
	"github.com/surfscan/surfscan/pkg/llm"
	"github.com/surfscan/surfscan/pkg/models"
	"github.com/surfscan/surfscan/pkg/queue"
	"github.com/surfscan/surfscan/pkg/ratelimit"
	"github.com/surfscan/surfscan/pkg/ssrf"
	"github.com/surfscan/surfscan/pkg/store/postgres"
)

// Store is the relational surface the API consumes.
type Store interface {
	CreateScan(ctx context.Context, scan *models.Scan) error
	GetScan(ctx context.Context, id string) (*models.Scan, error)
	ListScans(ctx context.Context, status models.ScanStatus, limit, offset int) ([]models.Scan, int, error)
	DeleteScan(ctx context.Context, id string) error
	LatestScanByURL(ctx context.Context, url string) (*models.Scan, error)
	LastGoodScanByURL(ctx context.Context, url string) (*models.Scan, error)
	UpdateScanStatus(ctx context.Context, id string, from, to models.ScanStatus, errMsg string) (bool, error)
	ScriptsByScan(ctx context.Context, scanID string) ([]models.Script, error)
	LibrariesByScan(ctx context.Context, scanID string) ([]models.Library, error)
	FindingsByScan(ctx context.Context, scanID string) ([]finding.Finding, error)
	Analytics(ctx context.Context, now time.Time) (*postgres.AnalyticsSummary, error)
	Ping(ctx context.Context) error
}

// ScanQueue is the job queue surface the API consumes.
type ScanQueue interface {
	Enqueue(ctx context.Context, id string, payload any, opts queue.Options) (*queue.Job, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	CheckHealth(ctx context.Context) queue.HealthReport
}

// ArtifactStore is the blob surface the API consumes (deletion only).
type ArtifactStore interface {
	RemoveScan(ctx context.Context, scanID string)
	Ping(ctx context.Context) error
}

// Server is the HTTP API.
type Server struct {
	store     Store
	scanQ     ScanQueue
	analysisQ ScanQueue
	artifacts ArtifactStore
	validator *ssrf.Validator
	reports   llm.Provider
	cfg       config.Config
	log       *slog.Logger

	respCache *cache.Cache
	limiter   *ratelimit.Limiter
	dedup     *inflightDedup
	now       func() time.Time

	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New assembles the API server.
func New(store Store, scanQ, analysisQ ScanQueue, artifacts ArtifactStore,
	validator *ssrf.Validator, cfg config.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Server{
		store:     store,
		scanQ:     scanQ,
		analysisQ: analysisQ,
		artifacts: artifacts,
		validator: validator,
		reports:   llm.NoopProvider{},
		cfg:       cfg,
		log:       log,
		respCache: cache.New(cache.DefaultMaxEntries),
		limiter:   ratelimit.NewLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		dedup:     newInflightDedup(),
		now:       time.Now,
		registry:  registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "surfscan_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "surfscan_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// WithReportProvider replaces the report generator (default no-op).
func (s *Server) WithReportProvider(p llm.Provider) *Server {
	if p != nil {
		s.reports = p
	}
	return s
}

// Router builds the full route table with middleware applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/scans", s.handleCreateScan).Methods(http.MethodPost)
	api.HandleFunc("/scans", s.handleListScans).Methods(http.MethodGet)
	api.HandleFunc("/scans/by-url/last-good", s.handleLastGoodByURL).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", s.handleGetScan).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", s.handleDeleteScan).Methods(http.MethodDelete)
	api.HandleFunc("/scans/{id}/status", s.handleScanStatus).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}/results", s.handleScanResults).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}/surface", s.handleScanSurface).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}/report", s.handleScanReport).Methods(http.MethodGet)
	api.HandleFunc("/analytics/summary", s.handleAnalytics).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	var h http.Handler = r
	h = s.dedupMiddleware(h)
	h = s.rateLimitMiddleware(h)
	h = s.corsMiddleware(h)
	h = s.requestIDMiddleware(h)
	h = s.loggingMiddleware(h)
	h = http.MaxBytesHandler(h, s.cfg.MaxRequestBytes)
	return h
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// with a 30 s grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "port", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// --- response helpers -------------------------------------------------

type errorBody struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.log.Warn("response encode failed", "error", err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, errorBody{Error: msg, Code: code})
}
