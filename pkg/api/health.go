package api

import (
	"context"
	"net/http"
	"time"
)

// healthProbeTimeout bounds each dependency check.
const healthProbeTimeout = 5 * time.Second

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	const key = "analytics:summary"
	if cached, ok := s.respCache.Get(key); ok {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	summary, err := s.store.Analytics(r.Context(), s.now())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.respCache.Set(key, summary, 30*time.Second)
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	probe := func(name string, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	probe("database", s.store.Ping)
	probe("object_store", s.artifacts.Ping)

	for _, q := range []ScanQueue{s.scanQ, s.analysisQ} {
		report := q.CheckHealth(r.Context())
		if report.Healthy {
			checks["queue:"+report.Queue] = "ok"
		} else {
			checks["queue:"+report.Queue] = report.Error
			healthy = false
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	s.writeJSON(w, status, map[string]any{
		"status": state,
		"checks": checks,
		"time":   s.now().UTC(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
