package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/surfscan/surfscan/pkg/models"
	"github.com/surfscan/surfscan/pkg/queue"
	"github.com/surfscan/surfscan/pkg/ratelimit"
	"github.com/surfscan/surfscan/pkg/retry"
	"github.com/surfscan/surfscan/pkg/ssrf"
	"github.com/surfscan/surfscan/pkg/store/postgres"
	"github.com/surfscan/surfscan/pkg/tasks"
)

// createScanRequest is the POST /api/scans body.
type createScanRequest struct {
	URL        string                `json:"url"`
	Parameters models.ScanParameters `json:"parameters"`
	TimeoutMS  int                   `json:"timeout_ms,omitempty"`
}

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := decodeScanBody(r.Body, &req); err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			s.writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body exceeds 1 MiB")
		case errors.Is(err, errTooDeep):
			s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "request nesting too deep")
		default:
			s.writeError(w, http.StatusBadRequest, "JSON_PARSE_ERROR", err.Error())
		}
		return
	}

	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "url is required")
		return
	}

	target, err := s.validator.ValidateTargetURL(r.Context(), req.URL)
	if err != nil {
		msg := "Invalid or disallowed target URL"
		switch {
		case errors.Is(err, ssrf.ErrLocalAddress):
			msg = "Access to local addresses is not allowed"
		case errors.Is(err, ssrf.ErrPrivateAddress):
			msg = "Access to private network addresses is not allowed"
		case errors.Is(err, ssrf.ErrResolveFailure):
			msg = "Failed to resolve target host"
		}
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", msg)
		return
	}

	// Per-URL cooldown against the most recent scan of the same URL.
	if last, err := s.store.LatestScanByURL(r.Context(), target.String()); err == nil && last != nil {
		remaining := ratelimit.CooldownRemaining(last.CreatedAt, s.cfg.ScanURLCooldown, s.now())
		if remaining > 0 {
			s.writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:             "scan for this URL was started recently",
				Code:              "COOLDOWN",
				RetryAfterSeconds: ratelimit.RetryAfterSeconds(remaining),
			})
			return
		}
	}

	if req.TimeoutMS > 0 && req.Parameters.Timeout == 0 {
		req.Parameters.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	scan := &models.Scan{
		ID:         uuid.NewString(),
		URL:        target.String(),
		Parameters: req.Parameters,
		Status:     models.StatusPending,
		CreatedAt:  s.now().UTC(),
	}

	if err := s.store.CreateScan(r.Context(), scan); err != nil {
		s.writeStoreError(w, err)
		return
	}

	task := tasks.ScanTask{ScanID: scan.ID, URL: scan.URL, Parameters: scan.Parameters}
	if _, err := s.scanQ.Enqueue(r.Context(), scan.ID, task, queue.Options{
		MaxAttempts: s.cfg.QueueMaxAttempts,
		BackoffInit: s.cfg.QueueRetryDelay,
		Timeout:     s.cfg.QueueJobTimeout,
	}); err != nil {
		s.log.Error("scan enqueue failed", "scan_id", scan.ID, "error", err)
		_ = s.markCreateFailed(r, scan.ID)
		s.writeError(w, http.StatusServiceUnavailable, "CONNECTION_ERROR", "scan queue unavailable")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"id":        scan.ID,
		"status":    scan.Status,
		"url":       scan.URL,
		"createdAt": scan.CreatedAt,
	})
}

func (s *Server) markCreateFailed(r *http.Request, scanID string) error {
	_, err := s.store.UpdateScanStatus(r.Context(), scanID,
		models.StatusPending, models.StatusFailed, "failed to enqueue scan job")
	return err
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	status := models.ScanStatus(q.Get("status"))
	if status != "" && !status.IsValid() {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown status filter")
		return
	}

	scans, total, err := s.store.ListScans(r.Context(), status, limit, offset)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"scans":  scans,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scan, err := s.store.GetScan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scan)
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.store.GetScan(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	// Artifacts first: a DB delete that succeeds after a blob purge
	// failure leaves harmless orphans, the reverse would leave a scan
	// pointing at nothing.
	s.artifacts.RemoveScan(r.Context(), id)

	if err := s.store.DeleteScan(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.respCache.Delete(resultsCacheKey(id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, postgres.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "scan not found")
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, "TIMEOUT_ERROR", "storage timeout")
	case retry.IsTransient(err):
		s.writeError(w, http.StatusServiceUnavailable, "CONNECTION_ERROR", "storage unavailable")
	default:
		s.log.Error("store error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
