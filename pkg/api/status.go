package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/surfscan/surfscan/pkg/models"
	"github.com/surfscan/surfscan/pkg/queue"
	"github.com/surfscan/surfscan/pkg/tasks"
)

// statusResponse is the GET /api/scans/:id/status payload.
type statusResponse struct {
	ID          string            `json:"id"`
	Status      models.ScanStatus `json:"status"`
	Progress    int               `json:"progress"`
	Stage       string            `json:"stage"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	scan, err := s.store.GetScan(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	status, progress := s.reconcileStatus(r.Context(), scan)

	s.writeJSON(w, http.StatusOK, statusResponse{
		ID:          scan.ID,
		Status:      status,
		Progress:    progress,
		Stage:       stageForProgress(progress),
		StartedAt:   scan.StartedAt,
		CompletedAt: scan.CompletedAt,
		Error:       scan.Error,
	})
}

// reconcileStatus overlays the queue job's state onto the DB status and
// conditionally writes the overlay back when it is terminal or running.
// The write is a compare-and-set so a concurrent worker transition wins.
func (s *Server) reconcileStatus(ctx context.Context, scan *models.Scan) (models.ScanStatus, int) {
	dbStatus := scan.Status

	job, err := s.scanQ.GetJob(ctx, scan.ID)
	if err != nil {
		if !errors.Is(err, queue.ErrJobNotFound) {
			s.log.Warn("queue lookup failed", "scan_id", scan.ID, "error", err)
		}
		// No job record: a terminal scan reads as fully progressed.
		if dbStatus.IsTerminal() {
			return dbStatus, 100
		}
		return dbStatus, 0
	}

	overlay := overlayStatus(job)
	progress := job.Progress
	if overlay.IsTerminal() {
		progress = 100
	}

	if overlay != dbStatus && (overlay.IsTerminal() || overlay == models.StatusRunning) {
		errMsg := ""
		if overlay == models.StatusFailed {
			errMsg = jobFailureReason(job)
			scan.Error = errMsg
		}
		updated, err := s.store.UpdateScanStatus(ctx, scan.ID, dbStatus, overlay, errMsg)
		if err != nil {
			s.log.Warn("status reconciliation write failed", "scan_id", scan.ID, "error", err)
		} else if updated {
			s.log.Info("status reconciled", "scan_id", scan.ID, "from", dbStatus, "to", overlay)
		}
	}

	return overlay, progress
}

// overlayStatus maps a queue job state onto the scan status vocabulary:
// waiting/delayed/active read as running; completed follows the worker's
// success flag; failed and dead-letter read as failed.
func overlayStatus(job *queue.Job) models.ScanStatus {
	switch job.State {
	case queue.StateWaiting, queue.StateDelayed, queue.StateActive:
		return models.StatusRunning
	case queue.StateCompleted:
		if !job.Success {
			return models.StatusFailed
		}
		if success, ok := resultSuccess(job.Result); ok && !success {
			return models.StatusFailed
		}
		return models.StatusCompleted
	case queue.StateFailed, queue.StateDead:
		return models.StatusFailed
	}
	return models.StatusPending
}

func resultSuccess(raw json.RawMessage) (bool, bool) {
	if len(raw) == 0 {
		return false, false
	}
	var result tasks.TaskResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, false
	}
	return result.Success, true
}

func jobFailureReason(job *queue.Job) string {
	if job.Error != "" {
		return job.Error
	}
	if len(job.Result) > 0 {
		var result tasks.TaskResult
		if err := json.Unmarshal(job.Result, &result); err == nil && result.Error != "" {
			return result.Error
		}
	}
	return "scan failed"
}

// stageForProgress labels progress ranges for the UI.
func stageForProgress(progress int) string {
	switch {
	case progress < 10:
		return "initializing"
	case progress < 40:
		return "rendering"
	case progress < 70:
		return "fetching_scripts"
	case progress < 85:
		return "dispatching_analysis"
	case progress < 95:
		return "analyzing"
	default:
		return "saving_results"
	}
}
