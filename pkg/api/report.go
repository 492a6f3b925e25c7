package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// handleScanReport builds a context blob from a scan's committed results
// and asks the configured report provider for generated text. With the
// no-op provider the endpoint returns an empty report, which clients
// treat as "generation disabled".
func (s *Server) handleScanReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	scan, err := s.store.GetScan(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	libraries, err := s.store.LibrariesByScan(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	findings, err := s.store.FindingsByScan(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	blob, err := json.Marshal(map[string]any{
		"scan":      scan,
		"libraries": libraries,
		"findings":  findings,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "context assembly failed")
		return
	}

	report, err := s.reports.Generate(r.Context(), blob)
	if err != nil {
		s.log.Warn("report generation failed", "scan_id", id, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "CONNECTION_ERROR", "report generator unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"scanId":    id,
		"report":    report,
		"generated": report != "",
	})
}
