package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/surfscan/surfscan/pkg/finding"
	"github.com/surfscan/surfscan/pkg/models"
	"github.com/surfscan/surfscan/pkg/scoring"
)

// resultsCacheTTL bounds staleness of the memoized results read model.
const resultsCacheTTL = 15 * time.Second

func resultsCacheKey(scanID string) string { return "results:" + scanID }

// resultsSummary is the derived rollup of one scan's results.
type resultsSummary struct {
	TotalScripts    int                  `json:"totalScripts"`
	TotalLibraries  int                  `json:"totalLibraries"`
	TotalFindings   int                  `json:"totalFindings"`
	Vulnerabilities int                  `json:"vulnerabilities"`
	BySeverity      map[string]int       `json:"bySeverity"`
	GlobalRiskScore int                  `json:"globalRiskScore"`
	RiskLevel       scoring.RiskLevel    `json:"riskLevel"`
}

// resultsDiagnostics flags partial or low quality results.
type resultsDiagnostics struct {
	PartialScan  bool     `json:"partialScan"`
	QualityScore int      `json:"qualityScore"`
	FetchHints   []string `json:"fetchHints,omitempty"`
}

type resultsResponse struct {
	Scan        *models.Scan       `json:"scan"`
	Libraries   []models.Library   `json:"libraries"`
	Findings    []finding.Finding  `json:"findings"`
	Summary     resultsSummary     `json:"summary"`
	Diagnostics resultsDiagnostics `json:"diagnostics"`
}

func (s *Server) handleScanResults(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if cached, ok := s.respCache.Get(resultsCacheKey(id)); ok {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	scan, err := s.store.GetScan(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	scripts, err := s.store.ScriptsByScan(r.Context(), id)
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

	resp := buildResults(scan, len(scripts), libraries, findings)

	// Terminal scans are safe to memoize; running ones change shortly.
	if scan.Status.IsTerminal() {
		s.respCache.Set(resultsCacheKey(id), resp, resultsCacheTTL)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func buildResults(scan *models.Scan, scriptCount int, libraries []models.Library, findings []finding.Finding) resultsResponse {
	totalVulns := 0
	for _, lib := range libraries {
		totalVulns += len(lib.Vulnerabilities)
	}

	bySeverity := map[string]int{}
	for sev, n := range finding.CountBySeverity(findings) {
		bySeverity[string(sev)] = n
	}

	return resultsResponse{
		Scan:      scan,
		Libraries: libraries,
		Findings:  findings,
		Summary: resultsSummary{
			TotalScripts:    scriptCount,
			TotalLibraries:  len(libraries),
			TotalFindings:   len(findings),
			Vulnerabilities: totalVulns,
			BySeverity:      bySeverity,
			GlobalRiskScore: scan.GlobalRiskScore,
			RiskLevel:       scoring.GetRiskLevel(scan.GlobalRiskScore),
		},
		Diagnostics: buildDiagnostics(scriptCount, len(libraries)),
	}
}

// buildDiagnostics derives the partial-scan flag and quality score:
// partial when scripts exist but no libraries, or an implausibly low
// library yield for a script-heavy page; quality starts at 100 and
// loses 40 for partial, 20 for thin script coverage, 40 for zero
// libraries, clamped to [0,100].
func buildDiagnostics(scripts, libraries int) resultsDiagnostics {
	partial := (scripts > 0 && libraries == 0) || (scripts > 100 && libraries <= 2)

	quality := 100
	if partial {
		quality -= 40
	}
	if scripts < 10 {
		quality -= 20
	}
	if libraries == 0 {
		quality -= 40
	}
	if quality < 0 {
		quality = 0
	}

	return resultsDiagnostics{PartialScan: partial, QualityScore: quality}
}

// --- surface endpoint -------------------------------------------------

type surfaceCategory struct {
	Count    int               `json:"count"`
	Findings []finding.Finding `json:"findings"`
}

type surfaceResponse struct {
	Scan       *models.Scan               `json:"scan"`
	Stats      map[string]int             `json:"stats"`
	Categories map[string]surfaceCategory `json:"categories"`
}

// surfaceBucket maps finding types to the surface view's categories.
func surfaceBucket(t finding.Type) string {
	switch t {
	case finding.TypeFormSecurity:
		return "forms"
	case finding.TypeInlineEventHandler:
		return "inlineEventHandlers"
	case finding.TypeIframeSecurity:
		return "iframes"
	case finding.TypeSecurityHeader:
		return "securityHeaders"
	case finding.TypeSecurityCookie:
		return "securityCookies"
	default:
		return "other"
	}
}

func (s *Server) handleScanSurface(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	scan, err := s.store.GetScan(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	findings, err := s.store.FindingsByScan(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	categories := map[string]surfaceCategory{
		"forms":               {Findings: []finding.Finding{}},
		"inlineEventHandlers": {Findings: []finding.Finding{}},
		"iframes":             {Findings: []finding.Finding{}},
		"securityHeaders":     {Findings: []finding.Finding{}},
		"securityCookies":     {Findings: []finding.Finding{}},
		"other":               {Findings: []finding.Finding{}},
	}
	for _, f := range findings {
		bucket := surfaceBucket(f.Type)
		cat := categories[bucket]
		cat.Count++
		cat.Findings = append(cat.Findings, f)
		categories[bucket] = cat
	}

	stats := make(map[string]int, len(categories))
	for name, cat := range categories {
		stats[name] = cat.Count
	}

	s.writeJSON(w, http.StatusOK, surfaceResponse{
		Scan:       scan,
		Stats:      stats,
		Categories: categories,
	})
}

// --- last-good endpoint -----------------------------------------------

func (s *Server) handleLastGoodByURL(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "url query parameter is required")
		return
	}

	scan, err := s.store.LastGoodScanByURL(r.Context(), url)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	scripts, err := s.store.ScriptsByScan(r.Context(), scan.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	libraries, err := s.store.LibrariesByScan(r.Context(), scan.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"scan":        scan,
		"diagnostics": buildDiagnostics(len(scripts), len(libraries)),
	})
}
