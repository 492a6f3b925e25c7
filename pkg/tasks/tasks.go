// Package tasks defines the job payloads exchanged between the API, the
// render worker and the analyze worker. Both queues carry JSON-encoded
// values of these types, keyed by scan ID.
package tasks

import "github.com/surfscan/surfscan/pkg/models"

// Queue names. Both queues share one backing store, namespaced by name.
const (
	ScanQueue     = "scan-queue"
	AnalysisQueue = "analysis-queue"
)

// ScanTask is the render stage input, published by the API on scan
// creation.
type ScanTask struct {
	ScanID     string                `json:"scan_id"`
	URL        string                `json:"url"`
	Parameters models.ScanParameters `json:"parameters"`
}

// TaskResult is the render stage output stored as the scan job's result.
type TaskResult struct {
	ScanID    string            `json:"scan_id"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// InlineScript is a script embedded in the page markup.
type InlineScript struct {
	Content    string            `json:"content"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ExternalScript is a script referenced by src.
type ExternalScript struct {
	URL        string            `json:"url"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NetworkResource is one captured network exchange during render.
type NetworkResource struct {
	URL        string            `json:"url"`
	Type       string            `json:"type,omitempty"`
	Method     string            `json:"method,omitempty"`
	Status     int               `json:"status"`
	Size       int64             `json:"size"`
	Headers    map[string]string `json:"headers,omitempty"`
	DurationMS int64             `json:"duration_ms,omitempty"`
}

// DOMAnalysis is everything the render stage extracted that the analyze
// stage consumes without refetching.
type DOMAnalysis struct {
	PageURL         string            `json:"page_url"`
	FinalURL        string            `json:"final_url"`
	Title           string            `json:"title,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	SetCookies      []string          `json:"set_cookies,omitempty"`
	InlineScripts   []InlineScript    `json:"inline_scripts,omitempty"`
	ExternalScripts []ExternalScript  `json:"external_scripts,omitempty"`
	SourceMaps      map[string]string `json:"source_maps,omitempty"`
	Resources       []NetworkResource `json:"resources,omitempty"`
	PagesCrawled    int               `json:"pages_crawled,omitempty"`
}

// AnalysisArtifacts names the blobs the render stage uploaded.
type AnalysisArtifacts struct {
	DOMSnapshot string   `json:"dom_snapshot"`
	Scripts     []string `json:"scripts"`
}

// AnalysisTask is the analyze stage input, published by the render
// worker with jobID = scanID.
type AnalysisTask struct {
	ScanID      string            `json:"scan_id"`
	Artifacts   AnalysisArtifacts `json:"artifacts"`
	DOMAnalysis DOMAnalysis       `json:"dom_analysis"`
	FetchErrors []string          `json:"fetch_errors,omitempty"`
}
