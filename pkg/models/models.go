// Package models defines the persisted entities of the scan pipeline:
// scans, scripts, detected libraries and their vulnerabilities, plus the
// vulnerability cache entry shape.
package models

import (
	"fmt"
	"time"

	"github.com/surfscan/surfscan/pkg/finding"
)

// ScanStatus is the lifecycle state of a scan.
type ScanStatus string

const (
	StatusPending   ScanStatus = "pending"
	StatusRunning   ScanStatus = "running"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
)

// IsValid reports whether s is a recognized scan status.
func (s ScanStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status is an end state.
func (s ScanStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses along the pending -> running -> terminal axis.
// Transitions never move backwards.
func (s ScanStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next is a legal
// forward transition.
func (s ScanStatus) CanTransitionTo(next ScanStatus) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// ScanParameters are the caller-supplied knobs for a scan.
type ScanParameters struct {
	RenderJavaScript bool              `json:"render_javascript"`
	Timeout          time.Duration     `json:"timeout,omitempty"`
	Depth            int               `json:"depth,omitempty"`
	UserAgent        string            `json:"user_agent,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
}

// Scan is a single run of the pipeline against one URL.
type Scan struct {
	ID              string            `json:"id"`
	URL             string            `json:"url"`
	Parameters      ScanParameters    `json:"parameters"`
	Status          ScanStatus        `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	GlobalRiskScore int               `json:"global_risk_score"`
	ArtifactPaths   map[string]string `json:"artifact_paths,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// DurationSeconds returns the wall-clock scan duration, or 0 when the
// scan has not both started and finished.
func (s *Scan) DurationSeconds() float64 {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt).Seconds()
}

// Script is one inline or external script captured during render.
// Inline scripts have no source URL.
type Script struct {
	ID               string    `json:"id"`
	ScanID           string    `json:"scan_id"`
	SourceURL        string    `json:"source_url,omitempty"`
	IsInline         bool      `json:"is_inline"`
	ArtifactPath     string    `json:"artifact_path,omitempty"`
	Fingerprint      string    `json:"fingerprint"`
	DetectedPatterns []string  `json:"detected_patterns,omitempty"`
	EstimatedVersion string    `json:"estimated_version,omitempty"`
	Confidence       int       `json:"confidence"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
}

// Vulnerability is an advisory record attached to a library.
type Vulnerability struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Severity    finding.Severity `json:"severity"`
	CVSSScore   float64          `json:"cvss_score,omitempty"`
	References  []string         `json:"references,omitempty"`
}

// Library is a detected client-side dependency with optional version.
type Library struct {
	ID              string          `json:"id"`
	ScanID          string          `json:"scan_id"`
	Name            string          `json:"name"`
	DetectedVersion string          `json:"detected_version,omitempty"`
	RelatedScripts  []string        `json:"related_scripts,omitempty"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities,omitempty"`
	RiskScore       int             `json:"risk_score"`
	Confidence      int             `json:"confidence"`
	DetectionMethod string          `json:"detection_method,omitempty"`
	CreatedAt       time.Time       `json:"created_at,omitempty"`
}

// VulnCacheEntry memoizes a feed lookup for (package, version).
type VulnCacheEntry struct {
	PackageName     string          `json:"package_name"`
	Version         string          `json:"version,omitempty"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	LastUpdated     time.Time       `json:"last_updated"`
	TTLSeconds      int             `json:"ttl_seconds"`
}

// Expired reports whether the entry is past its TTL at now.
func (e *VulnCacheEntry) Expired(now time.Time) bool {
	return now.After(e.LastUpdated.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// Artifact object keys. All blobs for a scan live under scans/{id}/ so
// deletion can purge by prefix.
const (
	ArtifactDOMSnapshot  = "dom-snapshot.html"
	ArtifactScreenshot   = "screenshot.png"
	ArtifactNetworkTrace = "network-trace.json"
)

// ScanPrefix returns the object-store prefix owning every artifact of a scan.
func ScanPrefix(scanID string) string {
	return fmt.Sprintf("scans/%s/", scanID)
}

// ArtifactKey returns the object key for a named artifact of a scan.
func ArtifactKey(scanID, name string) string {
	return ScanPrefix(scanID) + name
}

// ExternalScriptKey returns the object key for the i-th fetched external script.
func ExternalScriptKey(scanID string, i int) string {
	return fmt.Sprintf("scans/%s/scripts/external-script-%d.js", scanID, i)
}

// SourceMapKey returns the object key for a stored source map.
func SourceMapKey(scanID string, name string) string {
	return fmt.Sprintf("scans/%s/sourcemaps/%s", scanID, name)
}
