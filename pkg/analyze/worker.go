// Package analyze implements the analysis worker: it inspects rendered
// artifacts, detects libraries, enriches them with advisories, derives
// findings and risk scores, and commits everything in one transaction.
package analyze

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/surfscan/surfscan/pkg/analyzer"
	"github.com/surfscan/surfscan/pkg/detect"
	"github.com/surfscan/surfscan/pkg/finding"
	"github.com/surfscan/surfscan/pkg/models"
	"github.com/surfscan/surfscan/pkg/queue"
	"github.com/surfscan/surfscan/pkg/scoring"
	"github.com/surfscan/surfscan/pkg/tasks"
	"github.com/surfscan/surfscan/pkg/workerpool"
)

// Store is the relational surface the analyzer needs.
type Store interface {
	GetScan(ctx context.Context, id string) (*models.Scan, error)
	HasAnalysisResults(ctx context.Context, scanID string) (bool, error)
	MarkScanRunning(ctx context.Context, id string) error
	MarkScanFailed(ctx context.Context, id, reason string) error
	CommitAnalysis(ctx context.Context, scanID string, scripts []models.Script,
		libraries []models.Library, findings []finding.Finding, globalRisk int) error
}

// ArtifactStore reads rendered artifacts.
type ArtifactStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// VulnSource resolves advisories for a library.
type VulnSource interface {
	GetVulnerabilities(ctx context.Context, name, version string) ([]models.Vulnerability, error)
}

// ProgressReporter updates the owning scan job's progress.
type ProgressReporter interface {
	SetProgress(ctx context.Context, id string, progress int) error
}

// vulnFetchParallelism bounds concurrent feed lookups across tasks.
const vulnFetchParallelism = 4

// Worker is the analysis queue handler.
type Worker struct {
	store     Store
	artifacts ArtifactStore
	vulns     VulnSource
	detector  *detect.Detector
	progress  ProgressReporter
	fetchPool *workerpool.Pool
	log       *slog.Logger

	mu         sync.Mutex
	processing map[string]bool
}

// NewWorker wires an analyze worker.
func NewWorker(store Store, artifacts ArtifactStore, vulns VulnSource,
	progress ProgressReporter, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store:      store,
		artifacts:  artifacts,
		vulns:      vulns,
		detector:   detect.NewDetector(),
		progress:   progress,
		fetchPool:  workerpool.New(vulnFetchParallelism),
		log:        log,
		processing: make(map[string]bool),
	}
}

// Close drains the feed-lookup pool.
func (w *Worker) Close() {
	w.fetchPool.Close()
}

// Handle processes one analysis job. It is the queue.Handler for the
// analysis queue.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var task tasks.AnalysisTask
	if err := queue.DecodePayload(job, &task); err != nil {
		return nil, fmt.Errorf("decode analysis task: %w", err)
	}
	if task.ScanID == "" {
		return nil, fmt.Errorf("analysis task missing scan id")
	}
	log := w.log.With("scan_id", task.ScanID)

	// One live processing slot per scan. A concurrent redelivery
	// requeues through the failure path and retries after backoff.
	if !w.acquire(task.ScanID) {
		return nil, fmt.Errorf("scan %s already being analyzed", task.ScanID)
	}
	defer w.release(task.ScanID)

	// Idempotency: a completed scan with committed rows short-circuits.
	scan, err := w.store.GetScan(ctx, task.ScanID)
	if err != nil {
		return nil, fmt.Errorf("load scan: %w", err)
	}
	if scan.Status == models.StatusCompleted {
		if has, err := w.store.HasAnalysisResults(ctx, task.ScanID); err == nil && has {
			log.Info("scan already analyzed, returning existing results")
			return tasks.TaskResult{ScanID: task.ScanID, Success: true}, nil
		}
	}

	if err := w.store.MarkScanRunning(ctx, task.ScanID); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	w.setProgress(ctx, task.ScanID, 90)

	result, err := w.analyze(ctx, &task, log)
	if err != nil {
		if ferr := w.store.MarkScanFailed(ctx, task.ScanID, err.Error()); ferr != nil {
			log.Error("mark failed errored", "error", ferr)
		}
		return tasks.TaskResult{ScanID: task.ScanID, Success: false, Error: err.Error()}, err
	}

	w.setProgress(ctx, task.ScanID, 95)
	return result, nil
}

func (w *Worker) acquire(scanID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.processing[scanID] {
		return false
	}
	w.processing[scanID] = true
	return true
}

func (w *Worker) release(scanID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.processing, scanID)
}

// scriptAnalysis pairs a stored script with its detections and findings.
type scriptAnalysis struct {
	script     models.Script
	detections []detect.Detection
	findings   []finding.Finding
}

func (w *Worker) analyze(ctx context.Context, task *tasks.AnalysisTask, log *slog.Logger) (tasks.TaskResult, error) {
	var analyses []scriptAnalysis

	// Inline scripts: pattern scan plus content-only detection.
	for i, inline := range task.DOMAnalysis.InlineScripts {
		location := fmt.Sprintf("inline-script-%d", i)
		patternFindings, labels := analyzer.DetectRiskyPatterns(inline.Content, location)
		detections := w.detector.Detect("", inline.Content, nil)

		analyses = append(analyses, scriptAnalysis{
			script: models.Script{
				ID:               uuid.NewString(),
				ScanID:           task.ScanID,
				IsInline:         true,
				Fingerprint:      fingerprint(inline.Content),
				DetectedPatterns: labels,
				EstimatedVersion: bestVersion(detections),
				Confidence:       bestConfidence(detections),
			},
			detections: detections,
			findings:   patternFindings,
		})
	}

	// External scripts: stored body plus optional source map.
	for i, key := range task.Artifacts.Scripts {
		var sourceURL string
		if i < len(task.DOMAnalysis.ExternalScripts) {
			sourceURL = task.DOMAnalysis.ExternalScripts[i].URL
		}

		body, err := w.artifacts.Get(ctx, key)
		if err != nil {
			log.Warn("script artifact missing", "key", key, "error", err)
			body = nil
		}
		content := string(body)

		sourceMap := lookupSourceMap(sourceURL, content, task.DOMAnalysis.SourceMaps)

		location := sourceURL
		if location == "" {
			location = key
		}
		patternFindings, labels := analyzer.DetectRiskyPatterns(content, location)
		detections := w.detector.Detect(sourceURL, content, sourceMap)

		analyses = append(analyses, scriptAnalysis{
			script: models.Script{
				ID:               uuid.NewString(),
				ScanID:           task.ScanID,
				SourceURL:        sourceURL,
				ArtifactPath:     key,
				Fingerprint:      fingerprint(content),
				DetectedPatterns: labels,
				EstimatedVersion: bestVersion(detections),
				Confidence:       bestConfidence(detections),
			},
			detections: detections,
			findings:   patternFindings,
		})
	}

	// Page surface findings from the rendered DOM and headers.
	surfaceFindings := w.surfaceFindings(ctx, task, log)

	scripts := make([]models.Script, 0, len(analyses))
	var scriptFindings []finding.Finding
	for _, a := range analyses {
		scripts = append(scripts, a.script)
		scriptFindings = append(scriptFindings, a.findings...)
	}

	libraries := consolidateLibraries(task.ScanID, analyses)

	w.enrichVulnerabilities(ctx, libraries)

	// Risk scoring: each library sees the findings co-located with its
	// related scripts.
	findingsByScript := make(map[string][]finding.Finding, len(analyses))
	for _, a := range analyses {
		findingsByScript[a.script.ID] = a.findings
	}
	libRisks := make([]int, 0, len(libraries))
	for i := range libraries {
		var coLocated []finding.Finding
		for _, scriptID := range libraries[i].RelatedScripts {
			coLocated = append(coLocated, findingsByScript[scriptID]...)
		}
		libraries[i].RiskScore = scoring.AdvancedLibraryRisk(scoring.AdvancedInput{
			Name:       libraries[i].Name,
			Vulns:      libraries[i].Vulnerabilities,
			Confidence: libraries[i].Confidence,
			Findings:   coLocated,
		})
		libRisks = append(libRisks, libraries[i].RiskScore)
	}

	allFindings := make([]finding.Finding, 0, len(scriptFindings)+len(surfaceFindings))
	allFindings = append(allFindings, scriptFindings...)
	allFindings = append(allFindings, surfaceFindings...)
	for i := range allFindings {
		allFindings[i].ID = uuid.NewString()
		allFindings[i].ScanID = task.ScanID
	}

	globalRisk := scoring.CalculateGlobalRisk(libRisks, finding.CriticalCount(allFindings))

	if err := w.store.CommitAnalysis(ctx, task.ScanID, scripts, libraries, allFindings, globalRisk); err != nil {
		return tasks.TaskResult{}, fmt.Errorf("commit analysis: %w", err)
	}

	log.Info("analysis committed",
		"scripts", len(scripts),
		"libraries", len(libraries),
		"findings", len(allFindings),
		"global_risk", globalRisk)

	return tasks.TaskResult{ScanID: task.ScanID, Success: true}, nil
}

// surfaceFindings loads the DOM snapshot and runs the page analyzer.
// A missing snapshot degrades to header/cookie analysis only.
func (w *Worker) surfaceFindings(ctx context.Context, task *tasks.AnalysisTask, log *slog.Logger) []finding.Finding {
	var html string
	if task.Artifacts.DOMSnapshot != "" {
		if body, err := w.artifacts.Get(ctx, task.Artifacts.DOMSnapshot); err == nil {
			html = string(body)
		} else {
			log.Warn("dom snapshot missing", "key", task.Artifacts.DOMSnapshot, "error", err)
		}
	}

	pageURL := task.DOMAnalysis.FinalURL
	if pageURL == "" {
		pageURL = task.DOMAnalysis.PageURL
	}
	parsed, err := url.Parse(pageURL)
	if err != nil {
		parsed = nil
	}

	return analyzer.Analyze(analyzer.Page{
		URL:        parsed,
		HTML:       html,
		Headers:    task.DOMAnalysis.Headers,
		SetCookies: task.DOMAnalysis.SetCookies,
	})
}

// enrichVulnerabilities fans feed lookups out over the bounded pool;
// per-library failures leave that library's list empty.
func (w *Worker) enrichVulnerabilities(ctx context.Context, libraries []models.Library) {
	var wg sync.WaitGroup
	for i := range libraries {
		lib := &libraries[i]
		wg.Add(1)
		if !w.fetchPool.Submit(func() {
			defer wg.Done()
			vulns, err := w.vulns.GetVulnerabilities(ctx, lib.Name, lib.DetectedVersion)
			if err == nil {
				lib.Vulnerabilities = vulns
			}
		}) {
			wg.Done()
		}
	}
	wg.Wait()
}

// consolidateLibraries merges per-script detections into one library row
// per name, tracking which scripts contributed.
func consolidateLibraries(scanID string, analyses []scriptAnalysis) []models.Library {
	type agg struct {
		dets    []detect.Detection
		scripts []string
	}
	byName := make(map[string]*agg)
	var order []string

	for _, a := range analyses {
		seenHere := make(map[string]bool)
		for _, det := range a.detections {
			key := strings.ToLower(det.Name)
			entry, ok := byName[key]
			if !ok {
				entry = &agg{}
				byName[key] = entry
				order = append(order, key)
			}
			entry.dets = append(entry.dets, det)
			if !seenHere[key] {
				seenHere[key] = true
				entry.scripts = append(entry.scripts, a.script.ID)
			}
		}
	}

	libraries := make([]models.Library, 0, len(order))
	for _, key := range order {
		entry := byName[key]
		merged := detect.Consolidate(entry.dets)[0]

		libraries = append(libraries, models.Library{
			ID:              uuid.NewString(),
			ScanID:          scanID,
			Name:            merged.Name,
			DetectedVersion: merged.Version,
			RelatedScripts:  entry.scripts,
			Confidence:      merged.Confidence,
			DetectionMethod: merged.DetectionMethod,
		})
	}
	return libraries
}

// lookupSourceMap finds the map referenced by a script's trailer among
// the maps the render stage collected.
func lookupSourceMap(sourceURL, content string, maps map[string]string) []byte {
	if len(maps) == 0 || content == "" {
		return nil
	}

	m := sourceMappingURLRe.FindStringSubmatch(content)
	if m == nil {
		return nil
	}
	ref := m[1]

	if base, err := url.Parse(sourceURL); err == nil && sourceURL != "" {
		if refURL, err := url.Parse(ref); err == nil {
			abs := base.ResolveReference(refURL).String()
			if content, ok := maps[abs]; ok {
				return []byte(content)
			}
		}
	}
	if content, ok := maps[ref]; ok {
		return []byte(content)
	}
	return nil
}

var sourceMappingURLRe = regexp.MustCompile(`(?m)^//[#@]\s*sourceMappingURL=(\S+)\s*$`)

func (w *Worker) setProgress(ctx context.Context, scanID string, p int) {
	if w.progress == nil {
		return
	}
	if err := w.progress.SetProgress(ctx, scanID, p); err != nil {
		w.log.Warn("progress update failed", "scan_id", scanID, "error", err)
	}
}

// fingerprint hashes script content for dedup and change tracking.
func fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func bestVersion(dets []detect.Detection) string {
	for _, d := range dets {
		if d.Version != "" {
			return d.Version
		}
	}
	return ""
}

func bestConfidence(dets []detect.Detection) int {
	best := 0
	for _, d := range dets {
		if d.Confidence > best {
			best = d.Confidence
		}
	}
	return best
}
