package render

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/surfscan/surfscan/pkg/models"
	"github.com/surfscan/surfscan/pkg/queue"
	"github.com/surfscan/surfscan/pkg/ssrf"
	"github.com/surfscan/surfscan/pkg/tasks"
)

// ScanStore is the slice of the relational store the render worker
// mutates.
type ScanStore interface {
	MarkScanRunning(ctx context.Context, id string) error
	MarkScanFailed(ctx context.Context, id, reason string) error
	UpdateScanArtifacts(ctx context.Context, id string, paths map[string]string) error
}

// ArtifactStore uploads rendered artifacts.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// AnalysisQueue publishes and awaits analysis jobs.
type AnalysisQueue interface {
	Enqueue(ctx context.Context, id string, payload any, opts queue.Options) (*queue.Job, error)
	WaitForCompletion(ctx context.Context, id string, timeout time.Duration) (*queue.Job, error)
}

// ProgressReporter records scan job progress.
type ProgressReporter interface {
	SetProgress(ctx context.Context, id string, progress int) error
}

// Config tunes the render worker.
type Config struct {
	MaxExternalScripts int
	MaxCrawlPages      int
	ScriptFetchTimeout time.Duration
	DefaultPageTimeout time.Duration
	SettleDelay        time.Duration
}

// Worker renders scan targets and hands them to analysis.
type Worker struct {
	browser   *Browser
	fetcher   *ScriptFetcher
	store     ScanStore
	artifacts ArtifactStore
	analysis  AnalysisQueue
	progress  ProgressReporter
	validator *ssrf.Validator
	cfg       Config
	log       *slog.Logger
	parent    context.Context
}

// NewWorker wires a render worker. parent scopes the browser process
// lifetime.
func NewWorker(parent context.Context, store ScanStore, artifacts ArtifactStore,
	analysis AnalysisQueue, progress ProgressReporter, validator *ssrf.Validator,
	cfg Config, log *slog.Logger) *Worker {

	if cfg.MaxExternalScripts <= 0 {
		cfg.MaxExternalScripts = 30
	}
	if cfg.MaxCrawlPages <= 0 || cfg.MaxCrawlPages > 100 {
		cfg.MaxCrawlPages = 100
	}
	if cfg.ScriptFetchTimeout <= 0 {
		cfg.ScriptFetchTimeout = 15 * time.Second
	}
	if cfg.DefaultPageTimeout <= 0 {
		cfg.DefaultPageTimeout = 60 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	return &Worker{
		browser:   NewBrowser(parent),
		fetcher:   NewScriptFetcher(validator, cfg.ScriptFetchTimeout),
		store:     store,
		artifacts: artifacts,
		analysis:  analysis,
		progress:  progress,
		validator: validator,
		cfg:       cfg,
		log:       log,
		parent:    parent,
	}
}

// Close releases the browser.
func (w *Worker) Close() {
	w.browser.Close()
}

// Handle processes one scan job end to end. It is the queue.Handler for
// the scan queue.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var task tasks.ScanTask
	if err := queue.DecodePayload(job, &task); err != nil {
		return nil, fmt.Errorf("decode scan task: %w", err)
	}
	log := w.log.With("scan_id", task.ScanID, "url", task.URL)

	result, err := w.run(ctx, &task, log)
	if err != nil {
		if ferr := w.store.MarkScanFailed(ctx, task.ScanID, err.Error()); ferr != nil {
			log.Error("mark failed errored", "error", ferr)
		}
		return tasks.TaskResult{ScanID: task.ScanID, Success: false, Error: err.Error()}, err
	}
	return result, nil
}

func (w *Worker) run(ctx context.Context, task *tasks.ScanTask, log *slog.Logger) (tasks.TaskResult, error) {
	if err := w.store.MarkScanRunning(ctx, task.ScanID); err != nil {
		return tasks.TaskResult{}, fmt.Errorf("mark running: %w", err)
	}
	w.setProgress(ctx, task.ScanID, 10)

	// Browse-time SSRF gate: the target is re-validated even though the
	// API already checked it, because DNS may have changed in between.
	target, err := w.validator.ValidateTargetURL(ctx, task.URL)
	if err != nil {
		return tasks.TaskResult{}, fmt.Errorf("target rejected at browse time: %w", err)
	}

	pageTimeout := w.cfg.DefaultPageTimeout
	if task.Parameters.Timeout > 0 {
		pageTimeout = task.Parameters.Timeout
	}
	params := pageParams{
		Timeout:      pageTimeout,
		SettleDelay:  w.cfg.SettleDelay,
		ExtraHeaders: task.Parameters.Headers,
		Screenshot:   true,
	}

	captures, err := w.renderAll(ctx, target, task.Parameters.Depth, params, log)
	if err != nil {
		return tasks.TaskResult{}, err
	}
	main := captures[0]
	w.setProgress(ctx, task.ScanID, 40)

	artifacts := map[string]string{}

	domKey := models.ArtifactKey(task.ScanID, models.ArtifactDOMSnapshot)
	if err := w.artifacts.Put(ctx, domKey, []byte(main.HTML), "text/html"); err != nil {
		return tasks.TaskResult{}, fmt.Errorf("upload dom snapshot: %w", err)
	}
	artifacts["dom_snapshot"] = domKey

	if len(main.Screenshot) > 0 {
		key := models.ArtifactKey(task.ScanID, models.ArtifactScreenshot)
		if err := w.artifacts.Put(ctx, key, main.Screenshot, "image/png"); err != nil {
			log.Warn("screenshot upload failed", "error", err)
		} else {
			artifacts["screenshot"] = key
		}
	}

	analysis := buildDOMAnalysis(captures)

	if trace, err := json.Marshal(analysis.Resources); err == nil {
		key := models.ArtifactKey(task.ScanID, models.ArtifactNetworkTrace)
		if err := w.artifacts.Put(ctx, key, trace, "application/json"); err != nil {
			log.Warn("network trace upload failed", "error", err)
		} else {
			artifacts["network_trace"] = key
		}
	}

	scriptKeys, fetchErrors := w.fetchExternalScripts(ctx, task.ScanID, analysis, log)
	w.setProgress(ctx, task.ScanID, 70)

	if err := w.store.UpdateScanArtifacts(ctx, task.ScanID, artifacts); err != nil {
		log.Warn("artifact path update failed", "error", err)
	}

	analysisTask := tasks.AnalysisTask{
		ScanID: task.ScanID,
		Artifacts: tasks.AnalysisArtifacts{
			DOMSnapshot: domKey,
			Scripts:     scriptKeys,
		},
		DOMAnalysis: *analysis,
		FetchErrors: fetchErrors,
	}
	if _, err := w.analysis.Enqueue(ctx, task.ScanID, analysisTask, queue.Options{
		MaxAttempts: 3,
		BackoffInit: 2 * time.Second,
	}); err != nil {
		return tasks.TaskResult{}, fmt.Errorf("publish analysis job: %w", err)
	}
	w.setProgress(ctx, task.ScanID, 85)

	wait := pageTimeout
	if wait < 30*time.Second {
		wait = 30 * time.Second
	}
	wait += 120 * time.Second

	analysisJob, err := w.analysis.WaitForCompletion(ctx, task.ScanID, wait)
	if err != nil {
		return tasks.TaskResult{}, fmt.Errorf("analysis job timeout")
	}
	if analysisJob.State != queue.StateCompleted || !analysisJob.Success {
		reason := analysisJob.Error
		if reason == "" {
			reason = "analysis failed"
		}
		return tasks.TaskResult{}, fmt.Errorf("analysis failed: %s", reason)
	}

	w.setProgress(ctx, task.ScanID, 100)
	return tasks.TaskResult{
		ScanID:    task.ScanID,
		Success:   true,
		Artifacts: artifacts,
	}, nil
}

// renderAll renders the target and, when depth allows, breadth-first
// crawls same-origin links up to the page cap. The first capture is
// always the target page. A context-level browser failure triggers one
// recycle-and-retry.
func (w *Worker) renderAll(ctx context.Context, target *url.URL, depth int, params pageParams, log *slog.Logger) ([]*PageCapture, error) {
	renderOnce := func(u string) (*PageCapture, error) {
		capture, err := w.browser.RenderPage(ctx, u, params)
		if err != nil && isContextFailure(err) {
			log.Warn("browser context failure, recycling", "error", err)
			w.browser.Recycle(w.parent)
			capture, err = w.browser.RenderPage(ctx, u, params)
		}
		return capture, err
	}

	main, err := renderOnce(target.String())
	if err != nil {
		return nil, err
	}
	captures := []*PageCapture{main}

	if depth <= 0 {
		return captures, nil
	}

	visited := map[string]bool{normalizeURL(target.String()): true}
	frontier := sameOriginLinks(target, main.Links, visited)

	for level := 1; level <= depth && len(frontier) > 0 && len(captures) < w.cfg.MaxCrawlPages; level++ {
		var next []string
		for _, link := range frontier {
			if len(captures) >= w.cfg.MaxCrawlPages {
				break
			}
			if visited[normalizeURL(link)] {
				continue
			}
			visited[normalizeURL(link)] = true

			capture, err := renderOnce(link)
			if err != nil {
				log.Warn("crawl page failed", "page", link, "error", err)
				continue
			}
			captures = append(captures, capture)
			next = append(next, sameOriginLinks(target, capture.Links, visited)...)
		}
		frontier = next
	}

	return captures, nil
}

// fetchExternalScripts downloads each unique external script up to the
// configured cap and stores it. Failed fetches store an empty artifact
// and record the error, keeping indices stable for the analyzer.
func (w *Worker) fetchExternalScripts(ctx context.Context, scanID string, analysis *tasks.DOMAnalysis, log *slog.Logger) ([]string, []string) {
	var keys []string
	var fetchErrors []string

	limit := len(analysis.ExternalScripts)
	if limit > w.cfg.MaxExternalScripts {
		limit = w.cfg.MaxExternalScripts
	}

	for i := 0; i < limit; i++ {
		script := analysis.ExternalScripts[i]
		key := models.ExternalScriptKey(scanID, i)

		body, err := w.fetcher.Fetch(ctx, script.URL)
		if err != nil {
			fetchErrors = append(fetchErrors, fmt.Sprintf("%s: %v", script.URL, err))
			body = nil
		}

		if putErr := w.artifacts.Put(ctx, key, body, "application/javascript"); putErr != nil {
			log.Warn("script upload failed", "key", key, "error", putErr)
			fetchErrors = append(fetchErrors, fmt.Sprintf("%s: store: %v", script.URL, putErr))
		}
		keys = append(keys, key)

		if err == nil {
			w.collectSourceMap(ctx, script.URL, body, analysis)
		}
	}

	return keys, fetchErrors
}

var sourceMappingURLRe = regexp.MustCompile(`(?m)^//[#@]\s*sourceMappingURL=(\S+)\s*$`)

// collectSourceMap resolves a script's sourceMappingURL trailer and
// fetches the map, keyed by its absolute URL. Inline data: maps and
// fetch failures are skipped silently.
func (w *Worker) collectSourceMap(ctx context.Context, scriptURL string, body []byte, analysis *tasks.DOMAnalysis) {
	m := sourceMappingURLRe.FindSubmatch(body)
	if m == nil {
		return
	}
	ref := string(m[1])
	if strings.HasPrefix(ref, "data:") {
		return
	}

	base, err := url.Parse(scriptURL)
	if err != nil {
		return
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return
	}
	mapURL := base.ResolveReference(refURL).String()

	if analysis.SourceMaps == nil {
		analysis.SourceMaps = make(map[string]string)
	}
	if _, ok := analysis.SourceMaps[mapURL]; ok {
		return
	}

	content, err := w.fetcher.Fetch(ctx, mapURL)
	if err != nil {
		return
	}
	analysis.SourceMaps[mapURL] = string(content)
}

func (w *Worker) setProgress(ctx context.Context, scanID string, p int) {
	if w.progress == nil {
		return
	}
	if err := w.progress.SetProgress(ctx, scanID, p); err != nil {
		w.log.Warn("progress update failed", "scan_id", scanID, "progress", p, "error", err)
	}
}

// buildDOMAnalysis merges the captures into one analysis payload. The
// main page contributes headers and cookies; scripts from crawled pages
// are deduplicated by URL.
func buildDOMAnalysis(captures []*PageCapture) *tasks.DOMAnalysis {
	main := captures[0]
	analysis := &tasks.DOMAnalysis{
		PageURL:      main.URL,
		FinalURL:     main.FinalURL,
		Title:        main.Title,
		Headers:      main.Headers,
		SetCookies:   main.SetCookies,
		PagesCrawled: len(captures),
	}

	seenExternal := make(map[string]bool)
	for _, capture := range captures {
		analysis.InlineScripts = append(analysis.InlineScripts, capture.InlineScripts...)
		for _, ext := range capture.ExternalScripts {
			if seenExternal[ext.URL] {
				continue
			}
			seenExternal[ext.URL] = true
			analysis.ExternalScripts = append(analysis.ExternalScripts, ext)
		}
		analysis.Resources = append(analysis.Resources, capture.Resources...)
	}

	return analysis
}

// sameOriginLinks filters candidate links down to unvisited same-origin
// pages.
func sameOriginLinks(base *url.URL, links []string, visited map[string]bool) []string {
	var out []string
	for _, link := range links {
		u, err := url.Parse(link)
		if err != nil {
			continue
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		if !strings.EqualFold(u.Hostname(), base.Hostname()) {
			continue
		}
		norm := normalizeURL(u.String())
		if visited[norm] {
			continue
		}
		out = append(out, u.String())
	}
	return out
}

// normalizeURL strips fragments so anchor variants dedupe together.
func normalizeURL(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSuffix(raw, "/")
}
