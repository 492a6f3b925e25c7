package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/surfscan/surfscan/pkg/detect"
	"github.com/surfscan/surfscan/pkg/finding"
	"github.com/surfscan/surfscan/pkg/models"
	"github.com/surfscan/surfscan/pkg/queue"
	"github.com/surfscan/surfscan/pkg/tasks"
)

// --- fakes ------------------------------------------------------------

type fakeStore struct {
	mu        sync.Mutex
	scan      *models.Scan
	hasRows   bool
	commits   int
	scripts   []models.Script
	libraries []models.Library
	findings  []finding.Finding
	risk      int
	failedMsg string
}

func (f *fakeStore) GetScan(_ context.Context, id string) (*models.Scan, error) {
	if f.scan == nil || f.scan.ID != id {
		return nil, errors.New("not found")
	}
	return f.scan, nil
}

func (f *fakeStore) HasAnalysisResults(context.Context, string) (bool, error) {
	return f.hasRows, nil
}

func (f *fakeStore) MarkScanRunning(context.Context, string) error { return nil }

func (f *fakeStore) MarkScanFailed(_ context.Context, _ string, reason string) error {
	f.failedMsg = reason
	return nil
}

func (f *fakeStore) CommitAnalysis(_ context.Context, _ string, scripts []models.Script,
	libraries []models.Library, findings []finding.Finding, risk int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	f.scripts = scripts
	f.libraries = libraries
	f.findings = findings
	f.risk = risk
	f.hasRows = true
	f.scan.Status = models.StatusCompleted
	return nil
}

type fakeArtifacts struct {
	blobs map[string][]byte
}

func (f *fakeArtifacts) Get(_ context.Context, key string) ([]byte, error) {
	b, ok := f.blobs[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return b, nil
}

type fakeVulns struct {
	byName map[string][]models.Vulnerability
}

func (f *fakeVulns) GetVulnerabilities(_ context.Context, name, _ string) ([]models.Vulnerability, error) {
	return f.byName[name], nil
}

func analysisJob(t *testing.T, task tasks.AnalysisTask) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(task)
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Job{ID: task.ScanID, Payload: payload}
}

// --- tests ------------------------------------------------------------

func TestFullPipeline(t *testing.T) {
	scanID := "11111111-1111-1111-1111-111111111111"
	store := &fakeStore{scan: &models.Scan{ID: scanID, Status: models.StatusRunning}}
	artifacts := &fakeArtifacts{blobs: map[string][]byte{
		"scans/" + scanID + "/dom-snapshot.html": []byte(
			`<html><body><form method="get"><input type="password"></form>` +
				`<script src="https://cdn.example.net/jquery-3.6.0.min.js"></script></body></html>`),
		"scans/" + scanID + "/scripts/external-script-0.js": []byte(`/*! jQuery v3.6.0 */ jQuery.fn.jquery = "3.6.0";`),
	}}
	vulns := &fakeVulns{byName: map[string][]models.Vulnerability{
		"jquery": {{ID: "GHSA-1", Severity: finding.Critical, CVSSScore: 9.8}},
	}}

	w := NewWorker(store, artifacts, vulns, nil, nil)

	task := tasks.AnalysisTask{
		ScanID: scanID,
		Artifacts: tasks.AnalysisArtifacts{
			DOMSnapshot: "scans/" + scanID + "/dom-snapshot.html",
			Scripts:     []string{"scans/" + scanID + "/scripts/external-script-0.js"},
		},
		DOMAnalysis: tasks.DOMAnalysis{
			PageURL:  "http://shop.example.com/login",
			FinalURL: "http://shop.example.com/login",
			InlineScripts: []tasks.InlineScript{
				{Content: "eval(userInput);"},
			},
			ExternalScripts: []tasks.ExternalScript{
				{URL: "https://cdn.example.net/jquery-3.6.0.min.js"},
			},
		},
	}

	result, err := w.Handle(context.Background(), analysisJob(t, task))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	res := result.(tasks.TaskResult)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	if store.commits != 1 {
		t.Fatalf("commits = %d, want 1", store.commits)
	}
	if len(store.scripts) != 2 {
		t.Errorf("scripts = %d, want 2 (inline + external)", len(store.scripts))
	}

	var jq *models.Library
	for i := range store.libraries {
		if store.libraries[i].Name == "jquery" {
			jq = &store.libraries[i]
		}
	}
	if jq == nil {
		t.Fatalf("jquery library not committed: %+v", store.libraries)
	}
	if jq.DetectedVersion != "3.6.0" {
		t.Errorf("version = %q", jq.DetectedVersion)
	}
	if len(jq.Vulnerabilities) != 1 {
		t.Errorf("vulnerabilities = %d, want 1", len(jq.Vulnerabilities))
	}
	if jq.RiskScore <= 0 {
		t.Errorf("risk score = %d, want > 0", jq.RiskScore)
	}

	foundEval, foundPassword := false, false
	for _, f := range store.findings {
		if f.ID == "" || f.ScanID != scanID {
			t.Errorf("finding missing identity: %+v", f)
		}
		switch f.Type {
		case finding.TypeEvalUsage:
			foundEval = true
		case finding.TypeFormSecurity:
			if f.Title == "Password field on a non-HTTPS page" {
				foundPassword = true
			}
		}
	}
	if !foundEval {
		t.Error("eval finding missing")
	}
	if !foundPassword {
		t.Error("password-on-http finding missing")
	}

	if store.risk <= 0 {
		t.Errorf("global risk = %d, want > 0", store.risk)
	}
}

// A completed scan with committed rows short-circuits without a second
// commit.
func TestIdempotentRedelivery(t *testing.T) {
	scanID := "22222222-2222-2222-2222-222222222222"
	store := &fakeStore{
		scan:    &models.Scan{ID: scanID, Status: models.StatusCompleted},
		hasRows: true,
	}

	w := NewWorker(store, &fakeArtifacts{blobs: map[string][]byte{}}, &fakeVulns{}, nil, nil)

	task := tasks.AnalysisTask{ScanID: scanID}
	result, err := w.Handle(context.Background(), analysisJob(t, task))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res := result.(tasks.TaskResult); !res.Success {
		t.Errorf("result = %+v", res)
	}
	if store.commits != 0 {
		t.Errorf("commits = %d, want 0 on redelivery", store.commits)
	}
}

func TestProcessingSlotGuard(t *testing.T) {
	scanID := "33333333-3333-3333-3333-333333333333"
	w := NewWorker(&fakeStore{scan: &models.Scan{ID: scanID}}, &fakeArtifacts{}, &fakeVulns{}, nil, nil)

	if !w.acquire(scanID) {
		t.Fatal("first acquire should succeed")
	}
	if w.acquire(scanID) {
		t.Error("second acquire should fail while held")
	}
	w.release(scanID)
	if !w.acquire(scanID) {
		t.Error("acquire after release should succeed")
	}
}

func TestMissingScanIDRejected(t *testing.T) {
	w := NewWorker(&fakeStore{}, &fakeArtifacts{}, &fakeVulns{}, nil, nil)

	_, err := w.Handle(context.Background(), &queue.Job{ID: "x", Payload: []byte(`{}`)})
	if err == nil || !strings.Contains(err.Error(), "missing scan id") {
		t.Errorf("err = %v, want missing scan id", err)
	}
}

func TestConsolidateLibraries(t *testing.T) {
	a1 := scriptAnalysis{script: models.Script{ID: "s1"}}
	a1.detections = []detect.Detection{
		{Name: "jquery", Version: "3.6.0", Confidence: 95, DetectionMethod: "version-string"},
	}
	a2 := scriptAnalysis{script: models.Script{ID: "s2"}}
	a2.detections = []detect.Detection{
		{Name: "jquery", Confidence: 40, DetectionMethod: "url-pattern"},
		{Name: "react", Confidence: 70, DetectionMethod: "symbol-signature"},
	}

	libs := consolidateLibraries("scan", []scriptAnalysis{a1, a2})
	if len(libs) != 2 {
		t.Fatalf("libraries = %d, want 2", len(libs))
	}

	var jq models.Library
	for _, l := range libs {
		if l.Name == "jquery" {
			jq = l
		}
	}
	if jq.Confidence != 95 || jq.DetectedVersion != "3.6.0" {
		t.Errorf("jquery = %+v", jq)
	}
	if len(jq.RelatedScripts) != 2 {
		t.Errorf("related scripts = %v, want both", jq.RelatedScripts)
	}
}

func TestLookupSourceMap(t *testing.T) {
	maps := map[string]string{
		"https://cdn.example.net/app.js.map": `{"sources":["node_modules/react/index.js"]}`,
	}
	content := "var x=1;\n//# sourceMappingURL=app.js.map\n"

	got := lookupSourceMap("https://cdn.example.net/app.js", content, maps)
	if got == nil {
		t.Fatal("relative map reference should resolve against the script URL")
	}

	if lookupSourceMap("https://cdn.example.net/app.js", "no trailer here", maps) != nil {
		t.Error("script without trailer should find no map")
	}
	if lookupSourceMap("https://other.example.com/app.js", content, maps) != nil {
		t.Error("map for a different script should not match")
	}
}

func TestFingerprintStable(t *testing.T) {
	a := fingerprint("var x = 1;")
	b := fingerprint("var x = 1;")
	c := fingerprint("var x = 2;")

	if a != b {
		t.Error("same content should fingerprint identically")
	}
	if a == c {
		t.Error("different content should fingerprint differently")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}
