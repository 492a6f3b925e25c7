package detect

import (
	"strings"
	"testing"
)

func byName(dets []Detection, name string) *Detection {
	for i := range dets {
		if dets[i].Name == name {
			return &dets[i]
		}
	}
	return nil
}

func TestDetectFromCDNURL(t *testing.T) {
	d := NewDetector()

	dets := d.Detect("https://cdnjs.cloudflare.com/ajax/libs/jquery/3.6.0/jquery.min.js", "", nil)
	jq := byName(dets, "jquery")
	if jq == nil {
		t.Fatal("jquery not detected from CDN URL")
	}
	if jq.Version != "3.6.0" {
		t.Errorf("version = %q, want 3.6.0", jq.Version)
	}
	if jq.Confidence != 80 {
		t.Errorf("confidence = %d, want 80 for versioned URL", jq.Confidence)
	}
}

func TestDetectFromUnpkgURL(t *testing.T) {
	d := NewDetector()

	dets := d.Detect("https://unpkg.com/react@18.2.0/umd/react.production.min.js", "", nil)
	r := byName(dets, "react")
	if r == nil {
		t.Fatal("react not detected from unpkg URL")
	}
	if r.Version != "18.2.0" {
		t.Errorf("version = %q, want 18.2.0", r.Version)
	}
}

func TestDetectFromUnversionedURL(t *testing.T) {
	d := NewDetector()

	dets := d.Detect("https://cdn.jsdelivr.net/npm/vue/dist/vue.js", "", nil)
	v := byName(dets, "vue")
	if v == nil {
		t.Fatal("vue not detected from npm-style URL")
	}
	if v.Version != "" {
		t.Errorf("version = %q, want empty", v.Version)
	}
	if v.Confidence != 40 {
		t.Errorf("confidence = %d, want 40 without version", v.Confidence)
	}
}

func TestDetectFromCommentBanner(t *testing.T) {
	d := NewDetector()

	content := "/*! jQuery v3.5.1 | (c) JS Foundation */\n(function(){})();"
	dets := d.Detect("", content, nil)
	jq := byName(dets, "jquery")
	if jq == nil {
		t.Fatal("jquery not detected from banner")
	}
	if jq.Version != "3.5.1" {
		t.Errorf("version = %q, want 3.5.1", jq.Version)
	}
}

func TestCommentScanOnlyFirst50Lines(t *testing.T) {
	d := NewDetector()

	content := strings.Repeat("var pad = 1;\n", 60) + "/*! Lodash v4.17.21 */\n"
	dets := d.Detect("", content, nil)
	if byName(dets, "lodash") != nil {
		t.Error("banner past line 50 should be ignored")
	}
}

func TestDetectFromSourceMap(t *testing.T) {
	d := NewDetector()

	sm := []byte(`{
		"version": 3,
		"sources": [
			"webpack:///node_modules/react/index.js",
			"webpack:///node_modules/lodash@4.17.21/debounce.js",
			"webpack:///src/app.js"
		]
	}`)

	dets := d.Detect("", "", sm)

	r := byName(dets, "react")
	if r == nil || r.Confidence != 85 {
		t.Fatalf("react source-map detection missing or wrong confidence: %+v", r)
	}
	l := byName(dets, "lodash")
	if l == nil || l.Version != "4.17.21" {
		t.Fatalf("lodash version not extracted: %+v", l)
	}
	if byName(dets, "src") != nil {
		t.Error("non-node_modules source should not detect")
	}
}

func TestSourceMapGarbageDegradesGracefully(t *testing.T) {
	d := NewDetector()

	if dets := d.Detect("", "", []byte("{not json")); len(dets) != 0 {
		t.Errorf("garbage source map produced detections: %+v", dets)
	}
}

func TestDetectFromSignatures(t *testing.T) {
	d := NewDetector()

	content := `var el = React.createElement("div", null); angular.module("app", []);`
	dets := d.Detect("", content, nil)

	if byName(dets, "react") == nil {
		t.Error("react signature not matched")
	}
	if byName(dets, "angular") == nil {
		t.Error("angular signature not matched")
	}
}

func TestDetectFromVersionString(t *testing.T) {
	d := NewDetector()

	content := `Vue.version = "2.7.14";`
	dets := d.Detect("", content, nil)

	v := byName(dets, "vue")
	if v == nil {
		t.Fatal("vue version disclosure not detected")
	}
	if v.Version != "2.7.14" {
		t.Errorf("version = %q, want 2.7.14", v.Version)
	}
	if v.Confidence != 95 {
		t.Errorf("confidence = %d, want 95", v.Confidence)
	}
}

func TestConsolidate(t *testing.T) {
	dets := []Detection{
		{Name: "jquery", Version: "", Confidence: 40, DetectionMethod: "url-pattern", Evidence: "a"},
		{Name: "jQuery", Version: "3.6.0", Confidence: 95, DetectionMethod: "version-string", Evidence: "b"},
		{Name: "react", Confidence: 70, DetectionMethod: "symbol-signature"},
	}

	merged := Consolidate(dets)
	if len(merged) != 2 {
		t.Fatalf("merged = %d entries, want 2", len(merged))
	}

	jq := merged[0] // highest confidence first
	if jq.Confidence != 95 {
		t.Errorf("confidence = %d, want max 95", jq.Confidence)
	}
	if jq.Version != "3.6.0" {
		t.Errorf("version = %q, want 3.6.0", jq.Version)
	}
	if !strings.Contains(jq.DetectionMethod, "url-pattern") || !strings.Contains(jq.DetectionMethod, "version-string") {
		t.Errorf("methods = %q, want both", jq.DetectionMethod)
	}
	if !strings.Contains(jq.Evidence, "a") || !strings.Contains(jq.Evidence, "b") {
		t.Errorf("evidence = %q, want union", jq.Evidence)
	}
}

func TestConsolidatePrefersAnyVersion(t *testing.T) {
	dets := []Detection{
		{Name: "vue", Version: "2.7.14", Confidence: 60, DetectionMethod: "comment-banner"},
		{Name: "vue", Version: "", Confidence: 70, DetectionMethod: "symbol-signature"},
	}

	merged := Consolidate(dets)
	if len(merged) != 1 {
		t.Fatalf("merged = %d, want 1", len(merged))
	}
	if merged[0].Version != "2.7.14" {
		t.Errorf("version = %q, want kept from lower-confidence hit", merged[0].Version)
	}
	if merged[0].Confidence != 70 {
		t.Errorf("confidence = %d, want 70", merged[0].Confidence)
	}
}

func TestDetectOrderedByConfidence(t *testing.T) {
	d := NewDetector()

	content := `/*! Lodash v4.17.21 */` + "\n" + `jQuery.fn.jquery = "3.6.0"; _.debounce(fn, 10);`
	dets := d.Detect("https://code.example.com/jquery-3.6.0.min.js", content, nil)

	for i := 1; i < len(dets); i++ {
		if dets[i-1].Confidence < dets[i].Confidence {
			t.Fatalf("detections not ordered by confidence: %+v", dets)
		}
	}
}
