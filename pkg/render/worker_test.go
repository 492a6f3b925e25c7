package render

import (
	"errors"
	"net/url"
	"testing"

	"github.com/surfscan/surfscan/pkg/tasks"
)

func TestSameOriginLinks(t *testing.T) {
	base, _ := url.Parse("https://example.com/start")
	visited := map[string]bool{}

	links := []string{
		"https://example.com/a",
		"https://example.com/a#section", // same page after normalization
		"https://EXAMPLE.com/b",
		"https://other.example.net/c",
		"mailto:x@example.com",
		"javascript:void(0)",
	}

	got := sameOriginLinks(base, links, visited)
	if len(got) != 3 {
		t.Fatalf("links = %v, want 3 entries", got)
	}
	// The anchor variant survives here; visited-map dedup happens at
	// crawl time via normalizeURL.
	if got[0] != "https://example.com/a" || got[1] != "https://example.com/a#section" || got[2] != "https://EXAMPLE.com/b" {
		t.Errorf("links = %v", got)
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://example.com/a#x", "https://example.com/a"},
		{"https://example.com/a/", "https://example.com/a"},
		{"https://example.com/a", "https://example.com/a"},
	}
	for _, tt := range tests {
		if got := normalizeURL(tt.in); got != tt.want {
			t.Errorf("normalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildDOMAnalysisDedupesScripts(t *testing.T) {
	captures := []*PageCapture{
		{
			URL:      "https://example.com",
			FinalURL: "https://example.com/",
			Headers:  map[string]string{"content-type": "text/html"},
			ExternalScripts: []tasks.ExternalScript{
				{URL: "https://cdn.example.net/lib.js"},
			},
			InlineScripts: []tasks.InlineScript{{Content: "var a = 1;"}},
		},
		{
			URL: "https://example.com/about",
			ExternalScripts: []tasks.ExternalScript{
				{URL: "https://cdn.example.net/lib.js"}, // duplicate
				{URL: "https://cdn.example.net/other.js"},
			},
			InlineScripts: []tasks.InlineScript{{Content: "var b = 2;"}},
		},
	}

	analysis := buildDOMAnalysis(captures)

	if len(analysis.ExternalScripts) != 2 {
		t.Errorf("external scripts = %d, want 2 after dedup", len(analysis.ExternalScripts))
	}
	if len(analysis.InlineScripts) != 2 {
		t.Errorf("inline scripts = %d, want 2", len(analysis.InlineScripts))
	}
	if analysis.PagesCrawled != 2 {
		t.Errorf("pages crawled = %d", analysis.PagesCrawled)
	}
	if analysis.Headers["content-type"] != "text/html" {
		t.Error("main page headers should carry over")
	}
}

func TestSourceMappingURLPattern(t *testing.T) {
	body := []byte("var x=1;\n//# sourceMappingURL=app.js.map\n")
	m := sourceMappingURLRe.FindSubmatch(body)
	if m == nil {
		t.Fatal("trailer not matched")
	}
	if string(m[1]) != "app.js.map" {
		t.Errorf("ref = %q", m[1])
	}

	if sourceMappingURLRe.FindSubmatch([]byte("var s = '//# sourceMappingURL=fake' + more;")) != nil {
		t.Error("mid-line mention should not match")
	}
}

func TestIsContextFailure(t *testing.T) {
	if !isContextFailure(errors.New("page has been closed")) {
		t.Error("page closed should be a context failure")
	}
	if !isContextFailure(errors.New("rpc error: target closed")) {
		t.Error("target closed should be a context failure")
	}
	if isContextFailure(errors.New("net::ERR_NAME_NOT_RESOLVED")) {
		t.Error("DNS failure is not a browser context failure")
	}
	if isContextFailure(nil) {
		t.Error("nil is not a failure")
	}
}
