package analyzer

import (
	"testing"

	"github.com/surfscan/surfscan/pkg/finding"
)

func TestMissingHeaders(t *testing.T) {
	findings := AnalyzeHeaders(map[string]string{}, true, "https://example.com")

	wantModerate := []string{
		"Content-Security-Policy header missing",
		"X-Frame-Options header missing",
		"X-Content-Type-Options header missing or not nosniff",
		"Referrer-Policy header missing",
	}
	for _, title := range wantModerate {
		if got := severityOf(t, findings, title); got != finding.Moderate {
			t.Errorf("%s severity = %s, want moderate", title, got)
		}
	}

	if got := severityOf(t, findings, "Strict-Transport-Security header missing"); got != finding.High {
		t.Errorf("HSTS severity = %s, want high", got)
	}

	wantLow := []string{
		"Permissions-Policy header missing",
		"Cross-Origin-Opener-Policy header missing",
		"Cross-Origin-Embedder-Policy header missing",
		"Cross-Origin-Resource-Policy header missing",
	}
	for _, title := range wantLow {
		if got := severityOf(t, findings, title); got != finding.Low {
			t.Errorf("%s severity = %s, want low", title, got)
		}
	}
}

func TestHSTSNotRequiredOnHTTP(t *testing.T) {
	findings := AnalyzeHeaders(map[string]string{}, false, "http://example.com")
	if hasTitle(findings, "Strict-Transport-Security header missing") {
		t.Error("HSTS should not be required on plain HTTP")
	}
	if hasTitle(findings, "Cross-Origin-Opener-Policy header missing") {
		t.Error("COOP checks should only run on HTTPS")
	}
}

func TestUnsafeCSP(t *testing.T) {
	headers := map[string]string{
		"content-security-policy": "default-src 'self'; script-src 'unsafe-inline'",
	}
	findings := AnalyzeHeaders(headers, false, "x")
	if got := severityOf(t, findings, "Content-Security-Policy allows unsafe directives"); got != finding.High {
		t.Errorf("severity = %s, want high", got)
	}
}

func TestWeakXFrameOptions(t *testing.T) {
	findings := AnalyzeHeaders(map[string]string{"x-frame-options": "ALLOW-FROM https://x"}, false, "x")
	if !hasTitle(findings, "X-Frame-Options has a weak value") {
		t.Error("expected weak XFO finding")
	}

	findings = AnalyzeHeaders(map[string]string{"x-frame-options": "SAMEORIGIN"}, false, "x")
	if hasTitle(findings, "X-Frame-Options has a weak value") {
		t.Error("SAMEORIGIN should be accepted")
	}
	if hasTitle(findings, "X-Frame-Options header missing") {
		t.Error("XFO present, missing finding is wrong")
	}
}

func TestNosniffAccepted(t *testing.T) {
	findings := AnalyzeHeaders(map[string]string{"x-content-type-options": "nosniff"}, false, "x")
	if hasTitle(findings, "X-Content-Type-Options header missing or not nosniff") {
		t.Error("nosniff should be accepted")
	}
}

func TestWeakReferrerPolicy(t *testing.T) {
	findings := AnalyzeHeaders(map[string]string{"referrer-policy": "no-referrer-when-downgrade"}, false, "x")
	if !hasTitle(findings, "Referrer-Policy allows referrer leakage") {
		t.Error("expected weak referrer policy finding")
	}
}

// Wildcard origin with credentials is the high-severity CORS
// misconfiguration.
func TestCORSWildcardWithCredentials(t *testing.T) {
	headers := map[string]string{
		"access-control-allow-origin":      "*",
		"access-control-allow-credentials": "true",
	}
	findings := AnalyzeHeaders(headers, false, "x")
	if got := severityOf(t, findings, "Insecure CORS configuration: wildcard origin with credentials"); got != finding.High {
		t.Errorf("severity = %s, want high", got)
	}
}

func TestCORSWildcardAlone(t *testing.T) {
	findings := AnalyzeHeaders(map[string]string{"access-control-allow-origin": "*"}, false, "x")
	if got := severityOf(t, findings, "CORS allows any origin"); got != finding.Moderate {
		t.Errorf("severity = %s, want moderate", got)
	}
	if hasTitle(findings, "Insecure CORS configuration: wildcard origin with credentials") {
		t.Error("credentialed finding should not fire without the credentials header")
	}
}

func TestCORSSpecificOriginClean(t *testing.T) {
	findings := AnalyzeHeaders(map[string]string{"access-control-allow-origin": "https://app.example.com"}, false, "x")
	if hasTitle(findings, "CORS allows any origin") {
		t.Error("specific origin should not be flagged")
	}
}
