package analyzer

import (
	"regexp"
	"strings"

	"github.com/surfscan/surfscan/pkg/finding"
)

var weakReferrerRe = regexp.MustCompile(`(?i)unsafe-url|no-referrer-when-downgrade`)

// AnalyzeHeaders inspects top-level response headers. Keys must be
// lower-cased by the caller; values are matched case-insensitively.
func AnalyzeHeaders(headers map[string]string, isHTTPS bool, loc string) []finding.Finding {
	var findings []finding.Finding

	add := func(title, desc string, sev finding.Severity, evidence string) {
		findings = append(findings, finding.Finding{
			Type:        finding.TypeSecurityHeader,
			Title:       title,
			Description: desc,
			Severity:    sev,
			Location:    loc,
			Evidence:    evidence,
		})
	}

	get := func(name string) (string, bool) {
		v, ok := headers[name]
		return v, ok
	}

	// Content-Security-Policy
	if csp, ok := get("content-security-policy"); !ok {
		add("Content-Security-Policy header missing",
			"Without CSP the browser enforces no script-source restrictions.",
			finding.Moderate, "")
	} else if lc := strings.ToLower(csp); strings.Contains(lc, "unsafe-inline") || strings.Contains(lc, "unsafe-eval") {
		add("Content-Security-Policy allows unsafe directives",
			"unsafe-inline / unsafe-eval neutralize most of CSP's XSS protection.",
			finding.High, trimEvidence(csp))
	}

	// HSTS only applies to TLS responses.
	if isHTTPS {
		if _, ok := get("strict-transport-security"); !ok {
			add("Strict-Transport-Security header missing",
				"Without HSTS, first connections and downgrades can be intercepted.",
				finding.High, "")
		}
	}

	if xfo, ok := get("x-frame-options"); !ok {
		add("X-Frame-Options header missing",
			"The page can be framed by any site, enabling clickjacking.",
			finding.Moderate, "")
	} else {
		v := strings.ToUpper(strings.TrimSpace(xfo))
		if v != "DENY" && v != "SAMEORIGIN" {
			add("X-Frame-Options has a weak value",
				"Only DENY and SAMEORIGIN reliably prevent framing.",
				finding.Moderate, xfo)
		}
	}

	if xcto, ok := get("x-content-type-options"); !ok || !strings.EqualFold(strings.TrimSpace(xcto), "nosniff") {
		add("X-Content-Type-Options header missing or not nosniff",
			"MIME sniffing can reinterpret responses as executable content.",
			finding.Moderate, headers["x-content-type-options"])
	}

	if rp, ok := get("referrer-policy"); !ok {
		add("Referrer-Policy header missing",
			"Full URLs leak to third parties via the Referer header.",
			finding.Moderate, "")
	} else if weakReferrerRe.MatchString(rp) {
		add("Referrer-Policy allows referrer leakage",
			"unsafe-url and no-referrer-when-downgrade leak full URLs cross-origin.",
			finding.Moderate, rp)
	}

	if _, ok := get("permissions-policy"); !ok {
		add("Permissions-Policy header missing",
			"Powerful browser features (camera, geolocation) are not restricted.",
			finding.Low, "")
	}

	if isHTTPS {
		if coop, ok := get("cross-origin-opener-policy"); !ok {
			add("Cross-Origin-Opener-Policy header missing",
				"The window can be controlled by cross-origin openers.",
				finding.Low, "")
		} else {
			v := strings.ToLower(strings.TrimSpace(coop))
			if v != "same-origin" && v != "same-origin-allow-popups" {
				add("Cross-Origin-Opener-Policy has a weak value",
					"Only same-origin values isolate the browsing context group.",
					finding.Low, coop)
			}
		}
		if _, ok := get("cross-origin-embedder-policy"); !ok {
			add("Cross-Origin-Embedder-Policy header missing",
				"Cross-origin resources load without explicit opt-in.",
				finding.Low, "")
		}
		if _, ok := get("cross-origin-resource-policy"); !ok {
			add("Cross-Origin-Resource-Policy header missing",
				"Other origins may embed this response.",
				finding.Low, "")
		}
	}

	findings = append(findings, analyzeCORS(headers, loc)...)

	return findings
}

// analyzeCORS flags wildcard access policies. Wildcard plus credentials
// is the dangerous combination: any site can read authenticated
// responses.
func analyzeCORS(headers map[string]string, loc string) []finding.Finding {
	origin := strings.TrimSpace(headers["access-control-allow-origin"])
	if origin != "*" {
		return nil
	}

	creds := strings.EqualFold(strings.TrimSpace(headers["access-control-allow-credentials"]), "true")
	if creds {
		return []finding.Finding{{
			Type:        finding.TypeSecurityHeader,
			Title:       "Insecure CORS configuration: wildcard origin with credentials",
			Description: "Access-Control-Allow-Origin: * combined with credentials lets any origin read authenticated responses.",
			Severity:    finding.High,
			Location:    loc,
			Evidence:    "access-control-allow-origin: *, access-control-allow-credentials: true",
		}}
	}

	return []finding.Finding{{
		Type:        finding.TypeSecurityHeader,
		Title:       "CORS allows any origin",
		Description: "Access-Control-Allow-Origin: * exposes this response to every website.",
		Severity:    finding.Moderate,
		Location:    loc,
		Evidence:    "access-control-allow-origin: *",
	}}
}
