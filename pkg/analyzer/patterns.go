// Package analyzer derives security findings from rendered pages: risky
// JavaScript patterns, HTML surface weaknesses (forms, inline handlers,
// iframes, mixed content, missing SRI), response header posture and
// cookie flags. Every function is pure and deterministic: identical
// inputs produce the identical multiset of findings.
package analyzer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/surfscan/surfscan/pkg/finding"
)

// riskyPattern couples a compiled regex with the finding it produces.
type riskyPattern struct {
	label    string
	re       *regexp.Regexp
	ftype    finding.Type
	severity finding.Severity
	title    string
	desc     string
}

var riskyPatterns = []riskyPattern{
	{
		label:    "eval",
		re:       regexp.MustCompile(`\beval\s*\(`),
		ftype:    finding.TypeEvalUsage,
		severity: finding.High,
		title:    "Use of eval() detected",
		desc:     "eval() executes arbitrary strings as code and is a common injection vector.",
	},
	{
		label:    "hardcoded-token",
		re:       regexp.MustCompile(`(?i)(?:token|key|secret|password)\s*[:=]\s*['"][A-Za-z0-9+/]{20,}['"]`),
		ftype:    finding.TypeHardcodedToken,
		severity: finding.Critical,
		title:    "Hardcoded credential detected",
		desc:     "A token, key or password literal is embedded in client-side code.",
	},
	{
		label:    "dynamic-import",
		re:       regexp.MustCompile(`\bimport\s*\(`),
		ftype:    finding.TypeDynamicImport,
		severity: finding.Moderate,
		title:    "Dynamic import() detected",
		desc:     "Dynamic imports load code at runtime; the loaded URL may be attacker-influenced.",
	},
	{
		label:    "webassembly",
		re:       regexp.MustCompile(`WebAssembly\.instantiate`),
		ftype:    finding.TypeWebAssembly,
		severity: finding.Moderate,
		title:    "WebAssembly instantiation detected",
		desc:     "WebAssembly modules are opaque to static inspection.",
	},
	{
		label:    "dom-xss-sink",
		re:       regexp.MustCompile(`(?:(?:innerHTML|outerHTML)\s*=|insertAdjacentHTML\s*\(|document\.write(?:ln)?\s*\()`),
		ftype:    finding.TypeDOMXSSSink,
		severity: finding.High,
		title:    "DOM XSS sink detected",
		desc:     "Assignment to an HTML-interpreting sink can execute attacker-controlled markup.",
	},
}

const maxEvidenceLen = 200

// DetectRiskyPatterns scans script content line by line and returns one
// finding per (pattern, line) hit, plus the distinct pattern labels for
// the script record. Line numbers are 1-based.
func DetectRiskyPatterns(content, location string) ([]finding.Finding, []string) {
	var findings []finding.Finding
	seen := make(map[string]bool)
	var labels []string

	for i, line := range strings.Split(content, "\n") {
		for _, p := range riskyPatterns {
			if !p.re.MatchString(line) {
				continue
			}
			findings = append(findings, finding.Finding{
				Type:        p.ftype,
				Title:       p.title,
				Description: p.desc,
				Severity:    p.severity,
				Location:    fmt.Sprintf("%s:%d", location, i+1),
				Evidence:    trimEvidence(line),
			})
			if !seen[p.label] {
				seen[p.label] = true
				labels = append(labels, p.label)
			}
		}
	}
	return findings, labels
}

func trimEvidence(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > maxEvidenceLen {
		line = line[:maxEvidenceLen]
	}
	return line
}
