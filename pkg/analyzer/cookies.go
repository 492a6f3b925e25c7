package analyzer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/surfscan/surfscan/pkg/finding"
)

var sensitiveCookieRe = regexp.MustCompile(`(?i)session|auth|token|jwt`)

// AnalyzeCookies inspects Set-Cookie header values (one per element) and
// emits at most two findings: one for a sensitive cookie missing flags
// (high) and one for any other cookie missing flags (moderate).
func AnalyzeCookies(setCookies []string, loc string) []finding.Finding {
	var findings []finding.Finding
	sensitiveEmitted := false
	genericEmitted := false

	for _, raw := range setCookies {
		if sensitiveEmitted && genericEmitted {
			break
		}

		name, flags := parseCookie(raw)
		if name == "" {
			continue
		}

		var missing []string
		if !flags["secure"] {
			missing = append(missing, "Secure")
		}
		if !flags["httponly"] {
			missing = append(missing, "HttpOnly")
		}
		if !flags["samesite"] {
			missing = append(missing, "SameSite")
		}
		if len(missing) == 0 {
			continue
		}

		if sensitiveCookieRe.MatchString(name) {
			if sensitiveEmitted {
				continue
			}
			sensitiveEmitted = true
			findings = append(findings, finding.Finding{
				Type:        finding.TypeSecurityCookie,
				Title:       "Sensitive cookie missing security flags",
				Description: "A session or auth cookie without Secure/HttpOnly/SameSite is exposed to interception and script access.",
				Severity:    finding.High,
				Location:    loc,
				Evidence:    fmt.Sprintf("cookie %q missing %s", name, strings.Join(missing, ", ")),
			})
		} else {
			if genericEmitted {
				continue
			}
			genericEmitted = true
			findings = append(findings, finding.Finding{
				Type:        finding.TypeSecurityCookie,
				Title:       "Cookie missing security flags",
				Description: "Cookies without Secure/HttpOnly/SameSite are easier to steal or forge.",
				Severity:    finding.Moderate,
				Location:    loc,
				Evidence:    fmt.Sprintf("cookie %q missing %s", name, strings.Join(missing, ", ")),
			})
		}
	}

	return findings
}

// parseCookie extracts the cookie name and the set of attribute flags
// (lower-cased) from a Set-Cookie value.
func parseCookie(raw string) (string, map[string]bool) {
	parts := strings.Split(raw, ";")
	if len(parts) == 0 {
		return "", nil
	}

	nameVal := strings.SplitN(strings.TrimSpace(parts[0]), "=", 2)
	name := strings.TrimSpace(nameVal[0])

	flags := make(map[string]bool, 4)
	for _, p := range parts[1:] {
		attr := strings.ToLower(strings.TrimSpace(p))
		if idx := strings.Index(attr, "="); idx != -1 {
			attr = attr[:idx]
		}
		flags[attr] = true
	}
	return name, flags
}
