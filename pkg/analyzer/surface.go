package analyzer

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/surfscan/surfscan/pkg/finding"
)

// Page carries everything the surface analyzer inspects for one
// rendered page: the final URL, the rendered DOM and the top-level
// response headers (keys lower-cased).
type Page struct {
	URL        *url.URL
	HTML       string
	Headers    map[string]string
	SetCookies []string
}

// IsHTTPS reports whether the page was served over TLS.
func (p *Page) IsHTTPS() bool {
	return p.URL != nil && p.URL.Scheme == "https"
}

// Analyze runs every surface check and returns the combined findings.
func Analyze(p Page) []finding.Finding {
	var findings []finding.Finding
	doc := parseHTML(p.HTML)

	findings = append(findings, analyzeForms(p, doc)...)
	findings = append(findings, analyzeInlineHandlers(p)...)
	findings = append(findings, analyzeIframes(p, doc)...)
	findings = append(findings, analyzeMixedContent(p, doc)...)
	findings = append(findings, analyzeScriptIntegrity(p, doc)...)
	findings = append(findings, AnalyzeHeaders(p.Headers, p.IsHTTPS(), location(p))...)
	findings = append(findings, AnalyzeCookies(p.SetCookies, location(p))...)

	return findings
}

func location(p Page) string {
	if p.URL == nil {
		return ""
	}
	return p.URL.String()
}

// parseHTML never fails: the html package recovers from malformed input
// the way browsers do. A nil return only happens for pathological input
// and is treated as an empty document.
func parseHTML(content string) *html.Node {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil
	}
	return doc
}

// walk visits every element node in document order.
func walk(n *html.Node, visit func(*html.Node)) {
	if n == nil {
		return
	}
	if n.Type == html.ElementNode {
		visit(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

var csrfIndicator = regexp.MustCompile(`(?i)csrf|xsrf|_token|authenticity_token`)

func analyzeForms(p Page, doc *html.Node) []finding.Finding {
	type formInfo struct {
		method      string
		hasPassword bool
	}
	var forms []formInfo

	walk(doc, func(n *html.Node) {
		if n.Data != "form" {
			return
		}
		info := formInfo{method: "get"}
		if m, ok := attr(n, "method"); ok && m != "" {
			info.method = strings.ToLower(m)
		}
		walk(n, func(inner *html.Node) {
			if inner.Data == "input" {
				if t, _ := attr(inner, "type"); strings.EqualFold(t, "password") {
					info.hasPassword = true
				}
			}
		})
		forms = append(forms, info)
	})

	if len(forms) == 0 {
		return nil
	}

	var findings []finding.Finding
	loc := location(p)

	getForms := 0
	passwordInsecure := false
	for _, f := range forms {
		if f.method == "get" {
			getForms++
		}
		if f.hasPassword && !p.IsHTTPS() {
			passwordInsecure = true
		}
	}

	if getForms > 0 {
		findings = append(findings, finding.Finding{
			Type:        finding.TypeFormSecurity,
			Title:       "Forms using GET method detected",
			Description: "GET form submissions place field values in the URL where they leak via logs, history and referrers.",
			Severity:    finding.Moderate,
			Location:    loc,
			Evidence:    fmt.Sprintf("%d of %d forms submit via GET", getForms, len(forms)),
		})
	}

	if passwordInsecure {
		findings = append(findings, finding.Finding{
			Type:        finding.TypeFormSecurity,
			Title:       "Password field on a non-HTTPS page",
			Description: "Credentials entered here transit the network in cleartext.",
			Severity:    finding.High,
			Location:    loc,
		})
	}

	// CSRF indicator lookup runs over the raw markup: tokens commonly
	// live in hidden inputs, meta tags or cookie names.
	if !csrfIndicator.MatchString(p.HTML) {
		findings = append(findings, finding.Finding{
			Type:        finding.TypeFormSecurity,
			Title:       "Forms without CSRF protection indicators",
			Description: "No CSRF token marker was found near any of the page's forms.",
			Severity:    finding.Moderate,
			Location:    loc,
			Evidence:    fmt.Sprintf("%d forms, no csrf/xsrf/_token indicator", len(forms)),
		})
	}

	return findings
}

var inlineHandlerRe = regexp.MustCompile(`(?i)\bon\w+\s*=\s*"([^"]*)"`)

func analyzeInlineHandlers(p Page) []finding.Finding {
	matches := inlineHandlerRe.FindAllStringSubmatch(p.HTML, -1)
	if len(matches) == 0 {
		return nil
	}

	severity := finding.Moderate
	examples := make([]string, 0, 5)
	for _, m := range matches {
		body := m[1]
		if strings.Contains(body, "eval(") || strings.Contains(body, "javascript:") {
			severity = finding.High
		}
		if len(examples) < 5 {
			examples = append(examples, trimEvidence(m[0]))
		}
	}

	return []finding.Finding{{
		Type:        finding.TypeInlineEventHandler,
		Title:       "Inline event handlers detected",
		Description: "Inline handlers defeat Content-Security-Policy and mix markup with executable code.",
		Severity:    severity,
		Location:    location(p),
		Evidence:    fmt.Sprintf("%d handlers, e.g. %s", len(matches), strings.Join(examples, "; ")),
	}}
}

func analyzeIframes(p Page, doc *html.Node) []finding.Finding {
	thirdParty := 0
	insecure := 0
	var firstThirdParty, firstInsecure string

	pageHost := ""
	if p.URL != nil {
		pageHost = p.URL.Hostname()
	}

	walk(doc, func(n *html.Node) {
		if n.Data != "iframe" {
			return
		}
		src, ok := attr(n, "src")
		if !ok || src == "" {
			return
		}
		u, err := url.Parse(src)
		if err != nil {
			return
		}
		if p.URL != nil {
			u = p.URL.ResolveReference(u)
		}
		if u.Scheme == "http" {
			insecure++
			if firstInsecure == "" {
				firstInsecure = u.String()
			}
		}
		if u.Hostname() != "" && u.Hostname() != pageHost {
			thirdParty++
			if firstThirdParty == "" {
				firstThirdParty = u.String()
			}
		}
	})

	var findings []finding.Finding
	if thirdParty > 0 {
		findings = append(findings, finding.Finding{
			Type:        finding.TypeIframeSecurity,
			Title:       "Third-party iframes embedded",
			Description: "Embedded third-party frames run foreign content inside the page's window.",
			Severity:    finding.Moderate,
			Location:    location(p),
			Evidence:    fmt.Sprintf("%d third-party iframes, e.g. %s", thirdParty, firstThirdParty),
		})
	}
	if insecure > 0 {
		findings = append(findings, finding.Finding{
			Type:        finding.TypeIframeSecurity,
			Title:       "Iframe loaded over insecure HTTP",
			Description: "HTTP-sourced frames can be intercepted and rewritten in transit.",
			Severity:    finding.High,
			Location:    location(p),
			Evidence:    fmt.Sprintf("%d insecure iframes, e.g. %s", insecure, firstInsecure),
		})
	}
	return findings
}

func analyzeMixedContent(p Page, doc *html.Node) []finding.Finding {
	if !p.IsHTTPS() {
		return nil
	}

	var httpScripts, httpLinks, httpImages, insecureIframes int

	walk(doc, func(n *html.Node) {
		switch n.Data {
		case "script":
			if src, ok := attr(n, "src"); ok && strings.HasPrefix(src, "http://") {
				httpScripts++
			}
		case "link":
			if href, ok := attr(n, "href"); ok && strings.HasPrefix(href, "http://") {
				httpLinks++
			}
		case "img":
			if src, ok := attr(n, "src"); ok && strings.HasPrefix(src, "http://") {
				httpImages++
			}
		case "iframe":
			if src, ok := attr(n, "src"); ok && strings.HasPrefix(src, "http://") {
				insecureIframes++
			}
		}
	})

	total := httpScripts + httpLinks + httpImages + insecureIframes
	if total == 0 {
		return nil
	}

	severity := finding.Moderate
	if httpScripts > 0 || insecureIframes > 0 {
		severity = finding.High
	}

	return []finding.Finding{{
		Type:        finding.TypeSecurityHeader,
		Title:       "Mixed content detected on HTTPS page",
		Description: "HTTP subresources on an HTTPS page break transport security guarantees.",
		Severity:    severity,
		Location:    location(p),
		Evidence: fmt.Sprintf("scripts=%d links=%d images=%d iframes=%d",
			httpScripts, httpLinks, httpImages, insecureIframes),
	}}
}

func analyzeScriptIntegrity(p Page, doc *html.Node) []finding.Finding {
	var missing []string

	pageHost := ""
	if p.URL != nil {
		pageHost = p.URL.Hostname()
	}

	walk(doc, func(n *html.Node) {
		if n.Data != "script" {
			return
		}
		src, ok := attr(n, "src")
		if !ok || !strings.HasPrefix(src, "https://") {
			return
		}
		u, err := url.Parse(src)
		if err != nil || u.Hostname() == pageHost {
			return
		}
		if _, ok := attr(n, "integrity"); !ok {
			missing = append(missing, src)
		}
	})

	if len(missing) == 0 {
		return nil
	}

	example := missing[0]
	return []finding.Finding{{
		Type:        finding.TypeScriptIntegrity,
		Title:       "External script without Subresource Integrity",
		Description: "Third-party scripts without an integrity attribute execute whatever the CDN serves.",
		Severity:    finding.Moderate,
		Location:    location(p),
		Evidence:    fmt.Sprintf("%d scripts without integrity, e.g. %s", len(missing), example),
	}}
}
