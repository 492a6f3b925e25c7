// Package detect identifies client-side JavaScript libraries from script
// URLs, bodies and source maps. Each method contributes candidate
// detections; Consolidate merges them per library name, keeping the
// highest confidence and any non-empty version.
package detect

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// Detection is one candidate library identification.
type Detection struct {
	Name            string `json:"name"`
	Version         string `json:"version,omitempty"`
	Confidence      int    `json:"confidence"`
	DetectionMethod string `json:"detection_method"`
	Evidence        string `json:"evidence,omitempty"`
}

// Detector runs every applicable method over one script.
type Detector struct {
	maxSourceMapBytes int
}

// NewDetector creates a detector with the default source-map size bound.
func NewDetector() *Detector {
	return &Detector{maxSourceMapBytes: 10 << 20}
}

// Detect runs all methods. sourceURL and sourceMap may be empty; content
// may be empty for scripts whose fetch failed. Results are ordered by
// confidence descending, then name, for stable output.
func (d *Detector) Detect(sourceURL, content string, sourceMap []byte) []Detection {
	var out []Detection

	if sourceURL != "" {
		out = append(out, detectFromURL(sourceURL)...)
	}
	if content != "" {
		out = append(out, detectFromComments(content)...)
		out = append(out, detectFromSignatures(content)...)
		out = append(out, detectFromVersionStrings(content)...)
	}
	if len(sourceMap) > 0 && len(sourceMap) <= d.maxSourceMapBytes {
		out = append(out, detectFromSourceMap(sourceMap)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// --- URL patterns -----------------------------------------------------

// urlPatterns match CDN and npm-style script paths. Groups: name, then
// optionally version.
var urlPatterns = []*regexp.Regexp{
	// cdn.example.com/ajax/libs/jquery/3.6.0/jquery.min.js
	regexp.MustCompile(`/(?:ajax/)?libs/([a-z0-9._-]+)/(\d+\.\d+(?:\.\d+)?[\w.-]*)/`),
	// unpkg.com/react@18.2.0/umd/react.production.min.js
	regexp.MustCompile(`/((?:@[a-z0-9._-]+/)?[a-z0-9._-]+)@(\d+\.\d+(?:\.\d+)?[\w.-]*)/`),
	// cdn.example.com/jquery-3.6.0.min.js
	regexp.MustCompile(`/([a-z][a-z0-9._]*?)-(\d+\.\d+(?:\.\d+)?)(?:[.-]min)?\.js`),
	// cdn.example.com/npm/vue/dist/vue.js (no version)
	regexp.MustCompile(`/npm/((?:@[a-z0-9._-]+/)?[a-z0-9._-]+)/`),
}

func detectFromURL(sourceURL string) []Detection {
	lower := strings.ToLower(sourceURL)
	for _, re := range urlPatterns {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		det := Detection{
			Name:            m[1],
			DetectionMethod: "url-pattern",
			Evidence:        sourceURL,
			Confidence:      40,
		}
		if len(m) > 2 && m[2] != "" {
			det.Version = m[2]
			det.Confidence = 80
		}
		return []Detection{det}
	}
	return nil
}

// --- Comment banners --------------------------------------------------

const commentScanLines = 50

var commentBannerRes = []*regexp.Regexp{
	// jQuery v3.6.0 | Lodash v4.17.21
	regexp.MustCompile(`(?i)[/*!\s]*([A-Za-z][\w. -]{1,40}?)\s+v(\d+\.\d+(?:\.\d+)?[\w.-]*)`),
	// version: 1.2.3
	regexp.MustCompile(`(?i)([A-Za-z][\w.-]{1,40}?)[\s,-]+version[:\s]+['"]?(\d+\.\d+(?:\.\d+)?[\w.-]*)`),
	// @version 1.2.3 (name taken from an @name tag in the same header;
	// without one the match is skipped)
	regexp.MustCompile(`(?i)@version\s+(\d+\.\d+(?:\.\d+)?[\w.-]*)`),
}

var atNameRe = regexp.MustCompile(`(?i)@name\s+([\w. -]{1,40})`)

func detectFromComments(content string) []Detection {
	lines := strings.Split(content, "\n")
	if len(lines) > commentScanLines {
		lines = lines[:commentScanLines]
	}
	head := strings.Join(lines, "\n")

	var out []Detection
	for i, re := range commentBannerRes {
		m := re.FindStringSubmatch(head)
		if m == nil {
			continue
		}

		var name, version string
		if i == 2 {
			// bare @version: needs an @name companion
			nm := atNameRe.FindStringSubmatch(head)
			if nm == nil {
				continue
			}
			name, version = nm[1], m[1]
		} else {
			name, version = m[1], m[2]
		}

		name = normalizeName(name)
		if name == "" {
			continue
		}
		out = append(out, Detection{
			Name:            name,
			Version:         version,
			Confidence:      60,
			DetectionMethod: "comment-banner",
			Evidence:        trimTo(strings.TrimSpace(m[0]), 120),
		})
		break
	}
	return out
}

// --- Source maps ------------------------------------------------------

var nodeModulesRe = regexp.MustCompile(`node_modules/((?:@[\w.-]+/)?[\w.-]+?)(?:@(\d+\.\d+(?:\.\d+)?[\w.-]*))?/`)

// detectFromSourceMap parses a source map's "sources" array and mines
// node_modules paths for package names and pinned versions.
func detectFromSourceMap(raw []byte) []Detection {
	var sm struct {
		Sources []string `json:"sources"`
	}
	if err := json.Unmarshal(raw, &sm); err != nil {
		return nil
	}

	byName := make(map[string]Detection)
	var order []string
	for _, src := range sm.Sources {
		m := nodeModulesRe.FindStringSubmatch(src)
		if m == nil {
			continue
		}
		name := m[1]
		version := ""
		if len(m) > 2 {
			version = m[2]
		}

		prev, seen := byName[name]
		if !seen {
			byName[name] = Detection{
				Name:            name,
				Version:         version,
				Confidence:      85,
				DetectionMethod: "source-map",
				Evidence:        trimTo(src, 160),
			}
			order = append(order, name)
		} else if prev.Version == "" && version != "" {
			prev.Version = version
			prev.Evidence = trimTo(src, 160)
			byName[name] = prev
		}
	}

	out := make([]Detection, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

// --- Symbol signatures ------------------------------------------------

// signature matches a well-known global symbol shape against features
// extracted from the script body: call expressions, member accesses and
// string literals.
type signature struct {
	name string
	re   *regexp.Regexp
}

var signatures = []signature{
	{"react", regexp.MustCompile(`React\.createElement|react\.production\.min|__REACT_DEVTOOLS_GLOBAL_HOOK__`)},
	{"jquery", regexp.MustCompile(`jQuery\.fn\.jquery|jQuery\.extend|\$\.ajax\(`)},
	{"vue", regexp.MustCompile(`Vue\.component\(|Vue\.directive\(|__VUE_DEVTOOLS_GLOBAL_HOOK__`)},
	{"angular", regexp.MustCompile(`angular\.module\(|ng\.platformBrowser`)},
	{"lodash", regexp.MustCompile(`lodash_placeholder|_\.debounce\(|_\.throttle\(`)},
	{"moment", regexp.MustCompile(`moment\.duration\(|moment\.utc\(`)},
	{"d3", regexp.MustCompile(`d3\.select\(|d3\.scaleLinear\(`)},
	{"backbone", regexp.MustCompile(`Backbone\.Model\.extend|Backbone\.Collection`)},
	{"axios", regexp.MustCompile(`axios\.interceptors|axios\.create\(`)},
}

func detectFromSignatures(content string) []Detection {
	var out []Detection
	for _, sig := range signatures {
		loc := sig.re.FindStringIndex(content)
		if loc == nil {
			continue
		}
		out = append(out, Detection{
			Name:            sig.name,
			Confidence:      70,
			DetectionMethod: "symbol-signature",
			Evidence:        trimTo(content[loc[0]:loc[1]], 120),
		})
	}
	return out
}

// --- Version disclosures ----------------------------------------------

// e.g. jQuery.fn.jquery = "3.6.0", React.version = "18.2.0",
// Vue.version = '2.7.14'
var versionDisclosureRe = regexp.MustCompile(`([A-Za-z_$][\w$]{0,40})(?:\.fn)?\.(?:version|jquery)\s*=\s*['"](\d+\.\d+(?:\.\d+)?[\w.-]*)['"]`)

func detectFromVersionStrings(content string) []Detection {
	var out []Detection
	seen := make(map[string]bool)
	for _, m := range versionDisclosureRe.FindAllStringSubmatch(content, 10) {
		name := normalizeName(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, Detection{
			Name:            name,
			Version:         m[2],
			Confidence:      95,
			DetectionMethod: "version-string",
			Evidence:        trimTo(m[0], 120),
		})
	}
	return out
}

// --- Consolidation ----------------------------------------------------

// Consolidate merges detections by library name: highest confidence
// wins, any non-empty version is preferred, methods concatenate and
// evidence unions. Order follows first appearance for determinism.
func Consolidate(detections []Detection) []Detection {
	byName := make(map[string]*Detection)
	var order []string

	for _, det := range detections {
		key := strings.ToLower(det.Name)
		cur, ok := byName[key]
		if !ok {
			c := det
			byName[key] = &c
			order = append(order, key)
			continue
		}

		if det.Confidence > cur.Confidence {
			cur.Confidence = det.Confidence
		}
		if cur.Version == "" && det.Version != "" {
			cur.Version = det.Version
		}
		if det.DetectionMethod != "" && !strings.Contains(cur.DetectionMethod, det.DetectionMethod) {
			cur.DetectionMethod += "," + det.DetectionMethod
		}
		if det.Evidence != "" && !strings.Contains(cur.Evidence, det.Evidence) {
			if cur.Evidence != "" {
				cur.Evidence += " | "
			}
			cur.Evidence += det.Evidence
		}
	}

	out := make([]Detection, 0, len(order))
	for _, key := range order {
		out = append(out, *byName[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// --- helpers ----------------------------------------------------------

var nameCleanRe = regexp.MustCompile(`[^a-z0-9._ @/-]`)

// normalizeName lower-cases and strips noise from a candidate library
// name, rejecting generic words that regex banners match by accident.
func normalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	name = nameCleanRe.ReplaceAllString(name, "")
	name = strings.Trim(name, " .-")
	name = strings.ReplaceAll(name, " ", "-")

	switch name {
	case "", "var", "this", "window", "self", "the", "a", "license", "copyright", "function":
		return ""
	}
	if len(name) > 64 {
		return ""
	}
	return name
}

func trimTo(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
