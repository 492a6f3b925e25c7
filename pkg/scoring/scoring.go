// Package scoring maps vulnerabilities, findings and detection
// confidence to per-library and global risk scores on a 0-100 scale.
// All functions are pure; callers feed them consolidated data.
package scoring

import (
	"math"
	"strings"
	"time"

	"github.com/surfscan/surfscan/pkg/finding"
	"github.com/surfscan/surfscan/pkg/models"
)

// RiskLevel labels a 0-100 score.
type RiskLevel string

const (
	LevelCritical RiskLevel = "critical"
	LevelHigh     RiskLevel = "high"
	LevelModerate RiskLevel = "moderate"
	LevelLow      RiskLevel = "low"
)

// GetRiskLevel buckets a score: >=80 critical, >=60 high, >=30 moderate,
// else low.
func GetRiskLevel(score int) RiskLevel {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 30:
		return LevelModerate
	default:
		return LevelLow
	}
}

// popularLibraries get a 0.8 discount in advanced scoring: a widely
// deployed library with a known issue is usually patched fast and well
// understood, unlike an abandoned niche dependency.
var popularLibraries = map[string]bool{
	"react":      true,
	"react-dom":  true,
	"vue":        true,
	"angular":    true,
	"jquery":     true,
	"lodash":     true,
	"moment":     true,
	"axios":      true,
	"bootstrap":  true,
	"d3":         true,
	"underscore": true,
	"backbone":   true,
	"ember":      true,
	"svelte":     true,
}

// maxCVSS returns the highest CVSS score among vulns; advisories without
// a numeric score contribute via their severity's midpoint.
func maxCVSS(vulns []models.Vulnerability) float64 {
	var top float64
	for _, v := range vulns {
		score := v.CVSSScore
		if score == 0 {
			score = severityMidpoint(v.Severity)
		}
		if score > top {
			top = score
		}
	}
	return top
}

func severityMidpoint(s finding.Severity) float64 {
	switch s {
	case finding.Critical:
		return 9.5
	case finding.High:
		return 8.0
	case finding.Moderate:
		return 5.5
	case finding.Low:
		return 2.0
	}
	return 0
}

func countSeverity(vulns []models.Vulnerability, s finding.Severity) int {
	n := 0
	for _, v := range vulns {
		if v.Severity == s {
			n++
		}
	}
	return n
}

// CalculateLibraryRisk computes the base library score:
// max(cvss)*10 scaled by confidence/100, +15 per critical advisory,
// *1.5 with a known public exploit, clamped to [0,100].
func CalculateLibraryRisk(vulns []models.Vulnerability, confidence int, hasPublicExploit bool) int {
	if len(vulns) == 0 {
		return 0
	}

	score := maxCVSS(vulns) * 10
	score *= clampFloat(float64(confidence), 0, 100) / 100
	score += 15 * float64(countSeverity(vulns, finding.Critical))
	if hasPublicExploit {
		score *= 1.5
	}
	return roundClamp(score)
}

// CalculateGlobalRisk combines library scores and critical finding count:
// 0.4*max + 0.3*avg + 5*count(score>=70) + 10*criticalFindings,
// clamped to [0,100].
func CalculateGlobalRisk(libRisks []int, criticalFindings int) int {
	var max, sum float64
	highRisk := 0
	for _, r := range libRisks {
		f := float64(r)
		if f > max {
			max = f
		}
		sum += f
		if r >= 70 {
			highRisk++
		}
	}

	var avg float64
	if len(libRisks) > 0 {
		avg = sum / float64(len(libRisks))
	}

	score := 0.4*max + 0.3*avg + 5*float64(highRisk) + 10*float64(criticalFindings)
	return roundClamp(score)
}

// AdvancedInput feeds AdvancedLibraryRisk with the analyzer's wider
// context about a library.
type AdvancedInput struct {
	Name          string
	Vulns         []models.Vulnerability
	Confidence    int
	Findings      []finding.Finding // findings co-located with this library's scripts
	ReleaseAge    time.Duration     // age of the detected version, 0 when unknown
}

// findingPenalties are added once per co-located finding, by its type.
var findingPenalties = map[finding.Type]float64{
	finding.TypeEvalUsage:      25,
	finding.TypeHardcodedToken: 30,
	finding.TypeDynamicImport:  15,
	finding.TypeRemoteCode:     35,
	finding.TypeWebAssembly:    20,
}

// AdvancedLibraryRisk is the analyzer's scoring path: vulnerability
// weight, confidence discount, co-located finding penalties, popularity
// discount and version-age multipliers, clamped to [0,100].
func AdvancedLibraryRisk(in AdvancedInput) int {
	score := maxCVSS(in.Vulns) * 10
	score += 20 * float64(countSeverity(in.Vulns, finding.Critical))
	score += 10 * float64(countSeverity(in.Vulns, finding.High))

	score -= 0.3 * (100 - clampFloat(float64(in.Confidence), 0, 100))
	if score < 0 {
		score = 0
	}

	for _, f := range in.Findings {
		score += findingPenalties[f.Type]
	}

	if popularLibraries[strings.ToLower(in.Name)] {
		score *= 0.8
	}

	switch {
	case in.ReleaseAge > 365*24*time.Hour:
		score *= 1.3
	case in.ReleaseAge > 180*24*time.Hour:
		score *= 1.1
	}

	return roundClamp(score)
}

// roundClamp rounds half-up and clamps to [0,100].
func roundClamp(score float64) int {
	score = clampFloat(score, 0, 100)
	return int(math.Floor(score + 0.5))
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
