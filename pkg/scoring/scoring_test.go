package scoring

import (
	"testing"
	"time"

	"github.com/surfscan/surfscan/pkg/finding"
	"github.com/surfscan/surfscan/pkg/models"
)

func critical(cvss float64) models.Vulnerability {
	return models.Vulnerability{ID: "V", Severity: finding.Critical, CVSSScore: cvss}
}

// Known scenario: jquery@1.12.4 with one critical 9.8 advisory at
// confidence 80 scores 9.8*10*0.8 + 15 = 93.4 -> 93.
func TestLibraryRiskKnownScenario(t *testing.T) {
	got := CalculateLibraryRisk([]models.Vulnerability{critical(9.8)}, 80, false)
	if got < 92 || got > 94 {
		t.Errorf("risk = %d, want 93 +/-1", got)
	}
}

func TestLibraryRiskNoVulns(t *testing.T) {
	if got := CalculateLibraryRisk(nil, 90, false); got != 0 {
		t.Errorf("risk without vulns = %d, want 0", got)
	}
}

func TestLibraryRiskExploitMultiplier(t *testing.T) {
	base := CalculateLibraryRisk([]models.Vulnerability{critical(5.0)}, 100, false)
	boosted := CalculateLibraryRisk([]models.Vulnerability{critical(5.0)}, 100, true)
	if boosted <= base {
		t.Errorf("public exploit should raise score: %d <= %d", boosted, base)
	}
}

func TestLibraryRiskClamped(t *testing.T) {
	vulns := []models.Vulnerability{critical(10), critical(10), critical(10)}
	if got := CalculateLibraryRisk(vulns, 100, true); got != 100 {
		t.Errorf("risk = %d, want clamp at 100", got)
	}
}

// Adding a vulnerability of any severity never decreases the score.
func TestLibraryRiskMonotonic(t *testing.T) {
	vulns := []models.Vulnerability{{Severity: finding.Moderate, CVSSScore: 5.0}}
	base := CalculateLibraryRisk(vulns, 80, false)

	for _, extra := range []models.Vulnerability{
		{Severity: finding.Low, CVSSScore: 2.0},
		{Severity: finding.Moderate, CVSSScore: 5.5},
		{Severity: finding.High, CVSSScore: 7.5},
		{Severity: finding.Critical, CVSSScore: 9.1},
	} {
		grown := CalculateLibraryRisk(append(vulns, extra), 80, false)
		if grown < base {
			t.Errorf("adding %s vuln decreased score: %d -> %d", extra.Severity, base, grown)
		}
	}
}

func TestGlobalRisk(t *testing.T) {
	if got := CalculateGlobalRisk(nil, 0); got != 0 {
		t.Errorf("empty global risk = %d, want 0", got)
	}

	// 0.4*80 + 0.3*50 + 5*1 + 10*0 = 32 + 15 + 5 = 52
	got := CalculateGlobalRisk([]int{80, 20}, 0)
	if got != 52 {
		t.Errorf("global risk = %d, want 52", got)
	}
}

func TestGlobalRiskCriticalFindingMonotonic(t *testing.T) {
	libRisks := []int{40, 55}
	for criticals := 0; criticals < 5; criticals++ {
		a := CalculateGlobalRisk(libRisks, criticals)
		b := CalculateGlobalRisk(libRisks, criticals+1)
		if b < a {
			t.Errorf("critical finding decreased global risk: %d -> %d", a, b)
		}
	}
}

func TestGetRiskLevel(t *testing.T) {
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{100, LevelCritical},
		{80, LevelCritical},
		{79, LevelHigh},
		{60, LevelHigh},
		{59, LevelModerate},
		{30, LevelModerate},
		{29, LevelLow},
		{0, LevelLow},
	}
	for _, tt := range tests {
		if got := GetRiskLevel(tt.score); got != tt.want {
			t.Errorf("GetRiskLevel(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestAdvancedRiskFindingPenalties(t *testing.T) {
	base := AdvancedLibraryRisk(AdvancedInput{
		Name:       "leftpad",
		Vulns:      []models.Vulnerability{{Severity: finding.High, CVSSScore: 7.0}},
		Confidence: 100,
	})

	withEval := AdvancedLibraryRisk(AdvancedInput{
		Name:       "leftpad",
		Vulns:      []models.Vulnerability{{Severity: finding.High, CVSSScore: 7.0}},
		Confidence: 100,
		Findings:   []finding.Finding{{Type: finding.TypeEvalUsage}},
	})

	if withEval != base+25 {
		t.Errorf("eval penalty: got %d, want %d", withEval, base+25)
	}
}

func TestAdvancedRiskPopularityDiscount(t *testing.T) {
	in := AdvancedInput{
		Vulns:      []models.Vulnerability{{Severity: finding.High, CVSSScore: 8.0}},
		Confidence: 100,
	}

	in.Name = "react"
	popular := AdvancedLibraryRisk(in)
	in.Name = "some-obscure-lib"
	obscure := AdvancedLibraryRisk(in)

	if popular >= obscure {
		t.Errorf("popular library should score lower: %d >= %d", popular, obscure)
	}
}

func TestAdvancedRiskVersionAge(t *testing.T) {
	in := AdvancedInput{
		Name:       "thing",
		Vulns:      []models.Vulnerability{{Severity: finding.Moderate, CVSSScore: 5.0}},
		Confidence: 100,
	}

	fresh := AdvancedLibraryRisk(in)
	in.ReleaseAge = 200 * 24 * time.Hour
	aging := AdvancedLibraryRisk(in)
	in.ReleaseAge = 400 * 24 * time.Hour
	old := AdvancedLibraryRisk(in)

	if !(fresh < aging && aging < old) {
		t.Errorf("age multipliers should be ordered: %d, %d, %d", fresh, aging, old)
	}
}

func TestAdvancedRiskConfidenceDiscount(t *testing.T) {
	in := AdvancedInput{
		Name:  "thing",
		Vulns: []models.Vulnerability{{Severity: finding.High, CVSSScore: 7.0}},
	}

	in.Confidence = 100
	confident := AdvancedLibraryRisk(in)
	in.Confidence = 40
	unsure := AdvancedLibraryRisk(in)

	if unsure >= confident {
		t.Errorf("low confidence should lower score: %d >= %d", unsure, confident)
	}
}
