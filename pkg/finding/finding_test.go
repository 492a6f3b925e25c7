package finding

import "testing"

func TestTypeIsValid(t *testing.T) {
	for _, typ := range AllTypes() {
		if !typ.IsValid() {
			t.Errorf("type %q should be valid", typ)
		}
	}

	if Type("XSS").IsValid() {
		t.Error("unknown type should be invalid")
	}
	if Type("").IsValid() {
		t.Error("empty type should be invalid")
	}
}

func TestAllTypesCovered(t *testing.T) {
	if len(AllTypes()) != 15 {
		t.Errorf("expected 15 finding types, got %d", len(AllTypes()))
	}
}

func TestCountBySeverity(t *testing.T) {
	findings := []Finding{
		{Type: TypeEvalUsage, Severity: High},
		{Type: TypeHardcodedToken, Severity: Critical},
		{Type: TypeSecurityHeader, Severity: Moderate},
		{Type: TypeSecurityHeader, Severity: Moderate},
		{Type: TypeDOMXSSSink, Severity: High},
	}

	counts := CountBySeverity(findings)
	if counts[High] != 2 {
		t.Errorf("high count = %d, want 2", counts[High])
	}
	if counts[Critical] != 1 {
		t.Errorf("critical count = %d, want 1", counts[Critical])
	}
	if counts[Moderate] != 2 {
		t.Errorf("moderate count = %d, want 2", counts[Moderate])
	}

	if CriticalCount(findings) != 1 {
		t.Errorf("CriticalCount = %d, want 1", CriticalCount(findings))
	}
}
