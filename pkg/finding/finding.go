// Package finding defines the security finding entity and its closed
// type and severity sets. Every analyzer in the codebase emits findings
// of these types; consumers can match exhaustively on Type.
package finding

import "time"

// Type identifies the kind of security observation a finding records.
type Type string

const (
	TypeEvalUsage          Type = "EVAL_USAGE"
	TypeHardcodedToken     Type = "HARDCODED_TOKEN"
	TypeDynamicImport      Type = "DYNAMIC_IMPORT"
	TypeWebAssembly        Type = "WEBASSEMBLY"
	TypeDOMXSSSink         Type = "DOM_XSS_SINK"
	TypeFormSecurity       Type = "FORM_SECURITY"
	TypeInlineEventHandler Type = "INLINE_EVENT_HANDLER"
	TypeIframeSecurity     Type = "IFRAME_SECURITY"
	TypeSecurityHeader     Type = "SECURITY_HEADER"
	TypeSecurityCookie     Type = "SECURITY_COOKIE"
	TypeScriptIntegrity    Type = "SCRIPT_INTEGRITY"
	TypeInfo               Type = "INFO"
	TypeError              Type = "ERROR"
	TypeCVE                Type = "CVE"
	TypeRemoteCode         Type = "REMOTE_CODE"
)

// AllTypes returns every recognized finding type.
func AllTypes() []Type {
	return []Type{
		TypeEvalUsage,
		TypeHardcodedToken,
		TypeDynamicImport,
		TypeWebAssembly,
		TypeDOMXSSSink,
		TypeFormSecurity,
		TypeInlineEventHandler,
		TypeIframeSecurity,
		TypeSecurityHeader,
		TypeSecurityCookie,
		TypeScriptIntegrity,
		TypeInfo,
		TypeError,
		TypeCVE,
		TypeRemoteCode,
	}
}

// IsValid reports whether t is a recognized finding type.
func (t Type) IsValid() bool {
	switch t {
	case TypeEvalUsage, TypeHardcodedToken, TypeDynamicImport,
		TypeWebAssembly, TypeDOMXSSSink, TypeFormSecurity,
		TypeInlineEventHandler, TypeIframeSecurity, TypeSecurityHeader,
		TypeSecurityCookie, TypeScriptIntegrity, TypeInfo, TypeError,
		TypeCVE, TypeRemoteCode:
		return true
	}
	return false
}

// String returns the type as a string.
func (t Type) String() string {
	return string(t)
}

// Finding is a discrete security observation attached to a scan.
// Findings are immutable once committed.
type Finding struct {
	ID          string    `json:"id"`
	ScanID      string    `json:"scan_id"`
	Type        Type      `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	Location    string    `json:"location"`
	Evidence    string    `json:"evidence,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// CountBySeverity tallies findings per severity level.
func CountBySeverity(findings []Finding) map[Severity]int {
	counts := make(map[Severity]int, 4)
	for _, f := range findings {
		counts[f.Severity]++
	}
	return counts
}

// CriticalCount returns the number of critical findings.
func CriticalCount(findings []Finding) int {
	n := 0
	for _, f := range findings {
		if f.Severity == Critical {
			n++
		}
	}
	return n
}
