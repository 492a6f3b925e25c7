package analyzer

import (
	"strings"
	"testing"

	"github.com/surfscan/surfscan/pkg/finding"
)

func findByType(findings []finding.Finding, t finding.Type) []finding.Finding {
	var out []finding.Finding
	for _, f := range findings {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func TestDetectEvalUsage(t *testing.T) {
	content := "var x = 1;\nvar y = eval(userInput);\n"
	findings, labels := DetectRiskyPatterns(content, "inline-0")

	evals := findByType(findings, finding.TypeEvalUsage)
	if len(evals) != 1 {
		t.Fatalf("eval findings = %d, want 1", len(evals))
	}
	if evals[0].Severity != finding.High {
		t.Errorf("severity = %s, want high", evals[0].Severity)
	}
	if evals[0].Location != "inline-0:2" {
		t.Errorf("location = %q, want inline-0:2", evals[0].Location)
	}
	if !strings.Contains(evals[0].Evidence, "eval(userInput)") {
		t.Errorf("evidence = %q", evals[0].Evidence)
	}
	if len(labels) != 1 || labels[0] != "eval" {
		t.Errorf("labels = %v", labels)
	}
}

func TestDetectHardcodedToken(t *testing.T) {
	content := `const apiKey = "QWxhZGRpbjpvcGVuIHNlc2FtZQtoken";` + "\n" +
		`var secret = "abcdefghij1234567890ABCDEF";`
	findings, _ := DetectRiskyPatterns(content, "app.js")

	tokens := findByType(findings, finding.TypeHardcodedToken)
	if len(tokens) == 0 {
		t.Fatal("expected hardcoded token finding")
	}
	if tokens[0].Severity != finding.Critical {
		t.Errorf("severity = %s, want critical", tokens[0].Severity)
	}
}

func TestDetectDynamicImportAndWasm(t *testing.T) {
	content := "import('./mod.js');\nWebAssembly.instantiate(bytes);"
	findings, labels := DetectRiskyPatterns(content, "x")

	if len(findByType(findings, finding.TypeDynamicImport)) != 1 {
		t.Error("expected dynamic import finding")
	}
	if len(findByType(findings, finding.TypeWebAssembly)) != 1 {
		t.Error("expected webassembly finding")
	}
	if len(labels) != 2 {
		t.Errorf("labels = %v, want 2", labels)
	}
}

func TestDetectDOMXSSSinks(t *testing.T) {
	content := strings.Join([]string{
		`el.innerHTML = payload;`,
		`el.outerHTML = payload;`,
		`el.insertAdjacentHTML("beforeend", payload);`,
		`document.write(payload);`,
		`document.writeln(payload);`,
	}, "\n")

	findings, _ := DetectRiskyPatterns(content, "x")
	sinks := findByType(findings, finding.TypeDOMXSSSink)
	if len(sinks) != 5 {
		t.Errorf("sink findings = %d, want 5", len(sinks))
	}
	for _, f := range sinks {
		if f.Severity != finding.High {
			t.Errorf("sink severity = %s, want high", f.Severity)
		}
	}
}

func TestNoFalsePositives(t *testing.T) {
	content := strings.Join([]string{
		"var evaluation = compute();",      // eval must be word-bounded
		"var medieval = true;",             //
		"var important = 'import table';",  // not import(
		"console.log('innerHTML value');",  // not an assignment
	}, "\n")

	findings, labels := DetectRiskyPatterns(content, "x")
	if len(findings) != 0 {
		t.Errorf("unexpected findings: %+v", findings)
	}
	if len(labels) != 0 {
		t.Errorf("unexpected labels: %v", labels)
	}
}

func TestDeterminism(t *testing.T) {
	content := "eval(a);\nel.innerHTML = b;\nimport('x');"

	first, _ := DetectRiskyPatterns(content, "s")
	for i := 0; i < 10; i++ {
		again, _ := DetectRiskyPatterns(content, "s")
		if len(again) != len(first) {
			t.Fatalf("run %d produced %d findings, want %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j] != first[j] {
				t.Fatalf("run %d finding %d differs", i, j)
			}
		}
	}
}
