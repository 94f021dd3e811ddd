package tf

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func parseTF(t *testing.T, doc string) *TF {
	t.Helper()
	var out TF
	if err := yaml.Unmarshal([]byte(doc), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &out
}

const validDoc = `
id: ABC-001
name: test rule
status: active
tier: 1
detect:
  kind: pattern
  signal: 'except\s*:'
  confidence: 0.9
  message: bare except
footprint:
  - "**/*.py"
transforms:
  - kind: replace-match
    pattern: 'except\s*:'
    replacement: 'except ValueError:'
decision:
  rule: auto
`

func TestValidateAccepts(t *testing.T) {
	tf := parseTF(t, validDoc)
	if errs := tf.validate(); len(errs) != 0 {
		t.Fatalf("unexpected violations: %v", errs)
	}
	if !tf.InFootprint("pkg/a.py") {
		t.Errorf("pkg/a.py should be in footprint")
	}
	if tf.InFootprint("pkg/a.go") {
		t.Errorf("pkg/a.go should not be in footprint")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name  string
		mutate func(*TF)
		field string
	}{
		{"bad id", func(tf *TF) { tf.ID = "abc-1" }, "id"},
		{"bad status", func(tf *TF) { tf.Status = "paused" }, "status"},
		{"tier low", func(tf *TF) { tf.Tier = 0 }, "tier"},
		{"tier high", func(tf *TF) { tf.Tier = 5 }, "tier"},
		{"no signal", func(tf *TF) { tf.Detect.Signal = "" }, "detect.signal"},
		{"bad signal regexp", func(tf *TF) { tf.Detect.Signal = "(" }, "detect.signal"},
		{"unknown detect kind", func(tf *TF) { tf.Detect.Kind = "ast" }, "detect.kind"},
		{"unknown transform", func(tf *TF) { tf.Transforms[0].Kind = "rewrite-all" }, "transforms.kind"},
		{"no transforms for auto", func(tf *TF) { tf.Transforms = nil }, "transforms"},
		{"bad footprint glob", func(tf *TF) { tf.Footprint = []string{""} }, "footprint"},
		{"ask_when missing", func(tf *TF) { tf.Decision = DecisionSpec{Rule: "auto-unless"} }, "decision.ask_when"},
		{"bad decision rule", func(tf *TF) { tf.Decision.Rule = "maybe" }, "decision.rule"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tf := parseTF(t, validDoc)
			tc.mutate(tf)
			errs := tf.validate()
			if len(errs) == 0 {
				t.Fatalf("expected a violation on %s", tc.field)
			}
			found := false
			for _, e := range errs {
				if e.Field == tc.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected violation on %s, got %v", tc.field, errs)
			}
		})
	}
}

func TestValidateCollectsAll(t *testing.T) {
	tf := parseTF(t, validDoc)
	tf.ID = "nope"
	tf.Tier = 9
	errs := tf.validate()
	if len(errs) < 2 {
		t.Fatalf("expected both violations reported, got %v", errs)
	}
}

func TestAskDecision(t *testing.T) {
	cases := []struct {
		name   string
		rule   string
		when   string
		masked string
		col    int
		want   bool
	}{
		{"auto never asks", "auto", "", "except:", 0, false},
		{"ask always asks", "ask", "", "except:", 0, true},
		{"multiline closed on line", "auto-unless", "multiline", "subprocess.run(cmd)", 0, false},
		{"multiline spills over", "auto-unless", "multiline", "subprocess.run(cmd,", 0, true},
		{"no-transform with transforms", "auto-unless", "no-transform", "x", 0, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tf := parseTF(t, validDoc)
			tf.Decision = DecisionSpec{Rule: tc.rule, AskWhen: tc.when}
			if got := tf.Ask(tc.masked, tc.col); got != tc.want {
				t.Errorf("Ask(%q) = %v, want %v", tc.masked, got, tc.want)
			}
		})
	}
}

func TestAskNoTransform(t *testing.T) {
	tf := parseTF(t, validDoc)
	tf.Decision = DecisionSpec{Rule: "auto-unless", AskWhen: "no-transform"}
	tf.Transforms = nil
	if !tf.Ask("x", 0) {
		t.Error("auto-unless no-transform should ask when no transforms exist")
	}
}

func TestCompileGlob(t *testing.T) {
	cases := []struct {
		glob, path string
		want       bool
	}{
		{"**/*.py", "a.py", true},
		{"**/*.py", "x/y/a.py", true},
		{"**/*.py", "a.pyc", false},
		{"src/*.py", "src/a.py", true},
		{"src/*.py", "src/sub/a.py", false},
		{"docs/**", "docs/a/b.md", true},
		{"?.py", "a.py", true},
		{"?.py", "ab.py", false},
	}
	for _, tc := range cases {
		re, err := CompileGlob(tc.glob)
		if err != nil {
			t.Fatalf("CompileGlob(%q): %v", tc.glob, err)
		}
		if got := re.MatchString(tc.path); got != tc.want {
			t.Errorf("glob %q vs %q = %v, want %v", tc.glob, tc.path, got, tc.want)
		}
	}
}

func TestValidID(t *testing.T) {
	for id, want := range map[string]bool{
		"BEX-001":   true,
		"YAML-015":  true,
		"bex-001":   false,
		"B-001":     false,
		"ABCDEF-01": false,
		"BEX-1":     false,
	} {
		if got := ValidID(id); got != want {
			t.Errorf("ValidID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestUnknownFieldsTolerated(t *testing.T) {
	doc := strings.Replace(validDoc, "name: test rule", "name: test rule\nowner: platform-team", 1)
	tf := parseTF(t, doc)
	if errs := tf.validate(); len(errs) != 0 {
		t.Fatalf("extra fields must be tolerated, got %v", errs)
	}
}
