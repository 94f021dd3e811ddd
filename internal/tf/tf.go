// Package tf defines Task Functions: named detection+transform+verification
// rules loaded from YAML documents. A registry is loaded once per run and is
// immutable afterwards.
package tf

import (
	"fmt"
	"regexp"
)

// Status is the lifecycle state of a TF.
type Status string

const (
	StatusActive   Status = "active"   // executed by scan/propose/apply
	StatusStub     Status = "stub"     // metadata only, reported but never run
	StatusDisabled Status = "disabled" // excluded entirely
)

// DetectKind selects one of the closed set of detector strategies.
type DetectKind string

const (
	DetectPattern   DetectKind = "pattern"   // regex over masked lines
	DetectHandler   DetectKind = "handler"   // header regex + indented block inspection
	DetectLength    DetectKind = "length"    // block starting at signal spans >= MinLines
	DetectMalformed DetectKind = "malformed" // load failure itself is the finding
)

// TransformKind selects one of the closed set of deterministic edits.
type TransformKind string

const (
	TransformReplaceMatch TransformKind = "replace-match" // regex -> template on the matched line
	TransformReplaceLine  TransformKind = "replace-line"  // whole line -> fixed text, indent kept
	TransformInsertAfter  TransformKind = "insert-after"  // new line after the matched one
	TransformAddKeywords  TransformKind = "add-keywords"  // args before closing paren of a one-line call
)

// DetectSpec parameterizes the detector strategy.
type DetectSpec struct {
	Kind       DetectKind `yaml:"kind"`
	Signal     string     `yaml:"signal"`
	Unless     string     `yaml:"unless,omitempty"`
	Body       string     `yaml:"body,omitempty"`
	Mode       string     `yaml:"mode,omitempty"` // handler: "only" | "missing" | "contains"
	MinLines   int        `yaml:"min_lines,omitempty"`
	Confidence float64    `yaml:"confidence"`
	Message    string     `yaml:"message,omitempty"`

	signalRE *regexp.Regexp
	unlessRE *regexp.Regexp
	bodyRE   *regexp.Regexp
}

// SignalRE returns the compiled signal regex. Valid only after the owning
// registry has been built.
func (d *DetectSpec) SignalRE() *regexp.Regexp { return d.signalRE }
func (d *DetectSpec) UnlessRE() *regexp.Regexp { return d.unlessRE }
func (d *DetectSpec) BodyRE() *regexp.Regexp   { return d.bodyRE }

// TransformSpec is one member of a TF's allowed-transform set.
type TransformSpec struct {
	Kind        TransformKind `yaml:"kind"`
	Pattern     string        `yaml:"pattern,omitempty"` // replace-match only; defaults to detect.signal
	Replacement string        `yaml:"replacement,omitempty"`
	Arguments   string        `yaml:"arguments,omitempty"` // add-keywords only

	patternRE *regexp.Regexp
}

func (t *TransformSpec) PatternRE() *regexp.Regexp { return t.patternRE }

// DecisionSpec is the TF's decision rule: whether a detected instance is
// auto-fixed or routed to the agent bridge.
type DecisionSpec struct {
	Rule    string `yaml:"rule"`               // "auto" | "ask" | "auto-unless"
	AskWhen string `yaml:"ask_when,omitempty"` // "multiline" | "no-transform"
}

// VerifySpec lists the TF's acceptance predicates by name.
type VerifySpec struct {
	Checks []string `yaml:"checks"`
}

// TF is one Task Function definition. Immutable after registry build.
type TF struct {
	ID         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	Status     Status          `yaml:"status"`
	Tier       int             `yaml:"tier"`
	Detect     DetectSpec      `yaml:"detect"`
	Footprint  []string        `yaml:"footprint"`
	Transforms []TransformSpec `yaml:"transforms"`
	Decision   DecisionSpec    `yaml:"decision"`
	Verify     VerifySpec      `yaml:"verify"`

	footprintREs []*regexp.Regexp
}

// InFootprint reports whether the TF may examine or touch the given
// slash-separated relative path.
func (t *TF) InFootprint(path string) bool {
	if len(t.Footprint) == 0 {
		return true
	}
	for _, re := range t.footprintREs {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// AllowedTransform returns the transform spec of the given kind, or nil if
// the kind is not in the TF's allowed set.
func (t *TF) AllowedTransform(kind TransformKind) *TransformSpec {
	for i := range t.Transforms {
		if t.Transforms[i].Kind == kind {
			return &t.Transforms[i]
		}
	}
	return nil
}

// SchemaViolation describes one structural error in a TF document. It is
// fatal to that TF but not to registry loading as a whole.
type SchemaViolation struct {
	TFID   string
	Field  string
	Reason string
}

func (e *SchemaViolation) Error() string {
	id := e.TFID
	if id == "" {
		id = "<unknown>"
	}
	return fmt.Sprintf("schema violation in %s: field %q: %s", id, e.Field, e.Reason)
}

var idRE = regexp.MustCompile(`^[A-Z]{2,5}-\d{3}$`)

// ValidID reports whether s is a well-formed TF id.
func ValidID(s string) bool { return idRE.MatchString(s) }

// validate checks structural conformance and compiles the regexes. All
// problems are collected; a TF with any violation is excluded from execution.
func (t *TF) validate() []*SchemaViolation {
	var errs []*SchemaViolation
	add := func(field, reason string) {
		errs = append(errs, &SchemaViolation{TFID: t.ID, Field: field, Reason: reason})
	}

	if t.ID == "" {
		add("id", "required")
	} else if !idRE.MatchString(t.ID) {
		add("id", fmt.Sprintf("%q does not match ^[A-Z]{2,5}-[0-9]{3}$", t.ID))
	}
	if t.Name == "" {
		add("name", "required")
	}
	switch t.Status {
	case StatusActive, StatusStub, StatusDisabled:
	case "":
		add("status", "required")
	default:
		add("status", fmt.Sprintf("%q is not one of active|stub|disabled", t.Status))
	}
	if t.Tier < 1 || t.Tier > 4 {
		add("tier", fmt.Sprintf("%d is outside 1..4", t.Tier))
	}

	switch t.Detect.Kind {
	case DetectPattern, DetectHandler, DetectLength:
		if t.Detect.Signal == "" {
			add("detect.signal", "required")
		} else if re, err := regexp.Compile(t.Detect.Signal); err != nil {
			add("detect.signal", err.Error())
		} else {
			t.Detect.signalRE = re
		}
	case DetectMalformed:
	case "":
		add("detect.kind", "required")
	default:
		add("detect.kind", fmt.Sprintf("%q is not a known strategy", t.Detect.Kind))
	}
	if t.Detect.Unless != "" {
		if re, err := regexp.Compile(t.Detect.Unless); err != nil {
			add("detect.unless", err.Error())
		} else {
			t.Detect.unlessRE = re
		}
	}
	if t.Detect.Kind == DetectHandler {
		if t.Detect.Body == "" {
			add("detect.body", "required for handler strategy")
		} else if re, err := regexp.Compile(t.Detect.Body); err != nil {
			add("detect.body", err.Error())
		} else {
			t.Detect.bodyRE = re
		}
		if t.Detect.Mode != "only" && t.Detect.Mode != "missing" && t.Detect.Mode != "contains" {
			add("detect.mode", fmt.Sprintf("%q is not one of only|missing|contains", t.Detect.Mode))
		}
	}
	if t.Detect.Kind == DetectLength && t.Detect.MinLines < 2 {
		add("detect.min_lines", "must be >= 2 for length strategy")
	}
	if t.Detect.Confidence < 0 || t.Detect.Confidence > 1 {
		add("detect.confidence", fmt.Sprintf("%v is outside 0..1", t.Detect.Confidence))
	}

	if len(t.Footprint) == 0 {
		add("footprint", "required")
	}
	for _, glob := range t.Footprint {
		re, err := compileGlob(glob)
		if err != nil {
			add("footprint", fmt.Sprintf("bad glob %q: %v", glob, err))
			continue
		}
		t.footprintREs = append(t.footprintREs, re)
	}

	for i := range t.Transforms {
		tr := &t.Transforms[i]
		switch tr.Kind {
		case TransformReplaceMatch:
			pat := tr.Pattern
			if pat == "" {
				pat = t.Detect.Signal
			}
			if re, err := regexp.Compile(pat); err != nil {
				add("transforms.pattern", err.Error())
			} else {
				tr.patternRE = re
			}
			if tr.Replacement == "" {
				add("transforms.replacement", "required for replace-match")
			}
		case TransformReplaceLine, TransformInsertAfter:
			if tr.Replacement == "" {
				add("transforms.replacement", fmt.Sprintf("required for %s", tr.Kind))
			}
		case TransformAddKeywords:
			if tr.Arguments == "" {
				add("transforms.arguments", "required for add-keywords")
			}
		default:
			add("transforms.kind", fmt.Sprintf("%q is not a known transform", tr.Kind))
		}
	}

	switch t.Decision.Rule {
	case "auto", "ask", "auto-unless":
	case "":
		add("decision.rule", "required")
	default:
		add("decision.rule", fmt.Sprintf("%q is not one of auto|ask|auto-unless", t.Decision.Rule))
	}
	if t.Decision.Rule == "auto-unless" && t.Decision.AskWhen == "" {
		add("decision.ask_when", "required for auto-unless")
	}
	if t.Decision.Rule != "ask" && len(t.Transforms) == 0 {
		add("transforms", "at least one transform required unless decision.rule is ask")
	}

	return errs
}
