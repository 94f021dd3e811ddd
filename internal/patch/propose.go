package patch

import (
	"fmt"
	"strings"

	"github.com/hardenlabs/tfgate/internal/finding"
	"github.com/hardenlabs/tfgate/internal/source"
	"github.com/hardenlabs/tfgate/internal/tf"
)

// ResultKind is the three-valued outcome of proposing a fix for a finding.
type ResultKind int

const (
	Resolved ResultKind = iota // a patch was synthesized
	Ambiguous                  // decision rule could not resolve; route to the bridge
	Rejected                   // cannot be patched at all
)

func (k ResultKind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case Ambiguous:
		return "ambiguous"
	default:
		return "rejected"
	}
}

// Result forces callers to handle all three outcomes explicitly.
type Result struct {
	Kind   ResultKind
	Patch  *Patch // set iff Kind == Resolved
	Reason string // set iff Kind == Rejected
}

// Proposer synthesizes patches from findings. It never writes to the tree;
// dry-run and real runs share this code.
type Proposer struct {
	Registry *tf.Registry
}

// Propose evaluates the TF's decision rule against the finding and, when it
// resolves, synthesizes a patch restricted to the TF's allowed-transform
// set.
func (p *Proposer) Propose(src *source.Context, f *finding.Finding) Result {
	t := p.Registry.Get(f.TFID)
	if t == nil {
		return Result{Kind: Rejected, Reason: fmt.Sprintf("unknown TF %s", f.TFID)}
	}
	if t.Status != tf.StatusActive {
		return Result{Kind: Rejected, Reason: fmt.Sprintf("TF %s is %s", t.ID, t.Status)}
	}
	if f.Ambiguous {
		return Result{Kind: Ambiguous}
	}

	file, err := src.Load(f.File)
	if err != nil {
		return Result{Kind: Rejected, Reason: fmt.Sprintf("%s: %v", f.File, err)}
	}
	if f.Line < 1 || f.Line > len(file.Lines) {
		return Result{Kind: Rejected, Reason: fmt.Sprintf("%s: finding line %d out of range", f.File, f.Line)}
	}
	if t.Ask(file.Masked[f.Line-1], f.Col) {
		return Result{Kind: Ambiguous}
	}

	for i := range t.Transforms {
		if h, ok := synthesize(&t.Transforms[i], file, f); ok {
			return Result{Kind: Resolved, Patch: &Patch{
				TFID:       t.ID,
				File:       f.File,
				FindingKey: f.Key(),
				Hunks:      []Hunk{h},
			}}
		}
	}
	return Result{Kind: Rejected, Reason: "no allowed transform applies"}
}

// synthesize builds the hunk for one transform kind, or ok=false when the
// transform cannot rewrite this instance.
func synthesize(tr *tf.TransformSpec, file *source.File, f *finding.Finding) (Hunk, bool) {
	line := file.Lines[f.Line-1]
	indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]

	switch tr.Kind {
	case tf.TransformReplaceMatch:
		after := tr.PatternRE().ReplaceAllString(line, tr.Replacement)
		if after == line {
			return Hunk{}, false
		}
		return replaceHunk(f.Line, line, after), true

	case tf.TransformReplaceLine:
		after := indent + tr.Replacement
		if after == line {
			return Hunk{}, false
		}
		return replaceHunk(f.Line, line, after), true

	case tf.TransformInsertAfter:
		return Hunk{
			StartLine: f.Line + 1,
			EndLine:   f.Line,
			After:     []string{indent + tr.Replacement},
		}, true

	case tf.TransformAddKeywords:
		idx := strings.LastIndex(line, ")")
		if idx < 0 || idx < f.Col {
			return Hunk{}, false
		}
		sep := ", "
		if strings.HasSuffix(strings.TrimSpace(line[:idx]), "(") {
			sep = ""
		}
		after := line[:idx] + sep + tr.Arguments + line[idx:]
		return replaceHunk(f.Line, line, after), true
	}
	return Hunk{}, false
}

func replaceHunk(lineNo int, before, after string) Hunk {
	return Hunk{
		StartLine: lineNo,
		EndLine:   lineNo,
		Before:    []string{before},
		After:     []string{after},
	}
}
