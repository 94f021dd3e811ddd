package scan

import (
	"strings"
	"unicode/utf8"

	"github.com/hardenlabs/tfgate/internal/finding"
	"github.com/hardenlabs/tfgate/internal/source"
	"github.com/hardenlabs/tfgate/internal/tf"
)

// detect dispatches on the TF's strategy. Detectors read the structural
// view only and never mutate it.
func detect(t *tf.TF, f *source.File) []finding.Finding {
	switch t.Detect.Kind {
	case tf.DetectPattern:
		return detectPattern(t, f)
	case tf.DetectHandler:
		return detectHandler(t, f)
	case tf.DetectLength:
		return detectLength(t, f)
	default:
		// malformed is handled at load time
		return nil
	}
}

func detectPattern(t *tf.TF, f *source.File) []finding.Finding {
	var out []finding.Finding
	for i, masked := range f.Masked {
		if t.Detect.UnlessRE() != nil && t.Detect.UnlessRE().MatchString(masked) {
			continue
		}
		loc := t.Detect.SignalRE().FindStringIndex(masked)
		if loc == nil {
			continue
		}
		out = append(out, newFinding(t, f, i+1, i+1, loc[0]))
	}
	return out
}

// detectHandler matches a header line and then inspects the indented block
// that follows. Mode "only": the block is a single statement matching the
// body pattern (the finding points at that statement). Mode "missing": the
// body pattern is absent from the enclosing top-level block. Mode
// "contains": every block statement matching the body pattern is a finding
// in its own right.
func detectHandler(t *tf.TF, f *source.File) []finding.Finding {
	var out []finding.Finding
	for i, masked := range f.Masked {
		loc := t.Detect.SignalRE().FindStringIndex(masked)
		if loc == nil {
			continue
		}
		switch t.Detect.Mode {
		case "only":
			stmt, ok := soleBlockStatement(f, i)
			if !ok {
				continue
			}
			if t.Detect.BodyRE().MatchString(strings.TrimSpace(f.Masked[stmt])) {
				out = append(out, newFinding(t, f, stmt+1, stmt+1, f.Indent[stmt]))
			}
		case "missing":
			start, end := topLevelBlock(f, i)
			found := false
			for j := start; j < end; j++ {
				if t.Detect.BodyRE().MatchString(f.Masked[j]) {
					found = true
					break
				}
			}
			if !found {
				out = append(out, newFinding(t, f, i+1, i+1, loc[0]))
			}
		case "contains":
			for j := i + 1; j <= blockEnd(f, i); j++ {
				if f.Blank(j) {
					continue
				}
				if t.Detect.BodyRE().MatchString(strings.TrimSpace(f.Masked[j])) {
					out = append(out, newFinding(t, f, j+1, j+1, f.Indent[j]))
				}
			}
		}
	}
	return out
}

func detectLength(t *tf.TF, f *source.File) []finding.Finding {
	var out []finding.Finding
	for i, masked := range f.Masked {
		if t.Detect.SignalRE().FindStringIndex(masked) == nil {
			continue
		}
		end := blockEnd(f, i)
		if span := end - i + 1; span >= t.Detect.MinLines {
			out = append(out, newFinding(t, f, i+1, end+1, f.Indent[i]))
		}
	}
	return out
}

// soleBlockStatement returns the index of the only statement in the block
// under header line h, or ok=false when the block has zero or several.
func soleBlockStatement(f *source.File, h int) (int, bool) {
	stmt := -1
	for j := h + 1; j < len(f.Lines); j++ {
		if f.Blank(j) {
			continue
		}
		if f.Indent[j] <= f.Indent[h] {
			break
		}
		if stmt >= 0 {
			return 0, false
		}
		stmt = j
	}
	return stmt, stmt >= 0
}

// topLevelBlock returns the half-open line range of the top-level block
// containing line i: from the nearest unindented non-blank line at or above
// i through the line before the next one below.
func topLevelBlock(f *source.File, i int) (int, int) {
	start := 0
	for j := i; j >= 0; j-- {
		if !f.Blank(j) && f.Indent[j] == 0 {
			start = j
			break
		}
	}
	end := len(f.Lines)
	for j := i + 1; j < len(f.Lines); j++ {
		if !f.Blank(j) && f.Indent[j] == 0 {
			end = j
			break
		}
	}
	return start, end
}

// blockEnd returns the index of the last line belonging to the indented
// block headed at line h (trailing blanks excluded).
func blockEnd(f *source.File, h int) int {
	end := h
	for j := h + 1; j < len(f.Lines); j++ {
		if f.Blank(j) {
			continue
		}
		if f.Indent[j] <= f.Indent[h] {
			break
		}
		end = j
	}
	return end
}

func newFinding(t *tf.TF, f *source.File, line, endLine, col int) finding.Finding {
	masked := ""
	if line-1 < len(f.Masked) {
		masked = f.Masked[line-1]
	}
	return finding.Finding{
		TFID:       t.ID,
		File:       f.Path,
		Line:       line,
		EndLine:    endLine,
		Col:        col,
		Tier:       t.Tier,
		Confidence: t.Detect.Confidence,
		Message:    message(t),
		Frame:      frame(f, line, endLine),
		Hints:      hints(f, line),
		Ambiguous:  t.Ask(masked, col),
	}
}

func message(t *tf.TF) string {
	if t.Detect.Message != "" {
		return t.Detect.Message
	}
	return t.Name
}

// frame extracts the code excerpt around the finding, two context lines on
// each side, the same shape external reviewers see in task packets.
func frame(f *source.File, line, endLine int) string {
	s := line - 3
	if s < 0 {
		s = 0
	}
	e := endLine + 2
	if e > len(f.Lines) {
		e = len(f.Lines)
	}
	return strings.Join(f.Lines[s:e], "\n")
}

func hints(f *source.File, line int) []string {
	text := strings.TrimSpace(f.Lines[line-1])
	if len(text) > 120 {
		cut := 120
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	if text == "" {
		return nil
	}
	return []string{text}
}
