// Package patch defines candidate edits and the Proposer that synthesizes
// them from findings. Patches are pure data; only the apply engine touches
// the working tree.
package patch

import (
	"sort"
	"strings"
)

// Hunk is one contiguous line edit. Lines are 1-based. EndLine < StartLine
// encodes a pure insertion before StartLine.
type Hunk struct {
	StartLine int      `json:"startLine"`
	EndLine   int      `json:"endLine"`
	Before    []string `json:"before,omitempty"` // exact lines being replaced
	After     []string `json:"after,omitempty"`
}

// Insertion reports whether the hunk adds lines without replacing any.
func (h *Hunk) Insertion() bool { return h.EndLine < h.StartLine }

// Patch is a candidate or applied edit tied to one finding.
type Patch struct {
	TFID       string `json:"tf_id"`
	File       string `json:"file"`
	FindingKey string `json:"finding"`
	Hunks      []Hunk `json:"hunks"`
}

// Position is the ordering key within one file.
func (p *Patch) Position() int {
	if len(p.Hunks) == 0 {
		return 0
	}
	return p.Hunks[0].StartLine
}

// SortPatches orders a batch by (file, position, TF id), the tie-break for
// overlapping proposals. Callers rely on this exact order when applying.
func SortPatches(ps []*Patch) {
	sort.SliceStable(ps, func(i, j int) bool { return lessPatch(ps[i], ps[j]) })
}

func lessPatch(a, b *Patch) bool {
	if a.File != b.File {
		return a.File < b.File
	}
	if a.Position() != b.Position() {
		return a.Position() < b.Position()
	}
	return a.TFID < b.TFID
}

// ApplyToContent replays the patch onto file content, validating each hunk
// against the lines actually present. offset shifts hunk positions by the
// net line delta of earlier patches in the same batch. It returns the new
// content, the patch's own line delta, and ok=false when any hunk no longer
// matches.
func (p *Patch) ApplyToContent(content string, offset int) (string, int, bool) {
	lines, trailingNL := splitKeepNL(content)
	delta := 0
	for i := range p.Hunks {
		h := &p.Hunks[i]
		start := h.StartLine + offset + delta
		end := h.EndLine + offset + delta
		if h.Insertion() {
			if start < 1 || start > len(lines)+1 {
				return "", 0, false
			}
			lines = append(lines[:start-1], append(append([]string{}, h.After...), lines[start-1:]...)...)
			delta += len(h.After)
			continue
		}
		if start < 1 || end > len(lines) || start > end {
			return "", 0, false
		}
		for j, want := range h.Before {
			if lines[start-1+j] != want {
				return "", 0, false
			}
		}
		replaced := append(append([]string{}, lines[:start-1]...), h.After...)
		lines = append(replaced, lines[end:]...)
		delta += len(h.After) - (end - start + 1)
	}
	out := strings.Join(lines, "\n")
	if trailingNL {
		out += "\n"
	}
	return out, delta, true
}

func splitKeepNL(content string) ([]string, bool) {
	trailingNL := strings.HasSuffix(content, "\n")
	lines := strings.Split(content, "\n")
	if trailingNL {
		lines = lines[:len(lines)-1]
	}
	return lines, trailingNL
}
