package patch

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const diffContext = 3

type lineOp struct {
	op   diffmatchpatch.Operation
	text string
}

// Unified renders a unified diff between two file revisions. The text form
// is an artifact for review and CI comments; the apply engine works from
// hunk data, not from this rendering.
func Unified(path, oldContent, newContent string) string {
	if oldContent == newContent {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []lineOp
	for _, d := range diffs {
		for _, ln := range strings.SplitAfter(d.Text, "\n") {
			if ln == "" {
				continue
			}
			ops = append(ops, lineOp{op: d.Type, text: strings.TrimSuffix(ln, "\n")})
		}
	}

	var out strings.Builder
	fmt.Fprintf(&out, "--- a/%s\n+++ b/%s\n", path, path)

	i := 0
	oldLine, newLine := 1, 1
	for i < len(ops) {
		if ops[i].op == diffmatchpatch.DiffEqual {
			oldLine++
			newLine++
			i++
			continue
		}
		// Found a change run; back up for leading context.
		start := i
		ctx := 0
		for start > 0 && ctx < diffContext && ops[start-1].op == diffmatchpatch.DiffEqual {
			start--
			ctx++
		}
		hunkOld := oldLine - ctx
		hunkNew := newLine - ctx

		// Extend through subsequent changes separated by short equal runs.
		end := i
		for j := i; j < len(ops); j++ {
			if ops[j].op != diffmatchpatch.DiffEqual {
				end = j + 1
				continue
			}
			run := 0
			for k := j; k < len(ops) && ops[k].op == diffmatchpatch.DiffEqual; k++ {
				run++
			}
			if run > 2*diffContext {
				break
			}
		}
		stop := end + diffContext
		if stop > len(ops) {
			stop = len(ops)
		}

		oldCount, newCount := 0, 0
		var body strings.Builder
		for j := start; j < stop; j++ {
			switch ops[j].op {
			case diffmatchpatch.DiffEqual:
				body.WriteString(" " + ops[j].text + "\n")
				oldCount++
				newCount++
			case diffmatchpatch.DiffDelete:
				body.WriteString("-" + ops[j].text + "\n")
				oldCount++
			case diffmatchpatch.DiffInsert:
				body.WriteString("+" + ops[j].text + "\n")
				newCount++
			}
		}
		fmt.Fprintf(&out, "@@ -%d,%d +%d,%d @@\n", hunkOld, oldCount, hunkNew, newCount)
		out.WriteString(body.String())

		for j := i; j < stop; j++ {
			switch ops[j].op {
			case diffmatchpatch.DiffEqual:
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				oldLine++
			case diffmatchpatch.DiffInsert:
				newLine++
			}
		}
		i = stop
	}
	return out.String()
}
