package tf

import "strings"

// Ask interprets the TF's decision rule for one detected instance and
// reports whether it must be routed to external review instead of being
// auto-fixed. maskedLine is the structural view of the matched line and col
// the match start within it.
func (t *TF) Ask(maskedLine string, col int) bool {
	switch t.Decision.Rule {
	case "auto":
		return false
	case "ask":
		return true
	case "auto-unless":
		switch t.Decision.AskWhen {
		case "multiline":
			// A call that does not close on the matched line cannot be
			// edited by the line-scoped transforms.
			if col > len(maskedLine) {
				return true
			}
			return !strings.Contains(maskedLine[col:], ")")
		case "no-transform":
			return len(t.Transforms) == 0
		}
	}
	// Unknown rules never auto-fix.
	return true
}
