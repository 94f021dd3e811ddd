// Package gate is the pure merge decision: given findings, the changed-file
// set, and active waivers, it says pass or fail. It reads nothing and writes
// nothing, so the decision is trivially reproducible from its inputs.
package gate

import (
	"sort"
	"time"

	"github.com/hardenlabs/tfgate/internal/finding"
	"github.com/hardenlabs/tfgate/internal/waiver"
)

// Decision is the gate verdict.
type Decision string

const (
	Pass Decision = "pass"
	Fail Decision = "fail"
)

// Blocker is one finding that counts against the gate after waiver
// subtraction.
type Blocker struct {
	TFID string `json:"tf_id"`
	File string `json:"file"`
	Line int    `json:"line"`
	Tier int    `json:"tier"`
}

// Report is the gate outcome with the counts at each narrowing step, so a
// failing run shows exactly where the blockers came from.
type Report struct {
	Decision     Decision  `json:"decision"`
	Total        int       `json:"total"`        // all findings seen
	GatedTier    int       `json:"gatedTier"`    // after tier filter
	InChangedSet int       `json:"inChangedSet"` // after changed-file filter
	Waived       int       `json:"waived"`
	Remaining    int       `json:"remaining"`
	Blockers     []Blocker `json:"blockers,omitempty"`
	Quality      Quality   `json:"quality"`
}

// Evaluate narrows findings to the gated tiers, then to the changed files,
// then subtracts active waivers. Anything left fails the gate. An empty
// changed set disables the footprint filter: with no declared change, every
// gated-tier finding counts.
func Evaluate(findings []finding.Finding, changed []string, waivers []waiver.Waiver, gateTiers []int, now time.Time) *Report {
	rep := &Report{Decision: Pass, Total: len(findings)}

	tiers := map[int]bool{}
	for _, t := range gateTiers {
		tiers[t] = true
	}
	changedSet := map[string]bool{}
	for _, f := range changed {
		changedSet[f] = true
	}

	var gated []finding.Finding
	for _, f := range findings {
		if !tiers[f.Tier] {
			continue
		}
		gated = append(gated, f)
	}
	rep.GatedTier = len(gated)

	inChanged := gated
	if len(changedSet) > 0 {
		inChanged = nil
		for _, f := range gated {
			if !changedSet[f.File] {
				continue
			}
			inChanged = append(inChanged, f)
		}
	}
	rep.InChangedSet = len(inChanged)

	for _, f := range inChanged {
		if covered(waivers, f, now) {
			rep.Waived++
			continue
		}
		rep.Blockers = append(rep.Blockers, Blocker{TFID: f.TFID, File: f.File, Line: f.Line, Tier: f.Tier})
	}
	rep.Remaining = len(rep.Blockers)
	sort.Slice(rep.Blockers, func(i, j int) bool {
		a, b := rep.Blockers[i], rep.Blockers[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.TFID < b.TFID
	})
	if rep.Remaining > 0 {
		rep.Decision = Fail
	}
	// Tier counts only; callers with apply/verify outcomes in scope
	// re-measure with them.
	rep.Quality = Measure(rep, 0, 0)
	return rep
}

func covered(waivers []waiver.Waiver, f finding.Finding, now time.Time) bool {
	for i := range waivers {
		if waivers[i].Covers(f.TFID, f.File, now) {
			return true
		}
	}
	return false
}
