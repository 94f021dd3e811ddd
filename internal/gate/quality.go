package gate

// Quality summarizes a tree's debt for run-over-run comparison. Lower tier
// counts dominate higher ones: a change that removes a tier-1 finding beats
// any number of tier-2 improvements.
type Quality struct {
	Tier1    int `json:"tier1"`
	Tier2    int `json:"tier2"`
	Failures int `json:"failures"` // verify suite failures
	Fixed    int `json:"fixed"`    // patches applied this run
}

// Measure counts gated debt from a report plus apply/verify outcomes.
func Measure(rep *Report, suiteFailures, fixed int) Quality {
	q := Quality{Failures: suiteFailures, Fixed: fixed}
	for _, b := range rep.Blockers {
		switch b.Tier {
		case 1:
			q.Tier1++
		case 2:
			q.Tier2++
		}
	}
	return q
}

// Dominates reports whether q is at least as good as other on every axis.
func (q Quality) Dominates(other Quality) bool {
	return q.Tier1 <= other.Tier1 &&
		q.Tier2 <= other.Tier2 &&
		q.Failures <= other.Failures &&
		q.Fixed >= other.Fixed
}

// StrictlyBetter reports dominance with improvement on at least one axis.
func (q Quality) StrictlyBetter(other Quality) bool {
	return q.Dominates(other) && q != other
}
