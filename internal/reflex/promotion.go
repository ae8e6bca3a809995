package reflex

// Promotion decides when a Hypothesis has earned the Learnable tier. Both
// thresholds must be met at the same time; meeting one is never enough.
type Promotion struct {
	MinEvidence   uint16
	MinConfidence Confidence
}

// Eligible reports whether r should be promoted. Thresholds are inclusive.
func (p Promotion) Eligible(r *Reflex) bool {
	return r.Tier == Hypothesis &&
		r.Evidence >= p.MinEvidence &&
		r.Confidence >= p.MinConfidence
}
