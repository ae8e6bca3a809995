package router

import (
	"math"

	"github.com/normanking/cortex-reflex/internal/memory"
	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

// Similarity scores how alike two states are, in [0, 1] with 1 for identical.
type Similarity func(a, b spatial.StateVector) float64

// InverseDistance is 1/(1+d) for the Euclidean distance d.
func InverseDistance(a, b spatial.StateVector) float64 {
	return 1 / (1 + spatial.Distance(a, b))
}

// Cosine maps the cosine of the angle between a and b onto [0, 1]. Two zero
// vectors are identical; a zero and a non-zero vector score 0.
func Cosine(a, b spatial.StateVector) float64 {
	var dot, na, nb float64
	for i := 0; i < spatial.Dim; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	switch {
	case na == 0 && nb == 0:
		return 1
	case na == 0 || nb == 0:
		return 0
	}
	cos := dot / math.Sqrt(na*nb)
	return math.Max(0, math.Min(1, (cos+1)/2))
}

// Eligibility is the confidence a reflex needs before it may be used at all.
// Hypotheses are held to the stricter bar.
type Eligibility struct {
	MinConfidence           reflex.Confidence
	MinHypothesisConfidence reflex.Confidence
}

// Allows reports whether r clears its tier's bar.
func (e Eligibility) Allows(r *reflex.Reflex) bool {
	if r.Tier == reflex.Hypothesis {
		return r.Confidence >= e.MinHypothesisConfidence
	}
	return r.Confidence >= e.MinConfidence
}

// Match is the reflex chosen for a state.
type Match struct {
	Reflex     *reflex.Reflex
	Similarity float64
	Sector     spatial.SectorKey
}

// Score is the fast-path confidence of a match.
func (m Match) Score() float64 { return m.Reflex.Confidence.Float() * m.Similarity }

// FastResolver picks the best candidate of a sector. Sectors are lossy, so
// the anchor of every candidate is compared to the query state and unrelated
// states that merely share a sector are rejected by MinSimilarity.
type FastResolver struct {
	store         *reflex.Store
	eligibility   Eligibility
	similarity    Similarity
	minSimilarity float64
}

// NewFastResolver creates a resolver. A nil similarity means InverseDistance.
func NewFastResolver(store *reflex.Store, elig Eligibility, sim Similarity, minSimilarity float64) *FastResolver {
	if sim == nil {
		sim = InverseDistance
	}
	return &FastResolver{
		store:         store,
		eligibility:   elig,
		similarity:    sim,
		minSimilarity: minSimilarity,
	}
}

// Resolve returns the most similar eligible candidate. When nothing qualifies
// it returns ReasonLookupMiss for an empty sector and ReasonIneligibleCandidate
// otherwise. Ties go to the higher confidence, then to the earlier candidate.
func (f *FastResolver) Resolve(state spatial.StateVector, key spatial.SectorKey, candidates memory.Candidates) (Match, Reason, bool) {
	n := candidates.Len()
	if n == 0 {
		return Match{}, ReasonLookupMiss, false
	}

	var best Match
	for i := 0; i < n; i++ {
		r, ok := f.store.Get(candidates.At(i))
		if !ok || !f.eligibility.Allows(r) {
			continue
		}
		sim := f.similarity(state, r.Anchor)
		if math.IsNaN(sim) || sim < f.minSimilarity {
			continue
		}
		if best.Reflex == nil || sim > best.Similarity ||
			(sim == best.Similarity && r.Confidence > best.Reflex.Confidence) {
			best = Match{Reflex: r, Similarity: sim, Sector: key}
		}
	}
	if best.Reflex == nil {
		return Match{}, ReasonIneligibleCandidate, false
	}
	return best, ReasonNone, true
}
