package engine

import (
	"math"
	"sort"
)

// ReasonNoCandidate is recorded for an exposed subject when every remaining
// unexposed subject sits farther away than the caliper.
const ReasonNoCandidate = "no candidate within caliper"

// ScoredSubject carries a subject into matching: its identifier and the logit
// of its propensity score.
type ScoredSubject struct {
	ID    int64   `json:"id"`
	Logit float64 `json:"logit"`
}

// Pair is one matched exposed/unexposed pair. Distance is the absolute logit
// difference and never exceeds the run's caliper.
type Pair struct {
	ExposedID   int64   `json:"exposed_id"`
	UnexposedID int64   `json:"unexposed_id"`
	Distance    float64 `json:"distance"`
}

// Unmatched records an exposed subject that found no partner, with the
// reason.
type Unmatched struct {
	SubjectID int64  `json:"subject_id"`
	Reason    string `json:"reason"`
}

// Caliper returns the matching radius: multiplier times the population
// standard deviation of the pooled logit scores. It is computed once, from
// the full population, before any subject is consumed.
func Caliper(multiplier float64, exposed, unexposed []ScoredSubject) float64 {
	n := len(exposed) + len(unexposed)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, s := range exposed {
		sum += s.Logit
	}
	for _, s := range unexposed {
		sum += s.Logit
	}
	mean := sum / float64(n)
	var ss float64
	for _, s := range exposed {
		d := s.Logit - mean
		ss += d * d
	}
	for _, s := range unexposed {
		d := s.Logit - mean
		ss += d * d
	}
	return multiplier * math.Sqrt(ss/float64(n))
}

// Match performs deterministic greedy 1:1 nearest-neighbor matching without
// replacement. Exposed subjects are processed in ascending ID order; each
// scans the remaining unexposed pool for the minimum absolute logit
// difference and pairs only when that distance is within the caliper.
// Distance ties go to the lower unexposed ID. Empty inputs yield zero pairs
// and every exposed subject unmatched, never an error.
func Match(exposed, unexposed []ScoredSubject, caliper float64) ([]Pair, []Unmatched) {
	ex := append([]ScoredSubject(nil), exposed...)
	sort.Slice(ex, func(i, j int) bool { return ex[i].ID < ex[j].ID })

	// Pool sorted by ID so the strict < below keeps the lowest-ID candidate
	// on distance ties.
	pool := append([]ScoredSubject(nil), unexposed...)
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })
	taken := make([]bool, len(pool))

	pairs := make([]Pair, 0, min(len(ex), len(pool)))
	unmatched := make([]Unmatched, 0)
	for _, e := range ex {
		best := -1
		bestDist := 0.0
		for i, u := range pool {
			if taken[i] {
				continue
			}
			d := math.Abs(e.Logit - u.Logit)
			if best == -1 || d < bestDist {
				best = i
				bestDist = d
			}
		}
		if best == -1 || bestDist > caliper {
			unmatched = append(unmatched, Unmatched{SubjectID: e.ID, Reason: ReasonNoCandidate})
			continue
		}
		taken[best] = true
		pairs = append(pairs, Pair{ExposedID: e.ID, UnexposedID: pool[best].ID, Distance: bestDist})
	}
	return pairs, unmatched
}
