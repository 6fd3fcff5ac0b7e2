package engine

import (
	"math"
	"reflect"
	"testing"
)

func TestCaliper_PooledPopulationSD(t *testing.T) {
	exposed := []ScoredSubject{{ID: 1, Logit: 1}, {ID: 2, Logit: 2}}
	unexposed := []ScoredSubject{{ID: 3, Logit: 3}, {ID: 4, Logit: 4}}

	// Pooled logits 1..4: population variance 1.25.
	want := 0.2 * math.Sqrt(1.25)
	got := Caliper(0.2, exposed, unexposed)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("expected caliper %v, got %v", want, got)
	}
}

func TestCaliper_EmptyPopulation(t *testing.T) {
	if got := Caliper(0.2, nil, nil); got != 0 {
		t.Errorf("expected 0 caliper for empty population, got %v", got)
	}
}

func TestMatch_NearestWithinCaliper(t *testing.T) {
	exposed := []ScoredSubject{{ID: 1, Logit: 0.5}}
	unexposed := []ScoredSubject{{ID: 2, Logit: 0.52}, {ID: 3, Logit: 3.0}}

	pairs, unmatched := Match(exposed, unexposed, 0.2)
	if len(pairs) != 1 {
		t.Fatalf("expected 1 pair, got %d", len(pairs))
	}
	p := pairs[0]
	if p.ExposedID != 1 || p.UnexposedID != 2 {
		t.Errorf("expected pair (1,2), got (%d,%d)", p.ExposedID, p.UnexposedID)
	}
	if math.Abs(p.Distance-0.02) > 1e-12 {
		t.Errorf("expected distance 0.02, got %v", p.Distance)
	}
	if len(unmatched) != 0 {
		t.Errorf("expected no unmatched, got %v", unmatched)
	}
}

func TestMatch_NoCandidateWithinCaliper(t *testing.T) {
	exposed := []ScoredSubject{{ID: 1, Logit: 1.0}}
	unexposed := []ScoredSubject{{ID: 2, Logit: 5.0}}

	pairs, unmatched := Match(exposed, unexposed, 0.2)
	if len(pairs) != 0 {
		t.Fatalf("expected no pairs, got %v", pairs)
	}
	if len(unmatched) != 1 {
		t.Fatalf("expected 1 unmatched, got %d", len(unmatched))
	}
	if unmatched[0].SubjectID != 1 || unmatched[0].Reason != ReasonNoCandidate {
		t.Errorf("unexpected unmatched record: %+v", unmatched[0])
	}
}

func TestMatch_EmptyUnexposedPool(t *testing.T) {
	exposed := []ScoredSubject{{ID: 1, Logit: 0.4}, {ID: 2, Logit: 0.6}}

	pairs, unmatched := Match(exposed, nil, 0.2)
	if len(pairs) != 0 {
		t.Errorf("expected no pairs, got %v", pairs)
	}
	if len(unmatched) != 2 {
		t.Fatalf("expected both exposed unmatched, got %d", len(unmatched))
	}
	for _, u := range unmatched {
		if u.Reason != ReasonNoCandidate {
			t.Errorf("unexpected reason %q", u.Reason)
		}
	}
}

func TestMatch_EmptyExposed(t *testing.T) {
	pairs, unmatched := Match(nil, []ScoredSubject{{ID: 5, Logit: 1}}, 0.2)
	if len(pairs) != 0 || len(unmatched) != 0 {
		t.Errorf("expected empty result, got %v / %v", pairs, unmatched)
	}
}

func TestMatch_TieBreaksOnLowerUnexposedID(t *testing.T) {
	exposed := []ScoredSubject{{ID: 1, Logit: 1.0}}
	// Equidistant candidates presented out of ID order.
	unexposed := []ScoredSubject{{ID: 9, Logit: 1.1}, {ID: 4, Logit: 0.9}}

	pairs, _ := Match(exposed, unexposed, 0.5)
	if len(pairs) != 1 {
		t.Fatalf("expected 1 pair, got %d", len(pairs))
	}
	if pairs[0].UnexposedID != 4 {
		t.Errorf("expected tie to go to subject 4, got %d", pairs[0].UnexposedID)
	}
}

func TestMatch_ExposedProcessedInIDOrder(t *testing.T) {
	// Subject 3 sits nearest the shared candidate, but subject 1 is processed
	// first and consumes it; 3 must take the next-best remaining candidate.
	exposed := []ScoredSubject{{ID: 3, Logit: 1.00}, {ID: 1, Logit: 1.01}}
	unexposed := []ScoredSubject{{ID: 10, Logit: 1.01}, {ID: 11, Logit: 0.90}}

	pairs, unmatched := Match(exposed, unexposed, 0.5)
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d (unmatched %v)", len(pairs), unmatched)
	}
	if pairs[0].ExposedID != 1 || pairs[0].UnexposedID != 10 {
		t.Errorf("expected exposed 1 to take subject 10, got %+v", pairs[0])
	}
	if pairs[1].ExposedID != 3 || pairs[1].UnexposedID != 11 {
		t.Errorf("expected exposed 3 to fall back to subject 11, got %+v", pairs[1])
	}
}

func TestMatch_WithoutReplacement(t *testing.T) {
	exposed := []ScoredSubject{
		{ID: 1, Logit: 0.10}, {ID: 2, Logit: 0.11}, {ID: 3, Logit: 0.12},
	}
	unexposed := []ScoredSubject{
		{ID: 10, Logit: 0.10}, {ID: 11, Logit: 0.11}, {ID: 12, Logit: 0.12},
	}

	pairs, _ := Match(exposed, unexposed, 1.0)
	seen := make(map[int64]bool)
	for _, p := range pairs {
		if seen[p.UnexposedID] {
			t.Fatalf("unexposed subject %d matched twice", p.UnexposedID)
		}
		seen[p.UnexposedID] = true
	}
	if len(pairs) != 3 {
		t.Errorf("expected 3 pairs, got %d", len(pairs))
	}
}

func TestMatch_ZeroCaliperPairsIdenticalLogits(t *testing.T) {
	exposed := []ScoredSubject{{ID: 1, Logit: 0.7}}
	unexposed := []ScoredSubject{{ID: 2, Logit: 0.7}, {ID: 3, Logit: 0.8}}

	pairs, _ := Match(exposed, unexposed, 0)
	if len(pairs) != 1 || pairs[0].UnexposedID != 2 || pairs[0].Distance != 0 {
		t.Errorf("expected exact zero-distance pair with subject 2, got %v", pairs)
	}
}

func TestMatch_PropertiesOnMixedPool(t *testing.T) {
	var exposed, unexposed []ScoredSubject
	for i := 0; i < 25; i++ {
		exposed = append(exposed, ScoredSubject{ID: int64(i + 1), Logit: float64(i%7) * 0.3})
	}
	for i := 0; i < 40; i++ {
		unexposed = append(unexposed, ScoredSubject{ID: int64(i + 100), Logit: float64(i%11)*0.2 - 0.4})
	}
	caliper := Caliper(0.2, exposed, unexposed)

	pairs, unmatched := Match(exposed, unexposed, caliper)

	if len(pairs) > len(exposed) || len(pairs) > len(unexposed) {
		t.Errorf("pair count %d exceeds cohort bound", len(pairs))
	}
	if len(pairs)+len(unmatched) != len(exposed) {
		t.Errorf("every exposed subject must be paired or unmatched: %d + %d != %d",
			len(pairs), len(unmatched), len(exposed))
	}
	used := make(map[int64]bool)
	for _, p := range pairs {
		if p.Distance > caliper {
			t.Errorf("pair (%d,%d) distance %v exceeds caliper %v", p.ExposedID, p.UnexposedID, p.Distance, caliper)
		}
		if used[p.ExposedID] || used[p.UnexposedID] {
			t.Errorf("subject reused in pair (%d,%d)", p.ExposedID, p.UnexposedID)
		}
		used[p.ExposedID] = true
		used[p.UnexposedID] = true
	}
}

func TestMatch_Deterministic(t *testing.T) {
	exposed := []ScoredSubject{{ID: 3, Logit: 0.3}, {ID: 1, Logit: 0.1}, {ID: 2, Logit: 0.2}}
	unexposed := []ScoredSubject{{ID: 6, Logit: 0.15}, {ID: 5, Logit: 0.25}, {ID: 4, Logit: 0.35}}

	p1, u1 := Match(exposed, unexposed, 0.5)
	p2, u2 := Match(exposed, unexposed, 0.5)
	if !reflect.DeepEqual(p1, p2) || !reflect.DeepEqual(u1, u2) {
		t.Error("matching is not deterministic across runs")
	}
}

func TestMatch_DoesNotMutateInputs(t *testing.T) {
	exposed := []ScoredSubject{{ID: 2, Logit: 0.2}, {ID: 1, Logit: 0.1}}
	unexposed := []ScoredSubject{{ID: 4, Logit: 0.4}, {ID: 3, Logit: 0.3}}

	Match(exposed, unexposed, 1.0)

	if exposed[0].ID != 2 || unexposed[0].ID != 4 {
		t.Error("match reordered the caller's slices")
	}
}
