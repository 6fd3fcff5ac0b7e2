package export

import (
	"testing"

	"github.com/cohortmatch/cohortmatch/internal/engine"
)

func TestRenderPairs(t *testing.T) {
	got, err := renderPairs(testReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "exposed_id,unexposed_id,distance\n1,7,0.25\n"
	if string(got) != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestRenderPairs_Empty(t *testing.T) {
	got, err := renderPairs(&engine.Report{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "exposed_id,unexposed_id,distance\n"
	if string(got) != want {
		t.Errorf("expected header only, got %q", got)
	}
}

func TestRenderUnmatched(t *testing.T) {
	got, err := renderUnmatched(testReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "subject_id,reason\n3,no candidate within caliper\n"
	if string(got) != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestRenderBalance(t *testing.T) {
	got, err := renderBalance(testReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "phase,feature,smd,abs_smd,undefined,balanced\n" +
		"pre_match,age,0.8,0.8,false,false\n" +
		"post_match,age,0.08,0.08,false,true\n"
	if string(got) != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestRenderSummary(t *testing.T) {
	got, err := renderSummary(testReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "exposed,unexposed,matched_pairs,unmatched_exposed,match_rate,caliper,caliper_multiplier,model_iterations,model_converged\n" +
		"10,20,8,2,0.8,0.11,0.2,6,true\n"
	if string(got) != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
