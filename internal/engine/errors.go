package engine

import "fmt"

// SchemaMismatchError reports input that violates the feature schema: a value
// missing or non-finite, a duplicated subject, or exposed/unexposed tables
// whose feature sets differ. Always fatal before fitting.
type SchemaMismatchError struct {
	SubjectID int64
	Feature   string
	Reason    string
}

func (e *SchemaMismatchError) Error() string {
	switch {
	case e.SubjectID != 0 && e.Feature != "":
		return fmt.Sprintf("schema mismatch: subject %d feature %q %s", e.SubjectID, e.Feature, e.Reason)
	case e.SubjectID != 0:
		return fmt.Sprintf("schema mismatch: subject %d %s", e.SubjectID, e.Reason)
	case e.Feature != "":
		return fmt.Sprintf("schema mismatch: feature %q %s", e.Feature, e.Reason)
	default:
		return fmt.Sprintf("schema mismatch: %s", e.Reason)
	}
}

// DegenerateLabelError reports a training population with fewer than two
// groups. Fitting a propensity model requires at least one exposed and one
// unexposed subject.
type DegenerateLabelError struct {
	Exposed   int
	Unexposed int
}

func (e *DegenerateLabelError) Error() string {
	return fmt.Sprintf("degenerate labels: %d exposed and %d unexposed subjects; need both groups", e.Exposed, e.Unexposed)
}

// NonConvergenceError reports a propensity fit that did not reach tolerance
// within the iteration cap, or hit a singular Newton system (typically
// separable data). Fatal unless the caller opted into best-effort fits.
type NonConvergenceError struct {
	Iterations int
	LastDelta  float64
	Singular   bool
}

func (e *NonConvergenceError) Error() string {
	if e.Singular {
		return fmt.Sprintf("propensity model did not converge: singular system at iteration %d", e.Iterations)
	}
	return fmt.Sprintf("propensity model did not converge after %d iterations (last max step %g)", e.Iterations, e.LastDelta)
}

// Warning codes carried on a report. Warnings never abort a run and are never
// dropped.
const (
	WarnZeroVariance   = "zero_variance"
	WarnNonConvergence = "non_convergence"
)

// Warning is a non-fatal finding attached to a match report.
type Warning struct {
	Code    string `json:"code"`
	Feature string `json:"feature,omitempty"`
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message"`
}
