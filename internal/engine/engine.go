// Package engine implements the propensity-score matching core: logistic
// propensity fitting, deterministic greedy 1:1 caliper matching on the logit
// scale, and standardized-mean-difference balance assessment. The engine is
// pure: it owns no persistent state, performs no I/O, and given identical
// inputs produces identical reports.
package engine

import "fmt"

// Defaults for the run parameters.
const (
	DefaultCaliperMultiplier = 0.2
	DefaultTolerance         = 1e-6
	DefaultMaxIterations     = 100
)

// Params enumerate every recognized engine option. Zero values take the
// package defaults.
type Params struct {
	CaliperMultiplier float64
	Tolerance         float64
	MaxIterations     int
	AllowNonConverged bool
}

// Result bundles a completed run's report with the fitted model.
type Result struct {
	Report *Report
	Model  *Model
}

// Run executes one full matching run over a pooled feature table: fit the
// propensity model, score and match under the caliper, and assess balance
// before and after. Fatal errors (schema, degenerate labels, non-convergence)
// abort with no report.
func Run(t *Table, params Params) (*Result, error) {
	multiplier := params.CaliperMultiplier
	if multiplier <= 0 {
		multiplier = DefaultCaliperMultiplier
	}

	model, err := FitPropensity(t, FitOptions{
		Tolerance:         params.Tolerance,
		MaxIterations:     params.MaxIterations,
		AllowNonConverged: params.AllowNonConverged,
	})
	if err != nil {
		return nil, err
	}

	exposedScores, unexposedScores := model.ScoreTable(t)
	caliper := Caliper(multiplier, exposedScores, unexposedScores)
	pairs, unmatched := Match(exposedScores, unexposedScores, caliper)

	warnings := make([]Warning, 0)
	if !model.Converged {
		warnings = append(warnings, Warning{
			Code: WarnNonConvergence,
			Message: fmt.Sprintf("propensity model stopped after %d iterations with max step %g above tolerance",
				model.Iterations, model.LastDelta),
		})
	}

	preBalance, preWarnings := AssessBalance(t, nil, PhasePre)
	matched := make(map[int64]bool, 2*len(pairs))
	for _, p := range pairs {
		matched[p.ExposedID] = true
		matched[p.UnexposedID] = true
	}
	postBalance, postWarnings := AssessBalance(t, matched, PhasePost)
	warnings = append(warnings, preWarnings...)
	warnings = append(warnings, postWarnings...)

	exposed, unexposed := t.Counts()
	rate := 0.0
	if exposed > 0 {
		rate = float64(len(pairs)) / float64(exposed)
	}
	report := &Report{
		Pairs:       pairs,
		Unmatched:   unmatched,
		PreBalance:  preBalance,
		PostBalance: postBalance,
		Warnings:    warnings,
		Summary: Summary{
			Exposed:           exposed,
			Unexposed:         unexposed,
			MatchedPairs:      len(pairs),
			UnmatchedExposed:  len(unmatched),
			MatchRate:         rate,
			Caliper:           caliper,
			CaliperMultiplier: multiplier,
			ModelIterations:   model.Iterations,
			ModelConverged:    model.Converged,
		},
	}
	return &Result{Report: report, Model: model}, nil
}
