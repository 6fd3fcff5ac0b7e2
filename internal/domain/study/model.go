package study

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cohortmatch/cohortmatch/internal/engine"
)

// Run states. Terminal states are completed and failed.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Study maps to the studies table: a target and comparator cohort, a
// covariate spec, and the engine parameters for matching runs.
type Study struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	Name                 string    `db:"name" json:"name"`
	Description          *string   `db:"description" json:"description,omitempty"`
	TargetCohortID       uuid.UUID `db:"target_cohort_id" json:"target_cohort_id"`
	ComparatorCohortID   uuid.UUID `db:"comparator_cohort_id" json:"comparator_cohort_id"`
	CovariateSpecID      uuid.UUID `db:"covariate_spec_id" json:"covariate_spec_id"`
	CaliperMultiplier    float64   `db:"caliper_multiplier" json:"caliper_multiplier"`
	ConvergenceTolerance float64   `db:"convergence_tolerance" json:"convergence_tolerance"`
	MaxIterations        int       `db:"max_iterations" json:"max_iterations"`
	AllowNonConverged    bool      `db:"allow_non_converged" json:"allow_non_converged"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// ApplyDefaults fills unset engine parameters with the package defaults.
func (s *Study) ApplyDefaults() {
	if s.CaliperMultiplier == 0 {
		s.CaliperMultiplier = engine.DefaultCaliperMultiplier
	}
	if s.ConvergenceTolerance == 0 {
		s.ConvergenceTolerance = engine.DefaultTolerance
	}
	if s.MaxIterations == 0 {
		s.MaxIterations = engine.DefaultMaxIterations
	}
}

// Validate checks structural integrity. Reference resolution happens in the
// service, which can reach the cohort and covariate stores.
func (s *Study) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("study name is required")
	}
	if s.TargetCohortID == uuid.Nil {
		return fmt.Errorf("target cohort is required")
	}
	if s.ComparatorCohortID == uuid.Nil {
		return fmt.Errorf("comparator cohort is required")
	}
	if s.TargetCohortID == s.ComparatorCohortID {
		return fmt.Errorf("target and comparator cohorts must differ")
	}
	if s.CovariateSpecID == uuid.Nil {
		return fmt.Errorf("covariate spec is required")
	}
	if s.CaliperMultiplier <= 0 {
		return fmt.Errorf("caliper multiplier must be positive")
	}
	if s.ConvergenceTolerance <= 0 {
		return fmt.Errorf("convergence tolerance must be positive")
	}
	if s.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be at least 1")
	}
	return nil
}

// Run is one execution of a study. Summary columns are copied from the
// engine report on completion; a failed run keeps them zero and stores the
// error instead.
type Run struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	StudyID           uuid.UUID  `db:"study_id" json:"study_id"`
	Status            string     `db:"status" json:"status"`
	Error             *string    `db:"error" json:"error,omitempty"`
	ExportError       *string    `db:"export_error" json:"export_error,omitempty"`
	ExposedCount      int        `db:"exposed_count" json:"exposed_count"`
	UnexposedCount    int        `db:"unexposed_count" json:"unexposed_count"`
	MatchedPairs      int        `db:"matched_pairs" json:"matched_pairs"`
	UnmatchedExposed  int        `db:"unmatched_exposed" json:"unmatched_exposed"`
	MatchRate         float64    `db:"match_rate" json:"match_rate"`
	Caliper           float64    `db:"caliper" json:"caliper"`
	CaliperMultiplier float64    `db:"caliper_multiplier" json:"caliper_multiplier"`
	ModelIterations   int        `db:"model_iterations" json:"model_iterations"`
	ModelConverged    bool       `db:"model_converged" json:"model_converged"`
	StartedAt         *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt        *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// ApplySummary copies report-level statistics onto the run row.
func (r *Run) ApplySummary(s engine.Summary) {
	r.ExposedCount = s.Exposed
	r.UnexposedCount = s.Unexposed
	r.MatchedPairs = s.MatchedPairs
	r.UnmatchedExposed = s.UnmatchedExposed
	r.MatchRate = s.MatchRate
	r.Caliper = s.Caliper
	r.CaliperMultiplier = s.CaliperMultiplier
	r.ModelIterations = s.ModelIterations
	r.ModelConverged = s.ModelConverged
}
