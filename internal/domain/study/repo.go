package study

import (
	"context"

	"github.com/google/uuid"

	"github.com/cohortmatch/cohortmatch/internal/engine"
)

// StudyRepository is the persistence port for study rows.
type StudyRepository interface {
	Create(ctx context.Context, s *Study) error
	GetByID(ctx context.Context, id uuid.UUID) (*Study, error)
	Update(ctx context.Context, s *Study) error
	Delete(ctx context.Context, id uuid.UUID) error
	// List returns a page of studies plus the total count. A non-empty
	// search filters by name, case-insensitively.
	List(ctx context.Context, search string, limit, offset int) ([]*Study, int, error)
}

// RunRepository is the persistence port for runs and their reports. Run
// rows carry lifecycle and summary columns; the full report (pairs,
// unmatched, balance, warnings) is stored in detail tables keyed by run.
type RunRepository interface {
	Create(ctx context.Context, r *Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	Update(ctx context.Context, r *Run) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByStudy(ctx context.Context, studyID uuid.UUID) error
	ListByStudy(ctx context.Context, studyID uuid.UUID, limit, offset int) ([]*Run, int, error)
	// SaveReport stores the detail rows for a completed run atomically.
	SaveReport(ctx context.Context, runID uuid.UUID, report *engine.Report) error
	// GetReport reassembles the stored report, or ErrNoReport when the
	// run has none (pending, running, or failed).
	GetReport(ctx context.Context, runID uuid.UUID) (*engine.Report, error)
}
