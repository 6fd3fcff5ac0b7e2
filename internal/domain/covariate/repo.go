package covariate

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SpecRepository persists covariate specs.
type SpecRepository interface {
	Create(ctx context.Context, s *Spec) error
	GetByID(ctx context.Context, id uuid.UUID) (*Spec, error)
	Update(ctx context.Context, s *Spec) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Spec, int, error)
}

// ConditionEvent is one condition_occurrence row.
type ConditionEvent struct {
	PersonID  int64
	ConceptID int64
	Date      time.Time
}

// DrugEvent is one drug_exposure row.
type DrugEvent struct {
	PersonID  int64
	ConceptID int64
	Date      time.Time
}

// MeasurementEvent is one measurement row with a numeric result. Rows whose
// value_as_number is NULL are never returned.
type MeasurementEvent struct {
	PersonID  int64
	ConceptID int64
	Date      time.Time
	Value     float64
}

// EventSource returns raw clinical events for a person set restricted to a
// concept set. Baseline windowing and imputation happen in the service; the
// source just fetches. The Postgres implementation lives in repo_pg.go, the
// sqlite one in internal/platform/snapshot.
type EventSource interface {
	Conditions(ctx context.Context, personIDs, conceptIDs []int64) ([]ConditionEvent, error)
	DrugExposures(ctx context.Context, personIDs, conceptIDs []int64) ([]DrugEvent, error)
	Measurements(ctx context.Context, personIDs, conceptIDs []int64) ([]MeasurementEvent, error)
}
