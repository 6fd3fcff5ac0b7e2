package cohort

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefinitionRepository persists cohort definitions.
type DefinitionRepository interface {
	Create(ctx context.Context, d *Definition) error
	GetByID(ctx context.Context, id uuid.UUID) (*Definition, error)
	Update(ctx context.Context, d *Definition) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Definition, int, error)
}

// Person is the slice of an OMOP person row that cohort eligibility needs.
type Person struct {
	PersonID        int64
	GenderConceptID int64
	YearOfBirth     int
}

// ObservationPeriod is a continuous span of data capture for one person.
type ObservationPeriod struct {
	PersonID  int64
	StartDate time.Time
	EndDate   time.Time
}

// ClinicalSource reads the OMOP tables cohort extraction depends on. The
// Postgres implementation lives in this package; the SQLite snapshot
// implementation lives in internal/platform/snapshot.
type ClinicalSource interface {
	// ExpandConcepts returns the input concepts plus every descendant found
	// in concept_ancestor, deduplicated and sorted.
	ExpandConcepts(ctx context.Context, ancestors []int64) ([]int64, error)

	// FirstExposures returns, per person, the earliest drug exposure start
	// date over the given concept set.
	FirstExposures(ctx context.Context, conceptIDs []int64) (map[int64]time.Time, error)

	// Persons returns person rows for the given ids; absent ids are omitted.
	Persons(ctx context.Context, personIDs []int64) (map[int64]Person, error)

	// ObservationPeriods returns all observation periods per person.
	ObservationPeriods(ctx context.Context, personIDs []int64) (map[int64][]ObservationPeriod, error)
}
