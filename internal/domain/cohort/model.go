package cohort

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Defaults applied when a definition leaves eligibility parameters unset.
const (
	DefaultMinAge       = 18
	DefaultBaselineDays = 365
)

// Definition maps to the cohort_definitions table. It describes a new-user
// cohort: people whose first-ever exposure to any of the listed drug concepts
// falls inside a clean observation window.
type Definition struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	Name               string    `db:"name" json:"name"`
	Description        *string   `db:"description" json:"description,omitempty"`
	ExposureConcepts   []int64   `db:"exposure_concepts" json:"exposure_concepts"`
	IncludeDescendants bool      `db:"include_descendants" json:"include_descendants"`
	MinAge             int       `db:"min_age" json:"min_age"`
	BaselineDays       int       `db:"baseline_days" json:"baseline_days"`
	MinFollowupDays    int       `db:"min_followup_days" json:"min_followup_days"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Member is one person admitted to a cohort, carrying what downstream
// covariate assembly needs.
type Member struct {
	PersonID        int64     `json:"person_id"`
	IndexDate       time.Time `json:"index_date"`
	YearOfBirth     int       `json:"year_of_birth"`
	GenderConceptID int64     `json:"gender_concept_id"`
}

// ApplyDefaults fills unset eligibility parameters.
func (d *Definition) ApplyDefaults() {
	if d.MinAge == 0 {
		d.MinAge = DefaultMinAge
	}
	if d.BaselineDays == 0 {
		d.BaselineDays = DefaultBaselineDays
	}
}

// Validate checks the definition is executable.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(d.ExposureConcepts) == 0 {
		return fmt.Errorf("at least one exposure concept is required")
	}
	for _, c := range d.ExposureConcepts {
		if c <= 0 {
			return fmt.Errorf("invalid exposure concept id %d", c)
		}
	}
	if d.MinAge < 0 {
		return fmt.Errorf("min_age must not be negative")
	}
	if d.BaselineDays < 0 {
		return fmt.Errorf("baseline_days must not be negative")
	}
	if d.MinFollowupDays < 0 {
		return fmt.Errorf("min_followup_days must not be negative")
	}
	return nil
}

// AgeAt returns the age in years at the given date, counting from January 1
// of the birth year.
func AgeAt(at time.Time, yearOfBirth int) float64 {
	birth := time.Date(yearOfBirth, time.January, 1, 0, 0, 0, 0, time.UTC)
	return at.Sub(birth).Hours() / 24 / 365.25
}
