package covariate

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Feature kinds the builder understands.
const (
	KindAge           = "age"
	KindSex           = "sex"
	KindConditionFlag = "condition_flag"
	KindDrugCount     = "drug_count"
	KindMeasurement   = "measurement"
)

// Def declares one baseline feature. Concepts drive the event kinds and are
// ignored for demographics.
type Def struct {
	Name     string  `json:"name"`
	Kind     string  `json:"kind"`
	Concepts []int64 `json:"concepts,omitempty"`
}

// Spec maps to the covariate_specs table: a named, ordered feature list
// shared between studies. Definition order is the column order of the
// assembled table.
type Spec struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Definitions []Def     `db:"definitions" json:"definitions"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

func validKind(kind string) bool {
	switch kind {
	case KindAge, KindSex, KindConditionFlag, KindDrugCount, KindMeasurement:
		return true
	}
	return false
}

// Validate checks structural integrity before persisting a spec.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("spec name is required")
	}
	if len(s.Definitions) == 0 {
		return fmt.Errorf("at least one covariate definition is required")
	}
	seen := make(map[string]bool, len(s.Definitions))
	for _, def := range s.Definitions {
		if def.Name == "" {
			return fmt.Errorf("covariate name is required")
		}
		if seen[def.Name] {
			return fmt.Errorf("covariate %q is defined twice", def.Name)
		}
		seen[def.Name] = true
		if !validKind(def.Kind) {
			return fmt.Errorf("covariate %q has unknown kind %q", def.Name, def.Kind)
		}
		switch def.Kind {
		case KindConditionFlag, KindDrugCount, KindMeasurement:
			if len(def.Concepts) == 0 {
				return fmt.Errorf("covariate %q needs at least one concept id", def.Name)
			}
			for _, id := range def.Concepts {
				if id <= 0 {
					return fmt.Errorf("covariate %q has invalid concept id %d", def.Name, id)
				}
			}
		}
	}
	return nil
}
