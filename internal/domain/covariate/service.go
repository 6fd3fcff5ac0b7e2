package covariate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cohortmatch/cohortmatch/internal/domain/cohort"
	"github.com/cohortmatch/cohortmatch/internal/engine"
)

// OMOP standard concept for male gender.
const maleConceptID = 8507

// Service validates covariate specs and assembles feature tables from raw
// clinical events.
type Service struct {
	specs  SpecRepository
	events EventSource
}

func NewService(specs SpecRepository, events EventSource) *Service {
	return &Service{specs: specs, events: events}
}

func (s *Service) CreateSpec(ctx context.Context, spec *Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return s.specs.Create(ctx, spec)
}

func (s *Service) GetSpec(ctx context.Context, id uuid.UUID) (*Spec, error) {
	return s.specs.GetByID(ctx, id)
}

func (s *Service) UpdateSpec(ctx context.Context, spec *Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return s.specs.Update(ctx, spec)
}

func (s *Service) DeleteSpec(ctx context.Context, id uuid.UUID) error {
	return s.specs.Delete(ctx, id)
}

func (s *Service) ListSpecs(ctx context.Context, limit, offset int) ([]*Spec, int, error) {
	return s.specs.List(ctx, limit, offset)
}

// Build assembles the feature table for one run: target members first,
// labeled exposed, then comparator members. Columns follow the spec's
// definition order. Event features look back over [index-baselineDays,
// index), so nothing dated on the index day itself counts as baseline.
func (s *Service) Build(ctx context.Context, spec *Spec, target, comparator []cohort.Member, baselineDays int) (*engine.Table, error) {
	members := make([]cohort.Member, 0, len(target)+len(comparator))
	members = append(members, target...)
	members = append(members, comparator...)

	names := make([]string, len(spec.Definitions))
	columns := make([][]float64, len(spec.Definitions))
	for j, def := range spec.Definitions {
		names[j] = def.Name
		col, err := s.column(ctx, def, members, baselineDays)
		if err != nil {
			return nil, fmt.Errorf("covariate %q: %w", def.Name, err)
		}
		columns[j] = col
	}

	rows := make([]engine.Subject, len(members))
	for i, m := range members {
		values := make([]float64, len(columns))
		for j := range columns {
			values[j] = columns[j][i]
		}
		rows[i] = engine.Subject{ID: m.PersonID, Exposed: i < len(target), Values: values}
	}
	return engine.NewTable(names, rows)
}

func (s *Service) column(ctx context.Context, def Def, members []cohort.Member, baselineDays int) ([]float64, error) {
	switch def.Kind {
	case KindAge:
		col := make([]float64, len(members))
		for i, m := range members {
			col[i] = cohort.AgeAt(m.IndexDate, m.YearOfBirth)
		}
		return col, nil
	case KindSex:
		col := make([]float64, len(members))
		for i, m := range members {
			if m.GenderConceptID == maleConceptID {
				col[i] = 1
			}
		}
		return col, nil
	case KindConditionFlag:
		return s.conditionFlag(ctx, def, members, baselineDays)
	case KindDrugCount:
		return s.drugCount(ctx, def, members, baselineDays)
	case KindMeasurement:
		return s.measurement(ctx, def, members, baselineDays)
	}
	return nil, fmt.Errorf("unknown kind %q", def.Kind)
}

func (s *Service) conditionFlag(ctx context.Context, def Def, members []cohort.Member, baselineDays int) ([]float64, error) {
	events, err := s.events.Conditions(ctx, personIDs(members), def.Concepts)
	if err != nil {
		return nil, err
	}
	dates := make(map[int64][]time.Time)
	for _, ev := range events {
		dates[ev.PersonID] = append(dates[ev.PersonID], ev.Date)
	}
	col := make([]float64, len(members))
	for i, m := range members {
		for _, d := range dates[m.PersonID] {
			if inWindow(d, m.IndexDate, baselineDays) {
				col[i] = 1
				break
			}
		}
	}
	return col, nil
}

func (s *Service) drugCount(ctx context.Context, def Def, members []cohort.Member, baselineDays int) ([]float64, error) {
	events, err := s.events.DrugExposures(ctx, personIDs(members), def.Concepts)
	if err != nil {
		return nil, err
	}
	dates := make(map[int64][]time.Time)
	for _, ev := range events {
		dates[ev.PersonID] = append(dates[ev.PersonID], ev.Date)
	}
	col := make([]float64, len(members))
	for i, m := range members {
		for _, d := range dates[m.PersonID] {
			if inWindow(d, m.IndexDate, baselineDays) {
				col[i]++
			}
		}
	}
	return col, nil
}

func (s *Service) measurement(ctx context.Context, def Def, members []cohort.Member, baselineDays int) ([]float64, error) {
	events, err := s.events.Measurements(ctx, personIDs(members), def.Concepts)
	if err != nil {
		return nil, err
	}
	byPerson := make(map[int64][]MeasurementEvent)
	for _, ev := range events {
		byPerson[ev.PersonID] = append(byPerson[ev.PersonID], ev)
	}

	col := make([]float64, len(members))
	var missing []int
	var observed []float64
	for i, m := range members {
		found := false
		var latest time.Time
		var value float64
		for _, ev := range byPerson[m.PersonID] {
			if !inWindow(ev.Date, m.IndexDate, baselineDays) {
				continue
			}
			if !found || !ev.Date.Before(latest) {
				found = true
				latest = ev.Date
				value = ev.Value
			}
		}
		if found {
			col[i] = value
			observed = append(observed, value)
		} else {
			missing = append(missing, i)
		}
	}

	// Nobody measured: leave the column at zero and let the model flag the
	// zero variance.
	if len(observed) == 0 {
		return col, nil
	}
	fill := median(observed)
	for _, i := range missing {
		col[i] = fill
	}
	return col, nil
}

func personIDs(members []cohort.Member) []int64 {
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.PersonID
	}
	return ids
}

// inWindow reports whether t falls in [index-baselineDays, index).
func inWindow(t, index time.Time, baselineDays int) bool {
	start := index.AddDate(0, 0, -baselineDays)
	return !t.Before(start) && t.Before(index)
}

// median sorts its argument in place.
func median(v []float64) float64 {
	sort.Float64s(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}
