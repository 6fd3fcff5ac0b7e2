package cohort

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	defs   DefinitionRepository
	source ClinicalSource
}

func NewService(defs DefinitionRepository, source ClinicalSource) *Service {
	return &Service{defs: defs, source: source}
}

// -- Definition CRUD --

func (s *Service) CreateDefinition(ctx context.Context, d *Definition) error {
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		return err
	}
	return s.defs.Create(ctx, d)
}

func (s *Service) GetDefinition(ctx context.Context, id uuid.UUID) (*Definition, error) {
	return s.defs.GetByID(ctx, id)
}

func (s *Service) UpdateDefinition(ctx context.Context, d *Definition) error {
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		return err
	}
	return s.defs.Update(ctx, d)
}

func (s *Service) DeleteDefinition(ctx context.Context, id uuid.UUID) error {
	return s.defs.Delete(ctx, id)
}

func (s *Service) ListDefinitions(ctx context.Context, limit, offset int) ([]*Definition, int, error) {
	return s.defs.List(ctx, limit, offset)
}

// -- Extraction --

// Preview returns the number of people the definition would admit.
func (s *Service) Preview(ctx context.Context, id uuid.UUID) (int, error) {
	d, err := s.defs.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	members, err := s.members(ctx, d)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// Extract builds the target and comparator cohorts. A person qualifying for
// both stays in the target cohort only.
func (s *Service) Extract(ctx context.Context, targetID, comparatorID uuid.UUID) ([]Member, []Member, error) {
	targetDef, err := s.defs.GetByID(ctx, targetID)
	if err != nil {
		return nil, nil, fmt.Errorf("target cohort definition: %w", err)
	}
	comparatorDef, err := s.defs.GetByID(ctx, comparatorID)
	if err != nil {
		return nil, nil, fmt.Errorf("comparator cohort definition: %w", err)
	}

	target, err := s.members(ctx, targetDef)
	if err != nil {
		return nil, nil, fmt.Errorf("extracting target cohort: %w", err)
	}
	comparator, err := s.members(ctx, comparatorDef)
	if err != nil {
		return nil, nil, fmt.Errorf("extracting comparator cohort: %w", err)
	}

	inTarget := make(map[int64]bool, len(target))
	for _, m := range target {
		inTarget[m.PersonID] = true
	}
	kept := comparator[:0]
	for _, m := range comparator {
		if !inTarget[m.PersonID] {
			kept = append(kept, m)
		}
	}
	return target, kept, nil
}

// members runs the new-user design for one definition: expand concepts, find
// first exposures, then apply age and observation-window eligibility.
func (s *Service) members(ctx context.Context, d *Definition) ([]Member, error) {
	concepts := d.ExposureConcepts
	if d.IncludeDescendants {
		expanded, err := s.source.ExpandConcepts(ctx, concepts)
		if err != nil {
			return nil, fmt.Errorf("expanding concepts: %w", err)
		}
		concepts = expanded
	}

	firsts, err := s.source.FirstExposures(ctx, concepts)
	if err != nil {
		return nil, fmt.Errorf("finding first exposures: %w", err)
	}
	if len(firsts) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(firsts))
	for id := range firsts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	persons, err := s.source.Persons(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading persons: %w", err)
	}
	periods, err := s.source.ObservationPeriods(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading observation periods: %w", err)
	}

	var members []Member
	for _, id := range ids {
		p, ok := persons[id]
		if !ok {
			continue
		}
		index := firsts[id]
		if AgeAt(index, p.YearOfBirth) < float64(d.MinAge) {
			continue
		}
		winStart := index.AddDate(0, 0, -d.BaselineDays)
		winEnd := index.AddDate(0, 0, d.MinFollowupDays)
		if !covered(periods[id], winStart, winEnd) {
			continue
		}
		members = append(members, Member{
			PersonID:        id,
			IndexDate:       index,
			YearOfBirth:     p.YearOfBirth,
			GenderConceptID: p.GenderConceptID,
		})
	}
	return members, nil
}

// covered reports whether a single observation period spans [start, end].
func covered(periods []ObservationPeriod, start, end time.Time) bool {
	for _, p := range periods {
		if !p.StartDate.After(start) && !p.EndDate.Before(end) {
			return true
		}
	}
	return false
}
