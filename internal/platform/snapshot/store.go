// Package snapshot backs the cohort and covariate ports with a local OMOP
// extract in a single sqlite file, so a full study can run without a
// warehouse connection.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/cohortmatch/cohortmatch/internal/domain/cohort"
	"github.com/cohortmatch/cohortmatch/internal/domain/covariate"
)

const dateLayout = "2006-01-02"

// inChunk keeps IN lists under sqlite's 999 bound-parameter limit.
const inChunk = 500

var schema = []string{
	`CREATE TABLE IF NOT EXISTS person (
		person_id INTEGER PRIMARY KEY,
		gender_concept_id INTEGER NOT NULL,
		year_of_birth INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS observation_period (
		person_id INTEGER NOT NULL,
		observation_period_start_date TEXT NOT NULL,
		observation_period_end_date TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_observation_period_person ON observation_period (person_id)`,
	`CREATE TABLE IF NOT EXISTS drug_exposure (
		person_id INTEGER NOT NULL,
		drug_concept_id INTEGER NOT NULL,
		drug_exposure_start_date TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_drug_exposure_person ON drug_exposure (person_id)`,
	`CREATE INDEX IF NOT EXISTS idx_drug_exposure_concept ON drug_exposure (drug_concept_id)`,
	`CREATE TABLE IF NOT EXISTS condition_occurrence (
		person_id INTEGER NOT NULL,
		condition_concept_id INTEGER NOT NULL,
		condition_start_date TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_condition_occurrence_person ON condition_occurrence (person_id)`,
	`CREATE TABLE IF NOT EXISTS measurement (
		person_id INTEGER NOT NULL,
		measurement_concept_id INTEGER NOT NULL,
		measurement_date TEXT NOT NULL,
		value_as_number REAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_measurement_person ON measurement (person_id)`,
	`CREATE TABLE IF NOT EXISTS concept_ancestor (
		ancestor_concept_id INTEGER NOT NULL,
		descendant_concept_id INTEGER NOT NULL,
		PRIMARY KEY (ancestor_concept_id, descendant_concept_id)
	)`,
}

// Store is a read-mostly OMOP snapshot. Dates are stored as ISO text, which
// sorts chronologically under sqlite's MIN.
type Store struct {
	db *sql.DB
}

var (
	_ cohort.ClinicalSource = (*Store)(nil)
	_ covariate.EventSource = (*Store)(nil)
)

// Open opens or creates the snapshot file and ensures the OMOP tables exist.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create snapshot schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for the loader and for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the snapshot file is readable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) query(ctx context.Context, q string, args []interface{}, scan func(rows *sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) ExpandConcepts(ctx context.Context, ancestors []int64) ([]int64, error) {
	seen := make(map[int64]bool, len(ancestors))
	for _, id := range ancestors {
		seen[id] = true
	}
	for _, part := range chunks(ancestors) {
		q := `SELECT DISTINCT descendant_concept_id FROM concept_ancestor
			WHERE ancestor_concept_id IN (` + placeholders(len(part)) + `)`
		err := s.query(ctx, q, toArgs(part), func(rows *sql.Rows) error {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			seen[id] = true
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) FirstExposures(ctx context.Context, conceptIDs []int64) (map[int64]time.Time, error) {
	firsts := make(map[int64]time.Time)
	for _, part := range chunks(conceptIDs) {
		q := `SELECT person_id, MIN(drug_exposure_start_date) FROM drug_exposure
			WHERE drug_concept_id IN (` + placeholders(len(part)) + `)
			GROUP BY person_id`
		err := s.query(ctx, q, toArgs(part), func(rows *sql.Rows) error {
			var id int64
			var raw string
			if err := rows.Scan(&id, &raw); err != nil {
				return err
			}
			d, err := parseDate("drug_exposure_start_date", raw)
			if err != nil {
				return err
			}
			// Chunked concept lists yield one MIN per chunk; keep the
			// earliest across chunks.
			if cur, ok := firsts[id]; !ok || d.Before(cur) {
				firsts[id] = d
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return firsts, nil
}

func (s *Store) Persons(ctx context.Context, personIDs []int64) (map[int64]cohort.Person, error) {
	persons := make(map[int64]cohort.Person, len(personIDs))
	for _, part := range chunks(personIDs) {
		q := `SELECT person_id, gender_concept_id, year_of_birth FROM person
			WHERE person_id IN (` + placeholders(len(part)) + `)`
		err := s.query(ctx, q, toArgs(part), func(rows *sql.Rows) error {
			var p cohort.Person
			if err := rows.Scan(&p.PersonID, &p.GenderConceptID, &p.YearOfBirth); err != nil {
				return err
			}
			persons[p.PersonID] = p
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return persons, nil
}

func (s *Store) ObservationPeriods(ctx context.Context, personIDs []int64) (map[int64][]cohort.ObservationPeriod, error) {
	periods := make(map[int64][]cohort.ObservationPeriod)
	for _, part := range chunks(personIDs) {
		q := `SELECT person_id, observation_period_start_date, observation_period_end_date
			FROM observation_period
			WHERE person_id IN (` + placeholders(len(part)) + `)`
		err := s.query(ctx, q, toArgs(part), func(rows *sql.Rows) error {
			var p cohort.ObservationPeriod
			var rawStart, rawEnd string
			if err := rows.Scan(&p.PersonID, &rawStart, &rawEnd); err != nil {
				return err
			}
			var err error
			if p.StartDate, err = parseDate("observation_period_start_date", rawStart); err != nil {
				return err
			}
			if p.EndDate, err = parseDate("observation_period_end_date", rawEnd); err != nil {
				return err
			}
			periods[p.PersonID] = append(periods[p.PersonID], p)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return periods, nil
}

func (s *Store) Conditions(ctx context.Context, personIDs, conceptIDs []int64) ([]covariate.ConditionEvent, error) {
	var events []covariate.ConditionEvent
	for _, persons := range chunks(personIDs) {
		for _, concepts := range chunks(conceptIDs) {
			q := `SELECT person_id, condition_concept_id, condition_start_date
				FROM condition_occurrence
				WHERE person_id IN (` + placeholders(len(persons)) + `)
				AND condition_concept_id IN (` + placeholders(len(concepts)) + `)`
			args := append(toArgs(persons), toArgs(concepts)...)
			err := s.query(ctx, q, args, func(rows *sql.Rows) error {
				var ev covariate.ConditionEvent
				var raw string
				if err := rows.Scan(&ev.PersonID, &ev.ConceptID, &raw); err != nil {
					return err
				}
				d, err := parseDate("condition_start_date", raw)
				if err != nil {
					return err
				}
				ev.Date = d
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return events, nil
}

func (s *Store) DrugExposures(ctx context.Context, personIDs, conceptIDs []int64) ([]covariate.DrugEvent, error) {
	var events []covariate.DrugEvent
	for _, persons := range chunks(personIDs) {
		for _, concepts := range chunks(conceptIDs) {
			q := `SELECT person_id, drug_concept_id, drug_exposure_start_date
				FROM drug_exposure
				WHERE person_id IN (` + placeholders(len(persons)) + `)
				AND drug_concept_id IN (` + placeholders(len(concepts)) + `)`
			args := append(toArgs(persons), toArgs(concepts)...)
			err := s.query(ctx, q, args, func(rows *sql.Rows) error {
				var ev covariate.DrugEvent
				var raw string
				if err := rows.Scan(&ev.PersonID, &ev.ConceptID, &raw); err != nil {
					return err
				}
				d, err := parseDate("drug_exposure_start_date", raw)
				if err != nil {
					return err
				}
				ev.Date = d
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return events, nil
}

func (s *Store) Measurements(ctx context.Context, personIDs, conceptIDs []int64) ([]covariate.MeasurementEvent, error) {
	var events []covariate.MeasurementEvent
	for _, persons := range chunks(personIDs) {
		for _, concepts := range chunks(conceptIDs) {
			q := `SELECT person_id, measurement_concept_id, measurement_date, value_as_number
				FROM measurement
				WHERE person_id IN (` + placeholders(len(persons)) + `)
				AND measurement_concept_id IN (` + placeholders(len(concepts)) + `)
				AND value_as_number IS NOT NULL`
			args := append(toArgs(persons), toArgs(concepts)...)
			err := s.query(ctx, q, args, func(rows *sql.Rows) error {
				var ev covariate.MeasurementEvent
				var raw string
				if err := rows.Scan(&ev.PersonID, &ev.ConceptID, &raw, &ev.Value); err != nil {
					return err
				}
				d, err := parseDate("measurement_date", raw)
				if err != nil {
					return err
				}
				ev.Date = d
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return events, nil
}

func chunks(ids []int64) [][]int64 {
	var out [][]int64
	for start := 0; start < len(ids); start += inChunk {
		end := min(start+inChunk, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func parseDate(field, raw string) (time.Time, error) {
	d, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s %q: %w", field, raw, err)
	}
	return d, nil
}
