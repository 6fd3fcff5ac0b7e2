package snapshot

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Loader fills a snapshot from OMOP-shaped CSV files. Each table loads in
// one transaction; a malformed row aborts the whole file.
type Loader struct {
	db *sql.DB
}

func NewLoader(s *Store) *Loader {
	return &Loader{db: s.db}
}

var (
	personHeader      = []string{"person_id", "gender_concept_id", "year_of_birth"}
	periodHeader      = []string{"person_id", "observation_period_start_date", "observation_period_end_date"}
	drugHeader        = []string{"person_id", "drug_concept_id", "drug_exposure_start_date"}
	conditionHeader   = []string{"person_id", "condition_concept_id", "condition_start_date"}
	measurementHeader = []string{"person_id", "measurement_concept_id", "measurement_date", "value_as_number"}
	ancestorHeader    = []string{"ancestor_concept_id", "descendant_concept_id"}
)

func (l *Loader) LoadPersons(ctx context.Context, r io.Reader) (int, error) {
	return l.load(ctx, r, personHeader,
		`INSERT INTO person (person_id, gender_concept_id, year_of_birth) VALUES (?,?,?)`,
		func(rec []string) ([]interface{}, error) {
			id, err := parseID("person_id", rec[0])
			if err != nil {
				return nil, err
			}
			gender, err := parseID("gender_concept_id", rec[1])
			if err != nil {
				return nil, err
			}
			yob, err := parseID("year_of_birth", rec[2])
			if err != nil {
				return nil, err
			}
			return []interface{}{id, gender, yob}, nil
		})
}

func (l *Loader) LoadObservationPeriods(ctx context.Context, r io.Reader) (int, error) {
	return l.load(ctx, r, periodHeader,
		`INSERT INTO observation_period (person_id, observation_period_start_date, observation_period_end_date) VALUES (?,?,?)`,
		func(rec []string) ([]interface{}, error) {
			id, err := parseID("person_id", rec[0])
			if err != nil {
				return nil, err
			}
			start, err := checkDate("observation_period_start_date", rec[1])
			if err != nil {
				return nil, err
			}
			end, err := checkDate("observation_period_end_date", rec[2])
			if err != nil {
				return nil, err
			}
			return []interface{}{id, start, end}, nil
		})
}

func (l *Loader) LoadDrugExposures(ctx context.Context, r io.Reader) (int, error) {
	return l.load(ctx, r, drugHeader,
		`INSERT INTO drug_exposure (person_id, drug_concept_id, drug_exposure_start_date) VALUES (?,?,?)`,
		func(rec []string) ([]interface{}, error) {
			id, err := parseID("person_id", rec[0])
			if err != nil {
				return nil, err
			}
			concept, err := parseID("drug_concept_id", rec[1])
			if err != nil {
				return nil, err
			}
			date, err := checkDate("drug_exposure_start_date", rec[2])
			if err != nil {
				return nil, err
			}
			return []interface{}{id, concept, date}, nil
		})
}

func (l *Loader) LoadConditions(ctx context.Context, r io.Reader) (int, error) {
	return l.load(ctx, r, conditionHeader,
		`INSERT INTO condition_occurrence (person_id, condition_concept_id, condition_start_date) VALUES (?,?,?)`,
		func(rec []string) ([]interface{}, error) {
			id, err := parseID("person_id", rec[0])
			if err != nil {
				return nil, err
			}
			concept, err := parseID("condition_concept_id", rec[1])
			if err != nil {
				return nil, err
			}
			date, err := checkDate("condition_start_date", rec[2])
			if err != nil {
				return nil, err
			}
			return []interface{}{id, concept, date}, nil
		})
}

func (l *Loader) LoadMeasurements(ctx context.Context, r io.Reader) (int, error) {
	return l.load(ctx, r, measurementHeader,
		`INSERT INTO measurement (person_id, measurement_concept_id, measurement_date, value_as_number) VALUES (?,?,?,?)`,
		func(rec []string) ([]interface{}, error) {
			id, err := parseID("person_id", rec[0])
			if err != nil {
				return nil, err
			}
			concept, err := parseID("measurement_concept_id", rec[1])
			if err != nil {
				return nil, err
			}
			date, err := checkDate("measurement_date", rec[2])
			if err != nil {
				return nil, err
			}
			// Empty value_as_number loads as NULL, the OMOP convention for
			// non-numeric results.
			var value interface{}
			if v := strings.TrimSpace(rec[3]); v != "" {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return nil, fmt.Errorf("value_as_number %q: %w", v, err)
				}
				value = f
			}
			return []interface{}{id, concept, date, value}, nil
		})
}

func (l *Loader) LoadConceptAncestors(ctx context.Context, r io.Reader) (int, error) {
	return l.load(ctx, r, ancestorHeader,
		`INSERT INTO concept_ancestor (ancestor_concept_id, descendant_concept_id) VALUES (?,?)`,
		func(rec []string) ([]interface{}, error) {
			ancestor, err := parseID("ancestor_concept_id", rec[0])
			if err != nil {
				return nil, err
			}
			descendant, err := parseID("descendant_concept_id", rec[1])
			if err != nil {
				return nil, err
			}
			return []interface{}{ancestor, descendant}, nil
		})
}

// LoadDir loads every recognized OMOP CSV present in dir and returns row
// counts keyed by file name. Missing files are skipped.
func (l *Loader) LoadDir(ctx context.Context, dir string) (map[string]int, error) {
	loaders := []struct {
		file string
		fn   func(context.Context, io.Reader) (int, error)
	}{
		{"person.csv", l.LoadPersons},
		{"observation_period.csv", l.LoadObservationPeriods},
		{"drug_exposure.csv", l.LoadDrugExposures},
		{"condition_occurrence.csv", l.LoadConditions},
		{"measurement.csv", l.LoadMeasurements},
		{"concept_ancestor.csv", l.LoadConceptAncestors},
	}
	counts := make(map[string]int)
	for _, ld := range loaders {
		f, err := os.Open(filepath.Join(dir, ld.file))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		n, err := ld.fn(ctx, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ld.file, err)
		}
		counts[ld.file] = n
	}
	return counts, nil
}

func (l *Loader) load(ctx context.Context, r io.Reader, header []string, insert string, rowArgs func(rec []string) ([]interface{}, error)) (int, error) {
	cr := csv.NewReader(r)
	head, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	if err := matchHeader(head, header); err != nil {
		return 0, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	count := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		args, err := rowArgs(rec)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("row %d: %w", count+2, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func matchHeader(got, want []string) error {
	ok := len(got) == len(want)
	if ok {
		for i := range want {
			if strings.TrimSpace(got[i]) != want[i] {
				ok = false
				break
			}
		}
	}
	if !ok {
		return fmt.Errorf("expected header %v, got %v", want, got)
	}
	return nil
}

func parseID(field, raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: not an integer", field, raw)
	}
	return id, nil
}

// checkDate validates ISO format and returns the value as stored.
func checkDate(field, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if _, err := parseDate(field, raw); err != nil {
		return "", err
	}
	return raw, nil
}
