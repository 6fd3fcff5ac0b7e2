package cohort

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cohortmatch/cohortmatch/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Definition Repository ===========

type defRepoPG struct{ pool *pgxpool.Pool }

func NewDefinitionRepoPG(pool *pgxpool.Pool) DefinitionRepository {
	return &defRepoPG{pool: pool}
}

func (r *defRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const defCols = `id, name, description, exposure_concepts, include_descendants,
	min_age, baseline_days, min_followup_days, created_at, updated_at`

func (r *defRepoPG) scanDefinition(row pgx.Row) (*Definition, error) {
	var d Definition
	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.ExposureConcepts, &d.IncludeDescendants,
		&d.MinAge, &d.BaselineDays, &d.MinFollowupDays, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *defRepoPG) Create(ctx context.Context, d *Definition) error {
	d.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO cohort_definitions (id, name, description, exposure_concepts, include_descendants,
			min_age, baseline_days, min_followup_days)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.ID, d.Name, d.Description, d.ExposureConcepts, d.IncludeDescendants,
		d.MinAge, d.BaselineDays, d.MinFollowupDays)
	return err
}

func (r *defRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Definition, error) {
	return r.scanDefinition(r.conn(ctx).QueryRow(ctx,
		`SELECT `+defCols+` FROM cohort_definitions WHERE id = $1`, id))
}

func (r *defRepoPG) Update(ctx context.Context, d *Definition) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE cohort_definitions SET name=$2, description=$3, exposure_concepts=$4,
			include_descendants=$5, min_age=$6, baseline_days=$7, min_followup_days=$8,
			updated_at=NOW()
		WHERE id = $1`,
		d.ID, d.Name, d.Description, d.ExposureConcepts,
		d.IncludeDescendants, d.MinAge, d.BaselineDays, d.MinFollowupDays)
	return err
}

func (r *defRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM cohort_definitions WHERE id = $1`, id)
	return err
}

func (r *defRepoPG) List(ctx context.Context, limit, offset int) ([]*Definition, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM cohort_definitions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+defCols+` FROM cohort_definitions ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Definition
	for rows.Next() {
		d, err := r.scanDefinition(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

// =========== Clinical Source (OMOP tables in Postgres) ===========

type clinicalPG struct{ pool *pgxpool.Pool }

func NewClinicalSourcePG(pool *pgxpool.Pool) ClinicalSource {
	return &clinicalPG{pool: pool}
}

func (r *clinicalPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *clinicalPG) ExpandConcepts(ctx context.Context, ancestors []int64) ([]int64, error) {
	seen := make(map[int64]bool, len(ancestors))
	for _, id := range ancestors {
		seen[id] = true
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT descendant_concept_id
		FROM concept_ancestor
		WHERE ancestor_concept_id = ANY($1::bigint[])`, ancestors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortedKeys(seen), nil
}

func (r *clinicalPG) FirstExposures(ctx context.Context, conceptIDs []int64) (map[int64]time.Time, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT person_id, MIN(drug_exposure_start_date)
		FROM drug_exposure
		WHERE drug_concept_id = ANY($1::bigint[])
		GROUP BY person_id`, conceptIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	firsts := make(map[int64]time.Time)
	for rows.Next() {
		var id int64
		var first time.Time
		if err := rows.Scan(&id, &first); err != nil {
			return nil, err
		}
		firsts[id] = first
	}
	return firsts, rows.Err()
}

func (r *clinicalPG) Persons(ctx context.Context, personIDs []int64) (map[int64]Person, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT person_id, gender_concept_id, year_of_birth
		FROM person
		WHERE person_id = ANY($1::bigint[])`, personIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	persons := make(map[int64]Person, len(personIDs))
	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.PersonID, &p.GenderConceptID, &p.YearOfBirth); err != nil {
			return nil, err
		}
		persons[p.PersonID] = p
	}
	return persons, rows.Err()
}

func (r *clinicalPG) ObservationPeriods(ctx context.Context, personIDs []int64) (map[int64][]ObservationPeriod, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT person_id, observation_period_start_date, observation_period_end_date
		FROM observation_period
		WHERE person_id = ANY($1::bigint[])`, personIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	periods := make(map[int64][]ObservationPeriod)
	for rows.Next() {
		var p ObservationPeriod
		if err := rows.Scan(&p.PersonID, &p.StartDate, &p.EndDate); err != nil {
			return nil, err
		}
		periods[p.PersonID] = append(periods[p.PersonID], p)
	}
	return periods, rows.Err()
}

func sortedKeys(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
