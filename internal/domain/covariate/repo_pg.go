package covariate

import (
	"context"
	"encoding/json"
	"fmt"

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

// =========== Spec Repository ===========

type specRepoPG struct{ pool *pgxpool.Pool }

func NewSpecRepoPG(pool *pgxpool.Pool) SpecRepository {
	return &specRepoPG{pool: pool}
}

func (r *specRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const specCols = `id, name, definitions, created_at, updated_at`

func (r *specRepoPG) scanSpec(row pgx.Row) (*Spec, error) {
	var s Spec
	var raw []byte
	if err := row.Scan(&s.ID, &s.Name, &raw, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &s.Definitions); err != nil {
		return nil, fmt.Errorf("decode definitions: %w", err)
	}
	return &s, nil
}

func (r *specRepoPG) Create(ctx context.Context, s *Spec) error {
	raw, err := json.Marshal(s.Definitions)
	if err != nil {
		return fmt.Errorf("encode definitions: %w", err)
	}
	s.ID = uuid.New()
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO covariate_specs (id, name, definitions)
		VALUES ($1,$2,$3)`,
		s.ID, s.Name, raw)
	return err
}

func (r *specRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Spec, error) {
	return r.scanSpec(r.conn(ctx).QueryRow(ctx,
		`SELECT `+specCols+` FROM covariate_specs WHERE id = $1`, id))
}

func (r *specRepoPG) Update(ctx context.Context, s *Spec) error {
	raw, err := json.Marshal(s.Definitions)
	if err != nil {
		return fmt.Errorf("encode definitions: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE covariate_specs SET name=$2, definitions=$3, updated_at=NOW()
		WHERE id = $1`,
		s.ID, s.Name, raw)
	return err
}

func (r *specRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM covariate_specs WHERE id = $1`, id)
	return err
}

func (r *specRepoPG) List(ctx context.Context, limit, offset int) ([]*Spec, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM covariate_specs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+specCols+` FROM covariate_specs ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Spec
	for rows.Next() {
		s, err := r.scanSpec(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// =========== Event Source (OMOP tables in Postgres) ===========

type eventsPG struct{ pool *pgxpool.Pool }

func NewEventSourcePG(pool *pgxpool.Pool) EventSource {
	return &eventsPG{pool: pool}
}

func (r *eventsPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *eventsPG) Conditions(ctx context.Context, personIDs, conceptIDs []int64) ([]ConditionEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT person_id, condition_concept_id, condition_start_date
		FROM condition_occurrence
		WHERE person_id = ANY($1::bigint[]) AND condition_concept_id = ANY($2::bigint[])`,
		personIDs, conceptIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []ConditionEvent
	for rows.Next() {
		var ev ConditionEvent
		if err := rows.Scan(&ev.PersonID, &ev.ConceptID, &ev.Date); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *eventsPG) DrugExposures(ctx context.Context, personIDs, conceptIDs []int64) ([]DrugEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT person_id, drug_concept_id, drug_exposure_start_date
		FROM drug_exposure
		WHERE person_id = ANY($1::bigint[]) AND drug_concept_id = ANY($2::bigint[])`,
		personIDs, conceptIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []DrugEvent
	for rows.Next() {
		var ev DrugEvent
		if err := rows.Scan(&ev.PersonID, &ev.ConceptID, &ev.Date); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *eventsPG) Measurements(ctx context.Context, personIDs, conceptIDs []int64) ([]MeasurementEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT person_id, measurement_concept_id, measurement_date, value_as_number
		FROM measurement
		WHERE person_id = ANY($1::bigint[]) AND measurement_concept_id = ANY($2::bigint[])
			AND value_as_number IS NOT NULL`,
		personIDs, conceptIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []MeasurementEvent
	for rows.Next() {
		var ev MeasurementEvent
		if err := rows.Scan(&ev.PersonID, &ev.ConceptID, &ev.Date, &ev.Value); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
