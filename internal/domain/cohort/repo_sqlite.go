package cohort

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Timestamps are stored as RFC 3339 text; sqlite has no native time type.
const sqliteTimeLayout = time.RFC3339Nano

const defSchemaSQLite = `CREATE TABLE IF NOT EXISTS cohort_definitions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	exposure_concepts TEXT NOT NULL,
	include_descendants INTEGER NOT NULL,
	min_age INTEGER NOT NULL,
	baseline_days INTEGER NOT NULL,
	min_followup_days INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

type defRepoSQLite struct{ db *sql.DB }

// NewDefinitionRepoSQLite stores definitions in the local sqlite file,
// creating the table when missing. Concept lists are stored as JSON text.
func NewDefinitionRepoSQLite(db *sql.DB) (DefinitionRepository, error) {
	if _, err := db.Exec(defSchemaSQLite); err != nil {
		return nil, fmt.Errorf("create cohort_definitions: %w", err)
	}
	return &defRepoSQLite{db: db}, nil
}

func (r *defRepoSQLite) Create(ctx context.Context, d *Definition) error {
	concepts, err := json.Marshal(d.ExposureConcepts)
	if err != nil {
		return fmt.Errorf("encode exposure concepts: %w", err)
	}
	d.ID = uuid.New()
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO cohort_definitions (id, name, description, exposure_concepts, include_descendants,
			min_age, baseline_days, min_followup_days, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID.String(), d.Name, d.Description, string(concepts), d.IncludeDescendants,
		d.MinAge, d.BaselineDays, d.MinFollowupDays,
		now.Format(sqliteTimeLayout), now.Format(sqliteTimeLayout))
	return err
}

// sqliteRow covers *sql.Row and *sql.Rows.
type sqliteRow interface {
	Scan(dest ...interface{}) error
}

func (r *defRepoSQLite) scanDefinition(row sqliteRow) (*Definition, error) {
	var (
		d                    Definition
		id, concepts         string
		createdAt, updatedAt string
	)
	err := row.Scan(&id, &d.Name, &d.Description, &concepts, &d.IncludeDescendants,
		&d.MinAge, &d.BaselineDays, &d.MinFollowupDays, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if d.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("decode id: %w", err)
	}
	if err := json.Unmarshal([]byte(concepts), &d.ExposureConcepts); err != nil {
		return nil, fmt.Errorf("decode exposure concepts: %w", err)
	}
	if d.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return &d, nil
}

const defColsSQLite = `id, name, description, exposure_concepts, include_descendants,
	min_age, baseline_days, min_followup_days, created_at, updated_at`

func (r *defRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Definition, error) {
	return r.scanDefinition(r.db.QueryRowContext(ctx,
		`SELECT `+defColsSQLite+` FROM cohort_definitions WHERE id = ?`, id.String()))
}

func (r *defRepoSQLite) Update(ctx context.Context, d *Definition) error {
	concepts, err := json.Marshal(d.ExposureConcepts)
	if err != nil {
		return fmt.Errorf("encode exposure concepts: %w", err)
	}
	d.UpdatedAt = time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		UPDATE cohort_definitions SET name=?, description=?, exposure_concepts=?,
			include_descendants=?, min_age=?, baseline_days=?, min_followup_days=?, updated_at=?
		WHERE id = ?`,
		d.Name, d.Description, string(concepts), d.IncludeDescendants,
		d.MinAge, d.BaselineDays, d.MinFollowupDays,
		d.UpdatedAt.Format(sqliteTimeLayout), d.ID.String())
	return err
}

func (r *defRepoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cohort_definitions WHERE id = ?`, id.String())
	return err
}

func (r *defRepoSQLite) List(ctx context.Context, limit, offset int) ([]*Definition, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cohort_definitions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+defColsSQLite+` FROM cohort_definitions ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
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
