package covariate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sqliteTimeLayout = time.RFC3339Nano

const specSchemaSQLite = `CREATE TABLE IF NOT EXISTS covariate_specs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	definitions TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

type specRepoSQLite struct{ db *sql.DB }

// NewSpecRepoSQLite stores covariate specs in the local sqlite file,
// creating the table when missing. Definitions are stored as JSON text.
func NewSpecRepoSQLite(db *sql.DB) (SpecRepository, error) {
	if _, err := db.Exec(specSchemaSQLite); err != nil {
		return nil, fmt.Errorf("create covariate_specs: %w", err)
	}
	return &specRepoSQLite{db: db}, nil
}

func (r *specRepoSQLite) Create(ctx context.Context, s *Spec) error {
	defs, err := json.Marshal(s.Definitions)
	if err != nil {
		return fmt.Errorf("encode definitions: %w", err)
	}
	s.ID = uuid.New()
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO covariate_specs (id, name, definitions, created_at, updated_at)
		VALUES (?,?,?,?,?)`,
		s.ID.String(), s.Name, string(defs),
		now.Format(sqliteTimeLayout), now.Format(sqliteTimeLayout))
	return err
}

type sqliteRow interface {
	Scan(dest ...interface{}) error
}

func (r *specRepoSQLite) scanSpec(row sqliteRow) (*Spec, error) {
	var (
		s                    Spec
		id, defs             string
		createdAt, updatedAt string
	)
	if err := row.Scan(&id, &s.Name, &defs, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("decode id: %w", err)
	}
	if err := json.Unmarshal([]byte(defs), &s.Definitions); err != nil {
		return nil, fmt.Errorf("decode definitions: %w", err)
	}
	if s.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if s.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return &s, nil
}

func (r *specRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Spec, error) {
	return r.scanSpec(r.db.QueryRowContext(ctx,
		`SELECT id, name, definitions, created_at, updated_at FROM covariate_specs WHERE id = ?`,
		id.String()))
}

func (r *specRepoSQLite) Update(ctx context.Context, s *Spec) error {
	defs, err := json.Marshal(s.Definitions)
	if err != nil {
		return fmt.Errorf("encode definitions: %w", err)
	}
	s.UpdatedAt = time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		UPDATE covariate_specs SET name=?, definitions=?, updated_at=? WHERE id = ?`,
		s.Name, string(defs), s.UpdatedAt.Format(sqliteTimeLayout), s.ID.String())
	return err
}

func (r *specRepoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM covariate_specs WHERE id = ?`, id.String())
	return err
}

func (r *specRepoSQLite) List(ctx context.Context, limit, offset int) ([]*Spec, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM covariate_specs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, definitions, created_at, updated_at
		FROM covariate_specs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
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
