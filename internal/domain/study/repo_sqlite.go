package study

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cohortmatch/cohortmatch/internal/engine"
)

const sqliteTimeLayout = time.RFC3339Nano

type sqliteRow interface {
	Scan(dest ...interface{}) error
}

// =========== Study Repository (sqlite) ===========

const studySchemaSQLite = `CREATE TABLE IF NOT EXISTS studies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	target_cohort_id TEXT NOT NULL,
	comparator_cohort_id TEXT NOT NULL,
	covariate_spec_id TEXT NOT NULL,
	caliper_multiplier REAL NOT NULL,
	convergence_tolerance REAL NOT NULL,
	max_iterations INTEGER NOT NULL,
	allow_non_converged INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

type studyRepoSQLite struct{ db *sql.DB }

// NewStudyRepoSQLite stores studies in the local sqlite file, creating the
// table when missing.
func NewStudyRepoSQLite(db *sql.DB) (StudyRepository, error) {
	if _, err := db.Exec(studySchemaSQLite); err != nil {
		return nil, fmt.Errorf("create studies: %w", err)
	}
	return &studyRepoSQLite{db: db}, nil
}

const studyColsSQLite = `id, name, description, target_cohort_id, comparator_cohort_id, covariate_spec_id,
	caliper_multiplier, convergence_tolerance, max_iterations, allow_non_converged, created_at, updated_at`

func (r *studyRepoSQLite) Create(ctx context.Context, s *Study) error {
	s.ID = uuid.New()
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO studies (`+studyColsSQLite+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID.String(), s.Name, s.Description, s.TargetCohortID.String(), s.ComparatorCohortID.String(),
		s.CovariateSpecID.String(), s.CaliperMultiplier, s.ConvergenceTolerance, s.MaxIterations,
		s.AllowNonConverged, now.Format(sqliteTimeLayout), now.Format(sqliteTimeLayout))
	return err
}

func (r *studyRepoSQLite) scanStudy(row sqliteRow) (*Study, error) {
	var (
		s                            Study
		id, targetID, compID, specID string
		createdAt, updatedAt         string
	)
	err := row.Scan(&id, &s.Name, &s.Description, &targetID, &compID, &specID,
		&s.CaliperMultiplier, &s.ConvergenceTolerance, &s.MaxIterations,
		&s.AllowNonConverged, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("decode id: %w", err)
	}
	if s.TargetCohortID, err = uuid.Parse(targetID); err != nil {
		return nil, fmt.Errorf("decode target_cohort_id: %w", err)
	}
	if s.ComparatorCohortID, err = uuid.Parse(compID); err != nil {
		return nil, fmt.Errorf("decode comparator_cohort_id: %w", err)
	}
	if s.CovariateSpecID, err = uuid.Parse(specID); err != nil {
		return nil, fmt.Errorf("decode covariate_spec_id: %w", err)
	}
	if s.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if s.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return &s, nil
}

func (r *studyRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Study, error) {
	return r.scanStudy(r.db.QueryRowContext(ctx,
		`SELECT `+studyColsSQLite+` FROM studies WHERE id = ?`, id.String()))
}

func (r *studyRepoSQLite) Update(ctx context.Context, s *Study) error {
	s.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE studies SET name=?, description=?, target_cohort_id=?, comparator_cohort_id=?,
			covariate_spec_id=?, caliper_multiplier=?, convergence_tolerance=?,
			max_iterations=?, allow_non_converged=?, updated_at=?
		WHERE id = ?`,
		s.Name, s.Description, s.TargetCohortID.String(), s.ComparatorCohortID.String(),
		s.CovariateSpecID.String(), s.CaliperMultiplier, s.ConvergenceTolerance,
		s.MaxIterations, s.AllowNonConverged, s.UpdatedAt.Format(sqliteTimeLayout), s.ID.String())
	return err
}

func (r *studyRepoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM studies WHERE id = ?`, id.String())
	return err
}

func (r *studyRepoSQLite) List(ctx context.Context, search string, limit, offset int) ([]*Study, int, error) {
	// sqlite LIKE is case-insensitive for ASCII, matching the postgres ILIKE
	// behavior closely enough for a name search.
	pattern := "%" + search + "%"

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM studies WHERE name LIKE ?`, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+studyColsSQLite+` FROM studies WHERE name LIKE ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Study
	for rows.Next() {
		s, err := r.scanStudy(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// =========== Run Repository (sqlite) ===========

var runSchemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		study_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		export_error TEXT,
		exposed_count INTEGER NOT NULL DEFAULT 0,
		unexposed_count INTEGER NOT NULL DEFAULT 0,
		matched_pairs INTEGER NOT NULL DEFAULT 0,
		unmatched_exposed INTEGER NOT NULL DEFAULT 0,
		match_rate REAL NOT NULL DEFAULT 0,
		caliper REAL NOT NULL DEFAULT 0,
		caliper_multiplier REAL NOT NULL DEFAULT 0,
		model_iterations INTEGER NOT NULL DEFAULT 0,
		model_converged INTEGER NOT NULL DEFAULT 0,
		started_at TEXT,
		finished_at TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_study ON runs (study_id)`,
	`CREATE TABLE IF NOT EXISTS run_pairs (
		run_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		exposed_id INTEGER NOT NULL,
		unexposed_id INTEGER NOT NULL,
		distance REAL NOT NULL,
		PRIMARY KEY (run_id, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS run_unmatched (
		run_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		subject_id INTEGER NOT NULL,
		reason TEXT NOT NULL,
		PRIMARY KEY (run_id, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS run_balance (
		run_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		ord INTEGER NOT NULL,
		feature TEXT NOT NULL,
		mean_exposed REAL NOT NULL,
		mean_unexposed REAL NOT NULL,
		smd REAL NOT NULL,
		abs_smd REAL NOT NULL,
		undefined INTEGER NOT NULL,
		balanced INTEGER NOT NULL,
		PRIMARY KEY (run_id, phase, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS run_warnings (
		run_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		code TEXT NOT NULL,
		feature TEXT NOT NULL,
		phase TEXT NOT NULL,
		message TEXT NOT NULL,
		PRIMARY KEY (run_id, ord)
	)`,
}

type runRepoSQLite struct{ db *sql.DB }

// NewRunRepoSQLite stores runs and their reports in the local sqlite file,
// creating the tables when missing.
func NewRunRepoSQLite(db *sql.DB) (RunRepository, error) {
	for _, stmt := range runSchemaSQLite {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create run tables: %w", err)
		}
	}
	return &runRepoSQLite{db: db}, nil
}

const runColsSQLite = `id, study_id, status, error, export_error, exposed_count, unexposed_count,
	matched_pairs, unmatched_exposed, match_rate, caliper, caliper_multiplier,
	model_iterations, model_converged, started_at, finished_at, created_at`

func (r *runRepoSQLite) Create(ctx context.Context, run *Run) error {
	run.ID = uuid.New()
	run.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (id, study_id, status, created_at) VALUES (?,?,?,?)`,
		run.ID.String(), run.StudyID.String(), run.Status, run.CreatedAt.Format(sqliteTimeLayout))
	return err
}

func (r *runRepoSQLite) scanRun(row sqliteRow) (*Run, error) {
	var (
		run                   Run
		id, studyID           string
		startedAt, finishedAt sql.NullString
		createdAt             string
	)
	err := row.Scan(&id, &studyID, &run.Status, &run.Error, &run.ExportError,
		&run.ExposedCount, &run.UnexposedCount, &run.MatchedPairs, &run.UnmatchedExposed,
		&run.MatchRate, &run.Caliper, &run.CaliperMultiplier,
		&run.ModelIterations, &run.ModelConverged, &startedAt, &finishedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("decode id: %w", err)
	}
	if run.StudyID, err = uuid.Parse(studyID); err != nil {
		return nil, fmt.Errorf("decode study_id: %w", err)
	}
	if run.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("decode started_at: %w", err)
	}
	if run.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, fmt.Errorf("decode finished_at: %w", err)
	}
	if run.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	return &run, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatNullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(sqliteTimeLayout)
}

func (r *runRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	return r.scanRun(r.db.QueryRowContext(ctx,
		`SELECT `+runColsSQLite+` FROM runs WHERE id = ?`, id.String()))
}

func (r *runRepoSQLite) Update(ctx context.Context, run *Run) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status=?, error=?, export_error=?, exposed_count=?, unexposed_count=?,
			matched_pairs=?, unmatched_exposed=?, match_rate=?, caliper=?,
			caliper_multiplier=?, model_iterations=?, model_converged=?,
			started_at=?, finished_at=?
		WHERE id = ?`,
		run.Status, run.Error, run.ExportError, run.ExposedCount, run.UnexposedCount,
		run.MatchedPairs, run.UnmatchedExposed, run.MatchRate, run.Caliper,
		run.CaliperMultiplier, run.ModelIterations, run.ModelConverged,
		formatNullTime(run.StartedAt), formatNullTime(run.FinishedAt), run.ID.String())
	return err
}

func (r *runRepoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	return r.deleteRuns(ctx, `id = ?`, id.String())
}

func (r *runRepoSQLite) DeleteByStudy(ctx context.Context, studyID uuid.UUID) error {
	return r.deleteRuns(ctx, `study_id = ?`, studyID.String())
}

// deleteRuns removes run rows and their detail rows in one transaction.
func (r *runRepoSQLite) deleteRuns(ctx context.Context, where string, arg interface{}) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, table := range []string{"run_pairs", "run_unmatched", "run_balance", "run_warnings"} {
		q := `DELETE FROM ` + table + ` WHERE run_id IN (SELECT id FROM runs WHERE ` + where + `)`
		if _, err := tx.ExecContext(ctx, q, arg); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE `+where, arg); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *runRepoSQLite) ListByStudy(ctx context.Context, studyID uuid.UUID, limit, offset int) ([]*Run, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE study_id = ?`, studyID.String()).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColsSQLite+` FROM runs WHERE study_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		studyID.String(), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Run
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, run)
	}
	return items, total, rows.Err()
}

func (r *runRepoSQLite) SaveReport(ctx context.Context, runID uuid.UUID, report *engine.Report) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := saveReportTx(ctx, tx, runID, report); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func saveReportTx(ctx context.Context, tx *sql.Tx, runID uuid.UUID, report *engine.Report) error {
	id := runID.String()
	for i, p := range report.Pairs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_pairs (run_id, ord, exposed_id, unexposed_id, distance)
			VALUES (?,?,?,?,?)`,
			id, i, p.ExposedID, p.UnexposedID, p.Distance); err != nil {
			return err
		}
	}
	for i, u := range report.Unmatched {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_unmatched (run_id, ord, subject_id, reason)
			VALUES (?,?,?,?)`,
			id, i, u.SubjectID, u.Reason); err != nil {
			return err
		}
	}
	insertBalance := func(phase string, rows []engine.BalanceRow) error {
		for i, b := range rows {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_balance (run_id, phase, ord, feature, mean_exposed, mean_unexposed,
					smd, abs_smd, undefined, balanced)
				VALUES (?,?,?,?,?,?,?,?,?,?)`,
				id, phase, i, b.Feature, b.MeanExposed, b.MeanUnexposed,
				b.SMD, b.AbsSMD, b.Undefined, b.Balanced); err != nil {
				return err
			}
		}
		return nil
	}
	if err := insertBalance(engine.PhasePre, report.PreBalance); err != nil {
		return err
	}
	if err := insertBalance(engine.PhasePost, report.PostBalance); err != nil {
		return err
	}
	for i, w := range report.Warnings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_warnings (run_id, ord, code, feature, phase, message)
			VALUES (?,?,?,?,?,?)`,
			id, i, w.Code, w.Feature, w.Phase, w.Message); err != nil {
			return err
		}
	}
	return nil
}

func (r *runRepoSQLite) GetReport(ctx context.Context, runID uuid.UUID) (*engine.Report, error) {
	run, err := r.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusCompleted {
		return nil, ErrNoReport
	}

	report := &engine.Report{
		Summary: engine.Summary{
			Exposed:           run.ExposedCount,
			Unexposed:         run.UnexposedCount,
			MatchedPairs:      run.MatchedPairs,
			UnmatchedExposed:  run.UnmatchedExposed,
			MatchRate:         run.MatchRate,
			Caliper:           run.Caliper,
			CaliperMultiplier: run.CaliperMultiplier,
			ModelIterations:   run.ModelIterations,
			ModelConverged:    run.ModelConverged,
		},
	}
	id := runID.String()

	report.Pairs = []engine.Pair{}
	err = r.query(ctx, `SELECT exposed_id, unexposed_id, distance FROM run_pairs WHERE run_id = ? ORDER BY ord`,
		[]interface{}{id}, func(rows *sql.Rows) error {
			var p engine.Pair
			if err := rows.Scan(&p.ExposedID, &p.UnexposedID, &p.Distance); err != nil {
				return err
			}
			report.Pairs = append(report.Pairs, p)
			return nil
		})
	if err != nil {
		return nil, err
	}

	report.Unmatched = []engine.Unmatched{}
	err = r.query(ctx, `SELECT subject_id, reason FROM run_unmatched WHERE run_id = ? ORDER BY ord`,
		[]interface{}{id}, func(rows *sql.Rows) error {
			var u engine.Unmatched
			if err := rows.Scan(&u.SubjectID, &u.Reason); err != nil {
				return err
			}
			report.Unmatched = append(report.Unmatched, u)
			return nil
		})
	if err != nil {
		return nil, err
	}

	readBalance := func(phase string) ([]engine.BalanceRow, error) {
		out := []engine.BalanceRow{}
		err := r.query(ctx, `
			SELECT feature, mean_exposed, mean_unexposed, smd, abs_smd, undefined, balanced
			FROM run_balance WHERE run_id = ? AND phase = ? ORDER BY ord`,
			[]interface{}{id, phase}, func(rows *sql.Rows) error {
				var b engine.BalanceRow
				if err := rows.Scan(&b.Feature, &b.MeanExposed, &b.MeanUnexposed,
					&b.SMD, &b.AbsSMD, &b.Undefined, &b.Balanced); err != nil {
					return err
				}
				out = append(out, b)
				return nil
			})
		return out, err
	}
	if report.PreBalance, err = readBalance(engine.PhasePre); err != nil {
		return nil, err
	}
	if report.PostBalance, err = readBalance(engine.PhasePost); err != nil {
		return nil, err
	}

	report.Warnings = []engine.Warning{}
	err = r.query(ctx, `SELECT code, feature, phase, message FROM run_warnings WHERE run_id = ? ORDER BY ord`,
		[]interface{}{id}, func(rows *sql.Rows) error {
			var w engine.Warning
			if err := rows.Scan(&w.Code, &w.Feature, &w.Phase, &w.Message); err != nil {
				return err
			}
			report.Warnings = append(report.Warnings, w)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (r *runRepoSQLite) query(ctx context.Context, q string, args []interface{}, scan func(rows *sql.Rows) error) error {
	rows, err := r.db.QueryContext(ctx, q, args...)
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
