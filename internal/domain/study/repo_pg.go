package study

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cohortmatch/cohortmatch/internal/engine"
	"github.com/cohortmatch/cohortmatch/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Study Repository ===========

type studyRepoPG struct{ pool *pgxpool.Pool }

func NewStudyRepoPG(pool *pgxpool.Pool) StudyRepository {
	return &studyRepoPG{pool: pool}
}

func (r *studyRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const studyCols = `id, name, description, target_cohort_id, comparator_cohort_id, covariate_spec_id,
	caliper_multiplier, convergence_tolerance, max_iterations, allow_non_converged, created_at, updated_at`

func (r *studyRepoPG) scanStudy(row pgx.Row) (*Study, error) {
	var s Study
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.TargetCohortID, &s.ComparatorCohortID,
		&s.CovariateSpecID, &s.CaliperMultiplier, &s.ConvergenceTolerance, &s.MaxIterations,
		&s.AllowNonConverged, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *studyRepoPG) Create(ctx context.Context, s *Study) error {
	s.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO studies (id, name, description, target_cohort_id, comparator_cohort_id,
			covariate_spec_id, caliper_multiplier, convergence_tolerance, max_iterations, allow_non_converged)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.ID, s.Name, s.Description, s.TargetCohortID, s.ComparatorCohortID,
		s.CovariateSpecID, s.CaliperMultiplier, s.ConvergenceTolerance, s.MaxIterations, s.AllowNonConverged)
	return err
}

func (r *studyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Study, error) {
	return r.scanStudy(r.conn(ctx).QueryRow(ctx,
		`SELECT `+studyCols+` FROM studies WHERE id = $1`, id))
}

func (r *studyRepoPG) Update(ctx context.Context, s *Study) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE studies SET name=$2, description=$3, target_cohort_id=$4, comparator_cohort_id=$5,
			covariate_spec_id=$6, caliper_multiplier=$7, convergence_tolerance=$8,
			max_iterations=$9, allow_non_converged=$10, updated_at=NOW()
		WHERE id = $1`,
		s.ID, s.Name, s.Description, s.TargetCohortID, s.ComparatorCohortID,
		s.CovariateSpecID, s.CaliperMultiplier, s.ConvergenceTolerance, s.MaxIterations, s.AllowNonConverged)
	return err
}

func (r *studyRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM studies WHERE id = $1`, id)
	return err
}

func (r *studyRepoPG) List(ctx context.Context, search string, limit, offset int) ([]*Study, int, error) {
	// Matches every row when search is empty, so one query serves both cases.
	pattern := "%" + search + "%"

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM studies WHERE name ILIKE $1`, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+studyCols+` FROM studies WHERE name ILIKE $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
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

// =========== Run Repository ===========

type runRepoPG struct{ pool *pgxpool.Pool }

func NewRunRepoPG(pool *pgxpool.Pool) RunRepository {
	return &runRepoPG{pool: pool}
}

func (r *runRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const runCols = `id, study_id, status, error, export_error, exposed_count, unexposed_count,
	matched_pairs, unmatched_exposed, match_rate, caliper, caliper_multiplier,
	model_iterations, model_converged, started_at, finished_at, created_at`

func (r *runRepoPG) scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.StudyID, &run.Status, &run.Error, &run.ExportError,
		&run.ExposedCount, &run.UnexposedCount, &run.MatchedPairs, &run.UnmatchedExposed,
		&run.MatchRate, &run.Caliper, &run.CaliperMultiplier,
		&run.ModelIterations, &run.ModelConverged, &run.StartedAt, &run.FinishedAt, &run.CreatedAt)
	return &run, err
}

func (r *runRepoPG) Create(ctx context.Context, run *Run) error {
	run.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO runs (id, study_id, status) VALUES ($1,$2,$3)`,
		run.ID, run.StudyID, run.Status)
	return err
}

func (r *runRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	return r.scanRun(r.conn(ctx).QueryRow(ctx,
		`SELECT `+runCols+` FROM runs WHERE id = $1`, id))
}

func (r *runRepoPG) Update(ctx context.Context, run *Run) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE runs SET status=$2, error=$3, export_error=$4, exposed_count=$5, unexposed_count=$6,
			matched_pairs=$7, unmatched_exposed=$8, match_rate=$9, caliper=$10,
			caliper_multiplier=$11, model_iterations=$12, model_converged=$13,
			started_at=$14, finished_at=$15
		WHERE id = $1`,
		run.ID, run.Status, run.Error, run.ExportError, run.ExposedCount, run.UnexposedCount,
		run.MatchedPairs, run.UnmatchedExposed, run.MatchRate, run.Caliper,
		run.CaliperMultiplier, run.ModelIterations, run.ModelConverged,
		run.StartedAt, run.FinishedAt)
	return err
}

func (r *runRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	return err
}

func (r *runRepoPG) DeleteByStudy(ctx context.Context, studyID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM runs WHERE study_id = $1`, studyID)
	return err
}

func (r *runRepoPG) ListByStudy(ctx context.Context, studyID uuid.UUID, limit, offset int) ([]*Run, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE study_id = $1`, studyID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+runCols+` FROM runs WHERE study_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		studyID, limit, offset)
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

// SaveReport writes every detail row in one transaction. The ord column
// preserves report order on read-back.
func (r *runRepoPG) SaveReport(ctx context.Context, runID uuid.UUID, report *engine.Report) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)
		for i, p := range report.Pairs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO run_pairs (run_id, ord, exposed_id, unexposed_id, distance)
				VALUES ($1,$2,$3,$4,$5)`,
				runID, i, p.ExposedID, p.UnexposedID, p.Distance); err != nil {
				return err
			}
		}
		for i, u := range report.Unmatched {
			if _, err := tx.Exec(ctx, `
				INSERT INTO run_unmatched (run_id, ord, subject_id, reason)
				VALUES ($1,$2,$3,$4)`,
				runID, i, u.SubjectID, u.Reason); err != nil {
				return err
			}
		}
		insertBalance := func(phase string, rows []engine.BalanceRow) error {
			for i, b := range rows {
				if _, err := tx.Exec(ctx, `
					INSERT INTO run_balance (run_id, phase, ord, feature, mean_exposed, mean_unexposed,
						smd, abs_smd, undefined, balanced)
					VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
					runID, phase, i, b.Feature, b.MeanExposed, b.MeanUnexposed,
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
			if _, err := tx.Exec(ctx, `
				INSERT INTO run_warnings (run_id, ord, code, feature, phase, message)
				VALUES ($1,$2,$3,$4,$5,$6)`,
				runID, i, w.Code, w.Feature, w.Phase, w.Message); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetReport rebuilds the report from the run row and its detail tables.
func (r *runRepoPG) GetReport(ctx context.Context, runID uuid.UUID) (*engine.Report, error) {
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
	if report.Pairs, err = r.readPairs(ctx, runID); err != nil {
		return nil, err
	}
	if report.Unmatched, err = r.readUnmatched(ctx, runID); err != nil {
		return nil, err
	}
	if report.PreBalance, err = r.readBalance(ctx, runID, engine.PhasePre); err != nil {
		return nil, err
	}
	if report.PostBalance, err = r.readBalance(ctx, runID, engine.PhasePost); err != nil {
		return nil, err
	}
	if report.Warnings, err = r.readWarnings(ctx, runID); err != nil {
		return nil, err
	}
	return report, nil
}

func (r *runRepoPG) readPairs(ctx context.Context, runID uuid.UUID) ([]engine.Pair, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT exposed_id, unexposed_id, distance FROM run_pairs WHERE run_id = $1 ORDER BY ord`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []engine.Pair{}
	for rows.Next() {
		var p engine.Pair
		if err := rows.Scan(&p.ExposedID, &p.UnexposedID, &p.Distance); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *runRepoPG) readUnmatched(ctx context.Context, runID uuid.UUID) ([]engine.Unmatched, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT subject_id, reason FROM run_unmatched WHERE run_id = $1 ORDER BY ord`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []engine.Unmatched{}
	for rows.Next() {
		var u engine.Unmatched
		if err := rows.Scan(&u.SubjectID, &u.Reason); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *runRepoPG) readBalance(ctx context.Context, runID uuid.UUID, phase string) ([]engine.BalanceRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT feature, mean_exposed, mean_unexposed, smd, abs_smd, undefined, balanced
		FROM run_balance WHERE run_id = $1 AND phase = $2 ORDER BY ord`, runID, phase)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []engine.BalanceRow{}
	for rows.Next() {
		var b engine.BalanceRow
		if err := rows.Scan(&b.Feature, &b.MeanExposed, &b.MeanUnexposed,
			&b.SMD, &b.AbsSMD, &b.Undefined, &b.Balanced); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *runRepoPG) readWarnings(ctx context.Context, runID uuid.UUID) ([]engine.Warning, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT code, feature, phase, message FROM run_warnings WHERE run_id = $1 ORDER BY ord`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []engine.Warning{}
	for rows.Next() {
		var w engine.Warning
		if err := rows.Scan(&w.Code, &w.Feature, &w.Phase, &w.Message); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
