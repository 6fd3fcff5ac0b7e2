package study

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cohortmatch/cohortmatch/internal/domain/cohort"
	"github.com/cohortmatch/cohortmatch/internal/domain/covariate"
	"github.com/cohortmatch/cohortmatch/internal/engine"
	"github.com/cohortmatch/cohortmatch/internal/platform/telemetry"
)

// DefaultRunTimeout bounds a single asynchronous run.
const DefaultRunTimeout = 10 * time.Minute

// CohortExtractor resolves cohort definitions and extracts their members.
// Satisfied by cohort.Service.
type CohortExtractor interface {
	GetDefinition(ctx context.Context, id uuid.UUID) (*cohort.Definition, error)
	Extract(ctx context.Context, targetID, comparatorID uuid.UUID) ([]cohort.Member, []cohort.Member, error)
}

// CovariateBuilder resolves covariate specs and builds the engine table.
// Satisfied by covariate.Service.
type CovariateBuilder interface {
	GetSpec(ctx context.Context, id uuid.UUID) (*covariate.Spec, error)
	Build(ctx context.Context, spec *covariate.Spec, target, comparator []cohort.Member, baselineDays int) (*engine.Table, error)
}

// ReportExporter ships run artifacts to external storage. Satisfied by
// export.Exporter.
type ReportExporter interface {
	Export(ctx context.Context, runID uuid.UUID, report *engine.Report) error
}

// Config wires the service. Exporter may be nil when exports are disabled.
type Config struct {
	Studies    StudyRepository
	Runs       RunRepository
	Cohorts    CohortExtractor
	Covariates CovariateBuilder
	Exporter   ReportExporter
	Metrics    *telemetry.Metrics
	Logger     zerolog.Logger
	RunTimeout time.Duration
}

type Service struct {
	studies    StudyRepository
	runs       RunRepository
	cohorts    CohortExtractor
	covariates CovariateBuilder
	exporter   ReportExporter
	metrics    *telemetry.Metrics
	log        zerolog.Logger
	runTimeout time.Duration
}

func NewService(cfg Config) *Service {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	return &Service{
		studies:    cfg.Studies,
		runs:       cfg.Runs,
		cohorts:    cfg.Cohorts,
		covariates: cfg.Covariates,
		exporter:   cfg.Exporter,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		runTimeout: cfg.RunTimeout,
	}
}

// -- Study CRUD --

func (s *Service) CreateStudy(ctx context.Context, st *Study) error {
	st.ApplyDefaults()
	if err := st.Validate(); err != nil {
		return err
	}
	if err := s.resolveRefs(ctx, st); err != nil {
		return err
	}
	return s.studies.Create(ctx, st)
}

func (s *Service) GetStudy(ctx context.Context, id uuid.UUID) (*Study, error) {
	return s.studies.GetByID(ctx, id)
}

func (s *Service) UpdateStudy(ctx context.Context, st *Study) error {
	st.ApplyDefaults()
	if err := st.Validate(); err != nil {
		return err
	}
	if err := s.resolveRefs(ctx, st); err != nil {
		return err
	}
	return s.studies.Update(ctx, st)
}

// DeleteStudy removes the study and every run recorded for it.
func (s *Service) DeleteStudy(ctx context.Context, id uuid.UUID) error {
	if err := s.runs.DeleteByStudy(ctx, id); err != nil {
		return err
	}
	return s.studies.Delete(ctx, id)
}

func (s *Service) ListStudies(ctx context.Context, search string, limit, offset int) ([]*Study, int, error) {
	return s.studies.List(ctx, search, limit, offset)
}

// resolveRefs verifies the cohort and covariate references point at stored
// rows, so a study cannot be saved against ids that will fail at run time.
func (s *Service) resolveRefs(ctx context.Context, st *Study) error {
	if _, err := s.cohorts.GetDefinition(ctx, st.TargetCohortID); err != nil {
		return fmt.Errorf("target cohort %s: %w", st.TargetCohortID, err)
	}
	if _, err := s.cohorts.GetDefinition(ctx, st.ComparatorCohortID); err != nil {
		return fmt.Errorf("comparator cohort %s: %w", st.ComparatorCohortID, err)
	}
	if _, err := s.covariates.GetSpec(ctx, st.CovariateSpecID); err != nil {
		return fmt.Errorf("covariate spec %s: %w", st.CovariateSpecID, err)
	}
	return nil
}

// -- Runs --

// StartRun records a pending run and executes it in the background. The
// returned run reflects the pending state; poll GetRun for progress.
func (s *Service) StartRun(ctx context.Context, studyID uuid.UUID) (*Run, error) {
	st, err := s.studies.GetByID(ctx, studyID)
	if err != nil {
		return nil, err
	}
	run := &Run{StudyID: st.ID, Status: StatusPending}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	go s.execute(st, run.ID)
	return run, nil
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	return s.runs.GetByID(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context, studyID uuid.UUID, limit, offset int) ([]*Run, int, error) {
	return s.runs.ListByStudy(ctx, studyID, limit, offset)
}

func (s *Service) GetReport(ctx context.Context, runID uuid.UUID) (*engine.Report, error) {
	return s.runs.GetReport(ctx, runID)
}

func (s *Service) DeleteRun(ctx context.Context, id uuid.UUID) error {
	return s.runs.Delete(ctx, id)
}

// execute drives one run to a terminal state. It owns its context: the run
// outlives the request that started it and stops only on completion, failure,
// or the configured timeout.
func (s *Service) execute(st *Study, runID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	started := time.Now()
	if s.metrics != nil {
		s.metrics.RunStarted()
	}

	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		s.log.Error().Err(err).Stringer("run_id", runID).Msg("load run")
		return
	}
	now := time.Now().UTC()
	run.Status = StatusRunning
	run.StartedAt = &now
	if err := s.runs.Update(ctx, run); err != nil {
		s.fail(run, started, fmt.Errorf("mark running: %w", err))
		return
	}

	report, err := s.produce(ctx, st)
	if err != nil {
		s.fail(run, started, err)
		return
	}
	if err := s.runs.SaveReport(ctx, run.ID, report); err != nil {
		s.fail(run, started, fmt.Errorf("persist report: %w", err))
		return
	}

	run.ApplySummary(report.Summary)
	run.Status = StatusCompleted
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	if err := s.runs.Update(ctx, run); err != nil {
		s.fail(run, started, fmt.Errorf("mark completed: %w", err))
		return
	}
	if s.metrics != nil {
		s.metrics.RunCompleted(time.Since(started), run.MatchRate, run.ModelIterations)
	}
	s.log.Info().
		Stringer("run_id", run.ID).
		Stringer("study_id", st.ID).
		Int("matched_pairs", run.MatchedPairs).
		Float64("match_rate", run.MatchRate).
		Dur("elapsed", time.Since(started)).
		Msg("run completed")

	s.export(ctx, run, report)
}

// produce performs the extract, build, and match stages.
func (s *Service) produce(ctx context.Context, st *Study) (*engine.Report, error) {
	def, err := s.cohorts.GetDefinition(ctx, st.TargetCohortID)
	if err != nil {
		return nil, fmt.Errorf("target cohort: %w", err)
	}
	target, comparator, err := s.cohorts.Extract(ctx, st.TargetCohortID, st.ComparatorCohortID)
	if err != nil {
		return nil, fmt.Errorf("extract cohorts: %w", err)
	}
	spec, err := s.covariates.GetSpec(ctx, st.CovariateSpecID)
	if err != nil {
		return nil, fmt.Errorf("covariate spec: %w", err)
	}
	table, err := s.covariates.Build(ctx, spec, target, comparator, def.BaselineDays)
	if err != nil {
		return nil, fmt.Errorf("build covariates: %w", err)
	}
	result, err := engine.Run(table, engine.Params{
		CaliperMultiplier: st.CaliperMultiplier,
		Tolerance:         st.ConvergenceTolerance,
		MaxIterations:     st.MaxIterations,
		AllowNonConverged: st.AllowNonConverged,
	})
	if err != nil {
		return nil, err
	}
	return result.Report, nil
}

// fail records the terminal failed state. A fresh context keeps the write
// possible after a run timeout cancels the execution context.
func (s *Service) fail(run *Run, started time.Time, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := cause.Error()
	finished := time.Now().UTC()
	run.Status = StatusFailed
	run.Error = &msg
	run.FinishedAt = &finished
	if err := s.runs.Update(ctx, run); err != nil {
		s.log.Error().Err(err).Stringer("run_id", run.ID).Msg("mark failed")
	}
	if s.metrics != nil {
		s.metrics.RunFailed(time.Since(started))
	}
	s.log.Error().Err(cause).Stringer("run_id", run.ID).Msg("run failed")
}

// export ships artifacts after completion. Export trouble is recorded on the
// run but never changes its status.
func (s *Service) export(ctx context.Context, run *Run, report *engine.Report) {
	if s.exporter == nil {
		return
	}
	if err := s.exporter.Export(ctx, run.ID, report); err != nil {
		msg := err.Error()
		run.ExportError = &msg
		if uerr := s.runs.Update(ctx, run); uerr != nil {
			s.log.Error().Err(uerr).Stringer("run_id", run.ID).Msg("record export error")
		}
		s.log.Error().Err(err).Stringer("run_id", run.ID).Msg("export artifacts")
	}
}
