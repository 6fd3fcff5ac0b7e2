package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cohortmatch/cohortmatch/internal/config"
	"github.com/cohortmatch/cohortmatch/internal/domain/cohort"
	"github.com/cohortmatch/cohortmatch/internal/domain/covariate"
	"github.com/cohortmatch/cohortmatch/internal/domain/study"
	"github.com/cohortmatch/cohortmatch/internal/engine"
	"github.com/cohortmatch/cohortmatch/internal/platform/auth"
	"github.com/cohortmatch/cohortmatch/internal/platform/db"
	"github.com/cohortmatch/cohortmatch/internal/platform/export"
	"github.com/cohortmatch/cohortmatch/internal/platform/middleware"
	"github.com/cohortmatch/cohortmatch/internal/platform/snapshot"
	"github.com/cohortmatch/cohortmatch/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "cohortmatch-server",
		Short: "Propensity-score cohort matching service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the cohort matching API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	// Storage. The driver selects both the metadata repositories and the
	// clinical event source: postgres reads OMOP tables from the warehouse,
	// sqlite runs everything out of one snapshot file.
	var (
		pool     *pgxpool.Pool
		defs     cohort.DefinitionRepository
		specs    covariate.SpecRepository
		studies  study.StudyRepository
		runs     study.RunRepository
		clinical cohort.ClinicalSource
		events   covariate.EventSource
		ping     func(context.Context) error
	)
	switch cfg.StorageDriver {
	case config.StorageSQLite:
		store, err := snapshot.Open(cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("failed to open snapshot store")
		}
		defer store.Close()
		if defs, err = cohort.NewDefinitionRepoSQLite(store.DB()); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare cohort definitions store")
		}
		if specs, err = covariate.NewSpecRepoSQLite(store.DB()); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare covariate specs store")
		}
		if studies, err = study.NewStudyRepoSQLite(store.DB()); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare studies store")
		}
		if runs, err = study.NewRunRepoSQLite(store.DB()); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare runs store")
		}
		clinical = store
		events = store
		ping = store.Ping
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite snapshot store")
	default:
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		defs = cohort.NewDefinitionRepoPG(pool)
		specs = covariate.NewSpecRepoPG(pool)
		studies = study.NewStudyRepoPG(pool)
		runs = study.NewRunRepoPG(pool)
		clinical = cohort.NewClinicalSourcePG(pool)
		events = covariate.NewEventSourcePG(pool)
		ping = pool.Ping
		logger.Info().Msg("connected to database")
	}

	// Metrics
	metrics := telemetry.New()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(metrics.HTTPMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health and metrics stay outside the authenticated API group.
	e.GET("/health", func(c echo.Context) error {
		hctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		database := "ok"
		if err := ping(hctx); err != nil {
			database = err.Error()
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":   "ok",
			"version":  version,
			"database": database,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// API group: rate limiting, then auth
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	if cfg.ResolvedAuthMode() == config.AuthModeDev {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthJWTSecret),
		}))
	}

	// Report exporter by driver; nil disables export.
	var exporter study.ReportExporter
	switch cfg.ExportDriver {
	case config.ExportLocal:
		exporter = export.NewExporter(export.NewLocalDirSink(cfg.ExportDir))
		logger.Info().Str("dir", cfg.ExportDir).Msg("report export to local directory enabled")
	case config.ExportS3:
		sink, err := export.NewS3Sink(ctx, export.S3Config{
			Region:    cfg.ExportS3Region,
			Bucket:    cfg.ExportS3Bucket,
			Endpoint:  cfg.ExportS3Endpoint,
			PathStyle: cfg.ExportS3PathStyle,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create s3 export sink")
		}
		exporter = export.NewExporter(sink)
		logger.Info().Str("bucket", cfg.ExportS3Bucket).Msg("report export to s3 enabled")
	}

	// -- Domain wiring --

	cohortSvc := cohort.NewService(defs, clinical)
	cohortHandler := cohort.NewHandler(cohortSvc)
	cohortHandler.RegisterRoutes(apiV1)

	covariateSvc := covariate.NewService(specs, events)
	covariateHandler := covariate.NewHandler(covariateSvc)
	covariateHandler.RegisterRoutes(apiV1)

	studySvc := study.NewService(study.Config{
		Studies:    studies,
		Runs:       runs,
		Cohorts:    cohortSvc,
		Covariates: covariateSvc,
		Exporter:   exporter,
		Metrics:    metrics,
		Logger:     logger,
		RunTimeout: cfg.RunTimeout,
	})
	studyHandler := study.NewHandler(studySvc)
	studyHandler.RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// inlineDefs serves the inline cohort definitions of a one-shot run, avoiding
// a metadata store the run would never read again.
type inlineDefs struct {
	byID map[uuid.UUID]*cohort.Definition
}

func newInlineDefs(defs ...*cohort.Definition) *inlineDefs {
	m := &inlineDefs{byID: make(map[uuid.UUID]*cohort.Definition, len(defs))}
	for _, d := range defs {
		m.byID[d.ID] = d
	}
	return m
}

func (m *inlineDefs) Create(_ context.Context, d *cohort.Definition) error {
	m.byID[d.ID] = d
	return nil
}

func (m *inlineDefs) GetByID(_ context.Context, id uuid.UUID) (*cohort.Definition, error) {
	d, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("cohort definition %s not found", id)
	}
	return d, nil
}

func (m *inlineDefs) Update(_ context.Context, d *cohort.Definition) error {
	m.byID[d.ID] = d
	return nil
}

func (m *inlineDefs) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.byID, id)
	return nil
}

func (m *inlineDefs) List(_ context.Context, limit, offset int) ([]*cohort.Definition, int, error) {
	all := make([]*cohort.Definition, 0, len(m.byID))
	for _, d := range m.byID {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one matching run against a snapshot, without the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshotPath, _ := cmd.Flags().GetString("snapshot")
			targetRaw, _ := cmd.Flags().GetString("target-concepts")
			comparatorRaw, _ := cmd.Flags().GetString("comparator-concepts")
			includeDescendants, _ := cmd.Flags().GetBool("include-descendants")
			minAge, _ := cmd.Flags().GetInt("min-age")
			baselineDays, _ := cmd.Flags().GetInt("baseline-days")
			minFollowupDays, _ := cmd.Flags().GetInt("min-followup-days")
			covariatesPath, _ := cmd.Flags().GetString("covariates")
			caliperMultiplier, _ := cmd.Flags().GetFloat64("caliper-multiplier")
			tolerance, _ := cmd.Flags().GetFloat64("tolerance")
			maxIterations, _ := cmd.Flags().GetInt("max-iterations")
			allowNonConverged, _ := cmd.Flags().GetBool("allow-non-converged")
			outDir, _ := cmd.Flags().GetString("out")

			targetConcepts, err := parseConceptList(targetRaw)
			if err != nil {
				return fmt.Errorf("--target-concepts: %w", err)
			}
			comparatorConcepts, err := parseConceptList(comparatorRaw)
			if err != nil {
				return fmt.Errorf("--comparator-concepts: %w", err)
			}

			spec, err := readCovariateSpec(covariatesPath)
			if err != nil {
				return err
			}

			target := &cohort.Definition{
				ID:                 uuid.New(),
				Name:               "target",
				ExposureConcepts:   targetConcepts,
				IncludeDescendants: includeDescendants,
				MinAge:             minAge,
				BaselineDays:       baselineDays,
				MinFollowupDays:    minFollowupDays,
			}
			comparator := &cohort.Definition{
				ID:                 uuid.New(),
				Name:               "comparator",
				ExposureConcepts:   comparatorConcepts,
				IncludeDescendants: includeDescendants,
				MinAge:             minAge,
				BaselineDays:       baselineDays,
				MinFollowupDays:    minFollowupDays,
			}
			if err := target.Validate(); err != nil {
				return fmt.Errorf("target cohort: %w", err)
			}
			if err := comparator.Validate(); err != nil {
				return fmt.Errorf("comparator cohort: %w", err)
			}

			store, err := snapshot.Open(snapshotPath)
			if err != nil {
				return fmt.Errorf("open snapshot: %w", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			cohortSvc := cohort.NewService(newInlineDefs(target, comparator), store)
			targetMembers, comparatorMembers, err := cohortSvc.Extract(ctx, target.ID, comparator.ID)
			if err != nil {
				return fmt.Errorf("extract cohorts: %w", err)
			}
			fmt.Printf("Extracted %d target and %d comparator members.\n", len(targetMembers), len(comparatorMembers))

			// Spec arrives inline, so the service needs no spec repository.
			covariateSvc := covariate.NewService(nil, store)
			table, err := covariateSvc.Build(ctx, spec, targetMembers, comparatorMembers, baselineDays)
			if err != nil {
				return fmt.Errorf("build covariates: %w", err)
			}

			result, err := engine.Run(table, engine.Params{
				CaliperMultiplier: caliperMultiplier,
				Tolerance:         tolerance,
				MaxIterations:     maxIterations,
				AllowNonConverged: allowNonConverged,
			})
			if err != nil {
				return fmt.Errorf("matching run failed: %w", err)
			}
			report := result.Report

			printSummary(report)

			if outDir != "" {
				runID := uuid.New()
				exporter := export.NewExporter(export.NewLocalDirSink(outDir))
				if err := exporter.Export(ctx, runID, report); err != nil {
					return fmt.Errorf("write report files: %w", err)
				}
				fmt.Printf("\nReport files written under %s/runs/%s/\n", outDir, runID)
			}
			return nil
		},
	}

	cmd.Flags().String("snapshot", "", "Path to the sqlite snapshot database")
	cmd.Flags().String("target-concepts", "", "Comma-separated drug concept ids defining the target cohort")
	cmd.Flags().String("comparator-concepts", "", "Comma-separated drug concept ids defining the comparator cohort")
	cmd.Flags().Bool("include-descendants", false, "Expand exposure concepts with concept_ancestor descendants")
	cmd.Flags().Int("min-age", cohort.DefaultMinAge, "Minimum age at index date")
	cmd.Flags().Int("baseline-days", cohort.DefaultBaselineDays, "Baseline lookback window in days")
	cmd.Flags().Int("min-followup-days", 0, "Required followup after index date in days")
	cmd.Flags().String("covariates", "", "Path to a JSON file with covariate definitions")
	cmd.Flags().Float64("caliper-multiplier", engine.DefaultCaliperMultiplier, "Caliper width as a multiple of the pooled logit SD")
	cmd.Flags().Float64("tolerance", engine.DefaultTolerance, "Convergence tolerance for the propensity fit")
	cmd.Flags().Int("max-iterations", engine.DefaultMaxIterations, "Iteration cap for the propensity fit")
	cmd.Flags().Bool("allow-non-converged", false, "Accept a non-converged propensity model with a warning")
	cmd.Flags().String("out", "", "Directory for report CSV files (omit to skip writing)")
	_ = cmd.MarkFlagRequired("snapshot")
	_ = cmd.MarkFlagRequired("target-concepts")
	_ = cmd.MarkFlagRequired("comparator-concepts")
	_ = cmd.MarkFlagRequired("covariates")

	return cmd
}

func parseConceptList(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid concept id %q", p)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no concept ids given")
	}
	return ids, nil
}

func readCovariateSpec(path string) (*covariate.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read covariates file: %w", err)
	}
	var defs []covariate.Def
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("decode covariates file: %w", err)
	}
	spec := &covariate.Spec{ID: uuid.New(), Name: "inline", Definitions: defs}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("covariates file: %w", err)
	}
	return spec, nil
}

func printSummary(report *engine.Report) {
	s := report.Summary
	fmt.Println()
	fmt.Printf("Exposed:           %d\n", s.Exposed)
	fmt.Printf("Unexposed:         %d\n", s.Unexposed)
	fmt.Printf("Matched pairs:     %d\n", s.MatchedPairs)
	fmt.Printf("Unmatched exposed: %d\n", s.UnmatchedExposed)
	fmt.Printf("Match rate:        %.3f\n", s.MatchRate)
	fmt.Printf("Caliper:           %.6f (multiplier %.2f)\n", s.Caliper, s.CaliperMultiplier)
	fmt.Printf("Model:             %d iteration(s), converged=%t\n", s.ModelIterations, s.ModelConverged)

	// Post-match balance is empty when no pairs matched, so join by feature.
	post := make(map[string]engine.BalanceRow, len(report.PostBalance))
	for _, b := range report.PostBalance {
		post[b.Feature] = b
	}
	fmt.Println()
	fmt.Printf("%-24s %10s %10s %10s\n", "FEATURE", "PRE |SMD|", "POST |SMD|", "BALANCED")
	fmt.Println("------------------------ ---------- ---------- ----------")
	for _, pre := range report.PreBalance {
		postSMD, balanced := "n/a", "n/a"
		if pb, ok := post[pre.Feature]; ok {
			postSMD = formatSMD(pb)
			balanced = strconv.FormatBool(pb.Balanced)
		}
		fmt.Printf("%-24s %10s %10s %10s\n", pre.Feature, formatSMD(pre), postSMD, balanced)
	}

	for _, w := range report.Warnings {
		line := fmt.Sprintf("WARNING [%s]", w.Code)
		if w.Feature != "" {
			line += " " + w.Feature
		}
		if w.Phase != "" {
			line += " (" + w.Phase + ")"
		}
		fmt.Printf("\n%s: %s", line, w.Message)
	}
	if len(report.Warnings) > 0 {
		fmt.Println()
	}
}

func formatSMD(b engine.BalanceRow) string {
	if b.Undefined {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", b.AbsSMD)
}

func loadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load OMOP-shaped CSV files into a snapshot database",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			dbPath, _ := cmd.Flags().GetString("db")

			store, err := snapshot.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open snapshot: %w", err)
			}
			defer store.Close()

			counts, err := snapshot.NewLoader(store).LoadDir(cmd.Context(), dir)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(counts))
			for name := range counts {
				names = append(names, name)
			}
			sort.Strings(names)
			total := 0
			for _, name := range names {
				fmt.Printf("%-24s %d row(s)\n", name, counts[name])
				total += counts[name]
			}
			fmt.Printf("Loaded %d row(s) into %s.\n", total, dbPath)
			return nil
		},
	}

	cmd.Flags().String("dir", "", "Directory with OMOP CSV files")
	cmd.Flags().String("db", "", "Path to the snapshot database to create or extend")
	_ = cmd.MarkFlagRequired("dir")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-30s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ------------------------------ ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-30s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}
