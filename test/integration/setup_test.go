package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/cohortmatch/cohortmatch/internal/domain/cohort"
	"github.com/cohortmatch/cohortmatch/internal/domain/covariate"
	"github.com/cohortmatch/cohortmatch/internal/domain/study"
	"github.com/cohortmatch/cohortmatch/internal/platform/auth"
	"github.com/cohortmatch/cohortmatch/internal/platform/export"
	"github.com/cohortmatch/cohortmatch/internal/platform/middleware"
	"github.com/cohortmatch/cohortmatch/internal/platform/snapshot"
	"github.com/cohortmatch/cohortmatch/internal/platform/telemetry"
)

// testStack is a full in-process server over a snapshot loaded from fixture
// CSVs: sqlite storage, dev auth, metrics, and a local export sink.
type testStack struct {
	Server    *httptest.Server
	Store     *snapshot.Store
	ExportDir string
}

// newStack loads the OMOP fixture into a fresh snapshot, wires the sqlite
// repositories and services exactly as the server does, and serves the
// result over httptest.
func newStack(t *testing.T) *testStack {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	omopDir := filepath.Join(dir, "omop")
	writeFixture(t, omopDir)

	store, err := snapshot.Open(filepath.Join(dir, "cohortmatch.db"))
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	counts, err := snapshot.NewLoader(store).LoadDir(ctx, omopDir)
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	if counts["person.csv"] != 15 {
		t.Fatalf("expected 15 persons loaded, got %d", counts["person.csv"])
	}

	defs, err := cohort.NewDefinitionRepoSQLite(store.DB())
	if err != nil {
		t.Fatalf("cohort repo: %v", err)
	}
	specs, err := covariate.NewSpecRepoSQLite(store.DB())
	if err != nil {
		t.Fatalf("covariate repo: %v", err)
	}
	studies, err := study.NewStudyRepoSQLite(store.DB())
	if err != nil {
		t.Fatalf("study repo: %v", err)
	}
	runs, err := study.NewRunRepoSQLite(store.DB())
	if err != nil {
		t.Fatalf("run repo: %v", err)
	}

	logger := zerolog.Nop()
	metrics := telemetry.New()
	exportDir := filepath.Join(dir, "exports")

	cohortSvc := cohort.NewService(defs, store)
	covariateSvc := covariate.NewService(specs, store)
	studySvc := study.NewService(study.Config{
		Studies:    studies,
		Runs:       runs,
		Cohorts:    cohortSvc,
		Covariates: covariateSvc,
		Exporter:   export.NewExporter(export.NewLocalDirSink(exportDir)),
		Metrics:    metrics,
		Logger:     logger,
		RunTimeout: 30 * time.Second,
	})

	e := echo.New()
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(metrics.HTTPMiddleware())

	e.GET("/health", func(c echo.Context) error {
		hctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		dbStatus := "ok"
		if err := store.Ping(hctx); err != nil {
			dbStatus = err.Error()
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "database": dbStatus})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api/v1")
	// Status polling hammers the API, so the limit stays well above what a
	// test can produce.
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 1000}))
	api.Use(auth.DevAuthMiddleware())

	cohort.NewHandler(cohortSvc).RegisterRoutes(api)
	covariate.NewHandler(covariateSvc).RegisterRoutes(api)
	study.NewHandler(studySvc).RegisterRoutes(api)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &testStack{Server: srv, Store: store, ExportDir: exportDir}
}

// request sends a JSON request, checks the status code, and decodes the body
// into out when out is non-nil.
func (ts *testStack) request(t *testing.T, method, path string, body, out interface{}, wantStatus int) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.Server.URL+path, rdr)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s %s response: %v", method, path, err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
}

// waitForRun polls the run until it reaches a terminal state.
func (ts *testStack) waitForRun(t *testing.T, runID uuid.UUID) *study.Run {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		var run study.Run
		ts.request(t, http.MethodGet, "/api/v1/runs/"+runID.String(), nil, &run, http.StatusOK)
		if run.Status == study.StatusCompleted || run.Status == study.StatusFailed {
			return &run
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal state in time", runID)
	return nil
}

// waitForFile polls until the exported file appears; export happens after the
// completed status is written.
func (ts *testStack) waitForFile(t *testing.T, rel string) string {
	t.Helper()
	path := filepath.Join(ts.ExportDir, rel)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("exported file %s never appeared", rel)
	return ""
}

// The fixture covers two drug cohorts with deliberate exclusions: person 21
// is under the age floor at index, person 22 lacks baseline observation
// coverage, and person 30 qualifies for both cohorts and must stay
// target-only. Concepts 1001 and 2002 descend from 1000 and 2000.
const (
	fixturePersons = `person_id,gender_concept_id,year_of_birth
1,8507,1960
2,8507,1965
3,8507,1970
4,8532,1975
5,8532,1980
6,8532,1985
11,8507,1962
12,8507,1967
13,8507,1972
14,8532,1977
15,8532,1982
16,8532,1987
21,8507,2005
22,8532,1970
30,8507,1978
`

	fixtureObservationPeriods = `person_id,observation_period_start_date,observation_period_end_date
1,2015-01-01,2022-12-31
2,2015-01-01,2022-12-31
3,2015-01-01,2022-12-31
4,2015-01-01,2022-12-31
5,2015-01-01,2022-12-31
6,2015-01-01,2022-12-31
11,2015-01-01,2022-12-31
12,2015-01-01,2022-12-31
13,2015-01-01,2022-12-31
14,2015-01-01,2022-12-31
15,2015-01-01,2022-12-31
16,2015-01-01,2022-12-31
21,2015-01-01,2022-12-31
22,2019-10-01,2022-12-31
30,2015-01-01,2022-12-31
`

	fixtureDrugExposures = `person_id,drug_concept_id,drug_exposure_start_date
1,1001,2020-03-01
1,1001,2021-01-01
2,1001,2020-04-15
3,1001,2020-05-20
4,1001,2020-06-10
5,1001,2020-07-04
6,1001,2020-08-18
21,1001,2020-05-01
22,1001,2020-02-01
30,1001,2020-06-01
30,2002,2020-07-01
11,2002,2020-03-10
12,2002,2020-04-25
13,2002,2020-05-30
14,2002,2020-06-20
15,2002,2020-07-14
16,2002,2020-08-28
`

	fixtureConditions = `person_id,condition_concept_id,condition_start_date
1,201826,2019-06-01
2,201826,2019-12-01
3,201826,2020-05-20
5,201826,2019-09-15
30,201826,2020-01-15
11,201826,2019-08-01
13,201826,2019-07-10
14,201826,2021-01-01
15,201826,2019-12-25
4,4329847,2019-10-01
`

	fixtureMeasurements = `person_id,measurement_concept_id,measurement_date,value_as_number
1,3004410,2019-07-01,7.2
2,3004410,2020-01-10,6.8
4,3004410,2019-12-20,5.9
5,3004410,2019-08-01,6.5
5,3004410,2020-03-01,7.0
30,3004410,2020-02-01,7.5
11,3004410,2019-09-09,6.1
13,3004410,2020-01-05,6.9
13,3004410,2020-02-02,
14,3004410,2019-11-11,6.4
16,3004410,2020-05-05,7.8
`

	fixtureAncestors = `ancestor_concept_id,descendant_concept_id
1000,1001
1000,1003
2000,2002
`
)

func writeFixture(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("create fixture dir: %v", err)
	}
	files := map[string]string{
		"person.csv":               fixturePersons,
		"observation_period.csv":   fixtureObservationPeriods,
		"drug_exposure.csv":        fixtureDrugExposures,
		"condition_occurrence.csv": fixtureConditions,
		"measurement.csv":          fixtureMeasurements,
		"concept_ancestor.csv":     fixtureAncestors,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o640); err != nil {
			t.Fatalf("write fixture %s: %v", name, err)
		}
	}
}

// createCohort posts a definition and returns its stored form.
func (ts *testStack) createCohort(t *testing.T, name string, concepts []int64) *cohort.Definition {
	t.Helper()
	def := &cohort.Definition{
		Name:               name,
		ExposureConcepts:   concepts,
		IncludeDescendants: true,
		MinAge:             18,
		BaselineDays:       365,
	}
	var created cohort.Definition
	ts.request(t, http.MethodPost, "/api/v1/cohorts", def, &created, http.StatusCreated)
	if created.ID == uuid.Nil {
		t.Fatalf("created cohort %q has no id", name)
	}
	return &created
}

// createBaselineSpec posts the four-covariate spec used across the tests.
func (ts *testStack) createBaselineSpec(t *testing.T) *covariate.Spec {
	t.Helper()
	spec := &covariate.Spec{
		Name: "baseline",
		Definitions: []covariate.Def{
			{Name: "age", Kind: covariate.KindAge},
			{Name: "male", Kind: covariate.KindSex},
			{Name: "diabetes", Kind: covariate.KindConditionFlag, Concepts: []int64{201826}},
			{Name: "hba1c", Kind: covariate.KindMeasurement, Concepts: []int64{3004410}},
		},
	}
	var created covariate.Spec
	ts.request(t, http.MethodPost, "/api/v1/covariates", spec, &created, http.StatusCreated)
	if created.ID == uuid.Nil {
		t.Fatal("created covariate spec has no id")
	}
	return &created
}

func (ts *testStack) createStudy(t *testing.T, name string, target, comparator, spec uuid.UUID) *study.Study {
	t.Helper()
	st := &study.Study{
		Name:               name,
		TargetCohortID:     target,
		ComparatorCohortID: comparator,
		CovariateSpecID:    spec,
	}
	var created study.Study
	ts.request(t, http.MethodPost, "/api/v1/studies", st, &created, http.StatusCreated)
	if created.ID == uuid.Nil {
		t.Fatalf("created study %q has no id", name)
	}
	return &created
}

func previewCount(t *testing.T, ts *testStack, cohortID uuid.UUID) int {
	t.Helper()
	var preview struct {
		CohortDefinitionID uuid.UUID `json:"cohort_definition_id"`
		EligibleCount      int       `json:"eligible_count"`
	}
	ts.request(t, http.MethodGet, fmt.Sprintf("/api/v1/cohorts/%s/preview", cohortID), nil, &preview, http.StatusOK)
	return preview.EligibleCount
}
