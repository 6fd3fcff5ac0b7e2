package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/cohortmatch/cohortmatch/internal/engine"
)

// ── Mock Sinks ──

type memSink struct {
	objects      map[string][]byte
	contentTypes map[string]string
}

func newMemSink() *memSink {
	return &memSink{objects: make(map[string][]byte), contentTypes: make(map[string]string)}
}

func (m *memSink) Put(_ context.Context, key string, body []byte, contentType string) error {
	m.objects[key] = body
	m.contentTypes[key] = contentType
	return nil
}

type failSink struct{}

func (failSink) Put(context.Context, string, []byte, string) error {
	return fmt.Errorf("bucket unavailable")
}

func testReport() *engine.Report {
	return &engine.Report{
		Pairs:     []engine.Pair{{ExposedID: 1, UnexposedID: 7, Distance: 0.25}},
		Unmatched: []engine.Unmatched{{SubjectID: 3, Reason: engine.ReasonNoCandidate}},
		PreBalance: []engine.BalanceRow{
			{Feature: "age", MeanExposed: 61, MeanUnexposed: 52, SMD: 0.8, AbsSMD: 0.8},
		},
		PostBalance: []engine.BalanceRow{
			{Feature: "age", MeanExposed: 61, MeanUnexposed: 60, SMD: 0.08, AbsSMD: 0.08, Balanced: true},
		},
		Summary: engine.Summary{
			Exposed: 10, Unexposed: 20, MatchedPairs: 8, UnmatchedExposed: 2,
			MatchRate: 0.8, Caliper: 0.11, CaliperMultiplier: 0.2,
			ModelIterations: 6, ModelConverged: true,
		},
	}
}

func TestExporter_Export(t *testing.T) {
	sink := newMemSink()
	runID := uuid.New()

	if err := NewExporter(sink).Export(context.Background(), runID, testReport()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{"match_pairs.csv", "unmatched.csv", "balance.csv", "summary.csv"} {
		key := fmt.Sprintf("runs/%s/%s", runID, name)
		if _, ok := sink.objects[key]; !ok {
			t.Errorf("expected artifact %s", key)
		}
		if ct := sink.contentTypes[key]; ct != "text/csv" {
			t.Errorf("expected text/csv for %s, got %q", key, ct)
		}
	}

	pairs := string(sink.objects[fmt.Sprintf("runs/%s/match_pairs.csv", runID)])
	if !strings.Contains(pairs, "1,7,0.25") {
		t.Errorf("unexpected pairs artifact: %q", pairs)
	}
}

func TestExporter_ExportFailure(t *testing.T) {
	err := NewExporter(failSink{}).Export(context.Background(), uuid.New(), testReport())
	if err == nil {
		t.Fatal("expected error from failing sink")
	}
	if !strings.Contains(err.Error(), "match_pairs.csv") {
		t.Errorf("expected the failing artifact in the error, got: %v", err)
	}
}

func TestLocalDirSink_Put(t *testing.T) {
	base := t.TempDir()
	sink := NewLocalDirSink(base)

	if err := sink.Put(context.Background(), "runs/abc/summary.csv", []byte("a,b\n"), "text/csv"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body, err := os.ReadFile(filepath.Join(base, "runs", "abc", "summary.csv"))
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	if string(body) != "a,b\n" {
		t.Errorf("unexpected content: %q", body)
	}
}
