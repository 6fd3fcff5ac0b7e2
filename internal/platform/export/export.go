// Package export renders completed match reports to CSV artifacts and
// delivers them to a configured sink.
package export

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cohortmatch/cohortmatch/internal/engine"
)

const contentTypeCSV = "text/csv"

// Sink stores one rendered artifact under a key.
type Sink interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Exporter writes the CSV artifacts of a completed run under
// runs/<run_id>/.
type Exporter struct {
	sink Sink
}

func NewExporter(sink Sink) *Exporter {
	return &Exporter{sink: sink}
}

// Export renders and stores every artifact for the run. The first failure
// aborts; artifacts already stored stay in place.
func (e *Exporter) Export(ctx context.Context, runID uuid.UUID, report *engine.Report) error {
	artifacts := []struct {
		name   string
		render func(*engine.Report) ([]byte, error)
	}{
		{"match_pairs.csv", renderPairs},
		{"unmatched.csv", renderUnmatched},
		{"balance.csv", renderBalance},
		{"summary.csv", renderSummary},
	}
	for _, a := range artifacts {
		body, err := a.render(report)
		if err != nil {
			return fmt.Errorf("render %s: %w", a.name, err)
		}
		key := fmt.Sprintf("runs/%s/%s", runID, a.name)
		if err := e.sink.Put(ctx, key, body, contentTypeCSV); err != nil {
			return fmt.Errorf("store %s: %w", a.name, err)
		}
	}
	return nil
}
