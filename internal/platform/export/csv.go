package export

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/cohortmatch/cohortmatch/internal/engine"
)

func renderPairs(r *engine.Report) ([]byte, error) {
	records := [][]string{{"exposed_id", "unexposed_id", "distance"}}
	for _, p := range r.Pairs {
		records = append(records, []string{
			strconv.FormatInt(p.ExposedID, 10),
			strconv.FormatInt(p.UnexposedID, 10),
			formatFloat(p.Distance),
		})
	}
	return writeCSV(records)
}

func renderUnmatched(r *engine.Report) ([]byte, error) {
	records := [][]string{{"subject_id", "reason"}}
	for _, u := range r.Unmatched {
		records = append(records, []string{
			strconv.FormatInt(u.SubjectID, 10),
			u.Reason,
		})
	}
	return writeCSV(records)
}

func renderBalance(r *engine.Report) ([]byte, error) {
	records := [][]string{{"phase", "feature", "smd", "abs_smd", "undefined", "balanced"}}
	appendRows := func(phase string, rows []engine.BalanceRow) {
		for _, row := range rows {
			records = append(records, []string{
				phase,
				row.Feature,
				formatFloat(row.SMD),
				formatFloat(row.AbsSMD),
				strconv.FormatBool(row.Undefined),
				strconv.FormatBool(row.Balanced),
			})
		}
	}
	appendRows(engine.PhasePre, r.PreBalance)
	appendRows(engine.PhasePost, r.PostBalance)
	return writeCSV(records)
}

func renderSummary(r *engine.Report) ([]byte, error) {
	s := r.Summary
	records := [][]string{
		{"exposed", "unexposed", "matched_pairs", "unmatched_exposed", "match_rate",
			"caliper", "caliper_multiplier", "model_iterations", "model_converged"},
		{
			strconv.Itoa(s.Exposed),
			strconv.Itoa(s.Unexposed),
			strconv.Itoa(s.MatchedPairs),
			strconv.Itoa(s.UnmatchedExposed),
			formatFloat(s.MatchRate),
			formatFloat(s.Caliper),
			formatFloat(s.CaliperMultiplier),
			strconv.Itoa(s.ModelIterations),
			strconv.FormatBool(s.ModelConverged),
		},
	}
	return writeCSV(records)
}

func writeCSV(records [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
