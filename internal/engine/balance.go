package engine

import (
	"fmt"
	"math"
	"sort"
)

// BalanceThreshold labels a feature balanced when its |SMD| falls below it.
// Reporting label only; balance never gates matching.
const BalanceThreshold = 0.1

// Balance phases.
const (
	PhasePre  = "pre_match"
	PhasePost = "post_match"
)

// BalanceRow is the standardized mean difference of one feature between the
// exposed and unexposed groups. Undefined marks a zero-variance feature whose
// group means differ, where the SMD has no value; such rows keep SMD 0 and
// sort ahead of every defined row.
type BalanceRow struct {
	Feature       string  `json:"feature"`
	MeanExposed   float64 `json:"mean_exposed"`
	MeanUnexposed float64 `json:"mean_unexposed"`
	SMD           float64 `json:"smd"`
	AbsSMD        float64 `json:"abs_smd"`
	Undefined     bool    `json:"undefined,omitempty"`
	Balanced      bool    `json:"balanced"`
}

// AssessBalance computes per-feature SMDs over the subjects of t, restricted
// to the given IDs when include is non-nil. SMD = (mean_e - mean_u) /
// sqrt((var_e + var_u)/2) with population variances. Zero pooled variance
// reports SMD 0 when the means agree and an undefined row otherwise; either
// way a zero-variance warning is attached. Rows come back sorted by |SMD|
// descending, undefined rows first, ties by feature name. When either group
// has no subjects there is nothing to compare and the table is empty.
func AssessBalance(t *Table, include map[int64]bool, phase string) ([]BalanceRow, []Warning) {
	var exposed, unexposed []Subject
	for _, s := range t.subjects {
		if include != nil && !include[s.ID] {
			continue
		}
		if s.Exposed {
			exposed = append(exposed, s)
		} else {
			unexposed = append(unexposed, s)
		}
	}
	if len(exposed) == 0 || len(unexposed) == 0 {
		return []BalanceRow{}, nil
	}

	rows := make([]BalanceRow, 0, len(t.names))
	warnings := make([]Warning, 0)
	for j, name := range t.names {
		meanE, varE := groupMoments(exposed, j)
		meanU, varU := groupMoments(unexposed, j)
		row := BalanceRow{Feature: name, MeanExposed: meanE, MeanUnexposed: meanU}
		pooled := math.Sqrt((varE + varU) / 2)
		if pooled == 0 {
			if meanE != meanU {
				row.Undefined = true
			}
			warnings = append(warnings, Warning{
				Code:    WarnZeroVariance,
				Feature: name,
				Phase:   phase,
				Message: fmt.Sprintf("feature %q has zero pooled variance in %s balance", name, phase),
			})
		} else {
			row.SMD = (meanE - meanU) / pooled
		}
		row.AbsSMD = math.Abs(row.SMD)
		row.Balanced = !row.Undefined && row.AbsSMD < BalanceThreshold
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Undefined != b.Undefined {
			return a.Undefined
		}
		if a.AbsSMD != b.AbsSMD {
			return a.AbsSMD > b.AbsSMD
		}
		return a.Feature < b.Feature
	})
	return rows, warnings
}

// groupMoments returns the mean and population variance of feature j over the
// group.
func groupMoments(group []Subject, j int) (mean, variance float64) {
	n := float64(len(group))
	for _, s := range group {
		mean += s.Values[j]
	}
	mean /= n
	for _, s := range group {
		d := s.Values[j] - mean
		variance += d * d
	}
	variance /= n
	return mean, variance
}
