package engine

import (
	"fmt"
	"math"
)

// Subject is one row of a feature table: a person at matching time with the
// group label and the ordered covariate values for the run's feature set.
type Subject struct {
	ID      int64
	Exposed bool
	Values  []float64
}

// Table is an immutable, schema-validated feature matrix covering both
// groups. Every subject carries a finite value for every feature; violations
// fail construction, they are never repaired here. Imputation belongs
// upstream.
type Table struct {
	names    []string
	subjects []Subject
}

// NewTable validates rows against the feature schema and builds a table. The
// inputs are copied, so callers may reuse their slices afterwards. A missing,
// NaN, or infinite value is a SchemaMismatchError, as is a duplicated subject
// or feature name.
func NewTable(names []string, rows []Subject) (*Table, error) {
	if len(names) == 0 {
		return nil, &SchemaMismatchError{Reason: "no matching features defined"}
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "" {
			return nil, &SchemaMismatchError{Reason: "empty feature name"}
		}
		if seen[name] {
			return nil, &SchemaMismatchError{Feature: name, Reason: "duplicated in schema"}
		}
		seen[name] = true
	}

	ids := make(map[int64]bool, len(rows))
	subjects := make([]Subject, 0, len(rows))
	for _, r := range rows {
		if ids[r.ID] {
			return nil, &SchemaMismatchError{SubjectID: r.ID, Reason: "appears more than once"}
		}
		ids[r.ID] = true
		if len(r.Values) != len(names) {
			return nil, &SchemaMismatchError{
				SubjectID: r.ID,
				Reason:    fmt.Sprintf("has %d values for %d features", len(r.Values), len(names)),
			}
		}
		values := make([]float64, len(r.Values))
		for j, v := range r.Values {
			if math.IsNaN(v) {
				return nil, &SchemaMismatchError{SubjectID: r.ID, Feature: names[j], Reason: "is missing (NaN)"}
			}
			if math.IsInf(v, 0) {
				return nil, &SchemaMismatchError{SubjectID: r.ID, Feature: names[j], Reason: "is infinite"}
			}
			values[j] = v
		}
		subjects = append(subjects, Subject{ID: r.ID, Exposed: r.Exposed, Values: values})
	}

	return &Table{
		names:    append([]string(nil), names...),
		subjects: subjects,
	}, nil
}

// Merge pools a separately built exposed table and unexposed table into one
// labeled table, relabeling rows by side. The two schemas must be identical,
// feature for feature and in the same order; subjects must not overlap.
func Merge(exposed, unexposed *Table) (*Table, error) {
	if len(exposed.names) != len(unexposed.names) {
		return nil, &SchemaMismatchError{Reason: fmt.Sprintf(
			"exposed table has %d features, unexposed has %d", len(exposed.names), len(unexposed.names))}
	}
	for j, name := range exposed.names {
		if unexposed.names[j] != name {
			return nil, &SchemaMismatchError{Feature: name, Reason: fmt.Sprintf(
				"at position %d in exposed table, %q in unexposed", j, unexposed.names[j])}
		}
	}

	rows := make([]Subject, 0, len(exposed.subjects)+len(unexposed.subjects))
	for _, s := range exposed.subjects {
		rows = append(rows, Subject{ID: s.ID, Exposed: true, Values: s.Values})
	}
	for _, s := range unexposed.subjects {
		rows = append(rows, Subject{ID: s.ID, Exposed: false, Values: s.Values})
	}
	return NewTable(exposed.names, rows)
}

// Names returns the ordered feature names.
func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

// Subjects returns the subject rows in table order. The slice is a copy;
// the rows share their value arrays with the table.
func (t *Table) Subjects() []Subject {
	return append([]Subject(nil), t.subjects...)
}

// Len returns the number of subjects.
func (t *Table) Len() int {
	return len(t.subjects)
}

// Counts returns the number of exposed and unexposed subjects.
func (t *Table) Counts() (exposed, unexposed int) {
	for _, s := range t.subjects {
		if s.Exposed {
			exposed++
		} else {
			unexposed++
		}
	}
	return exposed, unexposed
}

// moments returns the population mean and standard deviation per feature. A
// zero-variance feature gets scale 1 so standardization passes it through
// centered.
func (t *Table) moments() (means, scales []float64) {
	p := len(t.names)
	means = make([]float64, p)
	scales = make([]float64, p)
	if len(t.subjects) == 0 {
		for j := range scales {
			scales[j] = 1
		}
		return means, scales
	}
	n := float64(len(t.subjects))
	for _, s := range t.subjects {
		for j, v := range s.Values {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= n
	}
	for _, s := range t.subjects {
		for j, v := range s.Values {
			d := v - means[j]
			scales[j] += d * d
		}
	}
	for j := range scales {
		sd := math.Sqrt(scales[j] / n)
		if sd == 0 {
			sd = 1
		}
		scales[j] = sd
	}
	return means, scales
}
