package study

import "errors"

// ErrNoReport is returned when a run has no stored report. Only completed
// runs have one.
var ErrNoReport = errors.New("run has no report")
