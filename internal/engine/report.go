package engine

// Summary captures the run-level statistics of a match report.
type Summary struct {
	Exposed           int     `json:"exposed"`
	Unexposed         int     `json:"unexposed"`
	MatchedPairs      int     `json:"matched_pairs"`
	UnmatchedExposed  int     `json:"unmatched_exposed"`
	MatchRate         float64 `json:"match_rate"`
	Caliper           float64 `json:"caliper"`
	CaliperMultiplier float64 `json:"caliper_multiplier"`
	ModelIterations   int     `json:"model_iterations"`
	ModelConverged    bool    `json:"model_converged"`
}

// Report is the sole export of an engine run: the ordered pair list, the
// unmatched exposed subjects with reasons, balance statistics before and
// after matching, and any warnings raised along the way. A run that fails
// produces no report at all, never a partial one.
type Report struct {
	Pairs       []Pair       `json:"pairs"`
	Unmatched   []Unmatched  `json:"unmatched"`
	PreBalance  []BalanceRow `json:"pre_balance"`
	PostBalance []BalanceRow `json:"post_balance"`
	Warnings    []Warning    `json:"warnings"`
	Summary     Summary      `json:"summary"`
}
