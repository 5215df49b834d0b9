package materialize

// InstanceFailure records why one instance could not be materialized.
type InstanceFailure struct {
	Instance int
	Err      error
}

// SeriesReport tallies one series.
type SeriesReport struct {
	Number    int
	Name      string
	Expected  int
	Written   int
	Failed    int
	Cancelled int
	Failures  []InstanceFailure
}

// Result is the single source of truth for partial-success reporting.
// For every discovered descriptor, Written + Failed + Cancelled ==
// Expected.
type Result struct {
	// Dest is the resolved study directory.
	Dest string

	Series []*SeriesReport

	Expected  int
	Written   int
	Failed    int
	Cancelled int
}

// OK reports whether the run counts as successful: at least one instance
// made it to disk.
func (r *Result) OK() bool { return r.Written > 0 }

func (r *Result) aggregate() {
	r.Expected, r.Written, r.Failed, r.Cancelled = 0, 0, 0, 0
	for _, s := range r.Series {
		r.Expected += s.Expected
		r.Written += s.Written
		r.Failed += s.Failed
		r.Cancelled += s.Cancelled
	}
}
