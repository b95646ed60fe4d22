package model

import "time"

// CaseOutcome is one row of a BatchReport.
type CaseOutcome struct {
	CaseID      string       `json:"case_id" yaml:"case_id"`
	Status      CaseStatus   `json:"status" yaml:"status"`
	Stage       Stage        `json:"stage" yaml:"stage"`
	FailedStage Stage        `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	ErrorKind   string       `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error       string       `json:"error,omitempty" yaml:"error,omitempty"`
	Diagnostics []string     `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	Transitions []Transition `json:"transitions,omitempty" yaml:"-"`
	DurationMs  int64        `json:"duration_ms" yaml:"duration_ms"`
}

// OutcomeOf summarises a case for reporting.
func OutcomeOf(c *PatientCase) CaseOutcome {
	o := CaseOutcome{
		CaseID:      c.ID,
		Status:      c.Status,
		Stage:       c.Stage,
		FailedStage: c.FailedStage,
		ErrorKind:   c.ErrorKind,
		Error:       c.Error,
		Diagnostics: c.Diagnostics,
		Transitions: c.Transitions,
	}
	if !c.UpdatedAt.IsZero() && !c.CreatedAt.IsZero() {
		o.DurationMs = c.UpdatedAt.Sub(c.CreatedAt).Milliseconds()
	}
	return o
}

// BatchReport lists the terminal outcome of every case in a batch, in input
// order.
type BatchReport struct {
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
	Cases      []CaseOutcome `json:"cases" yaml:"cases"`
	Succeeded  int           `json:"succeeded" yaml:"succeeded"`
	Failed     int           `json:"failed" yaml:"failed"`
	Aborted    bool          `json:"aborted,omitempty" yaml:"aborted,omitempty"`
}

// Add appends an outcome and updates the tallies.
func (r *BatchReport) Add(o CaseOutcome) {
	r.Cases = append(r.Cases, o)
	switch o.Status {
	case CaseStatusSucceeded:
		r.Succeeded++
	case CaseStatusFailed:
		r.Failed++
	}
}

// HasFailures reports whether any case failed.
func (r *BatchReport) HasFailures() bool {
	return r.Failed > 0
}

// FailedCases returns the outcomes of failed cases.
func (r *BatchReport) FailedCases() []CaseOutcome {
	var out []CaseOutcome
	for _, c := range r.Cases {
		if c.Status == CaseStatusFailed {
			out = append(out, c)
		}
	}
	return out
}
