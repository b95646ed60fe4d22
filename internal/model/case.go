package model

import "time"

// Stage is a position in the per-case pipeline state machine.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageCleaning   Stage = "cleaning"
	StageExtracting Stage = "extracting"
	StageFiltering  Stage = "filtering"
	StageScoring    Stage = "scoring"
	StageRanked     Stage = "ranked"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// WorkStages lists the stages that perform work, in execution order.
var WorkStages = []Stage{StageCleaning, StageExtracting, StageFiltering, StageScoring, StageRanked}

// Next returns the stage that follows s. Done and Failed are terminal and
// return themselves.
func (s Stage) Next() Stage {
	switch s {
	case StageFailed:
		return StageFailed
	case StageQueued:
		return StageCleaning
	case StageCleaning:
		return StageExtracting
	case StageExtracting:
		return StageFiltering
	case StageFiltering:
		return StageScoring
	case StageScoring:
		return StageRanked
	default:
		return StageDone
	}
}

// Index returns the position of s in the state machine (queued = 0).
func (s Stage) Index() int {
	switch s {
	case StageQueued:
		return 0
	case StageCleaning:
		return 1
	case StageExtracting:
		return 2
	case StageFiltering:
		return 3
	case StageScoring:
		return 4
	case StageRanked:
		return 5
	case StageDone:
		return 6
	default:
		return -1
	}
}

// CaseStatus is the terminal status of a PatientCase.
type CaseStatus string

const (
	CaseStatusPending   CaseStatus = "pending"
	CaseStatusSucceeded CaseStatus = "succeeded"
	CaseStatusFailed    CaseStatus = "failed"
)

// PatientCase is one patient's note tracked end-to-end through the pipeline.
type PatientCase struct {
	ID           string       `json:"id"`
	NotePath     string       `json:"note_path"`
	VariantStore string       `json:"variant_store"`
	WorkDir      string       `json:"work_dir"`
	Stage        Stage        `json:"stage"`
	Status       CaseStatus   `json:"status"`
	FailedStage  Stage        `json:"failed_stage,omitempty"`
	ErrorKind    string       `json:"error_kind,omitempty"`
	Error        string       `json:"error,omitempty"`
	Diagnostics  []string     `json:"diagnostics,omitempty"`
	Transitions  []Transition `json:"transitions,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewPatientCase creates a queued case.
func NewPatientCase(id, notePath, variantStore, workDir string) *PatientCase {
	now := time.Now().UTC()
	return &PatientCase{
		ID:           id,
		NotePath:     notePath,
		VariantStore: variantStore,
		WorkDir:      workDir,
		Stage:        StageQueued,
		Status:       CaseStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Terminal reports whether the case reached done or failed.
func (c *PatientCase) Terminal() bool {
	return c.Status != CaseStatusPending
}

// Transition is one entry in a case's stage trace. A transition with an
// error and To == From records a failed attempt that was retried.
type Transition struct {
	ID         string    `json:"id,omitempty"`
	CaseID     string    `json:"case_id"`
	From       Stage     `json:"from"`
	To         Stage     `json:"to"`
	Attempt    int       `json:"attempt"`
	Artifact   string    `json:"artifact,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}
