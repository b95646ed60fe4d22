// Package store persists the case ledger: every PatientCase and the full
// trace of its stage transitions.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/phenorank/internal/model"
)

// ErrCaseNotFound is returned when a case id has no ledger entry.
var ErrCaseNotFound = eris.New("store: case not found")

// CaseFilter specifies criteria for listing cases.
type CaseFilter struct {
	Status model.CaseStatus `json:"status,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// Store defines the persistence interface for the case ledger.
type Store interface {
	// Cases. CreateCase replaces any earlier entry with the same id,
	// including its transitions, so a re-run starts a fresh trace.
	CreateCase(ctx context.Context, c *model.PatientCase) error
	UpdateCase(ctx context.Context, c *model.PatientCase) error
	GetCase(ctx context.Context, id string) (*model.PatientCase, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]model.PatientCase, error)

	// Transitions
	AppendTransition(ctx context.Context, t *model.Transition) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(f CaseFilter) int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}
