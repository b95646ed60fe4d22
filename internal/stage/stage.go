// Package stage implements the pipeline's stage adapters. Each adapter is a
// function from one case artifact to the next; how the underlying service or
// tool is reached stays behind the adapter.
package stage

import (
	"bytes"
	"context"
	"strings"

	"github.com/sells-group/phenorank/internal/model"
	"github.com/sells-group/phenorank/internal/resilience"
)

// Adapter turns the input artifact of a stage into its output artifact.
// Implementations must be safe to retry: the same input yields an
// equivalent output.
type Adapter interface {
	Stage() model.Stage
	Apply(ctx context.Context, c *model.PatientCase, input []byte) ([]byte, error)
}

// Set holds one adapter per artifact-producing stage.
type Set struct {
	Cleaner   Adapter
	Extractor Adapter
	Filter    Adapter
	Scorer    Adapter
}

// For returns the adapter for a stage, or nil for stages without one.
func (s Set) For(stage model.Stage) Adapter {
	switch stage {
	case model.StageCleaning:
		return s.Cleaner
	case model.StageExtracting:
		return s.Extractor
	case model.StageFiltering:
		return s.Filter
	case model.StageScoring:
		return s.Scorer
	default:
		return nil
	}
}

// requireInput rejects an empty input artifact.
func requireInput(stage model.Stage, input []byte) error {
	if len(bytes.TrimSpace(input)) == 0 {
		return resilience.Newf(resilience.KindMalformedOutput, "%s: input artifact is empty", stage)
	}
	return nil
}

// fillArgs substitutes the {case} and {terms} placeholders of tool args.
func fillArgs(args []string, caseID, terms string) []string {
	r := strings.NewReplacer("{case}", caseID, "{terms}", terms)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
