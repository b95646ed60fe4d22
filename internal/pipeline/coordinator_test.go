package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/phenorank/internal/model"
	"github.com/sells-group/phenorank/internal/resilience"
)

type runnerFunc func(ctx context.Context, c *model.PatientCase) error

func (f runnerFunc) Run(ctx context.Context, c *model.PatientCase) error { return f(ctx, c) }

func succeed(c *model.PatientCase) error {
	c.Stage = model.StageDone
	c.Status = model.CaseStatusSucceeded
	return nil
}

func failAt(c *model.PatientCase, st model.Stage, err error) error {
	c.Stage = model.StageFailed
	c.FailedStage = st
	c.Status = model.CaseStatusFailed
	c.ErrorKind = string(resilience.KindOf(err))
	c.Error = err.Error()
	return err
}

func queuedCases(n int) []*model.PatientCase {
	cases := make([]*model.PatientCase, n)
	for i := range cases {
		id := fmt.Sprintf("C%02d", i+1)
		cases[i] = model.NewPatientCase(id, id+".txt", id+".sqlite", "")
	}
	return cases
}

func outcomeIDs(r *model.BatchReport) []string {
	ids := make([]string, len(r.Cases))
	for i, o := range r.Cases {
		ids[i] = o.CaseID
	}
	return ids
}

func TestCoordinator_IsolatesFailingCase(t *testing.T) {
	dir := t.TempDir()
	set, _ := scenarioSet()
	filter := newMockAdapter(model.StageFiltering)
	filter.On("Apply", mock.Anything, mock.MatchedBy(func(c *model.PatientCase) bool { return c.ID == "P3" }), mock.Anything).
		Return(nil, resilience.Newf(resilience.KindMalformedOutput, "filtering: response has no HPO codes"))
	filter.On("Apply", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte(scenarioFiltered), nil)
	set.Filter = filter

	ledger := newMemLedger()
	arts := newArtifactStore(t)
	seq := NewSequencer(testPipelineConfig(), arts, set, newRankingEngine(t), ledger)

	var cases []*model.PatientCase
	for i := 1; i <= 6; i++ {
		id := fmt.Sprintf("P%d", i)
		caseDir := t.TempDir()
		store := newVariantStore(t, caseDir,
			[2]string{"GENEA", "Uncertain significance"},
			[2]string{"GENEB", "Pathogenic"},
		)
		cases = append(cases, model.NewPatientCase(id, writeNote(t, dir, id, scenarioNote), store, arts.CaseDir(id)))
	}

	report := NewCoordinator(seq, ledger, 3).RunBatch(context.Background(), cases)

	require.Len(t, report.Cases, 6)
	assert.Equal(t, []string{"P1", "P2", "P3", "P4", "P5", "P6"}, outcomeIDs(report))
	assert.Equal(t, 5, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.True(t, report.HasFailures())
	assert.False(t, report.Aborted)

	for _, o := range report.Cases {
		if o.CaseID == "P3" {
			assert.Equal(t, model.CaseStatusFailed, o.Status)
			assert.Equal(t, model.StageFiltering, o.FailedStage)
			assert.Equal(t, string(resilience.KindMalformedOutput), o.ErrorKind)
			continue
		}
		assert.Equal(t, model.CaseStatusSucceeded, o.Status, o.CaseID)
		assert.Equal(t, model.StageDone, o.Stage, o.CaseID)
	}
	for _, c := range cases {
		if c.ID != "P3" {
			assert.Equal(t, []string{"GENEB", "GENEA"}, storeGenes(t, c.VariantStore), c.ID)
		}
	}
}

func TestCoordinator_BoundsConcurrency(t *testing.T) {
	var (
		active  atomic.Int32
		peak    atomic.Int32
		started atomic.Int32
	)
	runner := runnerFunc(func(_ context.Context, c *model.PatientCase) error {
		started.Add(1)
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return succeed(c)
	})

	report := NewCoordinator(runner, nil, 2).RunBatch(context.Background(), queuedCases(10))

	assert.Equal(t, int32(10), started.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 10, report.Succeeded)
	assert.False(t, report.HasFailures())
}

func TestCoordinator_DefaultWorkers(t *testing.T) {
	co := NewCoordinator(runnerFunc(func(_ context.Context, c *model.PatientCase) error { return succeed(c) }), nil, 0)
	assert.Equal(t, DefaultMaxWorkers, co.maxWorkers)
}

func TestCoordinator_ResourceExhaustedAbortsUnstarted(t *testing.T) {
	var ran sync.Map
	runner := runnerFunc(func(_ context.Context, c *model.PatientCase) error {
		ran.Store(c.ID, true)
		if c.ID == "C02" {
			return failAt(c, model.StageCleaning,
				resilience.Newf(resilience.KindResourceExhausted, "artifact: write: no space left on device"))
		}
		return succeed(c)
	})
	ledger := newMemLedger()

	report := NewCoordinator(runner, ledger, 1).RunBatch(context.Background(), queuedCases(4))

	assert.True(t, report.Aborted)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, string(resilience.KindResourceExhausted), report.Cases[1].ErrorKind)
	for _, o := range report.Cases[2:] {
		assert.Equal(t, model.CaseStatusFailed, o.Status)
		assert.Equal(t, string(resilience.KindAborted), o.ErrorKind)
		assert.Equal(t, model.StageQueued, o.FailedStage)
		_, started := ran.Load(o.CaseID)
		assert.False(t, started, o.CaseID)

		stored, _ := ledger.get(o.CaseID)
		assert.Equal(t, model.CaseStatusFailed, stored.Status)
	}
}

func TestCoordinator_CancellationStopsNewCases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran sync.Map
	runner := runnerFunc(func(runCtx context.Context, c *model.PatientCase) error {
		ran.Store(c.ID, true)
		if c.ID == "C01" {
			cancel()
			// In-flight cases keep running after the batch is cancelled.
			if runCtx.Err() != nil {
				return failAt(c, model.StageCleaning, runCtx.Err())
			}
		}
		return succeed(c)
	})

	report := NewCoordinator(runner, nil, 1).RunBatch(ctx, queuedCases(3))

	assert.Equal(t, model.CaseStatusSucceeded, report.Cases[0].Status)
	for _, o := range report.Cases[1:] {
		assert.Equal(t, model.CaseStatusFailed, o.Status)
		assert.Equal(t, string(resilience.KindCancelled), o.ErrorKind)
		_, started := ran.Load(o.CaseID)
		assert.False(t, started, o.CaseID)
	}
	assert.False(t, report.Aborted)
}

func TestCoordinator_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := runnerFunc(func(_ context.Context, c *model.PatientCase) error {
		t.Errorf("case %s should not run", c.ID)
		return nil
	})
	report := NewCoordinator(runner, nil, 4).RunBatch(ctx, queuedCases(3))

	assert.Equal(t, 3, report.Failed)
	for _, o := range report.Cases {
		assert.Equal(t, string(resilience.KindCancelled), o.ErrorKind)
	}
}

func TestCoordinator_RunnerErrorWithoutState(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, c *model.PatientCase) error {
		if c.ID == "C01" {
			return resilience.Newf(resilience.KindExternalTool, "docker: daemon not running")
		}
		return succeed(c)
	})

	report := NewCoordinator(runner, nil, 2).RunBatch(context.Background(), queuedCases(2))

	assert.Equal(t, model.CaseStatusFailed, report.Cases[0].Status)
	assert.Equal(t, string(resilience.KindExternalTool), report.Cases[0].ErrorKind)
	assert.Equal(t, model.CaseStatusSucceeded, report.Cases[1].Status)
}

func TestCoordinator_EmptyBatch(t *testing.T) {
	report := NewCoordinator(runnerFunc(func(context.Context, *model.PatientCase) error { return nil }), nil, 4).
		RunBatch(context.Background(), nil)
	assert.Empty(t, report.Cases)
	assert.False(t, report.HasFailures())
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}
