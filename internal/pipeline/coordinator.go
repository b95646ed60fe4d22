package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/phenorank/internal/model"
	"github.com/sells-group/phenorank/internal/resilience"
)

// DefaultMaxWorkers bounds batch concurrency when none is configured.
const DefaultMaxWorkers = 4

// Runner processes one case end to end. *Sequencer implements it.
type Runner interface {
	Run(ctx context.Context, c *model.PatientCase) error
}

// Coordinator runs many cases under a bounded worker pool. A failing case
// never affects its siblings; only resource exhaustion stops the batch from
// starting further cases.
type Coordinator struct {
	runner     Runner
	ledger     Ledger
	maxWorkers int
}

// NewCoordinator creates a Coordinator. maxWorkers < 1 selects
// DefaultMaxWorkers.
func NewCoordinator(runner Runner, ledger Ledger, maxWorkers int) *Coordinator {
	if maxWorkers < 1 {
		maxWorkers = DefaultMaxWorkers
	}
	if ledger == nil {
		ledger = nopLedger{}
	}
	return &Coordinator{runner: runner, ledger: ledger, maxWorkers: maxWorkers}
}

// RunBatch processes every case and returns their outcomes in input order.
//
// Cancelling ctx stops new cases from starting; cases already running
// continue detached from ctx, bounded by their stage timeouts. Cases that
// never started are reported failed with kind cancelled, or aborted when a
// case hit resource exhaustion.
func (co *Coordinator) RunBatch(ctx context.Context, cases []*model.PatientCase) *model.BatchReport {
	report := &model.BatchReport{StartedAt: time.Now().UTC()}
	zap.L().Info("pipeline: starting batch",
		zap.Int("cases", len(cases)),
		zap.Int("max_workers", co.maxWorkers),
	)

	var (
		g         errgroup.Group
		exhausted atomic.Bool
	)
	g.SetLimit(co.maxWorkers)
	inflight := context.WithoutCancel(ctx)

	for _, c := range cases {
		if co.skip(ctx, inflight, c, &exhausted) {
			continue
		}
		g.Go(func() error {
			if co.skip(ctx, inflight, c, &exhausted) {
				return nil
			}
			err := co.runner.Run(inflight, c)
			if err == nil {
				return nil
			}
			if !c.Terminal() {
				c.Stage = model.StageFailed
				c.Status = model.CaseStatusFailed
				c.ErrorKind = string(resilience.KindOf(err))
				c.Error = err.Error()
			}
			if resilience.KindOf(err) == resilience.KindResourceExhausted {
				if exhausted.CompareAndSwap(false, true) {
					zap.L().Error("pipeline: resource exhausted, aborting unstarted cases",
						zap.String("case_id", c.ID),
						zap.Error(err),
					)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range cases {
		report.Add(model.OutcomeOf(c))
	}
	report.Aborted = exhausted.Load()
	report.FinishedAt = time.Now().UTC()

	zap.L().Info("pipeline: batch complete",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Bool("aborted", report.Aborted),
		zap.Int64("duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds()),
	)
	return report
}

// skip marks c failed without running it when the batch was cancelled or
// aborted. It reports whether c was skipped.
func (co *Coordinator) skip(ctx, inflight context.Context, c *model.PatientCase, exhausted *atomic.Bool) bool {
	if c.Terminal() {
		return true
	}
	var kind resilience.Kind
	var msg string
	switch {
	case exhausted.Load():
		kind, msg = resilience.KindAborted, "batch aborted after resource exhaustion"
	case ctx.Err() != nil:
		kind, msg = resilience.KindCancelled, "batch cancelled before case started"
	default:
		return false
	}

	c.Stage = model.StageFailed
	c.FailedStage = model.StageQueued
	c.Status = model.CaseStatusFailed
	c.ErrorKind = string(kind)
	c.Error = msg
	c.UpdatedAt = time.Now().UTC()
	if err := co.ledger.CreateCase(inflight, c); err != nil {
		zap.L().Warn("pipeline: failed to record skipped case", zap.String("case_id", c.ID), zap.Error(err))
	}
	zap.L().Warn("pipeline: case not started",
		zap.String("case_id", c.ID),
		zap.String("error_kind", string(kind)),
	)
	return true
}
