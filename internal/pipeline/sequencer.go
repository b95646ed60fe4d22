// Package pipeline runs patient cases through the stage sequence and
// coordinates batches of cases.
package pipeline

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/phenorank/internal/artifact"
	"github.com/sells-group/phenorank/internal/config"
	"github.com/sells-group/phenorank/internal/model"
	"github.com/sells-group/phenorank/internal/ranking"
	"github.com/sells-group/phenorank/internal/resilience"
	"github.com/sells-group/phenorank/internal/stage"
)

// Ledger records case state and the transition trace. store.Store
// satisfies it.
type Ledger interface {
	CreateCase(ctx context.Context, c *model.PatientCase) error
	UpdateCase(ctx context.Context, c *model.PatientCase) error
	AppendTransition(ctx context.Context, t *model.Transition) error
}

// Merger applies a gene-score table to a case's variant store.
type Merger interface {
	Merge(ctx context.Context, storePath, caseID string, scores *model.GeneScoreTable) (*ranking.Result, error)
}

// Sequencer drives one PatientCase through
// Queued → Cleaning → Extracting → Filtering → Scoring → Ranked → Done.
// A stage is entered only after the previous stage's artifact is durably
// written, and any unrecoverable error moves the case to Failed.
type Sequencer struct {
	artifacts *artifact.Store
	stages    stage.Set
	merger    Merger
	ledger    Ledger
	retry     resilience.RetryConfig
	timeouts  config.StageTimeouts
}

// NewSequencer creates a Sequencer. A nil ledger disables trace persistence;
// the trace is still kept on the case.
func NewSequencer(cfg config.PipelineConfig, artifacts *artifact.Store, stages stage.Set, merger Merger, ledger Ledger) *Sequencer {
	if ledger == nil {
		ledger = nopLedger{}
	}
	return &Sequencer{
		artifacts: artifacts,
		stages:    stages,
		merger:    merger,
		ledger:    ledger,
		retry:     resilience.FromRetryConfig(cfg.MaxAttempts, cfg.InitialBackoffMs, cfg.MaxBackoffMs),
		timeouts:  cfg.StageTimeoutSecs,
	}
}

// Artifacts returns the store the sequencer writes case artifacts to.
func (s *Sequencer) Artifacts() *artifact.Store { return s.artifacts }

// Run executes every stage of c in order. On failure c is left in the
// Failed state carrying the failed stage and error kind, and the error is
// returned.
func (s *Sequencer) Run(ctx context.Context, c *model.PatientCase) error {
	log := zap.L().With(zap.String("case_id", c.ID))
	start := time.Now()

	if err := s.ledger.CreateCase(ctx, c); err != nil {
		log.Warn("pipeline: failed to record case", zap.Error(err))
	}

	note, err := s.importNote(c)
	if err != nil {
		return s.fail(ctx, c, model.StageQueued, 1, time.Since(start), err)
	}
	s.advance(ctx, c, model.StageCleaning, 1, note.Path, time.Since(start))

	for _, st := range model.WorkStages {
		stageStart := time.Now()
		artifactPath, attempts, err := s.runStage(ctx, c, st)
		if err != nil {
			return s.fail(ctx, c, st, attempts, time.Since(stageStart), err)
		}
		s.advance(ctx, c, st.Next(), attempts, artifactPath, time.Since(stageStart))
		log.Info("pipeline: stage complete",
			zap.String("stage", string(st)),
			zap.Int("attempt", attempts),
			zap.Int64("duration_ms", time.Since(stageStart).Milliseconds()),
		)
	}

	c.Status = model.CaseStatusSucceeded
	s.persist(ctx, c)
	log.Info("pipeline: case done", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return nil
}

// importNote copies the source note into the artifact store so every stage
// reads from the store.
func (s *Sequencer) importNote(c *model.PatientCase) (*model.Artifact, error) {
	content, err := os.ReadFile(c.NotePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, resilience.Newf(resilience.KindArtifactMissing, "pipeline: note %s not found", c.NotePath)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read note %s", c.NotePath)
	}
	return s.artifacts.Write(c.ID, model.ArtifactNote, content)
}

// runStage runs one stage with retry and returns the path of the artifact it
// produced and the number of attempts made.
func (s *Sequencer) runStage(ctx context.Context, c *model.PatientCase, st model.Stage) (string, int, error) {
	attempts := 0
	retry := s.retry
	retry.OnRetry = func(attempt int, err error) {
		resilience.RetryLogger(c.ID, string(st))(attempt, err)
		s.record(ctx, &model.Transition{
			CaseID:    c.ID,
			From:      st,
			To:        st,
			Attempt:   attempt,
			ErrorKind: string(resilience.KindOf(err)),
			Error:     err.Error(),
		}, c)
	}

	path, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (string, error) {
		attempts++
		timeout := s.timeouts.For(st)
		sctx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		path, err := s.execute(sctx, c, st)
		if err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = resilience.New(resilience.KindExternalTool, eris.Wrapf(err, "pipeline: %s did not finish within %s", st, timeout))
		}
		return path, err
	})
	if err != nil && ctx.Err() != nil && resilience.KindOf(err) == resilience.KindInternal {
		err = resilience.New(resilience.KindCancelled, eris.Wrapf(err, "pipeline: %s interrupted", st))
	}
	return path, attempts, err
}

// execute performs one attempt of a stage. Artifact-producing stages read
// their input artifact, apply the adapter and write the output artifact;
// Ranked merges the gene-score table into the variant store.
func (s *Sequencer) execute(ctx context.Context, c *model.PatientCase, st model.Stage) (string, error) {
	inKind, ok := model.StageInput(st)
	if !ok {
		return "", eris.Errorf("pipeline: no input artifact for stage %s", st)
	}
	in, err := s.artifacts.Read(c.ID, inKind)
	if err != nil {
		return "", err
	}

	if st == model.StageRanked {
		return s.rank(ctx, c, in)
	}

	adapter := s.stages.For(st)
	if adapter == nil {
		return "", eris.Errorf("pipeline: no adapter for stage %s", st)
	}
	out, err := adapter.Apply(ctx, c, in.Content)
	if err != nil {
		return "", err
	}

	outKind, _ := model.StageOutput(st)
	written, err := s.artifacts.Write(c.ID, outKind, out)
	if err != nil {
		return "", err
	}
	return written.Path, nil
}

func (s *Sequencer) rank(ctx context.Context, c *model.PatientCase, in *model.Artifact) (string, error) {
	scores, err := stage.DecodeGeneScores(in.Content)
	if err != nil {
		return "", err
	}
	res, err := s.merger.Merge(ctx, c.VariantStore, c.ID, scores)
	if err != nil {
		return "", err
	}
	c.Diagnostics = append(c.Diagnostics, res.Diagnostics...)
	return c.VariantStore, nil
}

// advance records a successful transition into next.
func (s *Sequencer) advance(ctx context.Context, c *model.PatientCase, next model.Stage, attempt int, artifactPath string, d time.Duration) {
	s.record(ctx, &model.Transition{
		CaseID:     c.ID,
		From:       c.Stage,
		To:         next,
		Attempt:    attempt,
		Artifact:   artifactPath,
		DurationMs: d.Milliseconds(),
	}, c)
	c.Stage = next
	s.persist(ctx, c)
}

// fail moves c to Failed and returns err tagged with its kind.
func (s *Sequencer) fail(ctx context.Context, c *model.PatientCase, st model.Stage, attempt int, d time.Duration, err error) error {
	kind := resilience.KindOf(err)
	s.record(ctx, &model.Transition{
		CaseID:     c.ID,
		From:       st,
		To:         model.StageFailed,
		Attempt:    attempt,
		ErrorKind:  string(kind),
		Error:      err.Error(),
		DurationMs: d.Milliseconds(),
	}, c)

	c.Stage = model.StageFailed
	c.FailedStage = st
	c.Status = model.CaseStatusFailed
	c.ErrorKind = string(kind)
	c.Error = err.Error()
	s.persist(ctx, c)

	zap.L().Error("pipeline: case failed",
		zap.String("case_id", c.ID),
		zap.String("stage", string(st)),
		zap.Int("attempt", attempt),
		zap.String("error_kind", string(kind)),
		zap.Error(err),
	)
	var tagged *resilience.Error
	if errors.As(err, &tagged) {
		return err
	}
	return resilience.New(kind, err)
}

func (s *Sequencer) record(ctx context.Context, t *model.Transition, c *model.PatientCase) {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	if err := s.ledger.AppendTransition(ctx, t); err != nil {
		zap.L().Warn("pipeline: failed to record transition",
			zap.String("case_id", c.ID),
			zap.String("stage", string(t.From)),
			zap.Error(err),
		)
	}
	c.Transitions = append(c.Transitions, *t)
}

func (s *Sequencer) persist(ctx context.Context, c *model.PatientCase) {
	c.UpdatedAt = time.Now().UTC()
	if err := s.ledger.UpdateCase(ctx, c); err != nil {
		zap.L().Warn("pipeline: failed to update case",
			zap.String("case_id", c.ID),
			zap.String("stage", string(c.Stage)),
			zap.Error(err),
		)
	}
}

type nopLedger struct{}

func (nopLedger) CreateCase(context.Context, *model.PatientCase) error { return nil }
func (nopLedger) UpdateCase(context.Context, *model.PatientCase) error { return nil }
func (nopLedger) AppendTransition(context.Context, *model.Transition) error { return nil }
