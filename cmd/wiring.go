package main

import (
	"context"

	"github.com/sells-group/phenorank/internal/artifact"
	"github.com/sells-group/phenorank/internal/pipeline"
	"github.com/sells-group/phenorank/internal/ranking"
	"github.com/sells-group/phenorank/internal/resilience"
	"github.com/sells-group/phenorank/internal/stage"
	"github.com/sells-group/phenorank/internal/store"
	"github.com/sells-group/phenorank/pkg/anthropic"
	"github.com/sells-group/phenorank/pkg/toolrun"
)

// pipelineEnv holds the ledger and the sequencer shared by the run and
// batch commands.
type pipelineEnv struct {
	Store     store.Store
	Sequencer *pipeline.Sequencer
}

// Close releases the ledger.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline opens the ledger, builds the stage adapters and the ranking
// engine, and returns a sequencer writing artifacts under outputRoot.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, outputRoot string) (*pipelineEnv, error) {
	if err := cfg.RequireLLM(); err != nil {
		return nil, err
	}

	artifacts, err := artifact.NewStore(outputRoot)
	if err != nil {
		return nil, err
	}

	invoker, err := newInvoker()
	if err != nil {
		return nil, err
	}

	breakers := resilience.NewBreakers(resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs))
	stages, err := stage.NewSet(cfg, anthropic.NewClient(cfg.LLM.APIKey), invoker, breakers)
	if err != nil {
		return nil, err
	}

	engine, err := ranking.NewEngine(ranking.ColumnsFromConfig(cfg.VariantStore, cfg.Ranking), ranking.NewLocks())
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	return &pipelineEnv{
		Store:     st,
		Sequencer: pipeline.NewSequencer(cfg.Pipeline, artifacts, stages, engine, st),
	}, nil
}

// newInvoker returns the tool invoker for tools.runtime.
func newInvoker() (toolrun.Invoker, error) {
	if cfg.Tools.Runtime == "docker" {
		return toolrun.NewDocker(toolrun.ExecRunner{}, cfg.Tools.DockerBin), nil
	}
	return toolrun.New(cfg.Tools.Runtime, toolrun.ExecRunner{})
}
