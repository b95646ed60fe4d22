package stage

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/phenorank/internal/config"
	"github.com/sells-group/phenorank/internal/resilience"
	"github.com/sells-group/phenorank/pkg/anthropic"
	"github.com/sells-group/phenorank/pkg/toolrun"
)

// NewSet wires the four adapters from configuration. Each collaborator gets
// its own circuit breaker from breakers.
func NewSet(cfg *config.Config, client anthropic.Client, invoker toolrun.Invoker, breakers *resilience.Breakers) (Set, error) {
	llm, err := NewLLM(client, LLMConfig{
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		CacheSize:         cfg.LLM.CacheSize,
	}, breakers.Get("llm"))
	if err != nil {
		return Set{}, err
	}

	whitelist, err := LoadWhitelist(cfg.Pipeline.WhitelistPath)
	if err != nil {
		return Set{}, err
	}

	return Set{
		Cleaner:   NewTextCleaner(llm, cfg.LLM.ChunkTokens, cfg.LLM.CleanTemperature),
		Extractor: NewTermExtractor(guardInvoker(invoker, breakers.Get("extractor")), toolFromConfig(cfg.Tools.Extractor)),
		Filter:    NewTermFilter(llm, whitelist, cfg.LLM.FilterTemperature),
		Scorer:    NewGeneScorer(guardInvoker(invoker, breakers.Get("scorer")), toolFromConfig(cfg.Tools.Scorer)),
	}, nil
}

func toolFromConfig(t config.ToolConfig) Tool {
	return Tool{
		Image:   t.Image,
		Command: t.Command,
		Args:    t.Args,
		Script:  t.Script,
		Output:  t.Output,
	}
}

// breakerInvoker routes tool invocations through a circuit breaker so a
// broken container runtime stops being hammered by every worker.
type breakerInvoker struct {
	next    toolrun.Invoker
	breaker *resilience.CircuitBreaker
}

func guardInvoker(next toolrun.Invoker, cb *resilience.CircuitBreaker) toolrun.Invoker {
	return &breakerInvoker{next: next, breaker: cb}
}

func (b *breakerInvoker) Invoke(ctx context.Context, inv toolrun.Invocation) (*toolrun.Result, error) {
	res, err := resilience.ExecuteVal(ctx, b.breaker, func(ctx context.Context) (*toolrun.Result, error) {
		return b.next.Invoke(ctx, inv)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, resilience.New(resilience.KindExternalTool, eris.Wrapf(err, "stage: %s unavailable", inv.Name))
	}
	return res, err
}
