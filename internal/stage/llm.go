package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/phenorank/internal/resilience"
	"github.com/sells-group/phenorank/pkg/anthropic"
)

// LLMConfig configures the shared language-model caller.
type LLMConfig struct {
	Model             string
	MaxTokens         int64
	RequestsPerSecond float64
	CacheSize         int
}

// LLM is the caller shared by the text cleaner and term filter. It rate
// limits requests across all workers, memoises successful answers so retries
// and re-runs on identical input see identical output, and routes every call
// through a circuit breaker.
type LLM struct {
	client  anthropic.Client
	cfg     LLMConfig
	limiter *rate.Limiter
	cache   *lru.Cache[string, string]
	breaker *resilience.CircuitBreaker
}

// NewLLM creates an LLM caller. A nil breaker disables circuit breaking; a
// zero cache size disables memoisation.
func NewLLM(client anthropic.Client, cfg LLMConfig, breaker *resilience.CircuitBreaker) (*LLM, error) {
	l := &LLM{client: client, cfg: cfg, breaker: breaker}
	if cfg.RequestsPerSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, string](cfg.CacheSize)
		if err != nil {
			return nil, eris.Wrap(err, "stage: create llm cache")
		}
		l.cache = cache
	}
	return l, nil
}

// Ask sends one system+user exchange and returns the trimmed answer text.
func (l *LLM) Ask(ctx context.Context, caseID, stage, system, user string, temperature float64) (string, error) {
	key := cacheKey(l.cfg.Model, system, user, temperature)
	if l.cache != nil {
		if v, ok := l.cache.Get(key); ok {
			zap.L().Debug("llm cache hit", zap.String("case_id", caseID), zap.String("stage", stage))
			return v, nil
		}
	}

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return "", resilience.New(resilience.KindExternalService, eris.Wrap(err, "stage: llm rate limit wait"))
		}
	}

	call := func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := l.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       l.cfg.Model,
			MaxTokens:   l.cfg.MaxTokens,
			System:      anthropic.BuildCachedSystemBlocks(system),
			Messages:    []anthropic.Message{{Role: "user", Content: user}},
			Temperature: &temperature,
		})
		if err != nil {
			return nil, resilience.New(resilience.KindExternalService, err)
		}
		return resp, nil
	}

	var (
		resp *anthropic.MessageResponse
		err  error
	)
	if l.breaker != nil {
		resp, err = resilience.ExecuteVal(ctx, l.breaker, call)
	} else {
		resp, err = call(ctx)
	}
	if err != nil {
		return "", err
	}

	resp.Usage.LogCost(l.cfg.Model, caseID, stage)

	if resp.Truncated() {
		return "", resilience.Newf(resilience.KindMalformedOutput, "stage: %s answer truncated at %d tokens", stage, l.cfg.MaxTokens)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", resilience.Newf(resilience.KindMalformedOutput, "stage: %s answer is empty", stage)
	}

	if l.cache != nil {
		l.cache.Add(key, text)
	}
	return text, nil
}

// CountTokens measures user with the configured model's tokenizer.
func (l *LLM) CountTokens(ctx context.Context, user string) (int64, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return 0, resilience.New(resilience.KindExternalService, eris.Wrap(err, "stage: llm rate limit wait"))
		}
	}

	call := func(ctx context.Context) (int64, error) {
		n, err := l.client.CountTokens(ctx, anthropic.MessageRequest{
			Model:    l.cfg.Model,
			Messages: []anthropic.Message{{Role: "user", Content: user}},
		})
		if err != nil {
			return 0, resilience.New(resilience.KindExternalService, err)
		}
		return n, nil
	}
	if l.breaker != nil {
		return resilience.ExecuteVal(ctx, l.breaker, call)
	}
	return call(ctx)
}

func cacheKey(model, system, user string, temperature float64) string {
	h := sha256.New()
	for _, part := range []string{model, system, user, strconv.FormatFloat(temperature, 'f', -1, 64)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
