package stage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/phenorank/internal/resilience"
	"github.com/sells-group/phenorank/pkg/anthropic"
)

func TestLLM_Ask_MemoisesSuccess(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, userContent("note")).Return(textResponse("  cleaned  "), nil).Once()

	l := newTestLLM(mc, 8)
	for range 3 {
		got, err := l.Ask(context.Background(), "S1", "cleaning", "sys", "note", 0.1)
		require.NoError(t, err)
		assert.Equal(t, "cleaned", got)
	}
	mc.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestLLM_Ask_CacheKeyIncludesPrompt(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("x"), nil)

	l := newTestLLM(mc, 8)
	_, err := l.Ask(context.Background(), "S1", "cleaning", "sys-a", "note", 0)
	require.NoError(t, err)
	_, err = l.Ask(context.Background(), "S1", "filtering", "sys-b", "note", 0)
	require.NoError(t, err)
	mc.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestLLM_Ask_SendsCachedSystemPrompt(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.System) == 1 && req.System[0].Text == "sys" && req.System[0].CacheControl != nil &&
			req.Temperature != nil && *req.Temperature == 0.1 && req.Model == "claude-sonnet-4-5-20250929"
	})).Return(textResponse("ok"), nil)

	_, err := newTestLLM(mc, 0).Ask(context.Background(), "S1", "cleaning", "sys", "note", 0.1)
	require.NoError(t, err)
	mc.AssertExpectations(t)
}

func TestLLM_Ask_ClientErrorIsExternalService(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset by peer"))

	_, err := newTestLLM(mc, 8).Ask(context.Background(), "S1", "cleaning", "sys", "note", 0)
	require.Error(t, err)
	assert.Equal(t, resilience.KindExternalService, resilience.KindOf(err))
	assert.True(t, resilience.Retryable(err))
}

func TestLLM_Ask_TruncatedIsMalformed(t *testing.T) {
	mc := new(mockClient)
	resp := textResponse("partial")
	resp.StopReason = "max_tokens"
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(resp, nil)

	_, err := newTestLLM(mc, 8).Ask(context.Background(), "S1", "cleaning", "sys", "note", 0)
	require.Error(t, err)
	assert.Equal(t, resilience.KindMalformedOutput, resilience.KindOf(err))
}

func TestLLM_Ask_EmptyAnswerNotCached(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("   "), nil).Once()
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("second"), nil).Once()

	l := newTestLLM(mc, 8)
	_, err := l.Ask(context.Background(), "S1", "cleaning", "sys", "note", 0)
	assert.Equal(t, resilience.KindMalformedOutput, resilience.KindOf(err))

	got, err := l.Ask(context.Background(), "S1", "cleaning", "sys", "note", 0)
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestLLM_Ask_OpenBreakerRejects(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("503 service unavailable"))

	cb := resilience.NewCircuitBreaker(resilience.FromCircuitConfig(2, 60))
	l, err := NewLLM(mc, LLMConfig{Model: "m", MaxTokens: 10}, cb)
	require.NoError(t, err)

	for range 2 {
		_, err := l.Ask(context.Background(), "S1", "cleaning", "sys", "note", 0)
		require.Error(t, err)
	}
	_, err = l.Ask(context.Background(), "S1", "cleaning", "sys", "note", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	mc.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestLLM_Ask_RateLimitHonoursContext(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("ok"), nil)

	l, err := NewLLM(mc, LLMConfig{Model: "m", MaxTokens: 10, RequestsPerSecond: 0.001}, nil)
	require.NoError(t, err)

	_, err = l.Ask(context.Background(), "S1", "cleaning", "sys", "first", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Ask(ctx, "S1", "cleaning", "sys", "second", 0)
	require.Error(t, err)
	mc.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestLLM_CountTokens(t *testing.T) {
	mc := new(mockClient)
	mc.On("CountTokens", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-sonnet-4-5-20250929" && len(req.Messages) == 1 && req.Messages[0].Content == "note"
	})).Return(int64(7), nil)

	n, err := newTestLLM(mc, 0).CountTokens(context.Background(), "note")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestLLM_CountTokens_ErrorIsExternalService(t *testing.T) {
	mc := new(mockClient)
	mc.On("CountTokens", mock.Anything, mock.Anything).Return(int64(0), errors.New("connection reset"))

	_, err := newTestLLM(mc, 0).CountTokens(context.Background(), "note")
	require.Error(t, err)
	assert.Equal(t, resilience.KindExternalService, resilience.KindOf(err))
	assert.True(t, resilience.Retryable(err))
}
