package stage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/phenorank/pkg/anthropic"
	"github.com/sells-group/phenorank/pkg/toolrun"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func (m *mockClient) CountTokens(ctx context.Context, req anthropic.MessageRequest) (int64, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(int64), args.Error(1)
}

type mockInvoker struct {
	mock.Mock
}

func (m *mockInvoker) Invoke(ctx context.Context, inv toolrun.Invocation) (*toolrun.Result, error) {
	args := m.Called(ctx, inv)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*toolrun.Result), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		StopReason: "end_turn",
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}

// userContent matches a request by its single user message.
func userContent(want string) any {
	return mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Messages) == 1 && req.Messages[0].Content == want
	})
}

func newTestLLM(client anthropic.Client, cacheSize int) *LLM {
	l, err := NewLLM(client, LLMConfig{Model: "claude-sonnet-4-5-20250929", MaxTokens: 1024, CacheSize: cacheSize}, nil)
	if err != nil {
		panic(err)
	}
	return l
}
