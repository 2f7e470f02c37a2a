package providers

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

const MockClientName = "mock"

// MockClient is an LLMClient for testing.
type MockClient struct {
	// Configurable behavior
	Latency      time.Duration
	ShouldFail   bool
	FailFirstN   int // Fail the first N requests (0 = never)
	ResponseText string

	// ResponseFor overrides ResponseText per request when set; keyed by a
	// substring of the user message.
	ResponseFor map[string]string

	// State
	requestCount atomic.Int64
}

// NewMockClient creates a new mock client with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		ResponseText: `{"title":"mock"}`,
	}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockClientName
}

// RequestCount returns how many Chat calls have been made.
func (c *MockClient) RequestCount() int64 {
	return c.requestCount.Load()
}

// Chat returns the configured response after the configured latency.
func (c *MockClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	n := c.requestCount.Add(1)

	if c.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.Latency):
		}
	}

	if c.ShouldFail || n <= int64(c.FailFirstN) {
		return nil, fmt.Errorf("%w: mock failure", ErrLLM)
	}

	content := c.ResponseText
	if c.ResponseFor != nil {
		for _, m := range req.Messages {
			if m.Role != "user" {
				continue
			}
			for key, resp := range c.ResponseFor {
				if key != "" && strings.Contains(m.Content, key) {
					content = resp
				}
			}
		}
	}

	return &ChatResult{
		Content:          content,
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		Provider:         MockClientName,
		ModelUsed:        "mock-model",
		RequestID:        req.RequestID,
	}, nil
}
