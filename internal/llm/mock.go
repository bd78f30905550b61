package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a mock LLM client for testing. It is safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	Response string
	// Responses, when set, are returned in order; the last one repeats.
	Responses   []string
	Usage       Usage
	Error       error
	CallCount   int
	LastRequest *Request
	// Block, when non-nil, is waited on before answering (or ctx.Done).
	Block chan struct{}
}

// NewMockClient creates a new mock LLM client.
func NewMockClient(response string) *MockClient {
	return &MockClient{Response: response, Usage: Usage{InputTokens: 100, OutputTokens: 50}}
}

// Complete returns the mock response.
func (c *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	c.CallCount++
	c.LastRequest = &req
	block := c.Block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Error != nil {
		return nil, c.Error
	}

	content := c.Response
	if n := len(c.Responses); n > 0 {
		content = c.Responses[min(c.CallCount-1, n-1)]
	}
	return &Response{
		Content: content,
		Model:   "mock-model",
		Usage:   c.Usage,
	}, nil
}

// Calls returns how many times Complete was called.
func (c *MockClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCount
}

// Last returns the last request seen.
func (c *MockClient) Last() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastRequest
}

// Provider returns the mock provider.
func (c *MockClient) Provider() Provider {
	return "mock"
}

// Model returns the mock model name.
func (c *MockClient) Model() string {
	return "mock-model"
}

// MockFactory hands out one MockClient for every provider and model.
// A nil Client makes the factory report no providers.
type MockFactory struct {
	Client *MockClient
}

func (f *MockFactory) Available() bool           { return f.Client != nil }
func (f *MockFactory) DefaultProvider() Provider { return "mock" }
func (f *MockFactory) DefaultModel() string      { return "mock-model" }

func (f *MockFactory) ListProviders() []ProviderInfo {
	return []ProviderInfo{{
		ID:        "mock",
		Name:      "Mock",
		Available: f.Available(),
		Models:    []ModelInfo{{ID: "mock-model", Name: "Mock Model", Provider: "mock"}},
	}}
}

func (f *MockFactory) CreateClient(provider Provider, model string) (Client, error) {
	if f.Client == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, provider)
	}
	return f.Client, nil
}

func (f *MockFactory) CreateDefaultClient() (Client, error) {
	return f.CreateClient("mock", "")
}

// Ensure MockClient implements Client
var _ Client = (*MockClient)(nil)

var _ ClientFactory = (*MockFactory)(nil)
