// Package llm talks to chat-completion providers behind one Client interface.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Provider represents an LLM provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderOllama    Provider = "ollama"
)

// Request represents a chat completion request.
type Request struct {
	Messages    []Message
	Temperature float64
	Seed        *int
	MaxTokens   int
	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Usage counts the tokens billed for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response represents a chat completion response.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Client is the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Provider() Provider
	Model() string
}

var (
	// ErrInvalidResponse indicates the LLM returned an invalid response.
	ErrInvalidResponse = errors.New("invalid LLM response")

	// ErrRateLimit indicates rate limiting was hit.
	ErrRateLimit = errors.New("rate limit exceeded")

	// ErrProviderError indicates a provider-specific error.
	ErrProviderError = errors.New("provider error")

	// ErrNotConfigured indicates no API key or host is set for a provider.
	ErrNotConfigured = errors.New("provider not configured")
)

// stripMarkdownCodeBlock removes a ```json or ``` wrapper around the whole content.
func stripMarkdownCodeBlock(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	// Drop the info string ("json", "JSON", "tsx", ...) on the opening line.
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], "{[") {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// StripCodeFences is exported for callers that receive raw model text.
func StripCodeFences(s string) string { return stripMarkdownCodeBlock(s) }

func truncate(b []byte, n int) string {
	return string(b[:min(n, len(b))])
}
