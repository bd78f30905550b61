package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripMarkdownCodeBlock(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"fence on one line", "```{\"a\":1}```", `{"a":1}`},
		{"surrounding space", "  \n```JSON\n[1,2]\n```\n ", `[1,2]`},
		{"inner fence kept", "text ```go\nx\n``` more", "text ```go\nx\n``` more"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripMarkdownCodeBlock(tt.in))
		})
	}
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Llama3.2", displayName("llama3.2:latest"))
	assert.Equal(t, "Qwen2.5 Coder 7b", displayName("qwen2.5-coder:7b"))
	assert.Equal(t, "Claude 3 Haiku", displayName("claude-3-haiku"))
	assert.Equal(t, "GPT-4.1 Nano", formatOpenAIModelName("gpt-4.1-nano"))
	assert.Equal(t, "GPT-4o Mini", formatOpenAIModelName("gpt-4o-mini"))
}

func TestIsOpenAIChatModel(t *testing.T) {
	for _, id := range []string{"gpt-4o", "o3-mini", "chatgpt-4o-latest"} {
		assert.True(t, isOpenAIChatModel(id), id)
	}
	for _, id := range []string{"whisper-1", "text-embedding-3-small", "gpt-4o-realtime-preview", "dall-e-3", "gpt-image-1"} {
		assert.False(t, isOpenAIChatModel(id), id)
	}
}

func TestUsesCompletionTokens(t *testing.T) {
	assert.False(t, usesCompletionTokens("gpt-3.5-turbo"))
	assert.False(t, usesCompletionTokens("gpt-4"))
	assert.False(t, usesCompletionTokens("gpt-4-turbo"))
	assert.True(t, usesCompletionTokens("gpt-4o"))
	assert.True(t, usesCompletionTokens("o3-mini"))
}

func TestAnthropicComplete(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"content": [{"type": "text", "text": "` + "```json\\n{\\\"ok\\\":true}\\n```" + `"}],
			"model": "claude-test",
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", "claude-test", nil)
	c.baseURL = srv.URL

	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		Temperature: 0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 7}, resp.Usage)

	assert.Equal(t, "be brief", got.System)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, 8192, got.MaxTokens)
	require.NotNil(t, got.Temperature)
}

func TestAnthropicErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, ErrRateLimit},
		{"api error", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"bad"}}`, ErrProviderError},
		{"empty content", http.StatusOK, `{"content":[]}`, ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewAnthropicClient("k", "", nil)
			c.baseURL = srv.URL
			_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFetchAnthropicModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[
			{"id":"claude-sonnet-4-20250514","display_name":"Claude Sonnet 4"},
			{"id":"claude-3-5-haiku-20241022"},
			{"id":"not-a-claude"}
		]}`))
	}))
	defer srv.Close()

	models, err := fetchAnthropicModels(context.Background(), srv.URL, "k")
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "Claude Sonnet 4", models[0].Name)
	assert.Equal(t, ProviderAnthropic, models[1].Provider)
}

func TestOllamaComplete(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_, _ = w.Write([]byte(`{"model":"llama3.2","message":{"role":"assistant","content":"{\"x\":1}"},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":4}`))
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:latest"},{"model":"qwen2.5-coder:7b"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	seed := 7
	c := NewOllamaClient(srv.URL+"/", "llama3.2", nil)
	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Seed:     &seed,
		JSON:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, resp.Content)
	assert.Equal(t, Usage{InputTokens: 3, OutputTokens: 4}, resp.Usage)
	assert.Equal(t, "json", got.Format)
	require.NotNil(t, got.Options)
	assert.Equal(t, 7, got.Options.Seed)

	models, err := FetchOllamaModels(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3.2:latest", models[0].ID)
	assert.Equal(t, "qwen2.5-coder:7b", models[1].ID)
}

func TestOllamaTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{\"x\":"},"done":true,"done_reason":"length"}`))
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, "m", nil).Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestOpenAIComplete(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "done"}}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`))
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("k")
	cfg.BaseURL = srv.URL + "/v1"
	c := newOpenAIClient(cfg, "gpt-4o", nil)

	resp, err := c.Complete(context.Background(), Request{
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: 100,
		JSON:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, Usage{InputTokens: 5, OutputTokens: 2}, resp.Usage)
	assert.Equal(t, 100, got.MaxCompletionTokens)
	assert.Zero(t, got.MaxTokens)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, got.ResponseFormat.Type)
}

func TestOpenAIRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("k")
	cfg.BaseURL = srv.URL + "/v1"
	_, err := newOpenAIClient(cfg, "", nil).Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	assert.ErrorIs(t, err, ErrRateLimit)
}

func TestRateLimited(t *testing.T) {
	mock := NewMockClient("ok")
	rl := NewRateLimited(mock, 1, 1)

	_, err := rl.Complete(context.Background(), Request{})
	require.NoError(t, err)

	// The bucket is empty now and the deadline is shorter than one token.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = rl.Complete(ctx, Request{})
	assert.ErrorIs(t, err, ErrRateLimit)
	assert.Equal(t, 1, mock.Calls())
	assert.Equal(t, "mock-model", rl.Model())
}

func TestMockClient(t *testing.T) {
	m := NewMockClient("")
	m.Responses = []string{"a", "b"}

	for _, want := range []string{"a", "b", "b"} {
		resp, err := m.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: want}}})
		require.NoError(t, err)
		assert.Equal(t, want, resp.Content)
	}
	assert.Equal(t, 3, m.Calls())
	assert.Equal(t, "b", m.Last().Messages[0].Content)

	m.Error = ErrProviderError
	_, err := m.Complete(context.Background(), Request{})
	assert.True(t, errors.Is(err, ErrProviderError))
}

func TestMockClientBlock(t *testing.T) {
	m := NewMockClient("x")
	m.Block = make(chan struct{})

	var done atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.Complete(ctx, Request{})
		done.Store(true)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	assert.False(t, done.Load())
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestPrompts(t *testing.T) {
	for _, role := range []string{PromptSystem, PromptContext, PromptExecutor} {
		p, err := LoadPrompt(role, PromptVersionV1)
		require.NoError(t, err, role)
		assert.NotEmpty(t, p.Template)
	}

	p, err := LoadPrompt(PromptExecutor, PromptVersionV1)
	require.NoError(t, err)
	out := p.Render(map[string]string{
		"PROJECT_NAME":   "Demo",
		"FRAMEWORK":      "react",
		"DESCRIPTION":    "",
		"FILES":          "{{PROMPT}}",
		"PROMPT":         "add a button",
		"MAX_OPERATIONS": "50",
	})
	assert.Contains(t, out, "Project: Demo")
	assert.Contains(t, out, "add a button")
	assert.Contains(t, out, "Current files:\n{{PROMPT}}")
	assert.NotContains(t, out, "{{FRAMEWORK}}")

	_, err = LoadPrompt("missing", PromptVersionV1)
	assert.Error(t, err)
}
