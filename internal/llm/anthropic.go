package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	anthropicBaseURL      = "https://api.anthropic.com/v1"
	anthropicAPIVersion   = "2023-06-01"
	defaultAnthropicModel = "claude-sonnet-4-20250514"
)

// AnthropicClient implements Client for Anthropic Claude.
type AnthropicClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey, model string, logger *zap.Logger) *AnthropicClient {
	if model == "" {
		model = defaultAnthropicModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnthropicClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: anthropicBaseURL,
		client:  &http.Client{Timeout: 180 * time.Second},
		log:     logger.With(zap.String("provider", string(ProviderAnthropic)), zap.String("model", model)),
	}
}

func (c *AnthropicClient) Provider() Provider { return ProviderAnthropic }

func (c *AnthropicClient) header() http.Header { return anthropicHeader(c.apiKey) }

func anthropicHeader(apiKey string) http.Header {
	h := http.Header{}
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", anthropicAPIVersion)
	return h
}
func (c *AnthropicClient) Model() string      { return c.model }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a completion request to Anthropic.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	// Anthropic takes the system prompt out of band.
	var system []string
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	anthropicReq := anthropicRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    strings.Join(system, "\n\n"),
		Messages:  messages,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		anthropicReq.Temperature = &t
	}

	c.log.Debug("sending request", zap.Int("messages", len(messages)))
	start := time.Now()
	status, respBody, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/messages", c.header(), anthropicReq)
	if err != nil {
		return nil, err
	}
	c.log.Debug("received response",
		zap.Int("status", status),
		zap.Int("body_bytes", len(respBody)),
		zap.Duration("elapsed", time.Since(start)))

	if status == http.StatusTooManyRequests {
		return nil, ErrRateLimit
	}

	var anthropicResp anthropicResponse
	if err := json.Unmarshal(respBody, &anthropicResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w (body: %s)", err, truncate(respBody, 500))
	}
	if anthropicResp.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderError, anthropicResp.Error.Message)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProviderError, status)
	}

	var content strings.Builder
	for _, part := range anthropicResp.Content {
		if part.Type == "text" {
			content.WriteString(part.Text)
		}
	}
	if content.Len() == 0 {
		return nil, fmt.Errorf("%w: no content in response", ErrInvalidResponse)
	}
	if anthropicResp.StopReason == "max_tokens" {
		c.log.Warn("response truncated at max_tokens", zap.Int("max_tokens", maxTokens))
	}

	return &Response{
		Content: stripMarkdownCodeBlock(content.String()),
		Model:   c.model,
		Usage: Usage{
			InputTokens:  anthropicResp.Usage.InputTokens,
			OutputTokens: anthropicResp.Usage.OutputTokens,
		},
	}, nil
}

type anthropicModelsResponse struct {
	Data []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

// FetchAnthropicModels fetches available models from the Anthropic API.
func FetchAnthropicModels(ctx context.Context, apiKey string) ([]ModelInfo, error) {
	return fetchAnthropicModels(ctx, anthropicBaseURL, apiKey)
}

func fetchAnthropicModels(ctx context.Context, baseURL, apiKey string) ([]ModelInfo, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	status, body, err := doJSON(ctx, client, http.MethodGet, baseURL+"/models", anthropicHeader(apiKey), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch models failed: status %d: %s", status, truncate(body, 200))
	}

	var modelsResp anthropicModelsResponse
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	models := make([]ModelInfo, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		if !strings.HasPrefix(m.ID, "claude-") {
			continue
		}
		name := m.DisplayName
		if name == "" {
			name = displayName(m.ID)
		}
		models = append(models, ModelInfo{ID: m.ID, Name: name, Provider: ProviderAnthropic})
	}
	return models, nil
}
