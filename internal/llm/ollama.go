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

// DefaultOllamaHost is used when no host is configured.
const DefaultOllamaHost = "http://localhost:11434"

// OllamaClient implements Client for an Ollama server.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
	log     *zap.Logger
}

// NewOllamaClient creates a new Ollama client. An empty host means DefaultOllamaHost.
func NewOllamaClient(host, model string, logger *zap.Logger) *OllamaClient {
	if host == "" {
		host = DefaultOllamaHost
	}
	if model == "" {
		model = "llama3.2"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OllamaClient{
		baseURL: strings.TrimSuffix(host, "/"),
		model:   model,
		client:  &http.Client{Timeout: 600 * time.Second}, // local inference is slow
		log:     logger.With(zap.String("provider", string(ProviderOllama)), zap.String("model", model)),
	}
}

func (c *OllamaClient) Provider() Provider { return ProviderOllama }
func (c *OllamaClient) Model() string      { return c.model }

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	Seed        int     `json:"seed,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"` // max tokens
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Complete sends a completion request to Ollama's /api/chat endpoint.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}

	options := &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	if req.Seed != nil {
		options.Seed = *req.Seed
	}

	ollamaReq := ollamaRequest{
		Model:    c.model,
		Messages: messages,
		Options:  options,
	}
	if req.JSON {
		ollamaReq.Format = "json"
	}

	c.log.Debug("sending request", zap.String("host", c.baseURL), zap.Int("messages", len(messages)))
	status, respBody, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/api/chat", nil, ollamaReq)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrProviderError, status, truncate(respBody, 500))
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(respBody, &ollamaResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w (body: %s)", err, truncate(respBody, 500))
	}
	if ollamaResp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrProviderError, ollamaResp.Error)
	}
	if ollamaResp.Message.Content == "" {
		return nil, fmt.Errorf("%w: no content in response", ErrInvalidResponse)
	}

	c.log.Debug("received response",
		zap.String("done_reason", ollamaResp.DoneReason),
		zap.Int("prompt_tokens", ollamaResp.PromptEvalCount),
		zap.Int("completion_tokens", ollamaResp.EvalCount))

	if ollamaResp.DoneReason == "length" {
		return nil, fmt.Errorf("%w: response truncated (hit token limit)", ErrInvalidResponse)
	}

	return &Response{
		Content: stripMarkdownCodeBlock(ollamaResp.Message.Content),
		Model:   c.model,
		Usage: Usage{
			InputTokens:  ollamaResp.PromptEvalCount,
			OutputTokens: ollamaResp.EvalCount,
		},
	}, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Model   string `json:"model"`
		Details struct {
			ParameterSize string `json:"parameter_size"`
		} `json:"details"`
	} `json:"models"`
}

// FetchOllamaModels lists the models pulled on a running Ollama instance.
func FetchOllamaModels(ctx context.Context, host string) ([]ModelInfo, error) {
	if host == "" {
		host = DefaultOllamaHost
	}
	client := &http.Client{Timeout: 5 * time.Second}
	status, body, err := doJSON(ctx, client, http.MethodGet, strings.TrimSuffix(host, "/")+"/api/tags", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch models failed: status %d: %s", status, truncate(body, 200))
	}

	var tagsResp ollamaTagsResponse
	if err := json.Unmarshal(body, &tagsResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	models := make([]ModelInfo, 0, len(tagsResp.Models))
	for _, m := range tagsResp.Models {
		id := m.Name
		if id == "" {
			id = m.Model
		}
		name := displayName(id)
		if m.Details.ParameterSize != "" {
			name = fmt.Sprintf("%s (%s)", name, m.Details.ParameterSize)
		}
		models = append(models, ModelInfo{ID: id, Name: name, Provider: ProviderOllama})
	}
	return models, nil
}
