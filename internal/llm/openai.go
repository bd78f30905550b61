package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIClient implements Client for OpenAI.
type OpenAIClient struct {
	model  string
	client *openai.Client
	log    *zap.Logger
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey, model string, logger *zap.Logger) *OpenAIClient {
	return newOpenAIClient(openai.DefaultConfig(apiKey), model, logger)
}

func newOpenAIClient(cfg openai.ClientConfig, model string, logger *zap.Logger) *OpenAIClient {
	if model == "" {
		model = "gpt-4o"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		model:  model,
		client: openai.NewClientWithConfig(cfg),
		log:    logger.With(zap.String("provider", string(ProviderOpenAI)), zap.String("model", model)),
	}
}

func (c *OpenAIClient) Provider() Provider { return ProviderOpenAI }
func (c *OpenAIClient) Model() string      { return c.model }

// usesCompletionTokens reports whether the model takes max_completion_tokens
// rather than the legacy max_tokens.
func usesCompletionTokens(model string) bool {
	m := strings.ToLower(model)
	if strings.HasPrefix(m, "gpt-3.5") || m == "gpt-4" || strings.HasPrefix(m, "gpt-4-") {
		return false
	}
	return true
}

// Complete sends a chat completion request to OpenAI.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		Seed:        req.Seed,
	}
	if req.MaxTokens > 0 {
		if usesCompletionTokens(c.model) {
			chatReq.MaxCompletionTokens = req.MaxTokens
		} else {
			chatReq.MaxTokens = req.MaxTokens
		}
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	c.log.Debug("sending request", zap.Int("messages", len(messages)))
	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
				return nil, ErrRateLimit
			}
			return nil, fmt.Errorf("%w: %s", ErrProviderError, apiErr.Message)
		}
		return nil, fmt.Errorf("send request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrInvalidResponse)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		c.log.Warn("response truncated at token limit")
	}
	if choice.Message.Content == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidResponse)
	}

	return &Response{
		Content: stripMarkdownCodeBlock(choice.Message.Content),
		Model:   c.model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// FetchOpenAIModels lists chat-capable models for the key.
func FetchOpenAIModels(ctx context.Context, apiKey string) ([]ModelInfo, error) {
	return fetchOpenAIModels(ctx, openai.NewClient(apiKey))
}

func fetchOpenAIModels(ctx context.Context, client *openai.Client) ([]ModelInfo, error) {
	list, err := client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	models := make([]ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		if !isOpenAIChatModel(m.ID) {
			continue
		}
		models = append(models, ModelInfo{ID: m.ID, Name: formatOpenAIModelName(m.ID), Provider: ProviderOpenAI})
	}
	return models, nil
}

// isOpenAIChatModel returns true if the model ID indicates a chat-capable model.
func isOpenAIChatModel(id string) bool {
	m := strings.ToLower(id)

	excludePrefixes := []string{
		"whisper", "tts", "dall-e", "text-embedding", "embedding", "moderation",
		"babbage", "davinci", "curie", "ada", "code-", "text-", "ft:", "codex",
	}
	for _, prefix := range excludePrefixes {
		if strings.HasPrefix(m, prefix) {
			return false
		}
	}
	// Realtime, audio and image variants are not chat completions.
	for _, part := range []string{"realtime", "audio", "transcribe", "image", "search"} {
		if strings.Contains(m, part) {
			return false
		}
	}

	for _, prefix := range []string{"gpt-", "o1", "o3", "o4", "chatgpt-"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

var openAIWellKnown = map[string]string{
	"gpt-4o":            "GPT-4o",
	"gpt-4o-mini":       "GPT-4o Mini",
	"gpt-4-turbo":       "GPT-4 Turbo",
	"gpt-4":             "GPT-4",
	"gpt-3.5-turbo":     "GPT-3.5 Turbo",
	"o1":                "o1",
	"o1-mini":           "o1 Mini",
	"o3":                "o3",
	"o3-mini":           "o3 Mini",
	"chatgpt-4o-latest": "ChatGPT-4o Latest",
}

// formatOpenAIModelName creates a display name from a model ID.
func formatOpenAIModelName(id string) string {
	if name, ok := openAIWellKnown[id]; ok {
		return name
	}
	name := displayName(id)
	return strings.ReplaceAll(name, "Gpt ", "GPT-")
}
