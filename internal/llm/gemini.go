package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient implements Client for Google Gemini through the genai SDK.
type GeminiClient struct {
	apiKey string
	model  string
	log    *zap.Logger
	// http is swapped in tests; nil uses the SDK default.
	http    *http.Client
	baseURL string
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(apiKey, model string, logger *zap.Logger) *GeminiClient {
	if model == "" {
		model = defaultGeminiModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiClient{
		apiKey: apiKey,
		model:  model,
		log:    logger.With(zap.String("provider", string(ProviderGoogle)), zap.String("model", model)),
	}
}

func (c *GeminiClient) Provider() Provider { return ProviderGoogle }
func (c *GeminiClient) Model() string      { return c.model }

func (c *GeminiClient) newSDKClient(ctx context.Context) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:     c.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.http,
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	return genai.NewClient(ctx, cfg)
}

// Complete sends a generateContent request.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	cli, err := c.newSDKClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	var system []*genai.Part
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, &genai.Part{Text: m.Content})
			continue
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: system}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Seed != nil {
		cfg.Seed = genai.Ptr(int32(*req.Seed))
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	c.log.Debug("sending request", zap.Int("contents", len(contents)))
	resp, err := cli.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			if apiErr.Code == http.StatusTooManyRequests {
				return nil, ErrRateLimit
			}
			return nil, fmt.Errorf("%w: %s (code: %d)", ErrProviderError, apiErr.Message, apiErr.Code)
		}
		return nil, fmt.Errorf("generate content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: no candidates in response", ErrInvalidResponse)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("%w: empty candidate", ErrInvalidResponse)
	}

	out := &Response{
		// Gemini sometimes wraps JSON in ```json fences even with a JSON MIME type.
		Content: stripMarkdownCodeBlock(text.String()),
		Model:   c.model,
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
		}
	}
	return out, nil
}

// FetchGeminiModels lists Gemini models that support generateContent.
func FetchGeminiModels(ctx context.Context, apiKey string) ([]ModelInfo, error) {
	c := NewGeminiClient(apiKey, "", nil)
	cli, err := c.newSDKClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	page, err := cli.Models.List(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}

	models := make([]ModelInfo, 0, len(page.Items))
	for _, m := range page.Items {
		if len(m.SupportedActions) > 0 && !slices.Contains(m.SupportedActions, "generateContent") {
			continue
		}
		id := strings.TrimPrefix(m.Name, "models/")
		if !strings.HasPrefix(id, "gemini-") {
			continue
		}
		name := m.DisplayName
		if name == "" {
			name = displayName(id)
		}
		models = append(models, ModelInfo{ID: id, Name: name, Provider: ProviderGoogle})
	}
	return models, nil
}
