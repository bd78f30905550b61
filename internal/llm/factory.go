package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ModelInfo describes an available model.
type ModelInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Provider Provider `json:"provider"`
}

// ProviderInfo describes an available provider.
type ProviderInfo struct {
	ID        Provider    `json:"id"`
	Name      string      `json:"name"`
	Available bool        `json:"available"`
	Models    []ModelInfo `json:"models"`
}

// ClientFactory is the interface for LLM client factories.
type ClientFactory interface {
	Available() bool
	DefaultProvider() Provider
	DefaultModel() string
	ListProviders() []ProviderInfo
	CreateClient(provider Provider, model string) (Client, error)
	CreateDefaultClient() (Client, error)
}

// FactoryConfig carries provider credentials and client limits.
type FactoryConfig struct {
	AnthropicKey string
	GeminiKey    string
	OpenAIKey    string
	// OllamaHost enables the Ollama provider when non-empty.
	OllamaHost string

	// PreferredProvider and PreferredModel override the default choice.
	PreferredProvider Provider
	PreferredModel    string

	// RequestsPerSecond > 0 wraps every client in a per-provider token bucket.
	RequestsPerSecond float64
	Burst             int

	// SkipDiscovery uses the built-in model lists without calling provider APIs.
	SkipDiscovery bool
}

// Factory creates LLM clients on demand.
type Factory struct {
	cfg        FactoryConfig
	log        *zap.Logger
	defaultMod string
	defaultPrv Provider
	providers  []ProviderInfo
	limiters   map[Provider]*rate.Limiter
}

var fallbackModels = map[Provider][]ModelInfo{
	ProviderAnthropic: {
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", Provider: ProviderAnthropic},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", Provider: ProviderAnthropic},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", Provider: ProviderAnthropic},
	},
	ProviderGoogle: {
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: ProviderGoogle},
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: ProviderGoogle},
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", Provider: ProviderGoogle},
	},
	ProviderOpenAI: {
		{ID: "gpt-4o", Name: "GPT-4o", Provider: ProviderOpenAI},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", Provider: ProviderOpenAI},
		{ID: "o3-mini", Name: "o3 Mini", Provider: ProviderOpenAI},
	},
	ProviderOllama: {
		{ID: "llama3.2", Name: "Llama3.2", Provider: ProviderOllama},
	},
}

var providerNames = map[Provider]string{
	ProviderAnthropic: "Anthropic Claude",
	ProviderGoogle:    "Google Gemini",
	ProviderOpenAI:    "OpenAI",
	ProviderOllama:    "Ollama",
}

// providerOrder is also the default preference order.
var providerOrder = []Provider{ProviderAnthropic, ProviderGoogle, ProviderOpenAI, ProviderOllama}

// NewFactory creates a factory and discovers each configured provider's
// models concurrently. Discovery failures fall back to a known model list.
func NewFactory(ctx context.Context, cfg FactoryConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{cfg: cfg, log: logger, limiters: make(map[Provider]*rate.Limiter)}
	f.providers = f.discover(ctx)

	if cfg.PreferredProvider != "" && f.configured(cfg.PreferredProvider) {
		f.defaultPrv = cfg.PreferredProvider
	} else {
		for _, p := range providerOrder {
			if f.configured(p) {
				f.defaultPrv = p
				break
			}
		}
	}
	if f.defaultPrv != "" {
		f.defaultMod = cfg.PreferredModel
		if f.defaultMod == "" || cfg.PreferredProvider != f.defaultPrv {
			f.defaultMod = f.firstModel(f.defaultPrv)
		}
	}

	if cfg.RequestsPerSecond > 0 {
		burst := max(cfg.Burst, 1)
		for _, p := range providerOrder {
			f.limiters[p] = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
		}
	}
	return f
}

func (f *Factory) configured(p Provider) bool {
	switch p {
	case ProviderAnthropic:
		return f.cfg.AnthropicKey != ""
	case ProviderGoogle:
		return f.cfg.GeminiKey != ""
	case ProviderOpenAI:
		return f.cfg.OpenAIKey != ""
	case ProviderOllama:
		return f.cfg.OllamaHost != ""
	}
	return false
}

func (f *Factory) fetch(ctx context.Context, p Provider) ([]ModelInfo, error) {
	switch p {
	case ProviderAnthropic:
		return FetchAnthropicModels(ctx, f.cfg.AnthropicKey)
	case ProviderGoogle:
		return FetchGeminiModels(ctx, f.cfg.GeminiKey)
	case ProviderOpenAI:
		return FetchOpenAIModels(ctx, f.cfg.OpenAIKey)
	case ProviderOllama:
		return FetchOllamaModels(ctx, f.cfg.OllamaHost)
	}
	return nil, fmt.Errorf("unsupported provider: %s", p)
}

func (f *Factory) discover(ctx context.Context) []ProviderInfo {
	infos := make([]ProviderInfo, len(providerOrder))
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var g errgroup.Group
	for i, p := range providerOrder {
		infos[i] = ProviderInfo{ID: p, Name: providerNames[p], Available: f.configured(p), Models: []ModelInfo{}}
		if !infos[i].Available {
			continue
		}
		g.Go(func() error {
			if f.cfg.SkipDiscovery {
				infos[i].Models = fallbackModels[p]
				return nil
			}
			models, err := f.fetch(ctx, p)
			if err != nil || len(models) == 0 {
				f.log.Warn("model discovery failed, using known models",
					zap.String("provider", string(p)), zap.Error(err))
				models = fallbackModels[p]
			}
			infos[i].Models = models
			return nil
		})
	}
	_ = g.Wait() // goroutines never fail; they fall back instead
	return infos
}

func (f *Factory) firstModel(provider Provider) string {
	for _, p := range f.providers {
		if p.ID == provider && len(p.Models) > 0 {
			return p.Models[0].ID
		}
	}
	if models := fallbackModels[provider]; len(models) > 0 {
		return models[0].ID
	}
	return ""
}

// Available returns true if at least one provider is configured.
func (f *Factory) Available() bool {
	return f.defaultPrv != ""
}

// DefaultProvider returns the default provider.
func (f *Factory) DefaultProvider() Provider {
	return f.defaultPrv
}

// DefaultModel returns the default model.
func (f *Factory) DefaultModel() string {
	return f.defaultMod
}

// ListProviders returns all providers with their availability status.
func (f *Factory) ListProviders() []ProviderInfo {
	return f.providers
}

// CreateClient creates a client for the specified provider and model.
// An empty model selects the provider's first known model.
func (f *Factory) CreateClient(provider Provider, model string) (Client, error) {
	if !f.configured(provider) {
		if _, known := providerNames[provider]; !known {
			return nil, fmt.Errorf("unsupported provider: %s", provider)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, provider)
	}
	if model == "" {
		model = f.firstModel(provider)
	}

	var c Client
	switch provider {
	case ProviderAnthropic:
		c = NewAnthropicClient(f.cfg.AnthropicKey, model, f.log)
	case ProviderGoogle:
		c = NewGeminiClient(f.cfg.GeminiKey, model, f.log)
	case ProviderOpenAI:
		c = NewOpenAIClient(f.cfg.OpenAIKey, model, f.log)
	case ProviderOllama:
		c = NewOllamaClient(f.cfg.OllamaHost, model, f.log)
	}

	if lim, ok := f.limiters[provider]; ok {
		return &RateLimited{Client: c, limiter: lim}, nil
	}
	return c, nil
}

// CreateDefaultClient creates a client with the default provider and model.
func (f *Factory) CreateDefaultClient() (Client, error) {
	if !f.Available() {
		return nil, fmt.Errorf("%w: no LLM API keys configured", ErrNotConfigured)
	}
	return f.CreateClient(f.defaultPrv, f.defaultMod)
}

// Ensure Factory implements ClientFactory
var _ ClientFactory = (*Factory)(nil)
