package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryNoProviders(t *testing.T) {
	f := NewFactory(context.Background(), FactoryConfig{SkipDiscovery: true}, nil)

	assert.False(t, f.Available())
	_, err := f.CreateDefaultClient()
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = f.CreateClient(ProviderOpenAI, "")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = f.CreateClient("bogus", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConfigured)

	providers := f.ListProviders()
	require.Len(t, providers, 4)
	for _, p := range providers {
		assert.False(t, p.Available)
		assert.Empty(t, p.Models)
	}
}

func TestFactoryDefaultOrder(t *testing.T) {
	f := NewFactory(context.Background(), FactoryConfig{
		OpenAIKey:     "sk",
		GeminiKey:     "g",
		SkipDiscovery: true,
	}, nil)

	require.True(t, f.Available())
	assert.Equal(t, ProviderGoogle, f.DefaultProvider())
	assert.Equal(t, "gemini-2.5-flash", f.DefaultModel())

	c, err := f.CreateDefaultClient()
	require.NoError(t, err)
	assert.Equal(t, ProviderGoogle, c.Provider())

	c, err = f.CreateClient(ProviderOpenAI, "")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", c.Model())
}

func TestFactoryPreferred(t *testing.T) {
	f := NewFactory(context.Background(), FactoryConfig{
		AnthropicKey:      "a",
		OllamaHost:        "http://localhost:11434",
		PreferredProvider: ProviderOllama,
		PreferredModel:    "qwen2.5-coder",
		SkipDiscovery:     true,
	}, nil)

	assert.Equal(t, ProviderOllama, f.DefaultProvider())
	assert.Equal(t, "qwen2.5-coder", f.DefaultModel())

	// An unconfigured preference falls back to the default order.
	f = NewFactory(context.Background(), FactoryConfig{
		AnthropicKey:      "a",
		PreferredProvider: ProviderOpenAI,
		PreferredModel:    "gpt-4o",
		SkipDiscovery:     true,
	}, nil)
	assert.Equal(t, ProviderAnthropic, f.DefaultProvider())
	assert.Equal(t, "claude-sonnet-4-20250514", f.DefaultModel())
}

func TestFactoryRateLimitedClients(t *testing.T) {
	f := NewFactory(context.Background(), FactoryConfig{
		AnthropicKey:      "a",
		RequestsPerSecond: 2,
		SkipDiscovery:     true,
	}, nil)

	c1, err := f.CreateClient(ProviderAnthropic, "")
	require.NoError(t, err)
	c2, err := f.CreateClient(ProviderAnthropic, "claude-3-5-haiku-20241022")
	require.NoError(t, err)

	rl1, ok := c1.(*RateLimited)
	require.True(t, ok)
	rl2, ok := c2.(*RateLimited)
	require.True(t, ok)
	assert.Same(t, rl1.limiter, rl2.limiter)
	assert.Equal(t, "claude-3-5-haiku-20241022", c2.Model())
}

func TestMockFactory(t *testing.T) {
	var f MockFactory
	assert.False(t, f.Available())
	_, err := f.CreateDefaultClient()
	assert.ErrorIs(t, err, ErrNotConfigured)

	f.Client = NewMockClient("hi")
	c, err := f.CreateDefaultClient()
	require.NoError(t, err)
	assert.Same(t, f.Client, c)
}
