// Package catalog seeds the AI model price list and system prompts.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/llm"
	"github.com/dshills/codemechanic/internal/repository"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Model is a catalog.yaml model entry.
type Model struct {
	Provider        string  `yaml:"provider"`
	Model           string  `yaml:"model"`
	DisplayName     string  `yaml:"display_name"`
	Disabled        bool    `yaml:"disabled"`
	InputCostPer1K  float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`
}

// Prompt is a catalog.yaml prompt entry. Template names an embedded llm
// prompt and is used when Content is empty.
type Prompt struct {
	Name     string `yaml:"name"`
	Content  string `yaml:"content"`
	Template string `yaml:"template"`
	Default  bool   `yaml:"default"`
}

// Catalog is the parsed seed file.
type Catalog struct {
	Models  []Model  `yaml:"models"`
	Prompts []Prompt `yaml:"prompts"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalogYAML)
}

// Parse decodes a catalog document. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	for i, m := range c.Models {
		if m.Provider == "" || m.Model == "" {
			return nil, fmt.Errorf("catalog model %d: provider and model are required: %w", i, domain.ErrInvalidInput)
		}
		if m.InputCostPer1K < 0 || m.OutputCostPer1K < 0 {
			return nil, fmt.Errorf("catalog model %s/%s: negative price: %w", m.Provider, m.Model, domain.ErrInvalidInput)
		}
	}
	defaults := 0
	for _, p := range c.Prompts {
		if p.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return nil, fmt.Errorf("catalog has %d default prompts: %w", defaults, domain.ErrInvalidInput)
	}
	return &c, nil
}

// Seed upserts every model and creates the catalog prompts when no system
// prompt exists yet. It is safe to run on every start.
func Seed(ctx context.Context, store repository.CatalogStore, c *Catalog, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	for _, m := range c.Models {
		model := &domain.AIModel{
			ID:              uuid.New(),
			Provider:        m.Provider,
			Model:           m.Model,
			DisplayName:     m.DisplayName,
			Enabled:         !m.Disabled,
			InputCostPer1K:  m.InputCostPer1K,
			OutputCostPer1K: m.OutputCostPer1K,
		}
		if model.DisplayName == "" {
			model.DisplayName = m.Model
		}
		// Keep an admin's enabled flag and prices once the row exists.
		if _, err := store.GetAIModel(ctx, m.Provider, m.Model); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("get model %s/%s: %w", m.Provider, m.Model, err)
		}
		if err := store.UpsertAIModel(ctx, model); err != nil {
			return fmt.Errorf("seed model %s/%s: %w", m.Provider, m.Model, err)
		}
	}

	existing, err := store.ListSystemPrompts(ctx)
	if err != nil {
		return fmt.Errorf("list prompts: %w", err)
	}
	if len(existing) > 0 {
		logger.Debug("system prompts present, skipping prompt seed", zap.Int("prompts", len(existing)))
		return nil
	}

	for _, p := range c.Prompts {
		content := p.Content
		if content == "" && p.Template != "" {
			tmpl, err := llm.LoadPrompt(p.Template, llm.PromptVersionV1)
			if err != nil {
				return fmt.Errorf("seed prompt %q: %w", p.Name, err)
			}
			content = tmpl.Template
		}
		now := time.Now().UTC()
		sp := &domain.SystemPrompt{
			ID:        uuid.New(),
			Name:      p.Name,
			Content:   content,
			IsDefault: p.Default,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.CreateSystemPrompt(ctx, sp); err != nil {
			return fmt.Errorf("seed prompt %q: %w", p.Name, err)
		}
	}

	logger.Info("catalog seeded", zap.Int("models", len(c.Models)), zap.Int("prompts", len(c.Prompts)))
	return nil
}
