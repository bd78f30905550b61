// Package assistant connects the chat and code-generation flows to the LLM
// providers, the repository and the executor.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/codemechanic/internal/billing"
	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/executor"
	"github.com/dshills/codemechanic/internal/llm"
	"github.com/dshills/codemechanic/internal/metrics"
	"github.com/dshills/codemechanic/internal/repository"
	"github.com/dshills/codemechanic/internal/worker"
)

// Usage purposes.
const (
	PurposeChat     = "chat"
	PurposeGenerate = "generate"
)

const (
	defaultHistory    = 20
	defaultMaxContext = 64 << 10
	defaultMaxTokens  = 16000
	titleLength       = 60
)

// Options configures a Service.
type Options struct {
	// Pool runs GenerateAsync and chat executions. Nil runs executions inline
	// and disables GenerateAsync.
	Pool   *worker.Pool
	Logger *zap.Logger
	// HistoryLimit is how many recent messages are sent with a chat turn.
	HistoryLimit int
	// MaxContextBytes caps the file contents sent with a generate request.
	MaxContextBytes int
	MaxTokens       int
}

// Service handles chat turns and one-shot generation.
type Service struct {
	repo          repository.Repository
	factory       llm.ClientFactory
	exec          *executor.Engine
	pool          *worker.Pool
	log           *zap.Logger
	promptVersion llm.PromptVersion
	history       int
	maxContext    int
	maxTokens     int
}

// NewService creates a new assistant service.
func NewService(repo repository.Repository, factory llm.ClientFactory, exec *executor.Engine, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistory
	}
	if opts.MaxContextBytes <= 0 {
		opts.MaxContextBytes = defaultMaxContext
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return &Service{
		repo:          repo,
		factory:       factory,
		exec:          exec,
		pool:          opts.Pool,
		log:           opts.Logger.Named("assistant"),
		promptVersion: llm.PromptVersionV1,
		history:       opts.HistoryLimit,
		maxContext:    opts.MaxContextBytes,
		maxTokens:     opts.MaxTokens,
	}
}

// Factory returns the LLM factory.
func (s *Service) Factory() llm.ClientFactory {
	return s.factory
}

// Available reports whether any provider is configured.
func (s *Service) Available() bool {
	return s.factory != nil && s.factory.Available()
}

// client picks the requested provider, or the default one. A missing
// provider is reported as domain.ErrUnavailable.
func (s *Service) client(provider llm.Provider, model string) (llm.Client, error) {
	if !s.Available() {
		return nil, fmt.Errorf("%w: no LLM provider configured", domain.ErrUnavailable)
	}
	var (
		c   llm.Client
		err error
	)
	if provider != "" {
		c, err = s.factory.CreateClient(provider, model)
	} else {
		c, err = s.factory.CreateDefaultClient()
	}
	if errors.Is(err, llm.ErrNotConfigured) {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w: %w", domain.ErrInvalidInput, err)
	}
	return c, nil
}

// complete calls the provider, records metrics and bills the call.
func (s *Service) complete(ctx context.Context, c llm.Client, req llm.Request, projectID uuid.UUID, purpose string) (*llm.Response, error) {
	provider := string(c.Provider())
	start := time.Now()
	resp, err := c.Complete(ctx, req)
	metrics.LLMLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMCalls.WithLabelValues(provider, "error").Inc()
		s.log.Warn("llm call failed", zap.String("provider", provider), zap.String("model", c.Model()), zap.Error(err))
		return nil, fmt.Errorf("llm call: %w", err)
	}
	metrics.LLMCalls.WithLabelValues(provider, "ok").Inc()
	metrics.LLMTokens.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
	metrics.LLMTokens.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))

	model := resp.Model
	if model == "" {
		model = c.Model()
	}
	s.recordUsage(ctx, provider, model, resp.Usage, projectID, purpose)
	s.log.Debug("llm call",
		zap.String("provider", provider),
		zap.String("model", model),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}

// recordUsage stores a priced usage record. Billing failures never fail the call.
func (s *Service) recordUsage(ctx context.Context, provider, model string, u llm.Usage, projectID uuid.UUID, purpose string) {
	var price *domain.AIModel
	m, err := s.repo.GetAIModel(ctx, provider, model)
	switch {
	case err == nil:
		price = m
	case !errors.Is(err, domain.ErrNotFound):
		s.log.Warn("look up model price", zap.String("model", model), zap.Error(err))
	}

	pid := projectID
	rec := &domain.UsageRecord{
		ID:           uuid.New(),
		ProjectID:    &pid,
		Provider:     provider,
		Model:        model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      billing.Cost(price, u.InputTokens, u.OutputTokens),
		Purpose:      purpose,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.CreateUsageRecord(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Error("record usage", zap.Error(err))
	}
}

// systemPrompt returns the admin default prompt, or the embedded one.
func (s *Service) systemPrompt(ctx context.Context) (string, error) {
	p, err := s.repo.GetDefaultSystemPrompt(ctx)
	if err == nil {
		return p.Content, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("get default system prompt: %w", err)
	}
	tmpl, err := llm.LoadPrompt(llm.PromptSystem, s.promptVersion)
	if err != nil {
		return "", err
	}
	return tmpl.Template, nil
}

func titleFrom(content string) string {
	t := strings.Join(strings.Fields(content), " ")
	if r := []rune(t); len(r) > titleLength {
		t = strings.TrimSpace(string(r[:titleLength])) + "..."
	}
	return t
}
