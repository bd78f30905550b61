package assistant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/llm"
)

// GenerateInput holds input for one-shot code generation.
type GenerateInput struct {
	ProjectID uuid.UUID
	Prompt    string
	Provider  llm.Provider // Optional: override default provider
	Model     string       // Optional: override default model
	// FilePaths limits the files sent as context. Empty sends all files.
	FilePaths []string
}

// Generate asks the model for file operations and applies them. The session
// is returned whenever one was created, including when generation fails.
func (s *Service) Generate(ctx context.Context, in GenerateInput) (*domain.ExecutionSession, error) {
	sess, client, err := s.begin(ctx, in)
	if err != nil {
		return nil, err
	}
	return sess, s.generate(ctx, sess, client, in)
}

// GenerateAsync creates the session and runs the rest of Generate on the
// worker pool. The returned session is a copy taken before the hand-off.
func (s *Service) GenerateAsync(ctx context.Context, in GenerateInput) (*domain.ExecutionSession, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("%w: no worker pool", domain.ErrUnavailable)
	}
	sess, client, err := s.begin(ctx, in)
	if err != nil {
		return nil, err
	}
	snapshot := *sess
	err = s.pool.Submit("generate "+sess.ID.String(), func(ctx context.Context) error {
		return s.generate(ctx, sess, client, in)
	})
	if err != nil {
		failErr := s.exec.Fail(ctx, sess, 0, err)
		return sess, fmt.Errorf("%w: %w", domain.ErrUnavailable, failErr)
	}
	return &snapshot, nil
}

func (s *Service) begin(ctx context.Context, in GenerateInput) (*domain.ExecutionSession, llm.Client, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, nil, fmt.Errorf("prompt is required: %w", domain.ErrInvalidInput)
	}
	client, err := s.client(in.Provider, in.Model)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.exec.Begin(ctx, in.ProjectID, in.Prompt, nil)
	if err != nil {
		return nil, nil, err
	}
	return sess, client, nil
}

// generate runs the model call, parse and apply for an existing session.
// Every failure is recorded on the session.
func (s *Service) generate(ctx context.Context, sess *domain.ExecutionSession, client llm.Client, in GenerateInput) error {
	project, err := s.repo.GetProject(ctx, in.ProjectID)
	if err != nil {
		return s.exec.Fail(ctx, sess, 0, fmt.Errorf("get project: %w", err))
	}
	files, err := s.contextFiles(ctx, in.ProjectID, in.FilePaths)
	if err != nil {
		return s.exec.Fail(ctx, sess, 0, err)
	}

	tmpl, err := llm.LoadPrompt(llm.PromptExecutor, s.promptVersion)
	if err != nil {
		return s.exec.Fail(ctx, sess, 0, err)
	}
	rendered := tmpl.Render(map[string]string{
		"FRAMEWORK":      orUnknown(project.Framework),
		"MAX_OPERATIONS": strconv.Itoa(s.exec.Limits().MaxOperations),
		"PROJECT_NAME":   project.Name,
		"DESCRIPTION":    orUnknown(project.Description),
		"FILES":          renderFiles(files, s.maxContext),
		"PROMPT":         in.Prompt,
	})

	msg := fmt.Sprintf("Requesting changes from %s/%s", client.Provider(), client.Model())
	if err := s.exec.Note(ctx, sess, domain.LogLevelInfo, msg); err != nil {
		return s.exec.Fail(ctx, sess, 0, err)
	}

	resp, err := s.complete(ctx, client, llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: rendered}},
		Temperature: 0,
		MaxTokens:   s.maxTokens,
		JSON:        true,
	}, project.ID, PurposeGenerate)
	if err != nil {
		return s.exec.Fail(ctx, sess, 0, err)
	}

	payload, err := s.exec.Parse(resp.Content)
	if err != nil {
		s.log.Info("unusable generate response",
			zap.String("session", sess.ID.String()),
			zap.String("response", resp.Content[:min(500, len(resp.Content))]))
		return s.exec.Fail(ctx, sess, 0, err)
	}
	return s.exec.Apply(ctx, sess, payload)
}

// contextFiles loads the requested files, or every file when paths is empty.
// Requested paths that do not exist are skipped.
func (s *Service) contextFiles(ctx context.Context, projectID uuid.UUID, paths []string) ([]*domain.CodeFile, error) {
	if len(paths) == 0 {
		files, err := s.repo.ListFiles(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("list files: %w", err)
		}
		return files, nil
	}

	seen := make(map[string]bool, len(paths))
	files := make([]*domain.CodeFile, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		f, err := s.repo.GetFileByPath(ctx, projectID, p)
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Debug("context file not found", zap.String("path", p))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get file %s: %w", p, err)
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// renderFiles writes files in path order until limit bytes of content have
// been used. Files that do not fit are listed by name only.
func renderFiles(files []*domain.CodeFile, limit int) string {
	if len(files) == 0 {
		return "(no files yet)"
	}
	var b strings.Builder
	used := 0
	var omitted []string
	for _, f := range files {
		if used+len(f.Content) > limit {
			omitted = append(omitted, fmt.Sprintf("- %s (%d bytes)", f.Path, len(f.Content)))
			continue
		}
		used += len(f.Content)
		fmt.Fprintf(&b, "=== %s ===\n%s\n", f.Path, strings.TrimRight(f.Content, "\n"))
	}
	if len(omitted) > 0 {
		b.WriteString("\nNot shown (context limit):\n")
		b.WriteString(strings.Join(omitted, "\n"))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
