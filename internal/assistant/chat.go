package assistant

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/llm"
)

// ChatInput holds input for one chat turn.
type ChatInput struct {
	ConversationID uuid.UUID
	Content        string
	Provider       llm.Provider // Optional: override default provider
	Model          string       // Optional: override default model
	// Execute applies file operations found in the reply.
	Execute bool
}

// ChatOutput holds the persisted turn.
type ChatOutput struct {
	UserMessage      *domain.Message          `json:"user_message"`
	AssistantMessage *domain.Message          `json:"assistant_message"`
	Session          *domain.ExecutionSession `json:"session,omitempty"`
	// ExecuteError explains why Execute found nothing to apply.
	ExecuteError string `json:"execute_error,omitempty"`
}

// Chat stores the user's message, asks the model with the project context and
// recent history, and stores the reply.
func (s *Service) Chat(ctx context.Context, in ChatInput) (*ChatOutput, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, fmt.Errorf("content is required: %w", domain.ErrInvalidInput)
	}

	conv, err := s.repo.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	project, err := s.repo.GetProject(ctx, conv.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	client, err := s.client(in.Provider, in.Model)
	if err != nil {
		return nil, err
	}

	userMsg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Role:           domain.MessageRoleUser,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.repo.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	messages, err := s.chatMessages(ctx, project, conv.ID)
	if err != nil {
		return nil, err
	}

	resp, err := s.complete(ctx, client, llm.Request{
		Messages:    messages,
		Temperature: 0.3,
		MaxTokens:   s.maxTokens,
	}, project.ID, PurposeChat)
	if err != nil {
		return nil, err
	}

	out := &ChatOutput{UserMessage: userMsg}
	reply := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Role:           domain.MessageRoleAssistant,
		Content:        resp.Content,
		Model:          resp.Model,
		InputTokens:    resp.Usage.InputTokens,
		OutputTokens:   resp.Usage.OutputTokens,
	}
	if reply.Model == "" {
		reply.Model = client.Model()
	}

	var payload *domain.OperationPayload
	if in.Execute {
		payload, err = s.exec.Parse(resp.Content)
		if err != nil {
			out.ExecuteError = err.Error()
		} else {
			sess, err := s.exec.Begin(ctx, project.ID, content, &conv.ID)
			if err != nil {
				return nil, fmt.Errorf("begin execution: %w", err)
			}
			reply.SessionID = &sess.ID
			out.Session = sess
		}
	}

	reply.CreatedAt = time.Now().UTC()
	if err := s.repo.CreateMessage(ctx, reply); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	out.AssistantMessage = reply

	conv.UpdatedAt = reply.CreatedAt
	if conv.Title == "" {
		conv.Title = titleFrom(content)
	}
	if err := s.repo.UpdateConversation(ctx, conv); err != nil {
		s.log.Warn("touch conversation", zap.String("conversation", conv.ID.String()), zap.Error(err))
	}

	if out.Session != nil {
		out.Session = s.applyChat(ctx, out.Session, payload)
	}
	return out, nil
}

// applyChat runs the payload on the pool when there is one, returning a copy
// of the session as it was handed off. Without a pool it applies inline.
func (s *Service) applyChat(ctx context.Context, sess *domain.ExecutionSession, payload *domain.OperationPayload) *domain.ExecutionSession {
	if s.pool == nil {
		if err := s.exec.Apply(ctx, sess, payload); err != nil {
			s.log.Info("chat execution failed", zap.String("session", sess.ID.String()), zap.Error(err))
		}
		return sess
	}

	snapshot := *sess
	err := s.pool.Submit("chat-execute "+sess.ID.String(), func(ctx context.Context) error {
		return s.exec.Apply(ctx, sess, payload)
	})
	if err != nil {
		_ = s.exec.Fail(ctx, sess, 0, err)
		return sess
	}
	return &snapshot
}

// chatMessages builds the system message and the recent history.
func (s *Service) chatMessages(ctx context.Context, project *domain.Project, convID uuid.UUID) ([]llm.Message, error) {
	system, err := s.systemPrompt(ctx)
	if err != nil {
		return nil, err
	}
	projectCtx, err := s.projectContext(ctx, project)
	if err != nil {
		return nil, err
	}

	history, err := s.repo.ListMessages(ctx, convID, s.history)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: "system", Content: system + "\n\n" + projectCtx})
	for _, m := range history {
		if m.Role == domain.MessageRoleSystem {
			continue
		}
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return messages, nil
}

// projectContext renders the project summary and file manifest.
func (s *Service) projectContext(ctx context.Context, project *domain.Project) (string, error) {
	files, err := s.repo.ListFiles(ctx, project.ID)
	if err != nil {
		return "", fmt.Errorf("list files: %w", err)
	}
	tmpl, err := llm.LoadPrompt(llm.PromptContext, s.promptVersion)
	if err != nil {
		return "", err
	}

	var manifest strings.Builder
	if len(files) == 0 {
		manifest.WriteString("(no files yet)\n")
	}
	for _, f := range files {
		fmt.Fprintf(&manifest, "- %s (%s, %d bytes)\n", f.Path, f.Language, f.Size)
	}

	return tmpl.Render(map[string]string{
		"PROJECT_NAME":  project.Name,
		"FRAMEWORK":     orUnknown(project.Framework),
		"DESCRIPTION":   orUnknown(project.Description),
		"FILE_COUNT":    strconv.Itoa(len(files)),
		"FILE_MANIFEST": strings.TrimRight(manifest.String(), "\n"),
	}), nil
}

func orUnknown(s string) string {
	if s == "" {
		return "(not specified)"
	}
	return s
}
