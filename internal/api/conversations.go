package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/codemechanic/internal/assistant"
	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/llm"
)

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 1000
)

type listConversationsResponse struct {
	Conversations []*domain.Conversation `json:"conversations"`
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	if _, ok := h.projectExists(w, r, projectID); !ok {
		return
	}

	convs, err := h.repo.ListConversations(r.Context(), projectID)
	if err != nil {
		h.fail(w, r, err, "Conversations")
		return
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, listConversationsResponse{Conversations: convs})
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type conversationResponse struct {
	Conversation *domain.Conversation `json:"conversation"`
	Messages     []*domain.Message    `json:"messages,omitempty"`
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	var req createConversationRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if _, ok := h.projectExists(w, r, projectID); !ok {
		return
	}

	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:        uuid.New(),
		ProjectID: projectID,
		Title:     strings.TrimSpace(req.Title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateConversation(r.Context(), conv); err != nil {
		h.fail(w, r, err, "Conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conversationResponse{Conversation: conv})
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathID(w, r, "conversationId", "conversation")
	if !ok {
		return
	}
	conv, err := h.repo.GetConversation(r.Context(), convID)
	if err != nil {
		h.fail(w, r, err, "Conversation")
		return
	}
	msgs, err := h.repo.ListMessages(r.Context(), convID, defaultMessageLimit)
	if err != nil {
		h.fail(w, r, err, "Messages")
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv, Messages: msgs})
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathID(w, r, "conversationId", "conversation")
	if !ok {
		return
	}
	if err := h.repo.DeleteConversation(r.Context(), convID); err != nil {
		h.fail(w, r, err, "Conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type listMessagesResponse struct {
	Messages []*domain.Message `json:"messages"`
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathID(w, r, "conversationId", "conversation")
	if !ok {
		return
	}
	if _, err := h.repo.GetConversation(r.Context(), convID); err != nil {
		h.fail(w, r, err, "Conversation")
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), convID, queryLimit(r, defaultMessageLimit, maxMessageLimit))
	if err != nil {
		h.fail(w, r, err, "Messages")
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	writeJSON(w, http.StatusOK, listMessagesResponse{Messages: msgs})
}

type sendMessageRequest struct {
	Content  string       `json:"content"`
	Provider llm.Provider `json:"provider,omitempty"`
	Model    string       `json:"model,omitempty"`
	Execute  bool         `json:"execute"`
}

// SendMessage runs one chat turn. With execute set, file operations in the
// reply are applied and the resulting session is returned alongside.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathID(w, r, "conversationId", "conversation")
	if !ok {
		return
	}
	var req sendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Message content is required")
		return
	}
	if h.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "No LLM provider configured")
		return
	}

	out, err := h.assistant.Chat(r.Context(), assistant.ChatInput{
		ConversationID: convID,
		Content:        req.Content,
		Provider:       req.Provider,
		Model:          req.Model,
		Execute:        req.Execute,
	})
	if err != nil {
		h.fail(w, r, err, "Conversation")
		return
	}
	writeJSON(w, http.StatusCreated, out)
}
