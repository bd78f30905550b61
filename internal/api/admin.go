package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/codemechanic/internal/billing"
	"github.com/dshills/codemechanic/internal/domain"
)

// defaultUsageWindow is the billing window when ?since is absent.
const defaultUsageWindow = 30 * 24 * time.Hour

// AI models

type listAIModelsResponse struct {
	Models []*domain.AIModel `json:"models"`
}

func (h *Handler) ListAIModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.repo.ListAIModels(r.Context())
	if err != nil {
		h.fail(w, r, err, "Models")
		return
	}
	if models == nil {
		models = []*domain.AIModel{}
	}
	writeJSON(w, http.StatusOK, listAIModelsResponse{Models: models})
}

type upsertAIModelRequest struct {
	Provider        string   `json:"provider"`
	Model           string   `json:"model"`
	DisplayName     *string  `json:"display_name"`
	Enabled         *bool    `json:"enabled"`
	InputCostPer1K  *float64 `json:"input_cost_per_1k"`
	OutputCostPer1K *float64 `json:"output_cost_per_1k"`
}

type aiModelResponse struct {
	Model *domain.AIModel `json:"model"`
}

// UpsertAIModel creates or updates the catalog entry for (provider, model).
// Fields left out keep their stored values; a new entry defaults to enabled.
func (h *Handler) UpsertAIModel(w http.ResponseWriter, r *http.Request) {
	var req upsertAIModelRequest
	if !decode(w, r, &req) {
		return
	}
	provider, model := strings.TrimSpace(req.Provider), strings.TrimSpace(req.Model)
	if provider == "" || model == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "provider and model are required")
		return
	}
	if (req.InputCostPer1K != nil && *req.InputCostPer1K < 0) || (req.OutputCostPer1K != nil && *req.OutputCostPer1K < 0) {
		writeError(w, http.StatusBadRequest, "validation_error", "Costs cannot be negative")
		return
	}

	m, err := h.repo.GetAIModel(r.Context(), provider, model)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		m = &domain.AIModel{Provider: provider, Model: model, DisplayName: model, Enabled: true}
	case err != nil:
		h.fail(w, r, err, "Model")
		return
	}
	if req.DisplayName != nil {
		m.DisplayName = *req.DisplayName
	}
	if req.Enabled != nil {
		m.Enabled = *req.Enabled
	}
	if req.InputCostPer1K != nil {
		m.InputCostPer1K = *req.InputCostPer1K
	}
	if req.OutputCostPer1K != nil {
		m.OutputCostPer1K = *req.OutputCostPer1K
	}

	if err := h.repo.UpsertAIModel(r.Context(), m); err != nil {
		h.fail(w, r, err, "Model")
		return
	}
	writeJSON(w, http.StatusOK, aiModelResponse{Model: m})
}

// System prompts

type listSystemPromptsResponse struct {
	Prompts []*domain.SystemPrompt `json:"prompts"`
}

func (h *Handler) ListSystemPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := h.repo.ListSystemPrompts(r.Context())
	if err != nil {
		h.fail(w, r, err, "Prompts")
		return
	}
	if prompts == nil {
		prompts = []*domain.SystemPrompt{}
	}
	writeJSON(w, http.StatusOK, listSystemPromptsResponse{Prompts: prompts})
}

type systemPromptRequest struct {
	Name      *string `json:"name"`
	Content   *string `json:"content"`
	IsDefault *bool   `json:"is_default"`
}

type systemPromptResponse struct {
	Prompt *domain.SystemPrompt `json:"prompt"`
}

func (h *Handler) CreateSystemPrompt(w http.ResponseWriter, r *http.Request) {
	var req systemPromptRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Prompt name is required")
		return
	}
	if req.Content == nil || strings.TrimSpace(*req.Content) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Prompt content is required")
		return
	}

	now := time.Now().UTC()
	p := &domain.SystemPrompt{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(*req.Name),
		Content:   *req.Content,
		IsDefault: req.IsDefault != nil && *req.IsDefault,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateSystemPrompt(r.Context(), p); err != nil {
		h.fail(w, r, err, "Prompt")
		return
	}
	writeJSON(w, http.StatusCreated, systemPromptResponse{Prompt: p})
}

// UpdateSystemPrompt changes the given fields. Making a prompt the default
// clears the flag on every other prompt.
func (h *Handler) UpdateSystemPrompt(w http.ResponseWriter, r *http.Request) {
	promptID, ok := pathID(w, r, "promptId", "prompt")
	if !ok {
		return
	}
	var req systemPromptRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.repo.GetSystemPrompt(r.Context(), promptID)
	if err != nil {
		h.fail(w, r, err, "Prompt")
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "Prompt name cannot be empty")
			return
		}
		p.Name = name
	}
	if req.Content != nil {
		if strings.TrimSpace(*req.Content) == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "Prompt content cannot be empty")
			return
		}
		p.Content = *req.Content
	}
	if req.IsDefault != nil {
		p.IsDefault = *req.IsDefault
	}
	p.UpdatedAt = time.Now().UTC()

	if err := h.repo.UpdateSystemPrompt(r.Context(), p); err != nil {
		h.fail(w, r, err, "Prompt")
		return
	}
	writeJSON(w, http.StatusOK, systemPromptResponse{Prompt: p})
}

func (h *Handler) DeleteSystemPrompt(w http.ResponseWriter, r *http.Request) {
	promptID, ok := pathID(w, r, "promptId", "prompt")
	if !ok {
		return
	}
	if err := h.repo.DeleteSystemPrompt(r.Context(), promptID); err != nil {
		h.fail(w, r, err, "Prompt")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Billing

// GetUsage summarizes LLM usage. ?project_id narrows to one project; ?since
// takes an RFC 3339 time or a Go duration counted back from now.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var projectID *uuid.UUID
	if v := q.Get("project_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_uuid", "Invalid project ID format")
			return
		}
		projectID = &id
	}

	since := time.Now().UTC().Add(-defaultUsageWindow)
	if v := q.Get("since"); v != "" {
		parsed, err := parseSince(v, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "since must be an RFC 3339 time or a duration such as 24h")
			return
		}
		since = parsed
	}

	records, err := h.repo.ListUsageRecords(r.Context(), projectID, since)
	if err != nil {
		h.fail(w, r, err, "Usage")
		return
	}
	models, err := h.repo.ListAIModels(r.Context())
	if err != nil {
		h.fail(w, r, err, "Models")
		return
	}
	writeJSON(w, http.StatusOK, billing.Summarize(records, models, since))
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return time.Time{}, err
	}
	if d < 0 {
		d = -d
	}
	return now.Add(-d), nil
}
