// Package api serves the JSON HTTP API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dshills/codemechanic/internal/artifacts"
	"github.com/dshills/codemechanic/internal/assistant"
	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/events"
	"github.com/dshills/codemechanic/internal/executor"
	"github.com/dshills/codemechanic/internal/llm"
	"github.com/dshills/codemechanic/internal/pipeline"
	"github.com/dshills/codemechanic/internal/repository"
)

// maxBodyBytes caps request bodies. Payloads carry whole files.
const maxBodyBytes = 16 << 20

// Deps holds the services behind the handlers. Assistant may be nil when no
// LLM provider is configured; the LLM endpoints then answer 503.
type Deps struct {
	Repo      repository.Repository
	Executor  *executor.Engine
	Assistant *assistant.Service
	Pipeline  *pipeline.Runner
	Artifacts artifacts.Store
	Hub       *events.Hub
	Logger    *zap.Logger
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	repo      repository.Repository
	exec      *executor.Engine
	assistant *assistant.Service
	pipeline  *pipeline.Runner
	artifacts artifacts.Store
	hub       *events.Hub
	log       *zap.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Handler{
		repo:      d.Repo,
		exec:      d.Executor,
		assistant: d.Assistant,
		pipeline:  d.Pipeline,
		artifacts: d.Artifacts,
		hub:       d.Hub,
		log:       d.Logger.Named("api"),
	}
}

// Routes returns every API route behind the standard middleware.
func (h *Handler) Routes(cors CORSConfig) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return Chain(mux, Recover(h.log), Logger(h.log), CORS(cors), Metrics)
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Models
	mux.HandleFunc("GET /models", h.ListModels)

	// Projects
	mux.HandleFunc("GET /projects", h.ListProjects)
	mux.HandleFunc("POST /projects", h.CreateProject)
	mux.HandleFunc("GET /projects/{projectId}", h.GetProject)
	mux.HandleFunc("PUT /projects/{projectId}", h.UpdateProject)
	mux.HandleFunc("DELETE /projects/{projectId}", h.DeleteProject)

	// Files
	mux.HandleFunc("GET /projects/{projectId}/files", h.ListFiles)
	mux.HandleFunc("POST /projects/{projectId}/files", h.CreateFile)
	mux.HandleFunc("GET /projects/{projectId}/files/{fileId}", h.GetFile)
	mux.HandleFunc("PUT /projects/{projectId}/files/{fileId}", h.UpdateFile)
	mux.HandleFunc("DELETE /projects/{projectId}/files/{fileId}", h.DeleteFile)

	// Export
	mux.HandleFunc("GET /projects/{projectId}/export", h.ExportProject)

	// Conversations
	mux.HandleFunc("GET /projects/{projectId}/conversations", h.ListConversations)
	mux.HandleFunc("POST /projects/{projectId}/conversations", h.CreateConversation)
	mux.HandleFunc("GET /conversations/{conversationId}", h.GetConversation)
	mux.HandleFunc("DELETE /conversations/{conversationId}", h.DeleteConversation)
	mux.HandleFunc("GET /conversations/{conversationId}/messages", h.ListMessages)
	mux.HandleFunc("POST /conversations/{conversationId}/messages", h.SendMessage)

	// Generation and executions
	mux.HandleFunc("POST /projects/{projectId}/generate", h.Generate)
	mux.HandleFunc("POST /projects/{projectId}/executions", h.CreateExecution)
	mux.HandleFunc("GET /projects/{projectId}/executions", h.ListExecutions)
	mux.HandleFunc("GET /executions/{sessionId}", h.GetExecution)
	mux.HandleFunc("GET /executions/{sessionId}/logs", h.ListExecutionLogs)
	mux.HandleFunc("GET /executions/{sessionId}/artifacts", h.ListExecutionArtifacts)
	mux.HandleFunc("GET /executions/{sessionId}/diff", h.DiffExecution)
	mux.HandleFunc("GET /executions/{sessionId}/stream", h.StreamExecution)
	mux.HandleFunc("GET /executions/{sessionId}/ws", h.ExecutionWebSocket)

	// Builds and deployments
	mux.HandleFunc("GET /projects/{projectId}/builds", h.ListBuilds)
	mux.HandleFunc("POST /projects/{projectId}/builds", h.StartBuild)
	mux.HandleFunc("GET /builds/{buildId}", h.GetBuild)
	mux.HandleFunc("POST /builds/{buildId}/cancel", h.CancelBuild)
	mux.HandleFunc("GET /builds/{buildId}/artifact", h.DownloadBuildArtifact)
	mux.HandleFunc("GET /projects/{projectId}/deployments", h.ListDeployments)
	mux.HandleFunc("POST /projects/{projectId}/deployments", h.CreateDeployment)
	mux.HandleFunc("GET /deployments/{deploymentId}", h.GetDeployment)

	// Environments
	mux.HandleFunc("GET /projects/{projectId}/environments", h.ListEnvironments)
	mux.HandleFunc("POST /projects/{projectId}/environments", h.CreateEnvironment)
	mux.HandleFunc("PUT /environments/{environmentId}", h.UpdateEnvironment)
	mux.HandleFunc("DELETE /environments/{environmentId}", h.DeleteEnvironment)

	// Admin
	mux.HandleFunc("GET /admin/models", h.ListAIModels)
	mux.HandleFunc("PUT /admin/models", h.UpsertAIModel)
	mux.HandleFunc("GET /admin/prompts", h.ListSystemPrompts)
	mux.HandleFunc("POST /admin/prompts", h.CreateSystemPrompt)
	mux.HandleFunc("PUT /admin/prompts/{promptId}", h.UpdateSystemPrompt)
	mux.HandleFunc("DELETE /admin/prompts/{promptId}", h.DeleteSystemPrompt)

	// Billing
	mux.HandleFunc("GET /billing/usage", h.GetUsage)
}

// Error response helpers

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err, message string) {
	writeJSON(w, status, errorResponse{Error: err, Message: message})
}

// fail maps a service error onto a status code. resource names the thing
// looked up, for 404 messages.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, resource string) {
	var payloadErr *executor.PayloadError
	switch {
	case errors.As(err, &payloadErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:   "invalid_payload",
			Message: payloadErr.Reason,
			Details: payloadErr.Errors,
		})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", resource+" not found")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
	case errors.Is(err, llm.ErrRateLimit):
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, llm.ErrProviderError), errors.Is(err, llm.ErrInvalidResponse):
		writeError(w, http.StatusBadGateway, "llm_error", err.Error())
	default:
		h.log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// decode reads a JSON body into dst, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body")
		return false
	}
	return true
}

// pathID parses the named path value as a UUID, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_uuid", "Invalid "+label+" ID format")
		return uuid.Nil, false
	}
	return id, true
}

// queryLimit reads ?limit within (0, max], defaulting to def.
func queryLimit(r *http.Request, def, max int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= max {
			return parsed
		}
	}
	return def
}

// projectExists writes a 404 or 500 and returns false when the project is
// not available.
func (h *Handler) projectExists(w http.ResponseWriter, r *http.Request, id uuid.UUID) (*domain.Project, bool) {
	project, err := h.repo.GetProject(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "Project")
		return nil, false
	}
	return project, true
}

// Health

type healthResponse struct {
	Status string `json:"status"`
	LLM    bool   `json:"llm"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", LLM: h.assistant != nil && h.assistant.Available()})
}

// Models

type listModelsResponse struct {
	Providers       []llm.ProviderInfo `json:"providers"`
	DefaultProvider llm.Provider       `json:"default_provider"`
	DefaultModel    string             `json:"default_model"`
}

func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	if h.assistant == nil || h.assistant.Factory() == nil {
		writeJSON(w, http.StatusOK, listModelsResponse{
			Providers: []llm.ProviderInfo{},
		})
		return
	}

	factory := h.assistant.Factory()
	writeJSON(w, http.StatusOK, listModelsResponse{
		Providers:       factory.ListProviders(),
		DefaultProvider: factory.DefaultProvider(),
		DefaultModel:    factory.DefaultModel(),
	})
}
