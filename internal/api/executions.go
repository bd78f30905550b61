package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dshills/codemechanic/internal/assistant"
	"github.com/dshills/codemechanic/internal/diff"
	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/executor"
	"github.com/dshills/codemechanic/internal/llm"
)

const (
	defaultSessionLimit = 20
	maxSessionLimit     = 100
)

type generateRequest struct {
	Prompt    string       `json:"prompt"`
	Provider  llm.Provider `json:"provider,omitempty"`
	Model     string       `json:"model,omitempty"`
	FilePaths []string     `json:"file_paths,omitempty"`
}

type sessionResponse struct {
	Session *domain.ExecutionSession `json:"session"`
}

// Generate starts one-shot code generation in the background and returns
// the pending session. Progress is read from the logs, stream or ws routes.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	var req generateRequest
	if !decode(w, r, &req) {
		return
	}
	if h.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "No LLM provider configured")
		return
	}

	sess, err := h.assistant.GenerateAsync(r.Context(), assistant.GenerateInput{
		ProjectID: projectID,
		Prompt:    req.Prompt,
		Provider:  req.Provider,
		Model:     req.Model,
		FilePaths: req.FilePaths,
	})
	if err != nil {
		h.fail(w, r, err, "Project")
		return
	}
	writeJSON(w, http.StatusAccepted, sessionResponse{Session: sess})
}

type createExecutionRequest struct {
	Prompt string `json:"prompt"`
	// Payload is either an operation payload object or the raw model text
	// containing one.
	Payload json.RawMessage `json:"payload"`
}

type dryRunResponse struct {
	Plan *executor.Plan `json:"plan"`
}

// CreateExecution applies a client-supplied payload. With ?dry_run=true it
// only returns the plan. A failing step still answers 201: the session
// carries the failure.
func (h *Handler) CreateExecution(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	var req createExecutionRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		writeError(w, http.StatusBadRequest, "validation_error", "Payload is required")
		return
	}

	raw := string(req.Payload)
	var text string
	if err := json.Unmarshal(req.Payload, &text); err == nil {
		raw = text
	}
	payload, err := h.exec.Parse(raw)
	if err != nil {
		h.fail(w, r, err, "Payload")
		return
	}

	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	if dryRun {
		plan, err := h.exec.DryRun(r.Context(), projectID, payload)
		if err != nil {
			h.fail(w, r, err, "Project")
			return
		}
		writeJSON(w, http.StatusOK, dryRunResponse{Plan: plan})
		return
	}

	prompt := req.Prompt
	if prompt == "" {
		prompt = payload.Explanation
	}
	sess, err := h.exec.Execute(r.Context(), projectID, prompt, payload)
	if sess == nil {
		h.fail(w, r, err, "Project")
		return
	}
	if err != nil && !errors.Is(err, domain.ErrExecutionFailed) {
		h.fail(w, r, err, "Session")
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: sess})
}

type listSessionsResponse struct {
	Sessions []*domain.ExecutionSession `json:"sessions"`
}

func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	if _, ok := h.projectExists(w, r, projectID); !ok {
		return
	}

	sessions, err := h.repo.ListSessions(r.Context(), projectID, queryLimit(r, defaultSessionLimit, maxSessionLimit))
	if err != nil {
		h.fail(w, r, err, "Sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.ExecutionSession{}
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions})
}

// session loads the session named by the sessionId path value.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*domain.ExecutionSession, bool) {
	id, ok := pathID(w, r, "sessionId", "session")
	if !ok {
		return nil, false
	}
	sess, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "Session")
		return nil, false
	}
	return sess, true
}

func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

type logsResponse struct {
	Logs           []*domain.ExecutionLog `json:"logs"`
	Status         domain.SessionStatus   `json:"status"`
	CompletedSteps int                    `json:"completed_steps"`
	TotalSteps     int                    `json:"total_steps"`
	// NextAfter is the after value for the next poll.
	NextAfter int `json:"next_after"`
}

// ListExecutionLogs returns logs with seq greater than ?after, for polling.
func (h *Handler) ListExecutionLogs(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	after := 0
	if a := r.URL.Query().Get("after"); a != "" {
		n, err := strconv.Atoi(a)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "after must be a non-negative integer")
			return
		}
		after = n
	}

	logs, err := h.repo.ListLogs(r.Context(), sess.ID, after)
	if err != nil {
		h.fail(w, r, err, "Logs")
		return
	}
	if logs == nil {
		logs = []*domain.ExecutionLog{}
	}
	next := after
	if n := len(logs); n > 0 {
		next = logs[n-1].Seq
	}
	writeJSON(w, http.StatusOK, logsResponse{
		Logs:           logs,
		Status:         sess.Status,
		CompletedSteps: sess.CompletedSteps,
		TotalSteps:     sess.TotalSteps,
		NextAfter:      next,
	})
}

type artifactsResponse struct {
	Artifacts []*domain.ExecutionArtifact `json:"artifacts"`
}

func (h *Handler) ListExecutionArtifacts(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	arts, err := h.repo.ListArtifacts(r.Context(), sess.ID)
	if err != nil {
		h.fail(w, r, err, "Artifacts")
		return
	}
	if arts == nil {
		arts = []*domain.ExecutionArtifact{}
	}
	writeJSON(w, http.StatusOK, artifactsResponse{Artifacts: arts})
}

type diffResponse struct {
	Diff   *diff.Result         `json:"diff"`
	Impact *diff.ImpactAnalysis `json:"impact"`
}

// DiffExecution reports what the session changed, reconstructed from its artifacts.
func (h *Handler) DiffExecution(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	arts, err := h.repo.ListArtifacts(r.Context(), sess.ID)
	if err != nil {
		h.fail(w, r, err, "Artifacts")
		return
	}
	result := diff.FromArtifacts(arts)
	writeJSON(w, http.StatusOK, diffResponse{Diff: result, Impact: diff.AnalyzeImpact(result)})
}
