package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/codemechanic/internal/artifacts"
	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/export"
)

const (
	defaultBuildLimit = 20
	maxBuildLimit     = 100

	artifactURLExpiry = 15 * time.Minute
)

// Builds

type buildResponse struct {
	Build *domain.BuildJob `json:"build"`
}

type listBuildsResponse struct {
	Builds []*domain.BuildJob `json:"builds"`
}

func (h *Handler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	if _, ok := h.projectExists(w, r, projectID); !ok {
		return
	}

	builds, err := h.repo.ListBuildJobs(r.Context(), projectID, queryLimit(r, defaultBuildLimit, maxBuildLimit))
	if err != nil {
		h.fail(w, r, err, "Builds")
		return
	}
	if builds == nil {
		builds = []*domain.BuildJob{}
	}
	writeJSON(w, http.StatusOK, listBuildsResponse{Builds: builds})
}

func (h *Handler) StartBuild(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	job, err := h.pipeline.StartBuild(r.Context(), projectID)
	if err != nil {
		h.fail(w, r, err, "Project")
		return
	}
	writeJSON(w, http.StatusAccepted, buildResponse{Build: job})
}

func (h *Handler) GetBuild(w http.ResponseWriter, r *http.Request) {
	buildID, ok := pathID(w, r, "buildId", "build")
	if !ok {
		return
	}
	job, err := h.repo.GetBuildJob(r.Context(), buildID)
	if err != nil {
		h.fail(w, r, err, "Build")
		return
	}
	writeJSON(w, http.StatusOK, buildResponse{Build: job})
}

func (h *Handler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	buildID, ok := pathID(w, r, "buildId", "build")
	if !ok {
		return
	}
	job, err := h.pipeline.CancelBuild(r.Context(), buildID)
	if err != nil {
		h.fail(w, r, err, "Build")
		return
	}
	writeJSON(w, http.StatusAccepted, buildResponse{Build: job})
}

// DownloadBuildArtifact serves the zip a succeeded build uploaded, or
// redirects to a presigned URL when the artifact store supports one.
func (h *Handler) DownloadBuildArtifact(w http.ResponseWriter, r *http.Request) {
	buildID, ok := pathID(w, r, "buildId", "build")
	if !ok {
		return
	}
	job, err := h.repo.GetBuildJob(r.Context(), buildID)
	if err != nil {
		h.fail(w, r, err, "Build")
		return
	}
	if job.ArtifactKey == "" {
		writeError(w, http.StatusConflict, "conflict", "Build has no artifact")
		return
	}

	name := job.ID.String() + ".zip"
	if project, err := h.repo.GetProject(r.Context(), job.ProjectID); err == nil {
		name = strings.TrimSuffix(export.Filename(project), ".zip") + "-" + job.ID.String()[:8] + ".zip"
	}

	// Object stores serve the zip themselves.
	if p, ok := h.artifacts.(artifacts.Presigner); ok {
		u, err := p.URL(r.Context(), job.ArtifactKey, name, artifactURLExpiry)
		if err != nil {
			h.fail(w, r, err, "Artifact")
			return
		}
		http.Redirect(w, r, u, http.StatusFound)
		return
	}

	data, err := h.artifacts.Get(r.Context(), job.ArtifactKey)
	if err != nil {
		h.fail(w, r, err, "Artifact")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Deployments

type createDeploymentRequest struct {
	BuildID       uuid.UUID  `json:"build_id"`
	EnvironmentID *uuid.UUID `json:"environment_id,omitempty"`
}

type deploymentResponse struct {
	Deployment *domain.Deployment `json:"deployment"`
}

type listDeploymentsResponse struct {
	Deployments []*domain.Deployment `json:"deployments"`
}

func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	if _, ok := h.projectExists(w, r, projectID); !ok {
		return
	}

	deployments, err := h.repo.ListDeployments(r.Context(), projectID)
	if err != nil {
		h.fail(w, r, err, "Deployments")
		return
	}
	if deployments == nil {
		deployments = []*domain.Deployment{}
	}
	writeJSON(w, http.StatusOK, listDeploymentsResponse{Deployments: deployments})
}

func (h *Handler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	var req createDeploymentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.BuildID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "validation_error", "build_id is required")
		return
	}

	if _, ok := h.projectExists(w, r, projectID); !ok {
		return
	}

	d, err := h.pipeline.Deploy(r.Context(), projectID, req.BuildID, req.EnvironmentID)
	if err != nil {
		h.fail(w, r, err, "Build or environment")
		return
	}
	writeJSON(w, http.StatusAccepted, deploymentResponse{Deployment: d})
}

func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	deploymentID, ok := pathID(w, r, "deploymentId", "deployment")
	if !ok {
		return
	}
	d, err := h.repo.GetDeployment(r.Context(), deploymentID)
	if err != nil {
		h.fail(w, r, err, "Deployment")
		return
	}
	writeJSON(w, http.StatusOK, deploymentResponse{Deployment: d})
}

// Environments

type environmentRequest struct {
	Name      *string           `json:"name"`
	Variables map[string]string `json:"variables"`
}

type environmentResponse struct {
	Environment *domain.Environment `json:"environment"`
}

type listEnvironmentsResponse struct {
	Environments []*domain.Environment `json:"environments"`
}

func (h *Handler) ListEnvironments(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	if _, ok := h.projectExists(w, r, projectID); !ok {
		return
	}

	envs, err := h.repo.ListEnvironments(r.Context(), projectID)
	if err != nil {
		h.fail(w, r, err, "Environments")
		return
	}
	if envs == nil {
		envs = []*domain.Environment{}
	}
	writeJSON(w, http.StatusOK, listEnvironmentsResponse{Environments: envs})
}

func (h *Handler) CreateEnvironment(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	var req environmentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Environment name is required")
		return
	}
	if _, ok := h.projectExists(w, r, projectID); !ok {
		return
	}

	now := time.Now().UTC()
	env := &domain.Environment{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      strings.TrimSpace(*req.Name),
		Variables: req.Variables,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if env.Variables == nil {
		env.Variables = map[string]string{}
	}
	if err := h.repo.CreateEnvironment(r.Context(), env); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			writeError(w, http.StatusConflict, "conflict", "An environment named "+env.Name+" already exists")
			return
		}
		h.fail(w, r, err, "Environment")
		return
	}
	writeJSON(w, http.StatusCreated, environmentResponse{Environment: env})
}

func (h *Handler) UpdateEnvironment(w http.ResponseWriter, r *http.Request) {
	envID, ok := pathID(w, r, "environmentId", "environment")
	if !ok {
		return
	}
	var req environmentRequest
	if !decode(w, r, &req) {
		return
	}
	env, err := h.repo.GetEnvironment(r.Context(), envID)
	if err != nil {
		h.fail(w, r, err, "Environment")
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "Environment name cannot be empty")
			return
		}
		env.Name = name
	}
	if req.Variables != nil {
		env.Variables = req.Variables
	}
	env.UpdatedAt = time.Now().UTC()

	if err := h.repo.UpdateEnvironment(r.Context(), env); err != nil {
		h.fail(w, r, err, "Environment")
		return
	}
	writeJSON(w, http.StatusOK, environmentResponse{Environment: env})
}

func (h *Handler) DeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	envID, ok := pathID(w, r, "environmentId", "environment")
	if !ok {
		return
	}
	if err := h.repo.DeleteEnvironment(r.Context(), envID); err != nil {
		h.fail(w, r, err, "Environment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
