package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/export"
	"github.com/dshills/codemechanic/internal/validator"
)

// Projects

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Framework   string `json:"framework"`
}

type projectResponse struct {
	Project *domain.Project `json:"project"`
}

func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decode(w, r, &req) {
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Project name is required")
		return
	}

	now := time.Now().UTC()
	project := &domain.Project{
		ID:          uuid.New(),
		Name:        name,
		Description: req.Description,
		Framework:   req.Framework,
		Status:      domain.ProjectStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.repo.CreateProject(r.Context(), project); err != nil {
		h.fail(w, r, err, "Project")
		return
	}

	writeJSON(w, http.StatusCreated, projectResponse{Project: project})
}

type listProjectsResponse struct {
	Projects []*domain.Project `json:"projects"`
}

func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.repo.ListProjects(r.Context())
	if err != nil {
		h.fail(w, r, err, "Projects")
		return
	}
	if projects == nil {
		projects = []*domain.Project{}
	}
	writeJSON(w, http.StatusOK, listProjectsResponse{Projects: projects})
}

type getProjectResponse struct {
	Project         *domain.Project `json:"project"`
	FileCount       int             `json:"file_count"`
	LatestSessionID *uuid.UUID      `json:"latest_session_id,omitempty"`
}

func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	project, ok := h.projectExists(w, r, projectID)
	if !ok {
		return
	}

	files, err := h.repo.ListFiles(r.Context(), projectID)
	if err != nil {
		h.fail(w, r, err, "Files")
		return
	}

	var latestSessionID *uuid.UUID
	sessions, err := h.repo.ListSessions(r.Context(), projectID, 1)
	if err == nil && len(sessions) > 0 {
		latestSessionID = &sessions[0].ID
	}

	writeJSON(w, http.StatusOK, getProjectResponse{
		Project:         project,
		FileCount:       len(files),
		LatestSessionID: latestSessionID,
	})
}

type updateProjectRequest struct {
	Name        *string               `json:"name"`
	Description *string               `json:"description"`
	Framework   *string               `json:"framework"`
	Status      *domain.ProjectStatus `json:"status"`
}

func (h *Handler) UpdateProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	var req updateProjectRequest
	if !decode(w, r, &req) {
		return
	}
	project, ok := h.projectExists(w, r, projectID)
	if !ok {
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "Project name cannot be empty")
			return
		}
		project.Name = name
	}
	if req.Description != nil {
		project.Description = *req.Description
	}
	if req.Framework != nil {
		project.Framework = *req.Framework
	}
	if req.Status != nil {
		switch *req.Status {
		case domain.ProjectStatusActive, domain.ProjectStatusArchived:
			project.Status = *req.Status
		default:
			writeError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("Unknown project status %q", *req.Status))
			return
		}
	}
	project.UpdatedAt = time.Now().UTC()

	if err := h.repo.UpdateProject(r.Context(), project); err != nil {
		h.fail(w, r, err, "Project")
		return
	}
	writeJSON(w, http.StatusOK, projectResponse{Project: project})
}

func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	if err := h.repo.DeleteProject(r.Context(), projectID); err != nil {
		h.fail(w, r, err, "Project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Files

type listFilesResponse struct {
	Files []*domain.CodeFile `json:"files"`
}

func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	if _, ok := h.projectExists(w, r, projectID); !ok {
		return
	}

	files, err := h.repo.ListFiles(r.Context(), projectID)
	if err != nil {
		h.fail(w, r, err, "Files")
		return
	}
	if files == nil {
		files = []*domain.CodeFile{}
	}
	writeJSON(w, http.StatusOK, listFilesResponse{Files: files})
}

type fileRequest struct {
	Path    string  `json:"path"`
	Content *string `json:"content"`
}

type fileResponse struct {
	File *domain.CodeFile `json:"file"`
}

// checkFile validates a single write the way payload operations are
// validated, writing a 400 with details on failure.
func (h *Handler) checkFile(w http.ResponseWriter, path string, content *string) bool {
	if content == nil {
		empty := ""
		content = &empty
	}
	payload := &domain.OperationPayload{Operations: []domain.FileOperation{{
		Type:     domain.OperationCreate,
		FilePath: path,
		Content:  content,
	}}}
	if errs := validator.CheckOperations(payload, h.exec.Limits()); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "validation_error",
			Message: errs[0].Message,
			Details: errs,
		})
		return false
	}
	return true
}

func (h *Handler) CreateFile(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	var req fileRequest
	if !decode(w, r, &req) {
		return
	}
	path := validator.NormalizePath(req.Path)
	if !h.checkFile(w, path, req.Content) {
		return
	}
	if _, ok := h.projectExists(w, r, projectID); !ok {
		return
	}

	file := &domain.CodeFile{ProjectID: projectID, Path: path}
	if req.Content != nil {
		file.Content = *req.Content
	}
	if err := h.repo.UpsertFile(r.Context(), file); err != nil {
		h.fail(w, r, err, "File")
		return
	}

	status := http.StatusCreated
	if file.Version > 1 {
		status = http.StatusOK
	}
	writeJSON(w, status, fileResponse{File: file})
}

// projectFile loads a file and checks it belongs to the project in the path.
func (h *Handler) projectFile(w http.ResponseWriter, r *http.Request) (*domain.CodeFile, bool) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return nil, false
	}
	fileID, ok := pathID(w, r, "fileId", "file")
	if !ok {
		return nil, false
	}
	file, err := h.repo.GetFile(r.Context(), fileID)
	if err == nil && file.ProjectID != projectID {
		err = domain.ErrNotFound
	}
	if err != nil {
		h.fail(w, r, err, "File")
		return nil, false
	}
	return file, true
}

func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	file, ok := h.projectFile(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, fileResponse{File: file})
}

// UpdateFile replaces a file's content and, when path differs, moves it first.
func (h *Handler) UpdateFile(w http.ResponseWriter, r *http.Request) {
	file, ok := h.projectFile(w, r)
	if !ok {
		return
	}
	var req fileRequest
	if !decode(w, r, &req) {
		return
	}

	path := file.Path
	if req.Path != "" {
		path = validator.NormalizePath(req.Path)
	}
	content := req.Content
	if content == nil {
		content = &file.Content
	}
	if !h.checkFile(w, path, content) {
		return
	}

	ctx := r.Context()
	if path != file.Path {
		if err := h.repo.RenameFile(ctx, file.ProjectID, file.Path, path); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				writeError(w, http.StatusConflict, "conflict", fmt.Sprintf("A file already exists at %s", path))
				return
			}
			h.fail(w, r, err, "File")
			return
		}
		file.Path = path
	}

	if *content != file.Content {
		file.Content = *content
		if err := h.repo.UpsertFile(ctx, file); err != nil {
			h.fail(w, r, err, "File")
			return
		}
	} else if updated, err := h.repo.GetFile(ctx, file.ID); err == nil {
		file = updated
	}
	writeJSON(w, http.StatusOK, fileResponse{File: file})
}

func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	file, ok := h.projectFile(w, r)
	if !ok {
		return
	}
	if err := h.repo.DeleteFile(r.Context(), file.ProjectID, file.Path); err != nil {
		h.fail(w, r, err, "File")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Export

func (h *Handler) ExportProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectId", "project")
	if !ok {
		return
	}
	project, ok := h.projectExists(w, r, projectID)
	if !ok {
		return
	}
	files, err := h.repo.ListFiles(r.Context(), projectID)
	if err != nil {
		h.fail(w, r, err, "Files")
		return
	}

	archive, err := export.BuildArchive(project, files)
	if err != nil {
		h.fail(w, r, err, "Project")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(project)))
	w.WriteHeader(http.StatusOK)
	w.Write(archive)
}
