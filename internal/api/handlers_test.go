package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/codemechanic/internal/artifacts"
	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/executor"
	"github.com/dshills/codemechanic/internal/export"
	"github.com/dshills/codemechanic/internal/llm"
	"github.com/dshills/codemechanic/internal/repository/mock"
	"github.com/dshills/codemechanic/internal/validator"
)

const createButtonPayload = `{"explanation":"Add a button","operations":[` +
	`{"type":"create","filePath":"src/Button.tsx","content":"export const Button = () => null;"}]}`

func setupHandler(t *testing.T) (*Handler, *mock.Repository) {
	t.Helper()
	repo := mock.New()
	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New() error = %v", err)
	}
	exec := executor.New(repo, v, executor.Options{})
	// No assistant, pipeline or hub for basic tests
	handler := NewHandler(Deps{Repo: repo, Executor: exec})
	return handler, repo
}

func createTestProject(t *testing.T, repo *mock.Repository, files map[string]string) *domain.Project {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	project := &domain.Project{
		ID:        uuid.New(),
		Name:      "Test Project",
		Framework: "react",
		Status:    domain.ProjectStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	for path, content := range files {
		if err := repo.UpsertFile(ctx, &domain.CodeFile{ProjectID: project.ID, Path: path, Content: content}); err != nil {
			t.Fatalf("UpsertFile(%s) error = %v", path, err)
		}
	}
	return project
}

func TestCreateProject(t *testing.T) {
	handler, _ := setupHandler(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "valid project",
			body:       `{"name": "Todo App", "framework": "react"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "empty name",
			body:       `{"name": "  "}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid json",
			body:       `{invalid}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing name",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/projects", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			handler.CreateProject(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("CreateProject() status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}

			if tt.wantStatus == http.StatusCreated {
				var resp projectResponse
				if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
					t.Fatalf("Failed to decode response: %v", err)
				}
				if resp.Project.ID == uuid.Nil {
					t.Error("Expected non-nil project ID")
				}
				if resp.Project.Status != domain.ProjectStatusActive {
					t.Errorf("Status = %q, want active", resp.Project.Status)
				}
			}
		})
	}
}

func TestGetProject(t *testing.T) {
	handler, repo := setupHandler(t)
	project := createTestProject(t, repo, map[string]string{"index.html": "<html></html>", "src/main.ts": "main()"})

	tests := []struct {
		name       string
		projectID  string
		wantStatus int
	}{
		{
			name:       "existing project",
			projectID:  project.ID.String(),
			wantStatus: http.StatusOK,
		},
		{
			name:       "non-existent project",
			projectID:  uuid.New().String(),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid uuid",
			projectID:  "not-a-uuid",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/projects/"+tt.projectID, nil)
			req.SetPathValue("projectId", tt.projectID)
			w := httptest.NewRecorder()

			handler.GetProject(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("GetProject() status = %d, want %d", w.Code, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusOK {
				var resp getProjectResponse
				if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
					t.Fatalf("Failed to decode response: %v", err)
				}
				if resp.FileCount != 2 {
					t.Errorf("FileCount = %d, want 2", resp.FileCount)
				}
			}
		})
	}
}

func TestUpdateProject(t *testing.T) {
	handler, repo := setupHandler(t)
	project := createTestProject(t, repo, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantName   string
	}{
		{name: "rename", body: `{"name": "Renamed"}`, wantStatus: http.StatusOK, wantName: "Renamed"},
		{name: "archive", body: `{"status": "archived"}`, wantStatus: http.StatusOK, wantName: "Renamed"},
		{name: "empty name", body: `{"name": ""}`, wantStatus: http.StatusBadRequest},
		{name: "unknown status", body: `{"status": "deleted"}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("PUT", "/projects/"+project.ID.String(), bytes.NewBufferString(tt.body))
			req.SetPathValue("projectId", project.ID.String())
			w := httptest.NewRecorder()

			handler.UpdateProject(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("UpdateProject() status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusOK {
				got, _ := repo.GetProject(context.Background(), project.ID)
				if got.Name != tt.wantName {
					t.Errorf("Name = %q, want %q", got.Name, tt.wantName)
				}
			}
		})
	}

	got, _ := repo.GetProject(context.Background(), project.ID)
	if got.Status != domain.ProjectStatusArchived {
		t.Errorf("Status = %q, want archived", got.Status)
	}
}

func TestDeleteProject(t *testing.T) {
	handler, repo := setupHandler(t)
	project := createTestProject(t, repo, map[string]string{"a.txt": "a"})

	req := httptest.NewRequest("DELETE", "/projects/"+project.ID.String(), nil)
	req.SetPathValue("projectId", project.ID.String())
	w := httptest.NewRecorder()
	handler.DeleteProject(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("DeleteProject() status = %d, want %d", w.Code, http.StatusNoContent)
	}

	w = httptest.NewRecorder()
	handler.DeleteProject(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("second DeleteProject() status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestCreateFile(t *testing.T) {
	handler, repo := setupHandler(t)
	project := createTestProject(t, repo, nil)

	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantVersion int
	}{
		{
			name:        "new file",
			body:        `{"path": "./src/App.tsx", "content": "v1"}`,
			wantStatus:  http.StatusCreated,
			wantVersion: 1,
		},
		{
			name:        "same path overwrites",
			body:        `{"path": "src/App.tsx", "content": "v2"}`,
			wantStatus:  http.StatusOK,
			wantVersion: 2,
		},
		{
			name:       "absolute path",
			body:       `{"path": "/etc/passwd", "content": "x"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "traversal",
			body:       `{"path": "../secret", "content": "x"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty path",
			body:       `{"content": "x"}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/projects/"+project.ID.String()+"/files", bytes.NewBufferString(tt.body))
			req.SetPathValue("projectId", project.ID.String())
			w := httptest.NewRecorder()

			handler.CreateFile(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("CreateFile() status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantVersion > 0 {
				var resp fileResponse
				if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
					t.Fatalf("Failed to decode response: %v", err)
				}
				if resp.File.Path != "src/App.tsx" {
					t.Errorf("Path = %q, want src/App.tsx", resp.File.Path)
				}
				if resp.File.Version != tt.wantVersion {
					t.Errorf("Version = %d, want %d", resp.File.Version, tt.wantVersion)
				}
			}
		})
	}
}

func TestUpdateAndDeleteFile(t *testing.T) {
	handler, repo := setupHandler(t)
	ctx := context.Background()
	project := createTestProject(t, repo, map[string]string{"src/a.ts": "a", "src/b.ts": "b"})
	other := createTestProject(t, repo, nil)
	file, err := repo.GetFileByPath(ctx, project.ID, "src/a.ts")
	if err != nil {
		t.Fatalf("GetFileByPath() error = %v", err)
	}

	request := func(method, projectID, body string) *http.Request {
		req := httptest.NewRequest(method, "/projects/"+projectID+"/files/"+file.ID.String(), bytes.NewBufferString(body))
		req.SetPathValue("projectId", projectID)
		req.SetPathValue("fileId", file.ID.String())
		return req
	}

	// A file is not visible through another project.
	w := httptest.NewRecorder()
	handler.GetFile(w, request("GET", other.ID.String(), ""))
	if w.Code != http.StatusNotFound {
		t.Errorf("GetFile() via other project status = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = httptest.NewRecorder()
	handler.UpdateFile(w, request("PUT", project.ID.String(), `{"path": "src/b.ts"}`))
	if w.Code != http.StatusConflict {
		t.Errorf("UpdateFile() onto existing path status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = httptest.NewRecorder()
	handler.UpdateFile(w, request("PUT", project.ID.String(), `{"path": "src/c.ts", "content": "c"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("UpdateFile() status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	moved, err := repo.GetFileByPath(ctx, project.ID, "src/c.ts")
	if err != nil {
		t.Fatalf("renamed file missing: %v", err)
	}
	if moved.Content != "c" {
		t.Errorf("Content = %q, want c", moved.Content)
	}

	w = httptest.NewRecorder()
	handler.DeleteFile(w, request("DELETE", project.ID.String(), ""))
	if w.Code != http.StatusNoContent {
		t.Fatalf("DeleteFile() status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if _, err := repo.GetFileByPath(ctx, project.ID, "src/c.ts"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetFileByPath() after delete error = %v, want ErrNotFound", err)
	}
}

func TestExportProject(t *testing.T) {
	handler, repo := setupHandler(t)
	project := createTestProject(t, repo, map[string]string{"index.html": "<html></html>", "src/main.ts": "main()"})

	req := httptest.NewRequest("GET", "/projects/"+project.ID.String()+"/export", nil)
	req.SetPathValue("projectId", project.ID.String())
	w := httptest.NewRecorder()

	handler.ExportProject(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("ExportProject() status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type = %q, want application/zip", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, export.Filename(project)) {
		t.Errorf("Content-Disposition = %q, want filename %s", cd, export.Filename(project))
	}

	files, manifest, err := export.ReadArchive(w.Body.Bytes())
	if err != nil {
		t.Fatalf("ReadArchive() error = %v", err)
	}
	if files["src/main.ts"] != "main()" {
		t.Errorf("src/main.ts = %q, want main()", files["src/main.ts"])
	}
	if manifest.ProjectID != project.ID {
		t.Errorf("manifest project = %s, want %s", manifest.ProjectID, project.ID)
	}
}

// presigningStore hands out URLs instead of bytes.
type presigningStore struct {
	*artifacts.MemoryStore
	filename string
	expiry   time.Duration
}

func (s *presigningStore) URL(_ context.Context, key, filename string, expiry time.Duration) (string, error) {
	s.filename, s.expiry = filename, expiry
	return "https://objects.example.com/" + key + "?sig=abc", nil
}

func TestDownloadBuildArtifact(t *testing.T) {
	repo := mock.New()
	project := createTestProject(t, repo, nil)
	ctx := context.Background()

	built := &domain.BuildJob{ID: uuid.New(), ProjectID: project.ID, Status: domain.BuildStatusSucceeded,
		ArtifactKey: artifacts.BuildKey(project.ID, uuid.Nil), CreatedAt: time.Now().UTC()}
	pending := &domain.BuildJob{ID: uuid.New(), ProjectID: project.ID, Status: domain.BuildStatusPending, CreatedAt: time.Now().UTC()}
	for _, job := range []*domain.BuildJob{built, pending} {
		if err := repo.CreateBuildJob(ctx, job); err != nil {
			t.Fatalf("CreateBuildJob() error = %v", err)
		}
	}

	download := func(h *Handler, id uuid.UUID) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/builds/"+id.String()+"/artifact", nil)
		req.SetPathValue("buildId", id.String())
		w := httptest.NewRecorder()
		h.DownloadBuildArtifact(w, req)
		return w
	}
	wantName := strings.TrimSuffix(export.Filename(project), ".zip") + "-" + built.ID.String()[:8] + ".zip"

	t.Run("streams from memory", func(t *testing.T) {
		mem := artifacts.NewMemoryStore()
		if err := mem.Put(ctx, built.ArtifactKey, []byte("zip"), "application/zip"); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		h := NewHandler(Deps{Repo: repo, Artifacts: mem})

		w := download(h, built.ID)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if w.Body.String() != "zip" {
			t.Errorf("body = %q, want zip", w.Body.String())
		}
		if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, wantName) {
			t.Errorf("Content-Disposition = %q, want filename %s", cd, wantName)
		}
	})

	t.Run("redirects to presigned url", func(t *testing.T) {
		store := &presigningStore{MemoryStore: artifacts.NewMemoryStore()}
		h := NewHandler(Deps{Repo: repo, Artifacts: store})

		w := download(h, built.ID)
		if w.Code != http.StatusFound {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
		}
		want := "https://objects.example.com/" + built.ArtifactKey + "?sig=abc"
		if loc := w.Header().Get("Location"); loc != want {
			t.Errorf("Location = %q, want %q", loc, want)
		}
		if store.filename != wantName {
			t.Errorf("filename = %q, want %q", store.filename, wantName)
		}
		if store.expiry != artifactURLExpiry {
			t.Errorf("expiry = %v, want %v", store.expiry, artifactURLExpiry)
		}
	})

	t.Run("no artifact", func(t *testing.T) {
		h := NewHandler(Deps{Repo: repo, Artifacts: &presigningStore{MemoryStore: artifacts.NewMemoryStore()}})
		if w := download(h, pending.ID); w.Code != http.StatusConflict {
			t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
		}
	})
}

func TestCreateExecution(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		body       string
		wantStatus int
		wantState  domain.SessionStatus
	}{
		{
			name:       "payload object",
			body:       `{"prompt": "add a button", "payload": ` + createButtonPayload + `}`,
			wantStatus: http.StatusCreated,
			wantState:  domain.SessionStatusCompleted,
		},
		{
			name:       "raw model text",
			body:       fmt.Sprintf(`{"payload": %q}`, "Sure:\n```json\n"+createButtonPayload+"\n```"),
			wantStatus: http.StatusCreated,
			wantState:  domain.SessionStatusCompleted,
		},
		{
			name:       "failing step is still created",
			body:       `{"payload": {"operations": [{"type": "rename", "filePath": "missing.ts", "newPath": "other.ts"}]}}`,
			wantStatus: http.StatusCreated,
			wantState:  domain.SessionStatusFailed,
		},
		{
			name:       "schema violation",
			body:       `{"payload": {"operations": [{"type": "chmod", "filePath": "a.ts"}]}}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "no json in text",
			body:       `{"payload": "I cannot help with that"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "missing payload",
			body:       `{"prompt": "x"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "dry run",
			query:      "?dry_run=true",
			body:       `{"payload": ` + createButtonPayload + `}`,
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, repo := setupHandler(t)
			project := createTestProject(t, repo, nil)

			req := httptest.NewRequest("POST", "/projects/"+project.ID.String()+"/executions"+tt.query, bytes.NewBufferString(tt.body))
			req.SetPathValue("projectId", project.ID.String())
			w := httptest.NewRecorder()

			handler.CreateExecution(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("CreateExecution() status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}

			switch {
			case tt.wantState != "":
				var resp sessionResponse
				if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
					t.Fatalf("Failed to decode response: %v", err)
				}
				if resp.Session.Status != tt.wantState {
					t.Errorf("Status = %q, want %q (error %q)", resp.Session.Status, tt.wantState, resp.Session.Error)
				}
			case tt.wantStatus == http.StatusOK:
				var resp dryRunResponse
				if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
					t.Fatalf("Failed to decode response: %v", err)
				}
				if !resp.Plan.OK || resp.Plan.Created != 1 {
					t.Errorf("Plan = %+v, want ok with one create", resp.Plan)
				}
				files, _ := repo.ListFiles(context.Background(), project.ID)
				if len(files) != 0 {
					t.Errorf("dry run wrote %d files", len(files))
				}
			case tt.wantStatus == http.StatusUnprocessableEntity:
				var resp errorResponse
				if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
					t.Fatalf("Failed to decode response: %v", err)
				}
				if resp.Error != "invalid_payload" {
					t.Errorf("Error = %q, want invalid_payload", resp.Error)
				}
			}
		})
	}
}

func TestCreateExecutionUnknownProject(t *testing.T) {
	handler, _ := setupHandler(t)
	id := uuid.New().String()

	req := httptest.NewRequest("POST", "/projects/"+id+"/executions", bytes.NewBufferString(`{"payload": `+createButtonPayload+`}`))
	req.SetPathValue("projectId", id)
	w := httptest.NewRecorder()

	handler.CreateExecution(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("CreateExecution() status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestExecutionReads(t *testing.T) {
	handler, repo := setupHandler(t)
	project := createTestProject(t, repo, map[string]string{"package.json": "{}"})

	payload := `{"operations": [` +
		`{"type": "update", "filePath": "package.json", "content": "{\"name\": \"x\"}\n"},` +
		`{"type": "create", "filePath": "src/app.ts", "content": "a\nb\n"}]}`
	req := httptest.NewRequest("POST", "/projects/"+project.ID.String()+"/executions", bytes.NewBufferString(`{"payload": `+payload+`}`))
	req.SetPathValue("projectId", project.ID.String())
	w := httptest.NewRecorder()
	handler.CreateExecution(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("CreateExecution() status = %d, body = %s", w.Code, w.Body.String())
	}
	var created sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	sessionID := created.Session.ID.String()

	get := func(fn http.HandlerFunc, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", path, nil)
		req.SetPathValue("sessionId", sessionID)
		w := httptest.NewRecorder()
		fn(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, body = %s", path, w.Code, w.Body.String())
		}
		return w
	}

	t.Run("logs", func(t *testing.T) {
		var all logsResponse
		json.NewDecoder(get(handler.ListExecutionLogs, "/executions/x/logs").Body).Decode(&all)
		if all.Status != domain.SessionStatusCompleted || all.CompletedSteps != 2 || all.TotalSteps != 2 {
			t.Errorf("progress = %s %d/%d, want completed 2/2", all.Status, all.CompletedSteps, all.TotalSteps)
		}
		if len(all.Logs) == 0 || all.NextAfter != all.Logs[len(all.Logs)-1].Seq {
			t.Fatalf("NextAfter = %d with %d logs", all.NextAfter, len(all.Logs))
		}

		var tail logsResponse
		json.NewDecoder(get(handler.ListExecutionLogs, fmt.Sprintf("/executions/x/logs?after=%d", all.Logs[0].Seq)).Body).Decode(&tail)
		if len(tail.Logs) != len(all.Logs)-1 {
			t.Errorf("after=%d returned %d logs, want %d", all.Logs[0].Seq, len(tail.Logs), len(all.Logs)-1)
		}
	})

	t.Run("artifacts", func(t *testing.T) {
		var resp artifactsResponse
		json.NewDecoder(get(handler.ListExecutionArtifacts, "/executions/x/artifacts").Body).Decode(&resp)
		if len(resp.Artifacts) != 2 {
			t.Fatalf("Artifacts = %d, want 2", len(resp.Artifacts))
		}
		if resp.Artifacts[0].PreviousContent == nil || *resp.Artifacts[0].PreviousContent != "{}" {
			t.Errorf("first artifact previous content = %v, want {}", resp.Artifacts[0].PreviousContent)
		}
	})

	t.Run("diff", func(t *testing.T) {
		var resp diffResponse
		json.NewDecoder(get(handler.DiffExecution, "/executions/x/diff").Body).Decode(&resp)
		if resp.Diff.Summary.Added != 1 || resp.Diff.Summary.Modified != 1 {
			t.Errorf("Summary = %+v, want 1 added and 1 modified", resp.Diff.Summary)
		}
		if len(resp.Impact.HighImpact) != 1 || resp.Impact.HighImpact[0] != "/" {
			t.Errorf("HighImpact = %v, want [/]", resp.Impact.HighImpact)
		}
	})

	t.Run("bad after", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/executions/x/logs?after=-1", nil)
		req.SetPathValue("sessionId", sessionID)
		w := httptest.NewRecorder()
		handler.ListExecutionLogs(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

func TestLLMEndpointsWithoutAssistant(t *testing.T) {
	handler, repo := setupHandler(t)
	project := createTestProject(t, repo, nil)
	conv := &domain.Conversation{ID: uuid.New(), ProjectID: project.ID, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	repo.CreateConversation(context.Background(), conv)

	req := httptest.NewRequest("POST", "/conversations/"+conv.ID.String()+"/messages", bytes.NewBufferString(`{"content": "hi"}`))
	req.SetPathValue("conversationId", conv.ID.String())
	w := httptest.NewRecorder()
	handler.SendMessage(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("SendMessage() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	req = httptest.NewRequest("POST", "/projects/"+project.ID.String()+"/generate", bytes.NewBufferString(`{"prompt": "todo app"}`))
	req.SetPathValue("projectId", project.ID.String())
	w = httptest.NewRecorder()
	handler.Generate(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Generate() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	req = httptest.NewRequest("GET", "/models", nil)
	w = httptest.NewRecorder()
	handler.ListModels(w, req)
	var models listModelsResponse
	json.NewDecoder(w.Body).Decode(&models)
	if w.Code != http.StatusOK || models.Providers == nil || len(models.Providers) != 0 {
		t.Errorf("ListModels() = %d %+v, want 200 with no providers", w.Code, models)
	}
}

func TestEnvironments(t *testing.T) {
	handler, repo := setupHandler(t)
	project := createTestProject(t, repo, nil)

	create := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/projects/"+project.ID.String()+"/environments", bytes.NewBufferString(body))
		req.SetPathValue("projectId", project.ID.String())
		w := httptest.NewRecorder()
		handler.CreateEnvironment(w, req)
		return w
	}

	w := create(`{"name": "staging", "variables": {"API_URL": "https://api.test"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("CreateEnvironment() status = %d, body = %s", w.Code, w.Body.String())
	}
	var env environmentResponse
	json.NewDecoder(w.Body).Decode(&env)

	if w := create(`{"name": "staging"}`); w.Code != http.StatusConflict {
		t.Errorf("duplicate CreateEnvironment() status = %d, want %d", w.Code, http.StatusConflict)
	}
	if w := create(`{"variables": {}}`); w.Code != http.StatusBadRequest {
		t.Errorf("nameless CreateEnvironment() status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	req := httptest.NewRequest("PUT", "/environments/"+env.Environment.ID.String(), bytes.NewBufferString(`{"variables": {"A": "1", "B": "2"}}`))
	req.SetPathValue("environmentId", env.Environment.ID.String())
	w = httptest.NewRecorder()
	handler.UpdateEnvironment(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("UpdateEnvironment() status = %d", w.Code)
	}
	got, _ := repo.GetEnvironment(context.Background(), env.Environment.ID)
	if got.Name != "staging" || len(got.Variables) != 2 {
		t.Errorf("environment = %+v, want staging with 2 variables", got)
	}

	req = httptest.NewRequest("DELETE", "/environments/"+env.Environment.ID.String(), nil)
	req.SetPathValue("environmentId", env.Environment.ID.String())
	w = httptest.NewRecorder()
	handler.DeleteEnvironment(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("DeleteEnvironment() status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestUpsertAIModel(t *testing.T) {
	handler, repo := setupHandler(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "new model", body: `{"provider": "openai", "model": "gpt-4o", "input_cost_per_1k": 0.0025}`, wantStatus: http.StatusOK},
		{name: "disable keeps price", body: `{"provider": "openai", "model": "gpt-4o", "enabled": false}`, wantStatus: http.StatusOK},
		{name: "missing model", body: `{"provider": "openai"}`, wantStatus: http.StatusBadRequest},
		{name: "negative cost", body: `{"provider": "openai", "model": "x", "output_cost_per_1k": -1}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("PUT", "/admin/models", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			handler.UpsertAIModel(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("UpsertAIModel() status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	m, err := repo.GetAIModel(context.Background(), "openai", "gpt-4o")
	if err != nil {
		t.Fatalf("GetAIModel() error = %v", err)
	}
	if m.Enabled || m.InputCostPer1K != 0.0025 || m.DisplayName != "gpt-4o" {
		t.Errorf("model = %+v, want disabled gpt-4o at 0.0025", m)
	}
}

func TestSystemPrompts(t *testing.T) {
	handler, repo := setupHandler(t)
	ctx := context.Background()

	create := func(body string) systemPromptResponse {
		req := httptest.NewRequest("POST", "/admin/prompts", bytes.NewBufferString(body))
		w := httptest.NewRecorder()
		handler.CreateSystemPrompt(w, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("CreateSystemPrompt() status = %d, body = %s", w.Code, w.Body.String())
		}
		var resp systemPromptResponse
		json.NewDecoder(w.Body).Decode(&resp)
		return resp
	}

	first := create(`{"name": "terse", "content": "Be brief.", "is_default": true}`)
	second := create(`{"name": "verbose", "content": "Explain everything."}`)

	req := httptest.NewRequest("PUT", "/admin/prompts/"+second.Prompt.ID.String(), bytes.NewBufferString(`{"is_default": true}`))
	req.SetPathValue("promptId", second.Prompt.ID.String())
	w := httptest.NewRecorder()
	handler.UpdateSystemPrompt(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("UpdateSystemPrompt() status = %d", w.Code)
	}

	def, err := repo.GetDefaultSystemPrompt(ctx)
	if err != nil || def.ID != second.Prompt.ID {
		t.Errorf("default prompt = %v, %v; want %s", def, err, second.Prompt.ID)
	}
	old, _ := repo.GetSystemPrompt(ctx, first.Prompt.ID)
	if old.IsDefault {
		t.Error("previous default still flagged")
	}

	req = httptest.NewRequest("POST", "/admin/prompts", bytes.NewBufferString(`{"name": "empty"}`))
	w = httptest.NewRecorder()
	handler.CreateSystemPrompt(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("CreateSystemPrompt() without content status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGetUsage(t *testing.T) {
	handler, repo := setupHandler(t)
	ctx := context.Background()
	project := createTestProject(t, repo, nil)

	repo.UpsertAIModel(ctx, &domain.AIModel{Provider: "openai", Model: "gpt-4o", DisplayName: "GPT-4o", Enabled: true, InputCostPer1K: 0.0025, OutputCostPer1K: 0.01})
	now := time.Now().UTC()
	for i, rec := range []*domain.UsageRecord{
		{ProjectID: &project.ID, Provider: "openai", Model: "gpt-4o", InputTokens: 1000, OutputTokens: 1000, CostUSD: 0.0125, Purpose: "chat", CreatedAt: now.Add(-time.Hour)},
		{ProjectID: &project.ID, Provider: "openai", Model: "gpt-4o", InputTokens: 2000, OutputTokens: 0, CostUSD: 0.005, Purpose: "generate", CreatedAt: now.Add(-48 * time.Hour)},
		{Provider: "openai", Model: "gpt-4o", InputTokens: 500, CostUSD: 0.00125, Purpose: "chat", CreatedAt: now.Add(-time.Hour)},
	} {
		rec.ID = uuid.New()
		if err := repo.CreateUsageRecord(ctx, rec); err != nil {
			t.Fatalf("CreateUsageRecord(%d) error = %v", i, err)
		}
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCalls  int
	}{
		{name: "default window", query: "", wantStatus: http.StatusOK, wantCalls: 3},
		{name: "project only", query: "?project_id=" + project.ID.String(), wantStatus: http.StatusOK, wantCalls: 2},
		{name: "last day", query: "?since=24h", wantStatus: http.StatusOK, wantCalls: 2},
		{name: "rfc3339", query: "?since=" + now.Add(-30*time.Minute).Format(time.RFC3339), wantStatus: http.StatusOK, wantCalls: 0},
		{name: "bad since", query: "?since=yesterday", wantStatus: http.StatusBadRequest},
		{name: "bad project", query: "?project_id=nope", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/billing/usage"+tt.query, nil)
			w := httptest.NewRecorder()
			handler.GetUsage(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("GetUsage() status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var summary struct {
				Calls int `json:"calls"`
			}
			json.NewDecoder(w.Body).Decode(&summary)
			if summary.Calls != tt.wantCalls {
				t.Errorf("Calls = %d, want %d", summary.Calls, tt.wantCalls)
			}
		})
	}
}

func TestFail(t *testing.T) {
	handler, _ := setupHandler(t)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "not found", err: fmt.Errorf("get project: %w", domain.ErrNotFound), wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "conflict", err: domain.ErrConflict, wantStatus: http.StatusConflict, wantCode: "conflict"},
		{name: "invalid input", err: domain.ErrInvalidInput, wantStatus: http.StatusBadRequest, wantCode: "validation_error"},
		{name: "payload", err: &executor.PayloadError{Reason: "bad"}, wantStatus: http.StatusUnprocessableEntity, wantCode: "invalid_payload"},
		{name: "unavailable", err: domain.ErrUnavailable, wantStatus: http.StatusServiceUnavailable, wantCode: "service_unavailable"},
		{name: "rate limit", err: llm.ErrRateLimit, wantStatus: http.StatusTooManyRequests, wantCode: "rate_limited"},
		{name: "provider", err: llm.ErrProviderError, wantStatus: http.StatusBadGateway, wantCode: "llm_error"},
		{name: "other", err: errors.New("disk on fire"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.fail(w, httptest.NewRequest("GET", "/x", nil), tt.err, "Thing")

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp errorResponse
			json.NewDecoder(w.Body).Decode(&resp)
			if resp.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantCode)
			}
			if tt.wantStatus == http.StatusInternalServerError && strings.Contains(resp.Message, "fire") {
				t.Error("internal error detail leaked to client")
			}
		})
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "24h", want: now.Add(-24 * time.Hour)},
		{in: "-1h", want: now.Add(-time.Hour)},
		{in: "2026-02-01T00:00:00Z", want: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
		{in: "last week", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseSince(tt.in, now)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSince(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !got.Equal(tt.want) {
			t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
