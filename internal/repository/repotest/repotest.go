// Package repotest holds a behavioural test suite shared by every
// repository.Repository implementation.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a repository for one subtest. It may share storage between
// calls; the suite only asserts on rows it created itself.
type Factory func(t *testing.T) repository.Repository

// Run exercises repo against the repository contract.
func Run(t *testing.T, newRepo Factory) {
	t.Run("Projects", func(t *testing.T) { testProjects(t, newRepo(t)) })
	t.Run("Files", func(t *testing.T) { testFiles(t, newRepo(t)) })
	t.Run("Conversations", func(t *testing.T) { testConversations(t, newRepo(t)) })
	t.Run("Executions", func(t *testing.T) { testExecutions(t, newRepo(t)) })
	t.Run("BuildsAndDeployments", func(t *testing.T) { testBuilds(t, newRepo(t)) })
	t.Run("Environments", func(t *testing.T) { testEnvironments(t, newRepo(t)) })
	t.Run("Catalog", func(t *testing.T) { testCatalog(t, newRepo(t)) })
	t.Run("Usage", func(t *testing.T) { testUsage(t, newRepo(t)) })
	t.Run("DeleteProjectCascades", func(t *testing.T) { testDeleteCascade(t, newRepo(t)) })
	t.Run("WithTx", func(t *testing.T) { testWithTx(t, newRepo(t)) })
}

// NewProject stores a fresh project and returns it.
func NewProject(t *testing.T, repo repository.Repository) *domain.Project {
	t.Helper()
	now := time.Now().UTC()
	p := &domain.Project{
		ID:        uuid.New(),
		Name:      "Project " + uuid.NewString()[:8],
		Framework: "react",
		Status:    domain.ProjectStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, repo.CreateProject(context.Background(), p))
	return p
}

func testProjects(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	p := NewProject(t, repo)

	got, err := repo.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, "react", got.Framework)
	assert.Equal(t, domain.ProjectStatusActive, got.Status)

	_, err = repo.GetProject(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got.Description = "updated"
	got.Status = domain.ProjectStatusArchived
	got.UpdatedAt = time.Now().UTC()
	require.NoError(t, repo.UpdateProject(ctx, got))

	got, err = repo.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)
	assert.Equal(t, domain.ProjectStatusArchived, got.Status)

	list, err := repo.ListProjects(ctx)
	require.NoError(t, err)
	assert.True(t, containsProject(list, p.ID))

	missing := &domain.Project{ID: uuid.New(), Name: "x", UpdatedAt: time.Now()}
	assert.ErrorIs(t, repo.UpdateProject(ctx, missing), domain.ErrNotFound)
	assert.ErrorIs(t, repo.DeleteProject(ctx, uuid.New()), domain.ErrNotFound)
}

func testFiles(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	p := NewProject(t, repo)

	f := &domain.CodeFile{ProjectID: p.ID, Path: "src/App.tsx", Content: "export {}"}
	require.NoError(t, repo.UpsertFile(ctx, f))
	assert.NotEqual(t, uuid.Nil, f.ID)
	assert.Equal(t, 1, f.Version)
	assert.Equal(t, len("export {}"), f.Size)
	assert.Equal(t, "typescript", f.Language)
	firstID := f.ID

	again := &domain.CodeFile{ProjectID: p.ID, Path: "src/App.tsx", Content: "export default 1"}
	require.NoError(t, repo.UpsertFile(ctx, again))
	assert.Equal(t, firstID, again.ID, "upsert keeps the file identity")
	assert.Equal(t, 2, again.Version)

	got, err := repo.GetFileByPath(ctx, p.ID, "src/App.tsx")
	require.NoError(t, err)
	assert.Equal(t, "export default 1", got.Content)
	assert.Equal(t, 2, got.Version)

	byID, err := repo.GetFile(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, got.Path, byID.Path)

	_, err = repo.GetFileByPath(ctx, p.ID, "missing.ts")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.UpsertFile(ctx, &domain.CodeFile{ProjectID: p.ID, Path: "README.md", Content: "# hi"}))
	files, err := repo.ListFiles(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "README.md", files[0].Path, "files are ordered by path")

	// Rename onto an existing path conflicts.
	err = repo.RenameFile(ctx, p.ID, "src/App.tsx", "README.md")
	assert.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, repo.RenameFile(ctx, p.ID, "src/App.tsx", "src/Main.tsx"))
	_, err = repo.GetFileByPath(ctx, p.ID, "src/App.tsx")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	moved, err := repo.GetFileByPath(ctx, p.ID, "src/Main.tsx")
	require.NoError(t, err)
	assert.Equal(t, "export default 1", moved.Content)
	assert.Equal(t, 3, moved.Version)

	assert.ErrorIs(t, repo.RenameFile(ctx, p.ID, "nope.ts", "other.ts"), domain.ErrNotFound)

	require.NoError(t, repo.DeleteFile(ctx, p.ID, "README.md"))
	assert.ErrorIs(t, repo.DeleteFile(ctx, p.ID, "README.md"), domain.ErrNotFound)

	// Paths are scoped per project.
	other := NewProject(t, repo)
	require.NoError(t, repo.UpsertFile(ctx, &domain.CodeFile{ProjectID: other.ID, Path: "src/Main.tsx", Content: "other"}))
	mine, err := repo.GetFileByPath(ctx, p.ID, "src/Main.tsx")
	require.NoError(t, err)
	assert.Equal(t, "export default 1", mine.Content)
}

func testConversations(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	p := NewProject(t, repo)
	now := time.Now().UTC()

	conv := &domain.Conversation{ID: uuid.New(), ProjectID: p.ID, Title: "Chat", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.CreateConversation(ctx, conv))

	for i := 0; i < 5; i++ {
		role := domain.MessageRoleUser
		if i%2 == 1 {
			role = domain.MessageRoleAssistant
		}
		require.NoError(t, repo.CreateMessage(ctx, &domain.Message{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			Role:           role,
			Content:        string(rune('a' + i)),
			CreatedAt:      now.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	all, err := repo.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "a", all[0].Content)

	recent, err := repo.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].Content, "limit keeps the newest messages, oldest first")
	assert.Equal(t, "e", recent[1].Content)

	conv.Title = "Renamed"
	conv.UpdatedAt = time.Now().UTC()
	require.NoError(t, repo.UpdateConversation(ctx, conv))
	got, err := repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)

	convs, err := repo.ListConversations(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, convs, 1)

	session := newSession(p.ID)
	session.ConversationID = &conv.ID
	require.NoError(t, repo.CreateSession(ctx, session))

	require.NoError(t, repo.DeleteConversation(ctx, conv.ID))
	_, err = repo.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	msgs, err := repo.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	kept, err := repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, kept.ConversationID, "sessions outlive their conversation")
}

func newSession(projectID uuid.UUID) *domain.ExecutionSession {
	now := time.Now().UTC()
	return &domain.ExecutionSession{
		ID:        uuid.New(),
		ProjectID: projectID,
		Prompt:    "add a button",
		Status:    domain.SessionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testExecutions(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	p := NewProject(t, repo)

	s := newSession(p.ID)
	require.NoError(t, repo.CreateSession(ctx, s))

	s.Status = domain.SessionStatusCompleted
	s.TotalSteps = 2
	s.CompletedSteps = 2
	done := time.Now().UTC()
	s.CompletedAt = &done
	s.UpdatedAt = done
	require.NoError(t, repo.UpdateSession(ctx, s))

	got, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedSteps)
	require.NotNil(t, got.CompletedAt)

	for i, msg := range []string{"start", "step one", "step two"} {
		l := &domain.ExecutionLog{ID: uuid.New(), SessionID: s.ID, Step: i, Level: domain.LogLevelInfo, Message: msg, CreatedAt: time.Now().UTC()}
		require.NoError(t, repo.AppendLog(ctx, l))
		assert.Equal(t, i+1, l.Seq, "seq is assigned in order")
	}

	logs, err := repo.ListLogs(ctx, s.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "start", logs[0].Message)

	tail, err := repo.ListLogs(ctx, s.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, 3, tail[0].Seq)

	prev := "old"
	next := "new"
	require.NoError(t, repo.CreateArtifact(ctx, &domain.ExecutionArtifact{
		ID: uuid.New(), SessionID: s.ID, Step: 1, Operation: domain.OperationUpdate,
		FilePath: "a.ts", PreviousContent: &prev, NewContent: &next, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, repo.CreateArtifact(ctx, &domain.ExecutionArtifact{
		ID: uuid.New(), SessionID: s.ID, Step: 2, Operation: domain.OperationCreate,
		FilePath: "b.ts", NewContent: &next, CreatedAt: time.Now().UTC(),
	}))

	arts, err := repo.ListArtifacts(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, arts, 2)
	require.NotNil(t, arts[0].PreviousContent)
	assert.Equal(t, "old", *arts[0].PreviousContent)
	assert.Nil(t, arts[1].PreviousContent)

	sessions, err := repo.ListSessions(ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	_, err = repo.GetSession(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testBuilds(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	p := NewProject(t, repo)
	now := time.Now().UTC()

	job := &domain.BuildJob{ID: uuid.New(), ProjectID: p.ID, Status: domain.BuildStatusPending, CreatedAt: now}
	require.NoError(t, repo.CreateBuildJob(ctx, job))

	job.Status = domain.BuildStatusSucceeded
	job.Logs = "ok\n"
	job.ArtifactKey = "builds/x.zip"
	job.StartedAt = &now
	job.FinishedAt = &now
	require.NoError(t, repo.UpdateBuildJob(ctx, job))

	got, err := repo.GetBuildJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildStatusSucceeded, got.Status)
	assert.Equal(t, "builds/x.zip", got.ArtifactKey)
	require.NotNil(t, got.FinishedAt)

	jobs, err := repo.ListBuildJobs(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	dep := &domain.Deployment{ID: uuid.New(), ProjectID: p.ID, BuildJobID: job.ID, Status: domain.DeploymentStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.CreateDeployment(ctx, dep))
	dep.Status = domain.DeploymentStatusLive
	dep.URL = "https://demo.example.app"
	require.NoError(t, repo.UpdateDeployment(ctx, dep))

	gotDep, err := repo.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentStatusLive, gotDep.Status)
	assert.Equal(t, "https://demo.example.app", gotDep.URL)

	deps, err := repo.ListDeployments(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, deps, 1)
}

func testEnvironments(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	p := NewProject(t, repo)
	now := time.Now().UTC()

	env := &domain.Environment{ID: uuid.New(), ProjectID: p.ID, Name: "production", Variables: map[string]string{"API_URL": "https://api"}, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.CreateEnvironment(ctx, env))

	got, err := repo.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://api", got.Variables["API_URL"])

	got.Variables["DEBUG"] = "false"
	got.UpdatedAt = time.Now().UTC()
	require.NoError(t, repo.UpdateEnvironment(ctx, got))

	envs, err := repo.ListEnvironments(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Len(t, envs[0].Variables, 2)

	require.NoError(t, repo.DeleteEnvironment(ctx, env.ID))
	_, err = repo.GetEnvironment(ctx, env.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testCatalog(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	name := "model-" + uuid.NewString()[:8]

	m := &domain.AIModel{Provider: "openai", Model: name, DisplayName: "Test", Enabled: true, InputCostPer1K: 0.5, OutputCostPer1K: 1.5}
	require.NoError(t, repo.UpsertAIModel(ctx, m))
	firstID := m.ID

	update := &domain.AIModel{Provider: "openai", Model: name, DisplayName: "Test v2", Enabled: false, InputCostPer1K: 1, OutputCostPer1K: 2}
	require.NoError(t, repo.UpsertAIModel(ctx, update))
	assert.Equal(t, firstID, update.ID)

	got, err := repo.GetAIModel(ctx, "openai", name)
	require.NoError(t, err)
	assert.Equal(t, "Test v2", got.DisplayName)
	assert.False(t, got.Enabled)
	assert.InDelta(t, 2.0, got.OutputCostPer1K, 1e-9)

	_, err = repo.GetAIModel(ctx, "openai", "missing-"+name)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	now := time.Now().UTC()
	a := &domain.SystemPrompt{ID: uuid.New(), Name: "a", Content: "A", IsDefault: true, CreatedAt: now, UpdatedAt: now}
	b := &domain.SystemPrompt{ID: uuid.New(), Name: "b", Content: "B", IsDefault: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.CreateSystemPrompt(ctx, a))
	require.NoError(t, repo.CreateSystemPrompt(ctx, b))

	def, err := repo.GetDefaultSystemPrompt(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID, def.ID, "creating a default clears the previous one")

	gotA, err := repo.GetSystemPrompt(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, gotA.IsDefault)

	gotA.IsDefault = true
	gotA.UpdatedAt = time.Now().UTC()
	require.NoError(t, repo.UpdateSystemPrompt(ctx, gotA))
	def, err = repo.GetDefaultSystemPrompt(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, def.ID)

	require.NoError(t, repo.DeleteSystemPrompt(ctx, b.ID))
	assert.ErrorIs(t, repo.DeleteSystemPrompt(ctx, b.ID), domain.ErrNotFound)
}

func testUsage(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	p := NewProject(t, repo)
	start := time.Now().UTC().Add(-time.Minute)

	for _, tokens := range []int{100, 200} {
		require.NoError(t, repo.CreateUsageRecord(ctx, &domain.UsageRecord{
			ID: uuid.New(), ProjectID: &p.ID, Provider: "openai", Model: "gpt-4o",
			InputTokens: tokens, OutputTokens: tokens / 2, CostUSD: 0.01, Purpose: "chat",
			CreatedAt: time.Now().UTC(),
		}))
	}

	records, err := repo.ListUsageRecords(ctx, &p.ID, start)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NotNil(t, records[0].ProjectID)
	assert.Equal(t, p.ID, *records[0].ProjectID)

	future, err := repo.ListUsageRecords(ctx, &p.ID, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, future)
}

func testDeleteCascade(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	p := NewProject(t, repo)
	now := time.Now().UTC()

	require.NoError(t, repo.UpsertFile(ctx, &domain.CodeFile{ProjectID: p.ID, Path: "index.html", Content: "<html>"}))
	conv := &domain.Conversation{ID: uuid.New(), ProjectID: p.ID, Title: "c", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.CreateConversation(ctx, conv))
	require.NoError(t, repo.CreateMessage(ctx, &domain.Message{ID: uuid.New(), ConversationID: conv.ID, Role: domain.MessageRoleUser, Content: "hi", CreatedAt: now}))
	s := newSession(p.ID)
	require.NoError(t, repo.CreateSession(ctx, s))
	require.NoError(t, repo.AppendLog(ctx, &domain.ExecutionLog{ID: uuid.New(), SessionID: s.ID, Level: domain.LogLevelInfo, Message: "x", CreatedAt: now}))
	job := &domain.BuildJob{ID: uuid.New(), ProjectID: p.ID, Status: domain.BuildStatusSucceeded, CreatedAt: now}
	require.NoError(t, repo.CreateBuildJob(ctx, job))
	require.NoError(t, repo.CreateDeployment(ctx, &domain.Deployment{ID: uuid.New(), ProjectID: p.ID, BuildJobID: job.ID, Status: domain.DeploymentStatusLive, CreatedAt: now, UpdatedAt: now}))

	require.NoError(t, repo.DeleteProject(ctx, p.ID))

	_, err := repo.GetProject(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	files, err := repo.ListFiles(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
	_, err = repo.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.GetBuildJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testWithTx(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	p := NewProject(t, repo)

	err := repo.WithTx(ctx, func(tx repository.Repository) error {
		return tx.UpsertFile(ctx, &domain.CodeFile{ProjectID: p.ID, Path: "committed.ts", Content: "1"})
	})
	require.NoError(t, err)

	_, err = repo.GetFileByPath(ctx, p.ID, "committed.ts")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = repo.WithTx(ctx, func(tx repository.Repository) error {
		if err := tx.UpsertFile(ctx, &domain.CodeFile{ProjectID: p.ID, Path: "committed.ts", Content: "2"}); err != nil {
			return err
		}
		if err := tx.UpsertFile(ctx, &domain.CodeFile{ProjectID: p.ID, Path: "rolled-back.ts", Content: "x"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	f, err := repo.GetFileByPath(ctx, p.ID, "committed.ts")
	require.NoError(t, err)
	assert.Equal(t, "1", f.Content)
	_, err = repo.GetFileByPath(ctx, p.ID, "rolled-back.ts")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func containsProject(list []*domain.Project, id uuid.UUID) bool {
	for _, p := range list {
		if p.ID == id {
			return true
		}
	}
	return false
}
