package repository

import (
	"context"
	"time"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/google/uuid"
)

// ProjectStore persists projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]*domain.Project, error)
	UpdateProject(ctx context.Context, project *domain.Project) error
	// DeleteProject removes the project and every row that belongs to it.
	DeleteProject(ctx context.Context, id uuid.UUID) error
}

// FileStore persists the per-project virtual filesystem.
type FileStore interface {
	// UpsertFile inserts the file or replaces the content of the file at the
	// same (project, path), bumping its version. ID, Version, Size and the
	// timestamps are filled in on return.
	UpsertFile(ctx context.Context, file *domain.CodeFile) error
	GetFile(ctx context.Context, id uuid.UUID) (*domain.CodeFile, error)
	GetFileByPath(ctx context.Context, projectID uuid.UUID, path string) (*domain.CodeFile, error)
	ListFiles(ctx context.Context, projectID uuid.UUID) ([]*domain.CodeFile, error)
	DeleteFile(ctx context.Context, projectID uuid.UUID, path string) error
	// RenameFile moves a file. It returns ErrNotFound when the source does not
	// exist and ErrConflict when the destination does.
	RenameFile(ctx context.Context, projectID uuid.UUID, oldPath, newPath string) error
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	ListConversations(ctx context.Context, projectID uuid.UUID) ([]*domain.Conversation, error)
	UpdateConversation(ctx context.Context, conv *domain.Conversation) error
	DeleteConversation(ctx context.Context, id uuid.UUID) error

	CreateMessage(ctx context.Context, msg *domain.Message) error
	// ListMessages returns messages oldest first. A positive limit keeps only the most recent ones.
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*domain.Message, error)
}

// BuildStore persists build jobs.
type BuildStore interface {
	CreateBuildJob(ctx context.Context, job *domain.BuildJob) error
	GetBuildJob(ctx context.Context, id uuid.UUID) (*domain.BuildJob, error)
	ListBuildJobs(ctx context.Context, projectID uuid.UUID, limit int) ([]*domain.BuildJob, error)
	UpdateBuildJob(ctx context.Context, job *domain.BuildJob) error
}

// DeploymentStore persists deployments.
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d *domain.Deployment) error
	GetDeployment(ctx context.Context, id uuid.UUID) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, projectID uuid.UUID) ([]*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, d *domain.Deployment) error
}

// EnvironmentStore persists deployment environments.
type EnvironmentStore interface {
	CreateEnvironment(ctx context.Context, env *domain.Environment) error
	GetEnvironment(ctx context.Context, id uuid.UUID) (*domain.Environment, error)
	ListEnvironments(ctx context.Context, projectID uuid.UUID) ([]*domain.Environment, error)
	UpdateEnvironment(ctx context.Context, env *domain.Environment) error
	DeleteEnvironment(ctx context.Context, id uuid.UUID) error
}

// CatalogStore persists admin-managed AI models and system prompts.
type CatalogStore interface {
	UpsertAIModel(ctx context.Context, m *domain.AIModel) error
	GetAIModel(ctx context.Context, provider, model string) (*domain.AIModel, error)
	ListAIModels(ctx context.Context) ([]*domain.AIModel, error)

	CreateSystemPrompt(ctx context.Context, p *domain.SystemPrompt) error
	GetSystemPrompt(ctx context.Context, id uuid.UUID) (*domain.SystemPrompt, error)
	GetDefaultSystemPrompt(ctx context.Context) (*domain.SystemPrompt, error)
	ListSystemPrompts(ctx context.Context) ([]*domain.SystemPrompt, error)
	UpdateSystemPrompt(ctx context.Context, p *domain.SystemPrompt) error
	DeleteSystemPrompt(ctx context.Context, id uuid.UUID) error
}

// ExecutionStore persists execution sessions, their logs and artifacts.
type ExecutionStore interface {
	CreateSession(ctx context.Context, s *domain.ExecutionSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*domain.ExecutionSession, error)
	ListSessions(ctx context.Context, projectID uuid.UUID, limit int) ([]*domain.ExecutionSession, error)
	UpdateSession(ctx context.Context, s *domain.ExecutionSession) error

	AppendLog(ctx context.Context, l *domain.ExecutionLog) error
	// ListLogs returns logs with Seq greater than afterSeq, in Seq order.
	ListLogs(ctx context.Context, sessionID uuid.UUID, afterSeq int) ([]*domain.ExecutionLog, error)

	CreateArtifact(ctx context.Context, a *domain.ExecutionArtifact) error
	ListArtifacts(ctx context.Context, sessionID uuid.UUID) ([]*domain.ExecutionArtifact, error)
}

// UsageStore persists billing usage records.
type UsageStore interface {
	CreateUsageRecord(ctx context.Context, r *domain.UsageRecord) error
	// ListUsageRecords filters by project when projectID is non-nil and by creation time >= since.
	ListUsageRecords(ctx context.Context, projectID *uuid.UUID, since time.Time) ([]*domain.UsageRecord, error)
}

// Repository defines the interface for persistent storage.
type Repository interface {
	ProjectStore
	FileStore
	ConversationStore
	BuildStore
	DeploymentStore
	EnvironmentStore
	CatalogStore
	ExecutionStore
	UsageStore

	// Transaction support
	WithTx(ctx context.Context, fn func(Repository) error) error

	// Lifecycle
	Close() error
}
