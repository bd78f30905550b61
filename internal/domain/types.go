package domain

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusArchived ProjectStatus = "archived"
)

// Project represents an application being built with the assistant.
type Project struct {
	ID          uuid.UUID     `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Framework   string        `json:"framework"` // e.g. react, vue, go
	Status      ProjectStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// CodeFile is one file of a project's virtual filesystem.
// Files are keyed by (ProjectID, Path); Version increments on every content write.
type CodeFile struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	Size      int       `json:"size"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Conversation groups chat messages for a project.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageRole is the author of a chat message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// Message is a single chat turn.
type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	Model          string      `json:"model,omitempty"`
	InputTokens    int         `json:"input_tokens"`
	OutputTokens   int         `json:"output_tokens"`
	SessionID      *uuid.UUID  `json:"session_id,omitempty"` // execution triggered by this message
	CreatedAt      time.Time   `json:"created_at"`
}

// BuildStatus represents the status of a build job.
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s BuildStatus) Terminal() bool {
	return s == BuildStatusSucceeded || s == BuildStatusFailed || s == BuildStatusCancelled
}

// BuildJob is a (simulated) build of a project's files.
type BuildJob struct {
	ID          uuid.UUID   `json:"id"`
	ProjectID   uuid.UUID   `json:"project_id"`
	Status      BuildStatus `json:"status"`
	Logs        string      `json:"logs"`
	ArtifactKey string      `json:"artifact_key,omitempty"`
	FileCount   int         `json:"file_count"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// DeploymentStatus represents the status of a deployment.
type DeploymentStatus string

const (
	DeploymentStatusPending   DeploymentStatus = "pending"
	DeploymentStatusDeploying DeploymentStatus = "deploying"
	DeploymentStatusLive      DeploymentStatus = "live"
	DeploymentStatusFailed    DeploymentStatus = "failed"
)

// Deployment publishes a succeeded build to an environment.
type Deployment struct {
	ID            uuid.UUID        `json:"id"`
	ProjectID     uuid.UUID        `json:"project_id"`
	BuildJobID    uuid.UUID        `json:"build_job_id"`
	EnvironmentID *uuid.UUID       `json:"environment_id,omitempty"`
	Status        DeploymentStatus `json:"status"`
	URL           string           `json:"url"`
	Logs          string           `json:"logs"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Environment holds deployment variables for a project.
type Environment struct {
	ID        uuid.UUID         `json:"id"`
	ProjectID uuid.UUID         `json:"project_id"`
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// AIModel is a catalog entry for a provider model, with pricing in USD per 1K tokens.
type AIModel struct {
	ID              uuid.UUID `json:"id"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	DisplayName     string    `json:"display_name"`
	Enabled         bool      `json:"enabled"`
	InputCostPer1K  float64   `json:"input_cost_per_1k"`
	OutputCostPer1K float64   `json:"output_cost_per_1k"`
}

// SystemPrompt is an admin-managed system prompt. At most one is the default.
type SystemPrompt struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStatus represents the status of an execution session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the session can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

// ExecutionSession tracks one application of an operation payload to a project.
type ExecutionSession struct {
	ID             uuid.UUID     `json:"id"`
	ProjectID      uuid.UUID     `json:"project_id"`
	ConversationID *uuid.UUID    `json:"conversation_id,omitempty"`
	Prompt         string        `json:"prompt"`
	Status         SessionStatus `json:"status"`
	TotalSteps     int           `json:"total_steps"`
	CompletedSteps int           `json:"completed_steps"`
	Explanation    string        `json:"explanation,omitempty"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelSuccess LogLevel = "success"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// ExecutionLog is one progress line of a session. Seq is strictly increasing per session.
type ExecutionLog struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Seq       int       `json:"seq"`
	Step      int       `json:"step"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ExecutionArtifact records the before/after state of one applied operation.
type ExecutionArtifact struct {
	ID              uuid.UUID     `json:"id"`
	SessionID       uuid.UUID     `json:"session_id"`
	Step            int           `json:"step"`
	Operation       OperationType `json:"operation"`
	FilePath        string        `json:"file_path"`
	NewPath         string        `json:"new_path,omitempty"`
	PreviousContent *string       `json:"previous_content,omitempty"`
	NewContent      *string       `json:"new_content,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// UsageRecord is one billed LLM call.
type UsageRecord struct {
	ID           uuid.UUID  `json:"id"`
	ProjectID    *uuid.UUID `json:"project_id,omitempty"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	CostUSD      float64    `json:"cost_usd"`
	Purpose      string     `json:"purpose"` // chat, generate
	CreatedAt    time.Time  `json:"created_at"`
}

// OperationType is the kind of change a FileOperation makes.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
	OperationRename OperationType = "rename"
)

// FileOperation is one entry of an LLM-produced operation payload.
type FileOperation struct {
	Type     OperationType `json:"type"`
	FilePath string        `json:"filePath"`
	NewPath  string        `json:"newPath,omitempty"`
	Content  *string       `json:"content,omitempty"`
}

// OperationPayload is the structured output the assistant is asked to produce.
type OperationPayload struct {
	Explanation string          `json:"explanation,omitempty"`
	Operations  []FileOperation `json:"operations"`
}

var extLanguages = map[string]string{
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".json": "json",
	".css":  "css",
	".scss": "scss",
	".html": "html",
	".md":   "markdown",
	".go":   "go",
	".py":   "python",
	".rs":   "rust",
	".sql":  "sql",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".sh":   "shell",
	".vue":  "vue",
}

// LanguageForPath guesses a file's language from its extension.
func LanguageForPath(p string) string {
	if lang, ok := extLanguages[strings.ToLower(path.Ext(p))]; ok {
		return lang
	}
	return "plaintext"
}
