// Package executor applies assistant-produced file operations to a project's
// virtual filesystem, one logged step at a time.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/events"
	"github.com/dshills/codemechanic/internal/metrics"
	"github.com/dshills/codemechanic/internal/repository"
	"github.com/dshills/codemechanic/internal/validator"
)

// Options configures an Engine.
type Options struct {
	Limits validator.Limits
	// RunTimeout bounds one Apply call. Zero means no timeout.
	RunTimeout time.Duration
	Events     events.Publisher
	Logger     *zap.Logger
}

// Engine runs execution sessions.
type Engine struct {
	repo      repository.Repository
	validator *validator.Validator
	limits    validator.Limits
	timeout   time.Duration
	events    events.Publisher
	log       *zap.Logger
}

// New creates an Engine.
func New(repo repository.Repository, v *validator.Validator, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Limits.MaxOperations <= 0 {
		opts.Limits.MaxOperations = validator.DefaultLimits.MaxOperations
	}
	if opts.Limits.MaxFileBytes <= 0 {
		opts.Limits.MaxFileBytes = validator.DefaultLimits.MaxFileBytes
	}
	return &Engine{
		repo:      repo,
		validator: v,
		limits:    opts.Limits,
		timeout:   opts.RunTimeout,
		events:    opts.Events,
		log:       opts.Logger.Named("executor"),
	}
}

// Begin creates a pending session for projectID.
func (e *Engine) Begin(ctx context.Context, projectID uuid.UUID, prompt string, conversationID *uuid.UUID) (*domain.ExecutionSession, error) {
	if _, err := e.repo.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	now := time.Now().UTC()
	s := &domain.ExecutionSession{
		ID:             uuid.New(),
		ProjectID:      projectID,
		ConversationID: conversationID,
		Prompt:         prompt,
		Status:         domain.SessionStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.repo.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	e.publishSession(s)
	return s, nil
}

// Execute is Begin followed by Apply. The session is returned even when Apply fails.
func (e *Engine) Execute(ctx context.Context, projectID uuid.UUID, prompt string, payload *domain.OperationPayload) (*domain.ExecutionSession, error) {
	s, err := e.Begin(ctx, projectID, prompt, nil)
	if err != nil {
		return nil, err
	}
	return s, e.Apply(ctx, s, payload)
}

// Apply runs every operation of payload against the session's project in
// order. It stops at the first failing step; steps already applied are kept.
// The session is updated in place and persisted after every step.
func (e *Engine) Apply(ctx context.Context, s *domain.ExecutionSession, payload *domain.OperationPayload) error {
	if s.Status.Terminal() {
		return fmt.Errorf("session %s is %s: %w", s.ID, s.Status, domain.ErrConflict)
	}
	if payload == nil || len(payload.Operations) == 0 {
		return e.Fail(ctx, s, 0, &PayloadError{Reason: "no operations"})
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	n := len(payload.Operations)
	log := e.log.With(zap.String("session", s.ID.String()), zap.String("project", s.ProjectID.String()))

	s.Status = domain.SessionStatusRunning
	s.TotalSteps = n
	s.CompletedSteps = 0
	s.Explanation = payload.Explanation
	if err := e.saveSession(ctx, s); err != nil {
		return e.Fail(ctx, s, 0, err)
	}
	if err := e.appendLog(ctx, s, 0, domain.LogLevelInfo, fmt.Sprintf("Starting execution of %d operations", n)); err != nil {
		return e.Fail(ctx, s, 0, err)
	}
	log.Info("execution started", zap.Int("operations", n))

	for i, op := range payload.Operations {
		step := i + 1
		if err := ctx.Err(); err != nil {
			return e.Fail(ctx, s, step, err)
		}
		if err := e.appendLog(ctx, s, step, domain.LogLevelInfo, fmt.Sprintf("Step %d/%d: %s", step, n, describe(op))); err != nil {
			return e.Fail(ctx, s, step, err)
		}

		warning, err := e.applyOp(ctx, s, step, op)
		if err != nil {
			metrics.Operations.WithLabelValues(string(op.Type), "error").Inc()
			return e.Fail(ctx, s, step, fmt.Errorf("step %d (%s): %w", step, describe(op), err))
		}
		result := "ok"
		if warning != "" {
			result = "warning"
			if err := e.appendLog(ctx, s, step, domain.LogLevelWarning, warning); err != nil {
				return e.Fail(ctx, s, step, err)
			}
		}
		metrics.Operations.WithLabelValues(string(op.Type), result).Inc()

		if err := e.appendLog(ctx, s, step, domain.LogLevelSuccess, "Applied "+describe(op)); err != nil {
			return e.Fail(ctx, s, step, err)
		}
		s.CompletedSteps = step
		if err := e.saveSession(ctx, s); err != nil {
			return e.Fail(ctx, s, step, err)
		}
	}

	if err := e.appendLog(ctx, s, n, domain.LogLevelSuccess, fmt.Sprintf("Execution completed: %d operations applied", n)); err != nil {
		return e.Fail(ctx, s, n, err)
	}
	now := time.Now().UTC()
	s.Status = domain.SessionStatusCompleted
	s.CompletedAt = &now
	if err := e.saveSession(ctx, s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	metrics.ExecutionSessions.WithLabelValues(string(s.Status)).Inc()
	log.Info("execution completed", zap.Int("operations", n))
	return nil
}

// Fail writes an error log, marks the session failed (or cancelled when ctx
// was cancelled) and returns cause wrapped in domain.ErrExecutionFailed.
// It is a no-op on a session that is already terminal.
func (e *Engine) Fail(ctx context.Context, s *domain.ExecutionSession, step int, cause error) error {
	wrapped := fmt.Errorf("%w: %w", domain.ErrExecutionFailed, cause)
	if s.Status.Terminal() {
		return wrapped
	}

	status := domain.SessionStatusFailed
	if errors.Is(cause, context.Canceled) {
		status = domain.SessionStatusCancelled
	}
	// Failure records must land even when the caller's context is done.
	ctx = context.WithoutCancel(ctx)

	msg := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = "execution timed out: " + msg
	}
	if err := e.appendLog(ctx, s, step, domain.LogLevelError, msg); err != nil {
		e.log.Error("append failure log", zap.String("session", s.ID.String()), zap.Error(err))
	}

	now := time.Now().UTC()
	s.Status = status
	s.Error = msg
	s.CompletedAt = &now
	if err := e.saveSession(ctx, s); err != nil {
		e.log.Error("save failed session", zap.String("session", s.ID.String()), zap.Error(err))
	}
	metrics.ExecutionSessions.WithLabelValues(string(status)).Inc()
	e.log.Warn("execution stopped",
		zap.String("session", s.ID.String()),
		zap.String("status", string(status)),
		zap.Int("step", step),
		zap.Error(cause))
	return wrapped
}

// applyOp writes one operation and its artifact in a single transaction.
// A non-empty warning means the step succeeded with a caveat.
func (e *Engine) applyOp(ctx context.Context, s *domain.ExecutionSession, step int, op domain.FileOperation) (string, error) {
	var warning string
	err := e.repo.WithTx(ctx, func(tx repository.Repository) error {
		warning = ""
		art := &domain.ExecutionArtifact{
			ID:        uuid.New(),
			SessionID: s.ID,
			Step:      step,
			Operation: op.Type,
			FilePath:  op.FilePath,
			NewPath:   op.NewPath,
			CreatedAt: time.Now().UTC(),
		}

		existing, err := tx.GetFileByPath(ctx, s.ProjectID, op.FilePath)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("read %s: %w", op.FilePath, err)
		}
		if existing != nil {
			prev := existing.Content
			art.PreviousContent = &prev
		}

		switch op.Type {
		case domain.OperationCreate, domain.OperationUpdate:
			if op.Content == nil {
				return fmt.Errorf("%s requires content: %w", op.Type, domain.ErrInvalidPayload)
			}
			if op.Type == domain.OperationCreate && existing != nil {
				warning = fmt.Sprintf("File %s already exists; overwriting", op.FilePath)
			}
			if op.Type == domain.OperationUpdate && existing == nil {
				warning = fmt.Sprintf("File %s does not exist; creating it", op.FilePath)
			}
			f := &domain.CodeFile{ProjectID: s.ProjectID, Path: op.FilePath, Content: *op.Content}
			if err := tx.UpsertFile(ctx, f); err != nil {
				return fmt.Errorf("write %s: %w", op.FilePath, err)
			}
			content := *op.Content
			art.NewContent = &content

		case domain.OperationDelete:
			if existing == nil {
				warning = fmt.Sprintf("File %s does not exist; nothing to delete", op.FilePath)
				break
			}
			if err := tx.DeleteFile(ctx, s.ProjectID, op.FilePath); err != nil {
				return fmt.Errorf("delete %s: %w", op.FilePath, err)
			}

		case domain.OperationRename:
			if existing == nil {
				return fmt.Errorf("rename source %s: %w", op.FilePath, domain.ErrNotFound)
			}
			if err := tx.RenameFile(ctx, s.ProjectID, op.FilePath, op.NewPath); err != nil {
				return fmt.Errorf("rename %s to %s: %w", op.FilePath, op.NewPath, err)
			}
			art.NewContent = art.PreviousContent

		default:
			return fmt.Errorf("unknown operation type %q: %w", op.Type, domain.ErrInvalidPayload)
		}

		if err := tx.CreateArtifact(ctx, art); err != nil {
			return fmt.Errorf("record artifact: %w", err)
		}
		return nil
	})
	return warning, err
}

// Limits returns the payload limits Parse enforces.
func (e *Engine) Limits() validator.Limits { return e.limits }

// Note appends a progress log line to a session that has not finished yet.
func (e *Engine) Note(ctx context.Context, s *domain.ExecutionSession, level domain.LogLevel, msg string) error {
	if s.Status.Terminal() {
		return fmt.Errorf("session %s is %s: %w", s.ID, s.Status, domain.ErrConflict)
	}
	return e.appendLog(ctx, s, s.CompletedSteps, level, msg)
}

func (e *Engine) appendLog(ctx context.Context, s *domain.ExecutionSession, step int, level domain.LogLevel, msg string) error {
	l := &domain.ExecutionLog{
		ID:        uuid.New(),
		SessionID: s.ID,
		Step:      step,
		Level:     level,
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.repo.AppendLog(ctx, l); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	e.events.Publish(events.SessionTopic(s.ID), events.TypeLog, *l)
	return nil
}

func (e *Engine) saveSession(ctx context.Context, s *domain.ExecutionSession) error {
	s.UpdatedAt = time.Now().UTC()
	if err := e.repo.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	e.publishSession(s)
	return nil
}

func (e *Engine) publishSession(s *domain.ExecutionSession) {
	e.events.Publish(events.SessionTopic(s.ID), events.TypeSession, *s)
}

func describe(op domain.FileOperation) string {
	if op.Type == domain.OperationRename {
		return fmt.Sprintf("rename %s -> %s", op.FilePath, op.NewPath)
	}
	return string(op.Type) + " " + op.FilePath
}
