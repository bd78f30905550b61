package executor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dshills/codemechanic/internal/domain"
)

// Plan actions.
const (
	ActionCreate    = "create"
	ActionOverwrite = "overwrite"
	ActionUpdate    = "update"
	ActionDelete    = "delete"
	ActionSkip      = "skip"
	ActionRename    = "rename"
	ActionFail      = "fail"
)

// PlanStep previews one operation.
type PlanStep struct {
	Step     int                  `json:"step"`
	Type     domain.OperationType `json:"type"`
	FilePath string               `json:"file_path"`
	NewPath  string               `json:"new_path,omitempty"`
	Action   string               `json:"action"`
	Exists   bool                 `json:"exists"`
	Delta    int                  `json:"byte_delta"`
	Warning  string               `json:"warning,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Plan is the outcome of DryRun.
type Plan struct {
	ProjectID uuid.UUID  `json:"project_id"`
	Steps     []PlanStep `json:"steps"`
	// OK is false when Apply would stop at a failing step.
	OK        bool `json:"ok"`
	FailsAt   int  `json:"fails_at,omitempty"`
	Created   int  `json:"created"`
	Modified  int  `json:"modified"`
	Deleted   int  `json:"deleted"`
	Renamed   int  `json:"renamed"`
	ByteDelta int  `json:"byte_delta"`
}

// DryRun previews payload against the project's current files without
// writing anything. Later steps see the effect of earlier ones.
func (e *Engine) DryRun(ctx context.Context, projectID uuid.UUID, payload *domain.OperationPayload) (*Plan, error) {
	if payload == nil {
		return nil, &PayloadError{Reason: "no operations"}
	}
	if _, err := e.repo.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	files, err := e.repo.ListFiles(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	fs := make(map[string]int, len(files)) // path -> size
	for _, f := range files {
		fs[f.Path] = len(f.Content)
	}

	plan := &Plan{ProjectID: projectID, OK: true, Steps: make([]PlanStep, 0, len(payload.Operations))}
	for i, op := range payload.Operations {
		ps := PlanStep{Step: i + 1, Type: op.Type, FilePath: op.FilePath, NewPath: op.NewPath}
		size, exists := fs[op.FilePath]
		ps.Exists = exists

		switch op.Type {
		case domain.OperationCreate, domain.OperationUpdate:
			newSize := 0
			if op.Content != nil {
				newSize = len(*op.Content)
			}
			switch {
			case !exists:
				ps.Action = ActionCreate
				if op.Type == domain.OperationUpdate {
					ps.Warning = "file does not exist; it will be created"
				}
				plan.Created++
			case op.Type == domain.OperationCreate:
				ps.Action = ActionOverwrite
				ps.Warning = "file already exists; it will be overwritten"
				plan.Modified++
			default:
				ps.Action = ActionUpdate
				plan.Modified++
			}
			ps.Delta = newSize - size
			fs[op.FilePath] = newSize

		case domain.OperationDelete:
			if !exists {
				ps.Action = ActionSkip
				ps.Warning = "file does not exist; nothing to delete"
				break
			}
			ps.Action = ActionDelete
			ps.Delta = -size
			delete(fs, op.FilePath)
			plan.Deleted++

		case domain.OperationRename:
			_, destExists := fs[op.NewPath]
			switch {
			case !exists:
				ps.Action = ActionFail
				ps.Error = "source file does not exist"
			case destExists:
				ps.Action = ActionFail
				ps.Error = "destination already exists"
			default:
				ps.Action = ActionRename
				delete(fs, op.FilePath)
				fs[op.NewPath] = size
				plan.Renamed++
			}

		default:
			ps.Action = ActionFail
			ps.Error = fmt.Sprintf("unknown operation type %q", op.Type)
		}

		plan.ByteDelta += ps.Delta
		plan.Steps = append(plan.Steps, ps)
		if ps.Error != "" {
			plan.OK = false
			plan.FailsAt = ps.Step
			break
		}
	}
	return plan, nil
}
