package sqlstore

import (
	"context"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/google/uuid"
)

const projectColumns = `id, name, description, framework, status, created_at, updated_at`

func (s *Store) CreateProject(ctx context.Context, p *domain.Project) error {
	if p.Status == "" {
		p.Status = domain.ProjectStatusActive
	}
	_, err := s.exec(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Name, p.Description, p.Framework, string(p.Status),
		fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	return err
}

func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	row := s.queryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id.String())
	p, err := scanProject(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	rows, err := s.query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) UpdateProject(ctx context.Context, p *domain.Project) error {
	return s.execOne(ctx,
		`UPDATE projects SET name = ?, description = ?, framework = ?, status = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Description, p.Framework, string(p.Status), fmtTime(p.UpdatedAt), p.ID.String())
}

// projectChildren lists dependent tables in foreign-key order.
var projectChildren = []string{
	`DELETE FROM execution_artifacts WHERE session_id IN (SELECT id FROM execution_sessions WHERE project_id = ?)`,
	`DELETE FROM execution_logs WHERE session_id IN (SELECT id FROM execution_sessions WHERE project_id = ?)`,
	`DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE project_id = ?)`,
	`DELETE FROM execution_sessions WHERE project_id = ?`,
	`DELETE FROM conversations WHERE project_id = ?`,
	`DELETE FROM deployments WHERE project_id = ?`,
	`DELETE FROM build_jobs WHERE project_id = ?`,
	`DELETE FROM environments WHERE project_id = ?`,
	`DELETE FROM code_files WHERE project_id = ?`,
	`DELETE FROM usage_records WHERE project_id = ?`,
}

func (s *Store) DeleteProject(ctx context.Context, id uuid.UUID) error {
	idStr := id.String()
	return s.inTx(ctx, func(tx *Store) error {
		for _, q := range projectChildren {
			if _, err := tx.exec(ctx, q, idStr); err != nil {
				return err
			}
		}
		return tx.execOne(ctx, `DELETE FROM projects WHERE id = ?`, idStr)
	})
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var (
		p                    domain.Project
		id, status           string
		createdAt, updatedAt string
	)
	if err := row.Scan(&id, &p.Name, &p.Description, &p.Framework, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	p.Status = domain.ProjectStatus(status)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
