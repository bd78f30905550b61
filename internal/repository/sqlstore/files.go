package sqlstore

import (
	"context"
	"time"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/google/uuid"
)

const fileColumns = `id, project_id, path, content, language, size, version, created_at, updated_at`

func (s *Store) UpsertFile(ctx context.Context, f *domain.CodeFile) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if f.Language == "" {
		f.Language = domain.LanguageForPath(f.Path)
	}
	f.Size = len(f.Content)

	row := s.queryRow(ctx, `
		INSERT INTO code_files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (project_id, path) DO UPDATE SET
			content = excluded.content,
			language = excluded.language,
			size = excluded.size,
			version = code_files.version + 1,
			updated_at = excluded.updated_at
		RETURNING id, version, created_at`,
		f.ID.String(), f.ProjectID.String(), f.Path, f.Content, f.Language, f.Size,
		fmtTime(f.CreatedAt), fmtTime(f.UpdatedAt))

	var id, createdAt string
	if err := row.Scan(&id, &f.Version, &createdAt); err != nil {
		return err
	}
	var err error
	if f.ID, err = uuid.Parse(id); err != nil {
		return err
	}
	f.CreatedAt, err = parseTime(createdAt)
	return err
}

func (s *Store) GetFile(ctx context.Context, id uuid.UUID) (*domain.CodeFile, error) {
	row := s.queryRow(ctx, `SELECT `+fileColumns+` FROM code_files WHERE id = ?`, id.String())
	f, err := scanFile(row)
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

func (s *Store) GetFileByPath(ctx context.Context, projectID uuid.UUID, path string) (*domain.CodeFile, error) {
	row := s.queryRow(ctx,
		`SELECT `+fileColumns+` FROM code_files WHERE project_id = ? AND path = ?`,
		projectID.String(), path)
	f, err := scanFile(row)
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

func (s *Store) ListFiles(ctx context.Context, projectID uuid.UUID) ([]*domain.CodeFile, error) {
	rows, err := s.query(ctx,
		`SELECT `+fileColumns+` FROM code_files WHERE project_id = ? ORDER BY path`,
		projectID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*domain.CodeFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *Store) DeleteFile(ctx context.Context, projectID uuid.UUID, path string) error {
	return s.execOne(ctx, `DELETE FROM code_files WHERE project_id = ? AND path = ?`, projectID.String(), path)
}

func (s *Store) RenameFile(ctx context.Context, projectID uuid.UUID, oldPath, newPath string) error {
	return s.inTx(ctx, func(tx *Store) error {
		var n int
		err := tx.queryRow(ctx,
			`SELECT COUNT(*) FROM code_files WHERE project_id = ? AND path = ?`,
			projectID.String(), newPath).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrConflict
		}
		return tx.execOne(ctx,
			`UPDATE code_files SET path = ?, language = ?, version = version + 1, updated_at = ?
			 WHERE project_id = ? AND path = ?`,
			newPath, domain.LanguageForPath(newPath), fmtTime(time.Now()),
			projectID.String(), oldPath)
	})
}

func scanFile(row rowScanner) (*domain.CodeFile, error) {
	var (
		f                    domain.CodeFile
		id, projectID        string
		createdAt, updatedAt string
	)
	if err := row.Scan(&id, &projectID, &f.Path, &f.Content, &f.Language, &f.Size, &f.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if f.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if f.ProjectID, err = uuid.Parse(projectID); err != nil {
		return nil, err
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}
