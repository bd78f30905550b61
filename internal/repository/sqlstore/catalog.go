package sqlstore

import (
	"context"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/google/uuid"
)

// AI models

const modelColumns = `id, provider, model, display_name, enabled, input_cost_per_1k, output_cost_per_1k`

// UpsertAIModel inserts or updates the catalog entry keyed by (provider, model).
// The stored ID is written back to m.
func (s *Store) UpsertAIModel(ctx context.Context, m *domain.AIModel) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	row := s.queryRow(ctx, `
		INSERT INTO ai_models (`+modelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, model) DO UPDATE SET
			display_name = excluded.display_name,
			enabled = excluded.enabled,
			input_cost_per_1k = excluded.input_cost_per_1k,
			output_cost_per_1k = excluded.output_cost_per_1k
		RETURNING id`,
		m.ID.String(), m.Provider, m.Model, m.DisplayName, m.Enabled, m.InputCostPer1K, m.OutputCostPer1K)
	var id string
	if err := row.Scan(&id); err != nil {
		return err
	}
	var err error
	m.ID, err = uuid.Parse(id)
	return err
}

func (s *Store) GetAIModel(ctx context.Context, provider, model string) (*domain.AIModel, error) {
	row := s.queryRow(ctx,
		`SELECT `+modelColumns+` FROM ai_models WHERE provider = ? AND model = ?`, provider, model)
	m, err := scanAIModel(row)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *Store) ListAIModels(ctx context.Context) ([]*domain.AIModel, error) {
	rows, err := s.query(ctx, `SELECT `+modelColumns+` FROM ai_models ORDER BY provider, model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*domain.AIModel
	for rows.Next() {
		m, err := scanAIModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func scanAIModel(row rowScanner) (*domain.AIModel, error) {
	var (
		m  domain.AIModel
		id string
	)
	if err := row.Scan(&id, &m.Provider, &m.Model, &m.DisplayName, &m.Enabled, &m.InputCostPer1K, &m.OutputCostPer1K); err != nil {
		return nil, err
	}
	var err error
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	return &m, nil
}

// System prompts

const promptColumns = `id, name, content, is_default, created_at, updated_at`

func (s *Store) CreateSystemPrompt(ctx context.Context, p *domain.SystemPrompt) error {
	return s.inTx(ctx, func(tx *Store) error {
		if p.IsDefault {
			if err := tx.clearDefaultPrompt(ctx, p.ID); err != nil {
				return err
			}
		}
		_, err := tx.exec(ctx,
			`INSERT INTO system_prompts (`+promptColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID.String(), p.Name, p.Content, p.IsDefault, fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
		return err
	})
}

func (s *Store) GetSystemPrompt(ctx context.Context, id uuid.UUID) (*domain.SystemPrompt, error) {
	row := s.queryRow(ctx, `SELECT `+promptColumns+` FROM system_prompts WHERE id = ?`, id.String())
	p, err := scanSystemPrompt(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *Store) GetDefaultSystemPrompt(ctx context.Context) (*domain.SystemPrompt, error) {
	row := s.queryRow(ctx,
		`SELECT `+promptColumns+` FROM system_prompts WHERE is_default = ? ORDER BY updated_at DESC LIMIT 1`, true)
	p, err := scanSystemPrompt(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *Store) ListSystemPrompts(ctx context.Context) ([]*domain.SystemPrompt, error) {
	rows, err := s.query(ctx, `SELECT `+promptColumns+` FROM system_prompts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prompts []*domain.SystemPrompt
	for rows.Next() {
		p, err := scanSystemPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

func (s *Store) UpdateSystemPrompt(ctx context.Context, p *domain.SystemPrompt) error {
	return s.inTx(ctx, func(tx *Store) error {
		if p.IsDefault {
			if err := tx.clearDefaultPrompt(ctx, p.ID); err != nil {
				return err
			}
		}
		return tx.execOne(ctx,
			`UPDATE system_prompts SET name = ?, content = ?, is_default = ?, updated_at = ? WHERE id = ?`,
			p.Name, p.Content, p.IsDefault, fmtTime(p.UpdatedAt), p.ID.String())
	})
}

func (s *Store) DeleteSystemPrompt(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, `DELETE FROM system_prompts WHERE id = ?`, id.String())
}

func (s *Store) clearDefaultPrompt(ctx context.Context, except uuid.UUID) error {
	_, err := s.exec(ctx, `UPDATE system_prompts SET is_default = ? WHERE id <> ?`, false, except.String())
	return err
}

func scanSystemPrompt(row rowScanner) (*domain.SystemPrompt, error) {
	var (
		p                    domain.SystemPrompt
		id                   string
		createdAt, updatedAt string
	)
	if err := row.Scan(&id, &p.Name, &p.Content, &p.IsDefault, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
