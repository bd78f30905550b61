package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/google/uuid"
)

const usageColumns = `id, project_id, provider, model, input_tokens, output_tokens, cost_usd, purpose, created_at`

func (s *Store) CreateUsageRecord(ctx context.Context, r *domain.UsageRecord) error {
	_, err := s.exec(ctx,
		`INSERT INTO usage_records (`+usageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), nullUUID(r.ProjectID), r.Provider, r.Model, r.InputTokens, r.OutputTokens,
		r.CostUSD, r.Purpose, fmtTime(r.CreatedAt))
	return err
}

func (s *Store) ListUsageRecords(ctx context.Context, projectID *uuid.UUID, since time.Time) ([]*domain.UsageRecord, error) {
	q := `SELECT ` + usageColumns + ` FROM usage_records WHERE created_at >= ?`
	args := []any{fmtTime(since)}
	if projectID != nil {
		q += ` AND project_id = ?`
		args = append(args, projectID.String())
	}
	q += ` ORDER BY created_at`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.UsageRecord
	for rows.Next() {
		var (
			r           domain.UsageRecord
			id, created string
			project     sql.NullString
		)
		if err := rows.Scan(&id, &project, &r.Provider, &r.Model, &r.InputTokens, &r.OutputTokens,
			&r.CostUSD, &r.Purpose, &created); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if r.ProjectID, err = parseNullUUID(project); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}
