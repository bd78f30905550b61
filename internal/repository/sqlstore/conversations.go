package sqlstore

import (
	"context"
	"database/sql"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/google/uuid"
)

const conversationColumns = `id, project_id, title, created_at, updated_at`

const messageColumns = `id, conversation_id, role, content, model, input_tokens, output_tokens, session_id, created_at`

func (s *Store) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	_, err := s.exec(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?)`,
		c.ID.String(), c.ProjectID.String(), c.Title, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	return err
}

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	row := s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id.String())
	c, err := scanConversation(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, projectID uuid.UUID) ([]*domain.Conversation, error) {
	rows, err := s.query(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE project_id = ? ORDER BY updated_at DESC`,
		projectID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *Store) UpdateConversation(ctx context.Context, c *domain.Conversation) error {
	return s.execOne(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		c.Title, fmtTime(c.UpdatedAt), c.ID.String())
}

// DeleteConversation removes the conversation and its messages. Execution
// sessions started from it are kept and detached.
func (s *Store) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	idStr := id.String()
	return s.inTx(ctx, func(tx *Store) error {
		if _, err := tx.exec(ctx, `UPDATE execution_sessions SET conversation_id = NULL WHERE conversation_id = ?`, idStr); err != nil {
			return err
		}
		if _, err := tx.exec(ctx, `DELETE FROM messages WHERE conversation_id = ?`, idStr); err != nil {
			return err
		}
		return tx.execOne(ctx, `DELETE FROM conversations WHERE id = ?`, idStr)
	})
}

func (s *Store) CreateMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.exec(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.ConversationID.String(), string(m.Role), m.Content, m.Model,
		m.InputTokens, m.OutputTokens, nullUUID(m.SessionID), fmtTime(m.CreatedAt))
	return err
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*domain.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY created_at, id`
	if limit > 0 {
		q = `SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC` + limitClause(limit) + `
		) AS recent ORDER BY created_at, id`
	}
	rows, err := s.query(ctx, q, conversationID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var (
		c                    domain.Conversation
		id, projectID        string
		createdAt, updatedAt string
	)
	if err := row.Scan(&id, &projectID, &c.Title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if c.ProjectID, err = uuid.Parse(projectID); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		m                domain.Message
		id, convID, role string
		sessionID        sql.NullString
		createdAt        string
	)
	if err := row.Scan(&id, &convID, &role, &m.Content, &m.Model, &m.InputTokens, &m.OutputTokens, &sessionID, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if m.ConversationID, err = uuid.Parse(convID); err != nil {
		return nil, err
	}
	m.Role = domain.MessageRole(role)
	if m.SessionID, err = parseNullUUID(sessionID); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func parseNullUUID(ns sql.NullString) (*uuid.UUID, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
