package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const sessionColumns = `id, project_id, conversation_id, prompt, status, total_steps, completed_steps, explanation, error, created_at, updated_at, completed_at`

func (s *Store) CreateSession(ctx context.Context, es *domain.ExecutionSession) error {
	_, err := s.exec(ctx,
		`INSERT INTO execution_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		es.ID.String(), es.ProjectID.String(), nullUUID(es.ConversationID), es.Prompt, string(es.Status),
		es.TotalSteps, es.CompletedSteps, es.Explanation, es.Error,
		fmtTime(es.CreatedAt), fmtTime(es.UpdatedAt), fmtNullTime(es.CompletedAt))
	return err
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*domain.ExecutionSession, error) {
	row := s.queryRow(ctx, `SELECT `+sessionColumns+` FROM execution_sessions WHERE id = ?`, id.String())
	es, err := scanSession(row)
	if err != nil {
		return nil, notFound(err)
	}
	return es, nil
}

func (s *Store) ListSessions(ctx context.Context, projectID uuid.UUID, limit int) ([]*domain.ExecutionSession, error) {
	rows, err := s.query(ctx,
		`SELECT `+sessionColumns+` FROM execution_sessions WHERE project_id = ? ORDER BY created_at DESC`+limitClause(limit),
		projectID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.ExecutionSession
	for rows.Next() {
		es, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, es)
	}
	return sessions, rows.Err()
}

func (s *Store) UpdateSession(ctx context.Context, es *domain.ExecutionSession) error {
	return s.execOne(ctx,
		`UPDATE execution_sessions SET status = ?, total_steps = ?, completed_steps = ?, explanation = ?, error = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		string(es.Status), es.TotalSteps, es.CompletedSteps, es.Explanation, es.Error,
		fmtTime(es.UpdatedAt), fmtNullTime(es.CompletedAt), es.ID.String())
}

func scanSession(row rowScanner) (*domain.ExecutionSession, error) {
	var (
		es                   domain.ExecutionSession
		id, projectID        string
		convID, completedAt  sql.NullString
		status               string
		createdAt, updatedAt string
	)
	if err := row.Scan(&id, &projectID, &convID, &es.Prompt, &status, &es.TotalSteps, &es.CompletedSteps,
		&es.Explanation, &es.Error, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	var err error
	if es.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if es.ProjectID, err = uuid.Parse(projectID); err != nil {
		return nil, err
	}
	if es.ConversationID, err = parseNullUUID(convID); err != nil {
		return nil, err
	}
	es.Status = domain.SessionStatus(status)
	if es.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if es.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if es.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &es, nil
}

// Logs

const logColumns = `id, session_id, seq, step, level, message, created_at`

// appendLogAttempts bounds retries when two writers pick the same seq.
const appendLogAttempts = 10

// AppendLog assigns the next Seq for the session when l.Seq is zero. SQLite
// serializes the read and insert with its immediate write lock; on Postgres two
// writers can both read the same MAX(seq), so the loser of the UNIQUE(session_id,
// seq) check retries in a fresh transaction. Inside WithTx the error is returned
// as is because the enclosing transaction is already aborted.
func (s *Store) AppendLog(ctx context.Context, l *domain.ExecutionLog) error {
	assign := l.Seq == 0
	for attempt := 1; ; attempt++ {
		err := s.inTx(ctx, func(tx *Store) error {
			if assign {
				var maxSeq sql.NullInt64
				err := tx.queryRow(ctx,
					`SELECT MAX(seq) FROM execution_logs WHERE session_id = ?`, l.SessionID.String()).Scan(&maxSeq)
				if err != nil {
					return err
				}
				l.Seq = int(maxSeq.Int64) + 1
			}
			_, err := tx.exec(ctx,
				`INSERT INTO execution_logs (`+logColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				l.ID.String(), l.SessionID.String(), l.Seq, l.Step, string(l.Level), l.Message, fmtTime(l.CreatedAt))
			return err
		})
		if err == nil || !assign || s.db == nil || attempt == appendLogAttempts || !isUniqueViolation(err) {
			return err
		}
	}
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) ListLogs(ctx context.Context, sessionID uuid.UUID, afterSeq int) ([]*domain.ExecutionLog, error) {
	rows, err := s.query(ctx,
		`SELECT `+logColumns+` FROM execution_logs WHERE session_id = ? AND seq > ? ORDER BY seq`,
		sessionID.String(), afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.ExecutionLog
	for rows.Next() {
		var (
			l                       domain.ExecutionLog
			id, sid, level, created string
		)
		if err := rows.Scan(&id, &sid, &l.Seq, &l.Step, &level, &l.Message, &created); err != nil {
			return nil, err
		}
		if l.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if l.SessionID, err = uuid.Parse(sid); err != nil {
			return nil, err
		}
		l.Level = domain.LogLevel(level)
		if l.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// Artifacts

const artifactColumns = `id, session_id, step, operation, file_path, new_path, previous_content, new_content, created_at`

func (s *Store) CreateArtifact(ctx context.Context, a *domain.ExecutionArtifact) error {
	_, err := s.exec(ctx,
		`INSERT INTO execution_artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.SessionID.String(), a.Step, string(a.Operation), a.FilePath, a.NewPath,
		nullString(a.PreviousContent), nullString(a.NewContent), fmtTime(a.CreatedAt))
	return err
}

func (s *Store) ListArtifacts(ctx context.Context, sessionID uuid.UUID) ([]*domain.ExecutionArtifact, error) {
	rows, err := s.query(ctx,
		`SELECT `+artifactColumns+` FROM execution_artifacts WHERE session_id = ? ORDER BY step, created_at`,
		sessionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var arts []*domain.ExecutionArtifact
	for rows.Next() {
		var (
			a                    domain.ExecutionArtifact
			id, sid, op, created string
			prevContent, newCont sql.NullString
		)
		if err := rows.Scan(&id, &sid, &a.Step, &op, &a.FilePath, &a.NewPath, &prevContent, &newCont, &created); err != nil {
			return nil, err
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if a.SessionID, err = uuid.Parse(sid); err != nil {
			return nil, err
		}
		a.Operation = domain.OperationType(op)
		a.PreviousContent = stringPtr(prevContent)
		a.NewContent = stringPtr(newCont)
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		arts = append(arts, &a)
	}
	return arts, rows.Err()
}
