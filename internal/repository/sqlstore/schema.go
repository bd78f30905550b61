package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	framework TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS code_files (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	path TEXT NOT NULL,
	content TEXT NOT NULL,
	language TEXT NOT NULL DEFAULT 'plaintext',
	size INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(project_id, path)
);
CREATE INDEX IF NOT EXISTS idx_code_files_project ON code_files(project_id);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	title TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project_id);

CREATE TABLE IF NOT EXISTS execution_sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	conversation_id TEXT REFERENCES conversations(id),
	prompt TEXT NOT NULL,
	status TEXT NOT NULL,
	total_steps INTEGER NOT NULL DEFAULT 0,
	completed_steps INTEGER NOT NULL DEFAULT 0,
	explanation TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_execution_sessions_project ON execution_sessions(project_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	session_id TEXT REFERENCES execution_sessions(id),
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS execution_logs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES execution_sessions(id),
	seq INTEGER NOT NULL,
	step INTEGER NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(session_id, seq)
);

CREATE TABLE IF NOT EXISTS execution_artifacts (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES execution_sessions(id),
	step INTEGER NOT NULL,
	operation TEXT NOT NULL,
	file_path TEXT NOT NULL,
	new_path TEXT NOT NULL DEFAULT '',
	previous_content TEXT,
	new_content TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_artifacts_session ON execution_artifacts(session_id);

CREATE TABLE IF NOT EXISTS build_jobs (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	status TEXT NOT NULL,
	logs TEXT NOT NULL DEFAULT '',
	artifact_key TEXT NOT NULL DEFAULT '',
	file_count INTEGER NOT NULL DEFAULT 0,
	started_at TEXT,
	finished_at TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_build_jobs_project ON build_jobs(project_id);

CREATE TABLE IF NOT EXISTS environments (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	name TEXT NOT NULL,
	variables TEXT NOT NULL DEFAULT '{}', -- JSON object
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(project_id, name)
);

CREATE TABLE IF NOT EXISTS deployments (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	build_job_id TEXT NOT NULL REFERENCES build_jobs(id),
	environment_id TEXT REFERENCES environments(id),
	status TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	logs TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deployments_project ON deployments(project_id);

CREATE TABLE IF NOT EXISTS ai_models (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	display_name TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	input_cost_per_1k {{FLOAT}} NOT NULL DEFAULT 0,
	output_cost_per_1k {{FLOAT}} NOT NULL DEFAULT 0,
	UNIQUE(provider, model)
);

CREATE TABLE IF NOT EXISTS system_prompts (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	content TEXT NOT NULL,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	project_id TEXT,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd {{FLOAT}} NOT NULL DEFAULT 0,
	purpose TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_created ON usage_records(created_at);
`

// Migrate creates all tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	floatType := "REAL"
	if s.dialect == DialectPostgres {
		floatType = "DOUBLE PRECISION"
	}
	ddl := strings.ReplaceAll(schema, "{{FLOAT}}", floatType)

	// One statement per Exec; pgx rejects multi-statement strings.
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
