package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/google/uuid"
)

// Build jobs

const buildColumns = `id, project_id, status, logs, artifact_key, file_count, started_at, finished_at, created_at`

func (s *Store) CreateBuildJob(ctx context.Context, j *domain.BuildJob) error {
	_, err := s.exec(ctx,
		`INSERT INTO build_jobs (`+buildColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.ProjectID.String(), string(j.Status), j.Logs, j.ArtifactKey, j.FileCount,
		fmtNullTime(j.StartedAt), fmtNullTime(j.FinishedAt), fmtTime(j.CreatedAt))
	return err
}

func (s *Store) GetBuildJob(ctx context.Context, id uuid.UUID) (*domain.BuildJob, error) {
	row := s.queryRow(ctx, `SELECT `+buildColumns+` FROM build_jobs WHERE id = ?`, id.String())
	j, err := scanBuildJob(row)
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

func (s *Store) ListBuildJobs(ctx context.Context, projectID uuid.UUID, limit int) ([]*domain.BuildJob, error) {
	rows, err := s.query(ctx,
		`SELECT `+buildColumns+` FROM build_jobs WHERE project_id = ? ORDER BY created_at DESC`+limitClause(limit),
		projectID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.BuildJob
	for rows.Next() {
		j, err := scanBuildJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) UpdateBuildJob(ctx context.Context, j *domain.BuildJob) error {
	return s.execOne(ctx,
		`UPDATE build_jobs SET status = ?, logs = ?, artifact_key = ?, file_count = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		string(j.Status), j.Logs, j.ArtifactKey, j.FileCount,
		fmtNullTime(j.StartedAt), fmtNullTime(j.FinishedAt), j.ID.String())
}

func scanBuildJob(row rowScanner) (*domain.BuildJob, error) {
	var (
		j                     domain.BuildJob
		id, projectID, status string
		startedAt, finishedAt sql.NullString
		createdAt             string
	)
	if err := row.Scan(&id, &projectID, &status, &j.Logs, &j.ArtifactKey, &j.FileCount, &startedAt, &finishedAt, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if j.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if j.ProjectID, err = uuid.Parse(projectID); err != nil {
		return nil, err
	}
	j.Status = domain.BuildStatus(status)
	if j.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// Deployments

const deploymentColumns = `id, project_id, build_job_id, environment_id, status, url, logs, created_at, updated_at`

func (s *Store) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	_, err := s.exec(ctx,
		`INSERT INTO deployments (`+deploymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.ProjectID.String(), d.BuildJobID.String(), nullUUID(d.EnvironmentID),
		string(d.Status), d.URL, d.Logs, fmtTime(d.CreatedAt), fmtTime(d.UpdatedAt))
	return err
}

func (s *Store) GetDeployment(ctx context.Context, id uuid.UUID) (*domain.Deployment, error) {
	row := s.queryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id.String())
	d, err := scanDeployment(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (s *Store) ListDeployments(ctx context.Context, projectID uuid.UUID) ([]*domain.Deployment, error) {
	rows, err := s.query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE project_id = ? ORDER BY created_at DESC`,
		projectID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []*domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func (s *Store) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	return s.execOne(ctx,
		`UPDATE deployments SET status = ?, url = ?, logs = ?, updated_at = ? WHERE id = ?`,
		string(d.Status), d.URL, d.Logs, fmtTime(d.UpdatedAt), d.ID.String())
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var (
		d                            domain.Deployment
		id, projectID, buildID       string
		envID                        sql.NullString
		status, createdAt, updatedAt string
	)
	if err := row.Scan(&id, &projectID, &buildID, &envID, &status, &d.URL, &d.Logs, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if d.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if d.ProjectID, err = uuid.Parse(projectID); err != nil {
		return nil, err
	}
	if d.BuildJobID, err = uuid.Parse(buildID); err != nil {
		return nil, err
	}
	if d.EnvironmentID, err = parseNullUUID(envID); err != nil {
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// Environments

const environmentColumns = `id, project_id, name, variables, created_at, updated_at`

func (s *Store) CreateEnvironment(ctx context.Context, e *domain.Environment) error {
	vars, err := marshalVariables(e.Variables)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO environments (`+environmentColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.ProjectID.String(), e.Name, vars, fmtTime(e.CreatedAt), fmtTime(e.UpdatedAt))
	return err
}

func (s *Store) GetEnvironment(ctx context.Context, id uuid.UUID) (*domain.Environment, error) {
	row := s.queryRow(ctx, `SELECT `+environmentColumns+` FROM environments WHERE id = ?`, id.String())
	e, err := scanEnvironment(row)
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (s *Store) ListEnvironments(ctx context.Context, projectID uuid.UUID) ([]*domain.Environment, error) {
	rows, err := s.query(ctx,
		`SELECT `+environmentColumns+` FROM environments WHERE project_id = ? ORDER BY name`,
		projectID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*domain.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	return envs, rows.Err()
}

func (s *Store) UpdateEnvironment(ctx context.Context, e *domain.Environment) error {
	vars, err := marshalVariables(e.Variables)
	if err != nil {
		return err
	}
	return s.execOne(ctx,
		`UPDATE environments SET name = ?, variables = ?, updated_at = ? WHERE id = ?`,
		e.Name, vars, fmtTime(e.UpdatedAt), e.ID.String())
}

// DeleteEnvironment removes the environment; deployments that used it keep
// their history with no environment.
func (s *Store) DeleteEnvironment(ctx context.Context, id uuid.UUID) error {
	idStr := id.String()
	return s.inTx(ctx, func(tx *Store) error {
		if _, err := tx.exec(ctx, `UPDATE deployments SET environment_id = NULL WHERE environment_id = ?`, idStr); err != nil {
			return err
		}
		return tx.execOne(ctx, `DELETE FROM environments WHERE id = ?`, idStr)
	})
}

func marshalVariables(v map[string]string) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func scanEnvironment(row rowScanner) (*domain.Environment, error) {
	var (
		e                    domain.Environment
		id, projectID, vars  string
		createdAt, updatedAt string
	)
	if err := row.Scan(&id, &projectID, &e.Name, &vars, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if e.ProjectID, err = uuid.Parse(projectID); err != nil {
		return nil, err
	}
	e.Variables = map[string]string{}
	if err := json.Unmarshal([]byte(vars), &e.Variables); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
