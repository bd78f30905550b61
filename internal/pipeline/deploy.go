package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/events"
	"github.com/dshills/codemechanic/internal/export"
	"github.com/dshills/codemechanic/internal/metrics"
)

// Deploy publishes a succeeded build, optionally into an environment, and
// returns the pending deployment.
func (r *Runner) Deploy(ctx context.Context, projectID, buildID uuid.UUID, environmentID *uuid.UUID) (*domain.Deployment, error) {
	if _, err := r.repo.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	build, err := r.repo.GetBuildJob(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("get build job: %w", err)
	}
	if build.ProjectID != projectID {
		return nil, fmt.Errorf("build %s in project %s: %w", buildID, projectID, domain.ErrNotFound)
	}
	if build.Status != domain.BuildStatusSucceeded {
		return nil, fmt.Errorf("build %s is %s, not succeeded: %w", buildID, build.Status, domain.ErrConflict)
	}
	if environmentID != nil {
		env, err := r.repo.GetEnvironment(ctx, *environmentID)
		if err != nil {
			return nil, fmt.Errorf("get environment: %w", err)
		}
		if env.ProjectID != projectID {
			return nil, fmt.Errorf("environment %s in project %s: %w", env.ID, projectID, domain.ErrNotFound)
		}
	}

	now := time.Now().UTC()
	d := &domain.Deployment{
		ID:            uuid.New(),
		ProjectID:     projectID,
		BuildJobID:    buildID,
		EnvironmentID: environmentID,
		Status:        domain.DeploymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	appendLine(&d.Logs, "Deployment queued")
	if err := r.repo.CreateDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	r.publishDeployment(d)

	id := d.ID
	if err := r.pool.Submit("deploy "+id.String(), func(ctx context.Context) error {
		return r.runDeploy(ctx, id)
	}); err != nil {
		r.finishDeploy(ctx, d, domain.DeploymentStatusFailed, "Deployment could not be scheduled: "+err.Error())
		return d, fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	return d, nil
}

// DeploymentURL is the public address of a deployment.
func DeploymentURL(project *domain.Project, deploymentID uuid.UUID, domainName string) string {
	return fmt.Sprintf("https://%s-%s.%s", export.Slug(project.Name), deploymentID.String()[:8], domainName)
}

func (r *Runner) runDeploy(ctx context.Context, id uuid.UUID) error {
	d, err := r.repo.GetDeployment(ctx, id)
	if err != nil {
		return fmt.Errorf("get deployment: %w", err)
	}
	if d.Status != domain.DeploymentStatusPending {
		return nil
	}
	log := r.log.With(zap.String("deployment", id.String()), zap.String("project", d.ProjectID.String()))

	project, err := r.repo.GetProject(ctx, d.ProjectID)
	if err != nil {
		return r.failDeploy(ctx, d, fmt.Errorf("get project: %w", err))
	}
	build, err := r.repo.GetBuildJob(ctx, d.BuildJobID)
	if err != nil {
		return r.failDeploy(ctx, d, fmt.Errorf("get build job: %w", err))
	}

	envName := "production"
	var vars int
	if d.EnvironmentID != nil {
		env, err := r.repo.GetEnvironment(ctx, *d.EnvironmentID)
		if err != nil {
			return r.failDeploy(ctx, d, fmt.Errorf("get environment: %w", err))
		}
		envName, vars = env.Name, len(env.Variables)
	}

	if err := sleep(ctx, r.delay); err != nil {
		return r.failDeploy(ctx, d, err)
	}
	d.Status = domain.DeploymentStatusDeploying
	appendLine(&d.Logs, fmt.Sprintf("Provisioning %s environment", envName))
	if err := r.saveDeployment(ctx, d); err != nil {
		return r.failDeploy(ctx, d, err)
	}

	if err := sleep(ctx, r.delay); err != nil {
		return r.failDeploy(ctx, d, err)
	}
	data, err := r.store.Get(ctx, build.ArtifactKey)
	if errors.Is(err, domain.ErrNotFound) {
		return r.failDeploy(ctx, d, fmt.Errorf("build artifact %s is missing: %w", build.ArtifactKey, err))
	}
	if err != nil {
		return r.failDeploy(ctx, d, fmt.Errorf("fetch artifact: %w", err))
	}
	appendLine(&d.Logs, fmt.Sprintf("Uploading %d bytes from build %s", len(data), build.ID.String()[:8]))
	if err := r.saveDeployment(ctx, d); err != nil {
		return r.failDeploy(ctx, d, err)
	}

	if err := sleep(ctx, r.delay); err != nil {
		return r.failDeploy(ctx, d, err)
	}
	appendLine(&d.Logs, fmt.Sprintf("Configuring %d environment variables", vars))

	d.URL = DeploymentURL(project, d.ID, r.deployDomain)
	r.finishDeploy(ctx, d, domain.DeploymentStatusLive, "Deployment live at "+d.URL)
	log.Info("deployment live", zap.String("url", d.URL))
	return nil
}

func (r *Runner) failDeploy(ctx context.Context, d *domain.Deployment, err error) error {
	msg := "Deployment failed: " + err.Error()
	if cancelled(err) {
		msg = "Deployment cancelled"
	}
	r.finishDeploy(ctx, d, domain.DeploymentStatusFailed, msg)
	return err
}

func (r *Runner) finishDeploy(ctx context.Context, d *domain.Deployment, status domain.DeploymentStatus, msg string) {
	ctx = context.WithoutCancel(ctx)
	d.Status = status
	appendLine(&d.Logs, msg)
	if err := r.saveDeployment(ctx, d); err != nil {
		r.log.Error("save deployment", zap.String("deployment", d.ID.String()), zap.Error(err))
	}
	metrics.PipelineJobs.WithLabelValues(kindDeploy, string(status)).Inc()
}

func (r *Runner) saveDeployment(ctx context.Context, d *domain.Deployment) error {
	d.UpdatedAt = time.Now().UTC()
	if err := r.repo.UpdateDeployment(ctx, d); err != nil {
		return fmt.Errorf("save deployment: %w", err)
	}
	r.publishDeployment(d)
	return nil
}

func (r *Runner) publishDeployment(d *domain.Deployment) {
	r.events.Publish(events.DeploymentTopic(d.ID), events.TypeDeployment, *d)
}
