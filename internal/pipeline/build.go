package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/codemechanic/internal/artifacts"
	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/events"
	"github.com/dshills/codemechanic/internal/export"
	"github.com/dshills/codemechanic/internal/metrics"
)

// StartBuild queues a build of the project's current files and returns the
// pending job.
func (r *Runner) StartBuild(ctx context.Context, projectID uuid.UUID) (*domain.BuildJob, error) {
	if _, err := r.repo.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	job := &domain.BuildJob{
		ID:        uuid.New(),
		ProjectID: projectID,
		Status:    domain.BuildStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	appendLine(&job.Logs, "Build queued")
	if err := r.repo.CreateBuildJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create build job: %w", err)
	}
	r.publishBuild(job)

	id := job.ID
	if err := r.pool.Submit("build "+id.String(), func(ctx context.Context) error {
		return r.runBuild(ctx, id)
	}); err != nil {
		r.finishBuild(ctx, job, domain.BuildStatusFailed, "Build could not be scheduled: "+err.Error())
		return job, fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	return job, nil
}

// CancelBuild stops a pending or running build. A running build is
// cancelled by its worker, so the returned job may still read running.
func (r *Runner) CancelBuild(ctx context.Context, id uuid.UUID) (*domain.BuildJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.repo.GetBuildJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get build job: %w", err)
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("build %s is %s: %w", id, job.Status, domain.ErrConflict)
	}
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		return job, nil
	}
	// Not picked up by a worker yet.
	r.finishBuild(ctx, job, domain.BuildStatusCancelled, "Build cancelled")
	return job, nil
}

var buildStages = []string{
	"Installing dependencies",
	"Compiling %d files",
	"Bundling",
	"Uploading artifact",
}

func (r *Runner) runBuild(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var job *domain.BuildJob
	ok, err := r.track(id, cancel, func() (bool, error) {
		var err error
		job, err = r.repo.GetBuildJob(ctx, id)
		if err != nil {
			return false, fmt.Errorf("get build job: %w", err)
		}
		return !job.Status.Terminal(), nil
	})
	if err != nil || !ok {
		return err
	}
	defer r.untrack(id)

	log := r.log.With(zap.String("build", id.String()), zap.String("project", job.ProjectID.String()))
	now := time.Now().UTC()
	job.Status = domain.BuildStatusRunning
	job.StartedAt = &now
	appendLine(&job.Logs, "Build started")
	if err := r.saveBuild(ctx, job); err != nil {
		return r.stopBuild(ctx, job, err)
	}

	project, err := r.repo.GetProject(ctx, job.ProjectID)
	if err != nil {
		return r.stopBuild(ctx, job, fmt.Errorf("get project: %w", err))
	}
	files, err := r.repo.ListFiles(ctx, job.ProjectID)
	if err != nil {
		return r.stopBuild(ctx, job, fmt.Errorf("list files: %w", err))
	}
	if len(files) == 0 {
		return r.stopBuild(ctx, job, fmt.Errorf("project has no files to build: %w", domain.ErrInvalidInput))
	}
	job.FileCount = len(files)

	var archive []byte
	for i, stage := range buildStages {
		if err := sleep(ctx, r.delay); err != nil {
			return r.stopBuild(ctx, job, err)
		}
		if i == 1 {
			stage = fmt.Sprintf(stage, len(files))
		}
		appendLine(&job.Logs, fmt.Sprintf("[%d/%d] %s", i+1, len(buildStages), stage))

		switch i {
		case 2:
			archive, err = export.BuildArchive(project, files)
			if err != nil {
				return r.stopBuild(ctx, job, fmt.Errorf("bundle: %w", err))
			}
			appendLine(&job.Logs, fmt.Sprintf("Bundle size: %d bytes", len(archive)))
		case 3:
			key := artifacts.BuildKey(job.ProjectID, job.ID)
			if err := r.store.Put(ctx, key, archive, "application/zip"); err != nil {
				return r.stopBuild(ctx, job, fmt.Errorf("upload artifact: %w", err))
			}
			job.ArtifactKey = key
		}
		if err := r.saveBuild(ctx, job); err != nil {
			return r.stopBuild(ctx, job, err)
		}
	}

	r.finishBuild(ctx, job, domain.BuildStatusSucceeded, "Build succeeded")
	log.Info("build succeeded", zap.Int("files", len(files)), zap.Int("bytes", len(archive)))
	return nil
}

// stopBuild records err as a failure, or as a cancellation when ctx was
// cancelled, and returns err.
func (r *Runner) stopBuild(ctx context.Context, job *domain.BuildJob, err error) error {
	if cancelled(err) {
		r.finishBuild(ctx, job, domain.BuildStatusCancelled, "Build cancelled")
		return err
	}
	r.finishBuild(ctx, job, domain.BuildStatusFailed, "Build failed: "+err.Error())
	return err
}

func (r *Runner) finishBuild(ctx context.Context, job *domain.BuildJob, status domain.BuildStatus, msg string) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	job.Status = status
	job.FinishedAt = &now
	appendLine(&job.Logs, msg)
	if err := r.saveBuild(ctx, job); err != nil {
		r.log.Error("save build", zap.String("build", job.ID.String()), zap.Error(err))
	}
	metrics.PipelineJobs.WithLabelValues(kindBuild, string(status)).Inc()
}

func (r *Runner) saveBuild(ctx context.Context, job *domain.BuildJob) error {
	if err := r.repo.UpdateBuildJob(ctx, job); err != nil {
		return fmt.Errorf("save build job: %w", err)
	}
	r.publishBuild(job)
	return nil
}

func (r *Runner) publishBuild(job *domain.BuildJob) {
	r.events.Publish(events.BuildTopic(job.ID), events.TypeBuild, *job)
}
