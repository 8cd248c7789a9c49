package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobqueue/internal/logging"
	"jobqueue/internal/notify"
	"jobqueue/internal/repository"
	"jobqueue/internal/services"
	"jobqueue/pkg/models"
)

// Runner executes a job that has been moved to running.
type Runner interface {
	Submit(job *models.Job) error
}

// Controller applies manual controls to jobs.
type Controller struct {
	repo   repository.JobRepository
	runner Runner
	bus    notify.Bus
	logger *logging.Logger
	now    func() time.Time
}

// NewController creates a new Controller. runner may be nil in processes
// that do not execute jobs; started jobs are then left queued for a worker.
func NewController(repo repository.JobRepository, runner Runner, bus notify.Bus, logger *logging.Logger) *Controller {
	return &Controller{
		repo:   repo,
		runner: runner,
		bus:    bus,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start moves a queued job to running and executes it now, ignoring any
// scheduled time or retry delay. It also resumes a paused job.
func (c *Controller) Start(ctx context.Context, jobID string) (*models.Job, error) {
	if c.runner == nil {
		job, err := c.repo.UpdateJobIf(ctx, jobID, []models.JobStatus{models.JobStatusQueued}, func(j *models.Job, _ []*models.Task) error {
			if j.Paused && j.Attempt > 0 {
				// The claim that resumes it counts a new attempt.
				j.Attempt--
			}
			j.Paused = false
			j.NextAttemptAt = nil
			j.ScheduledAt = nil
			return nil
		})
		if err != nil {
			return nil, c.transitionError(ctx, jobID, err)
		}
		c.publish(ctx, notify.Wake, jobID)
		return job, nil
	}

	job, err := c.repo.ClaimJob(ctx, jobID, c.now(), models.JobStatusQueued)
	if err != nil {
		return nil, c.transitionError(ctx, jobID, err)
	}
	if err := c.runner.Submit(job); err != nil {
		// Hand it back so a worker picks it up.
		if _, rerr := c.repo.UpdateJobIf(ctx, jobID, []models.JobStatus{models.JobStatusRunning}, func(j *models.Job, _ []*models.Task) error {
			j.Attempt--
			return setJobStatus(j, models.JobStatusQueued)
		}); rerr != nil {
			return nil, fmt.Errorf("requeue job %s: %w", jobID, rerr)
		}
		c.publish(ctx, notify.Wake, jobID)
		return c.repo.GetJob(ctx, jobID)
	}
	c.logger.Info("job started", "job_id", jobID, "attempt", job.Attempt)
	return job, nil
}

// Pause stops a job before its next task. An in-flight call is allowed to
// finish. The job stays queued and is not claimed until started again.
func (c *Controller) Pause(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := c.repo.UpdateJobIf(ctx, jobID, []models.JobStatus{models.JobStatusRunning, models.JobStatusQueued}, func(j *models.Job, _ []*models.Task) error {
		if j.Status == models.JobStatusRunning {
			if err := setJobStatus(j, models.JobStatusQueued); err != nil {
				return err
			}
		}
		j.Paused = true
		return nil
	})
	if err != nil {
		return nil, c.transitionError(ctx, jobID, err)
	}
	c.publish(ctx, notify.Pause, jobID)
	c.logger.Info("job paused", "job_id", jobID)
	return job, nil
}

// Cancel ends a queued or running job. Queued tasks are canceled at once;
// a running task is aborted by its executor after the grace period.
func (c *Controller) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	now := c.now()
	job, err := c.repo.UpdateJobIf(ctx, jobID, []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}, func(j *models.Job, tasks []*models.Task) error {
		if err := setJobStatus(j, models.JobStatusCanceled); err != nil {
			return err
		}
		j.FinishedAt = &now
		j.Paused = false
		j.NextAttemptAt = nil
		j.Error = "canceled by " + services.Actor(ctx)
		for _, t := range tasks {
			if t.Status == models.TaskStatusQueued {
				if err := setTaskStatus(t, models.TaskStatusCanceled); err != nil {
					return err
				}
				t.FinishedAt = &now
			}
		}
		return nil
	})
	if err != nil {
		return nil, c.transitionError(ctx, jobID, err)
	}
	c.publish(ctx, notify.Cancel, jobID)
	c.logger.Info("job canceled", "job_id", jobID)
	return job, nil
}

// Retry re-runs a failed job from its first unsuccessful task. Tasks that
// succeeded keep their outputs. The job gets a fresh attempt budget.
func (c *Controller) Retry(ctx context.Context, jobID string) (*models.Job, error) {
	_, err := c.repo.UpdateJobIf(ctx, jobID, []models.JobStatus{models.JobStatusFailed}, func(j *models.Job, tasks []*models.Task) error {
		for _, t := range tasks {
			if t.Status == models.TaskStatusFailed || t.Status == models.TaskStatusSkipped {
				if err := resetFrom(tasks, t.Order); err != nil {
					return err
				}
				break
			}
		}
		return c.requeue(j)
	})
	if err != nil {
		return nil, c.transitionError(ctx, jobID, err)
	}
	c.logger.Info("job retry requested", "job_id", jobID)
	return c.Start(ctx, jobID)
}

// RetryFromTask re-runs a failed task and every task after it. Earlier
// tasks keep their outputs.
func (c *Controller) RetryFromTask(ctx context.Context, taskID string) (*models.Job, error) {
	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusFailed {
		return nil, fmt.Errorf("%w: task %s is %s, only failed tasks can be retried", ErrInvalidTransition, taskID, task.Status)
	}
	_, err = c.repo.UpdateJobIf(ctx, task.JobID, []models.JobStatus{models.JobStatusFailed, models.JobStatusSucceeded}, func(j *models.Job, tasks []*models.Task) error {
		if err := resetFrom(tasks, task.Order); err != nil {
			return err
		}
		return c.requeue(j)
	})
	if err != nil {
		return nil, c.transitionError(ctx, task.JobID, err)
	}
	c.logger.Info("task retry requested", "job_id", task.JobID, "task_id", taskID, "order", task.Order)
	return c.Start(ctx, task.JobID)
}

func (c *Controller) requeue(j *models.Job) error {
	if err := setJobStatus(j, models.JobStatusQueued); err != nil {
		return err
	}
	j.Attempt = 0
	j.Error = ""
	j.Result = nil
	j.Paused = false
	j.NextAttemptAt = nil
	j.FinishedAt = nil
	return nil
}

// transitionError turns a lost conditional update into ErrInvalidTransition
// naming the status the job is actually in.
func (c *Controller) transitionError(ctx context.Context, jobID string, err error) error {
	if !errors.Is(err, repository.ErrConflict) {
		return err
	}
	j, gerr := c.repo.GetJob(ctx, jobID)
	if gerr != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, jobID, j.Status)
}

func (c *Controller) publish(ctx context.Context, kind notify.Kind, jobID string) {
	if err := c.bus.Publish(ctx, notify.Signal{Kind: kind, JobID: jobID}); err != nil {
		c.logger.Warn("signal not delivered", "kind", kind, "job_id", jobID, "error", err)
	}
}
