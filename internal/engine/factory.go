package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"jobqueue/internal/logging"
	"jobqueue/internal/metrics"
	"jobqueue/internal/notify"
	"jobqueue/internal/repository"
	"jobqueue/internal/services"
	"jobqueue/pkg/models"
)

// Factory materializes jobs and their tasks from templates. A job is
// persisted together with all of its tasks or not at all.
type Factory struct {
	repo            repository.Repository
	validator       *services.WorkflowValidator
	bus             notify.Bus
	metrics         *metrics.Metrics
	logger          *logging.Logger
	defaultPriority int
}

// NewFactory creates a new Factory.
func NewFactory(repo repository.Repository, validator *services.WorkflowValidator, bus notify.Bus, m *metrics.Metrics, logger *logging.Logger, defaultPriority int) *Factory {
	if defaultPriority == 0 {
		defaultPriority = services.DefaultPriority
	}
	return &Factory{repo: repo, validator: validator, bus: bus, metrics: m, logger: logger, defaultPriority: defaultPriority}
}

// FromMaster creates a job from the current version of a job master with
// overrides applied. The chain is validated first; an invalid chain
// returns a *services.WorkflowInvalidError and nothing is stored.
func (f *Factory) FromMaster(ctx context.Context, masterID string, ov models.JobOverrides) (*models.Job, []*models.Task, error) {
	jm, err := f.repo.GetJobMaster(ctx, masterID)
	if err != nil {
		return nil, nil, err
	}
	if !jm.IsActive {
		return nil, nil, fmt.Errorf("%w: job master %s", services.ErrInactive, masterID)
	}
	snap, err := f.repo.GetJobMasterVersion(ctx, masterID, jm.CurrentVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("load job master %s version %d: %w", masterID, jm.CurrentVersion, err)
	}

	version := snap.Version
	job := f.newJob(ctx, snap.JobMasterSpec)
	job.MasterID = &masterID
	job.MasterVersion = &version

	var tasks []*models.Task
	switch {
	case len(snap.Tasks) == 0 && snap.URL == "":
		return nil, nil, fieldError("tasks", "job master %s has no tasks and no url", masterID)
	case len(snap.Tasks) == 0:
		if job.Method == "" {
			job.Method = "GET"
		}
	default:
		report, err := f.validator.ValidateVersion(ctx, masterID, version)
		if err != nil {
			return nil, nil, err
		}
		f.metrics.Validation(report.IsValid)
		if !report.IsValid {
			return nil, nil, &services.WorkflowInvalidError{Report: report}
		}
		if tasks, err = f.materialize(ctx, job, snap.Tasks); err != nil {
			return nil, nil, err
		}
	}

	if err := f.applyOverrides(job, ov); err != nil {
		return nil, nil, err
	}
	if err := f.persist(ctx, job, tasks); err != nil {
		return nil, nil, err
	}
	return job, tasks, nil
}

// Create stores an ad hoc job: either a single call described by the
// request, or a chain of task masters pinned to their current versions.
func (f *Factory) Create(ctx context.Context, req models.CreateJobRequest) (*models.Job, []*models.Task, error) {
	spec := models.JobMasterSpec{
		Name:   req.Name,
		Method: req.Method,
		URL:    req.URL,
	}
	job := f.newJob(ctx, spec)
	if job.Name == "" {
		job.Name = "ad hoc job"
	}

	var tasks []*models.Task
	if len(req.Tasks) == 0 {
		if req.URL == "" {
			return nil, nil, fieldError("url", "is required when no tasks are given")
		}
		if job.Method == "" {
			job.Method = "GET"
		}
	} else {
		chain := make([]models.ChainEntry, 0, len(req.Tasks))
		for i, ts := range req.Tasks {
			tm, err := f.repo.GetTaskMaster(ctx, ts.TaskMasterID)
			if errors.Is(err, repository.ErrNotFound) {
				return nil, nil, fieldError(fmt.Sprintf("tasks[%d].task_master_id", i), "task master %s not found", ts.TaskMasterID)
			}
			if err != nil {
				return nil, nil, err
			}
			if !tm.IsActive {
				return nil, nil, fmt.Errorf("%w: task master %s", services.ErrInactive, tm.ID)
			}
			chain = append(chain, models.ChainEntry{
				TaskMasterID:      tm.ID,
				TaskMasterVersion: tm.CurrentVersion,
				Order:             i,
				IsRequired:        boolOr(ts.IsRequired, true),
				RetryOnFailure:    boolOr(ts.RetryOnFailure, true),
				MaxRetries:        ts.MaxRetries,
			})
		}
		report, err := f.validator.ValidateEntries(ctx, chain, "no tasks given")
		if err != nil {
			return nil, nil, err
		}
		f.metrics.Validation(report.IsValid)
		if !report.IsValid {
			return nil, nil, &services.WorkflowInvalidError{Report: report}
		}
		if tasks, err = f.materialize(ctx, job, chain); err != nil {
			return nil, nil, err
		}
	}

	if err := f.applyOverrides(job, req.JobOverrides); err != nil {
		return nil, nil, err
	}
	if err := f.persist(ctx, job, tasks); err != nil {
		return nil, nil, err
	}
	return job, tasks, nil
}

func (f *Factory) newJob(ctx context.Context, spec models.JobMasterSpec) *models.Job {
	services.NormalizeJobSpec(&spec)
	return &models.Job{
		ID:              models.NewID(models.PrefixJob),
		Name:            spec.Name,
		Status:          models.JobStatusQueued,
		Priority:        f.defaultPriority,
		MaxAttempts:     spec.MaxAttempts,
		Method:          spec.Method,
		URL:             spec.URL,
		Headers:         MergeShallow(spec.Headers, nil),
		Params:          MergeShallow(spec.Params, nil),
		Body:            DeepCopy(spec.Body),
		TimeoutSec:      spec.TimeoutSec,
		BackoffStrategy: spec.BackoffStrategy,
		BackoffSeconds:  spec.BackoffSeconds,
		TTLSeconds:      spec.TTLSeconds,
		Tags:            spec.Tags,
		CreatedBy:       services.Actor(ctx),
	}
}

// materialize creates one queued task per chain entry, in order, from the
// pinned task master versions.
func (f *Factory) materialize(ctx context.Context, job *models.Job, chain []models.ChainEntry) ([]*models.Task, error) {
	tasks := make([]*models.Task, 0, len(chain))
	for i, c := range chain {
		tm, err := f.repo.GetTaskMaster(ctx, c.TaskMasterID)
		if err != nil {
			return nil, fmt.Errorf("load task master %s: %w", c.TaskMasterID, err)
		}
		if !tm.IsActive {
			return nil, fmt.Errorf("%w: task master %s", services.ErrInactive, c.TaskMasterID)
		}
		tmv, err := f.repo.GetTaskMasterVersion(ctx, c.TaskMasterID, c.TaskMasterVersion)
		if err != nil {
			return nil, fmt.Errorf("load task master %s version %d: %w", c.TaskMasterID, c.TaskMasterVersion, err)
		}
		tasks = append(tasks, &models.Task{
			ID:            models.NewID(models.PrefixTask),
			JobID:         job.ID,
			MasterID:      c.TaskMasterID,
			MasterVersion: c.TaskMasterVersion,
			Name:          tmv.Name,
			Order:         i,
			IsRequired:    c.IsRequired,
			MaxRetries:    c.EffectiveMaxRetries(tmv.TaskMasterSpec),
			Status:        models.TaskStatusQueued,
			InputData:     DeepCopy(tmv.BodyTemplate),
		})
	}
	return tasks, nil
}

// applyOverrides merges per-run overrides into job. Headers and params are
// merged shallowly, the body deeply and tags as a union. Scalars replace
// the template value only when set.
func (f *Factory) applyOverrides(job *models.Job, ov models.JobOverrides) error {
	if ov.Name != "" {
		job.Name = ov.Name
	}
	if ov.Headers != nil {
		job.Headers = MergeShallow(job.Headers, ov.Headers)
	}
	if ov.Params != nil {
		job.Params = MergeShallow(job.Params, ov.Params)
	}
	if ov.Body != nil {
		job.Body = DeepMerge(job.Body, ov.Body)
	}
	job.Tags = services.UnionTags(job.Tags, ov.Tags)
	if ov.TimeoutSec != 0 {
		job.TimeoutSec = ov.TimeoutSec
	}
	if ov.MaxAttempts != 0 {
		job.MaxAttempts = ov.MaxAttempts
	}
	if ov.Priority != 0 {
		job.Priority = ov.Priority
	}
	if ov.BackoffStrategy != "" {
		job.BackoffStrategy = ov.BackoffStrategy
	}
	if ov.BackoffSeconds != 0 {
		job.BackoffSeconds = ov.BackoffSeconds
	}
	if ov.TTLSeconds != nil {
		ttl := *ov.TTLSeconds
		job.TTLSeconds = &ttl
	}
	if ov.ScheduledAt != nil {
		at := ov.ScheduledAt.UTC()
		job.ScheduledAt = &at
	}
	job.Method = strings.ToUpper(job.Method)

	return services.ValidateJobSpec(models.JobMasterSpec{
		Name:            job.Name,
		Method:          job.Method,
		URL:             job.URL,
		TimeoutSec:      job.TimeoutSec,
		MaxAttempts:     job.MaxAttempts,
		BackoffStrategy: job.BackoffStrategy,
		BackoffSeconds:  job.BackoffSeconds,
		TTLSeconds:      job.TTLSeconds,
	}, job.Priority)
}

func (f *Factory) persist(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	if err := f.repo.CreateJob(ctx, job, tasks); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	f.logger.Info("job created", "job_id", job.ID, "name", job.Name, "tasks", len(tasks), "priority", job.Priority)
	if err := f.bus.Publish(ctx, notify.Signal{Kind: notify.Wake, JobID: job.ID}); err != nil {
		f.logger.Warn("wake signal not delivered", "job_id", job.ID, "error", err)
	}
	return nil
}

func fieldError(field, format string, args ...interface{}) error {
	return &services.ValidationError{Errors: []services.FieldError{{Field: field, Message: fmt.Sprintf(format, args...)}}}
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
