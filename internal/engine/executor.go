package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobqueue/internal/logging"
	"jobqueue/internal/metrics"
	"jobqueue/internal/observability"
	"jobqueue/internal/repository"
	"jobqueue/internal/schema"
	"jobqueue/pkg/models"
)

// ExecutorConfig tunes job execution.
type ExecutorConfig struct {
	// PollInterval is how often a running job checks whether it was canceled.
	PollInterval time.Duration
	// CancelGracePeriod is how long an in-flight call may continue after
	// its job is canceled.
	CancelGracePeriod time.Duration
	// ValidateOutput checks every 2xx response against the task's output
	// interface.
	ValidateOutput bool
}

// Executor runs claimed jobs: their tasks strictly in order, each with its
// own retries, timeout and input mapping.
type Executor struct {
	repo       repository.Repository
	dispatcher Dispatcher
	resolver   *Resolver
	metrics    *metrics.Metrics
	logger     *logging.Logger
	cfg        ExecutorConfig
	now        func() time.Time

	// runs holds the cancel funcs of every run in this process, by job and
	// run. A resumed job can overlap the tail of its previous run.
	mu   sync.Mutex
	runs map[string]map[uint64]context.CancelFunc
	seq  uint64
}

// NewExecutor creates a new Executor.
func NewExecutor(repo repository.Repository, dispatcher Dispatcher, m *metrics.Metrics, logger *logging.Logger, cfg ExecutorConfig) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Executor{
		repo:       repo,
		dispatcher: dispatcher,
		resolver:   NewResolver(),
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		runs:       map[string]map[uint64]context.CancelFunc{},
	}
}

type taskOutcome int

const (
	outcomeSucceeded taskOutcome = iota
	outcomeFailed
	// outcomeHalted means the job left the running state or the worker is
	// shutting down; the task result is already recorded.
	outcomeHalted
)

// Execute runs a job that is already in the running state. It returns when
// the job reaches a terminal state, is requeued, paused or canceled, or ctx
// is done. Persistence errors are returned; task failures are recorded on
// the job and are not errors.
func (e *Executor) Execute(ctx context.Context, job *models.Job) error {
	ctx, span := observability.Tracer().Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer span.End()
	defer e.metrics.ExecutionStarted()()

	log := e.logger.With("job_id", job.ID, "attempt", job.Attempt)
	log.Info("job started", "name", job.Name)

	// Writes outlive cancellation of the run so results are never lost.
	store := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer e.track(job.ID, cancel)()
	go e.watch(runCtx, store, job.ID, cancel)

	tasks, err := e.repo.ListTasks(store, job.ID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(tasks) == 0 {
		err = e.runSingle(ctx, runCtx, store, job, log)
	} else {
		err = e.runChain(ctx, runCtx, store, job, tasks, log)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Abort interrupts the in-flight call of a job running in this process.
// It reports whether the job was found.
func (e *Executor) Abort(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.runs[jobID] {
		cancel()
	}
	return len(e.runs[jobID]) > 0
}

// Running reports whether a job is executing in this process.
func (e *Executor) Running(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs[jobID]) > 0
}

// track registers the cancel func of one run and returns its release.
func (e *Executor) track(jobID string, cancel context.CancelFunc) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	id := e.seq
	if e.runs[jobID] == nil {
		e.runs[jobID] = map[uint64]context.CancelFunc{}
	}
	e.runs[jobID][id] = cancel
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.runs[jobID], id)
		if len(e.runs[jobID]) == 0 {
			delete(e.runs, jobID)
		}
	}
}

// watch cancels the run when the job is canceled, after the grace period.
func (e *Executor) watch(runCtx, store context.Context, jobID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
		}
		j, err := e.repo.GetJob(store, jobID)
		if err != nil || j.Status != models.JobStatusCanceled {
			continue
		}
		if e.cfg.CancelGracePeriod > 0 {
			t := time.NewTimer(e.cfg.CancelGracePeriod)
			select {
			case <-runCtx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		cancel()
		return
	}
}

func (e *Executor) runChain(ctx, runCtx, store context.Context, job *models.Job, tasks []*models.Task, log *logging.Logger) error {
	for i, t := range tasks {
		if t.Status == models.TaskStatusFailed && t.IsRequired {
			// Failed while the job was paused; nothing after it may run.
			cur, err := e.repo.GetJob(store, job.ID)
			if err != nil {
				return fmt.Errorf("reload job: %w", err)
			}
			if cur.Status != models.JobStatusRunning {
				return nil
			}
			return e.failRequired(store, cur, t, log)
		}
		if t.Status.IsTerminal() {
			continue
		}
		cur, err := e.repo.GetJob(store, job.ID)
		if err != nil {
			return fmt.Errorf("reload job: %w", err)
		}
		if cur.Status != models.JobStatusRunning {
			log.Info("job halted before task", "status", cur.Status, "paused", cur.Paused, "order", t.Order)
			return nil
		}
		if ctx.Err() != nil {
			return e.release(store, job.ID, log)
		}

		outcome, err := e.runTask(ctx, runCtx, store, cur, tasks, i, log)
		if err != nil {
			return err
		}
		switch outcome {
		case outcomeHalted:
			if ctx.Err() != nil {
				return e.release(store, job.ID, log)
			}
			return nil
		case outcomeFailed:
			if !t.IsRequired {
				log.Warn("optional task failed, continuing", "task_id", t.ID, "order", t.Order)
				continue
			}
			return e.failRequired(store, cur, tasks[i], log)
		}
	}
	return e.complete(store, job.ID, log)
}

// runTask executes one task with its retries and records the result. On
// return tasks[i] holds the stored state of the task.
func (e *Executor) runTask(ctx, runCtx, store context.Context, job *models.Job, tasks []*models.Task, i int, log *logging.Logger) (taskOutcome, error) {
	t := tasks[i]
	log = log.With("task_id", t.ID, "order", t.Order)
	runCtx, span := observability.Tracer().Start(runCtx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.Int("task.order", t.Order),
		attribute.String("task.master_id", t.MasterID),
		attribute.Int("task.master_version", t.MasterVersion),
	))
	defer span.End()

	tmv, err := e.repo.GetTaskMasterVersion(store, t.MasterID, t.MasterVersion)
	if err != nil {
		return outcomeFailed, fmt.Errorf("load task master %s version %d: %w", t.MasterID, t.MasterVersion, err)
	}
	inSchema, err := e.interfaceSchema(store, tmv.InputInterfaceID, true)
	if err != nil {
		return outcomeFailed, err
	}
	outSchema, err := e.interfaceSchema(store, tmv.OutputInterfaceID, false)
	if err != nil {
		return outcomeFailed, err
	}

	input, buildErr := e.buildInput(tmv.TaskMasterSpec, inSchema, job.Body, tasks, i)
	started := e.now()
	ok, err := e.updateTask(store, job.ID, []models.JobStatus{models.JobStatusRunning}, t, func(st *models.Task) error {
		if err := setTaskStatus(st, models.TaskStatusRunning); err != nil {
			return err
		}
		st.Attempt = 0
		st.Error = ""
		st.OutputData = nil
		st.DurationMs = nil
		st.FinishedAt = nil
		st.StartedAt = &started
		if input != nil {
			st.InputData = input
		}
		return nil
	})
	if err != nil {
		return outcomeFailed, err
	}
	if !ok {
		log.Info("job left running state before task start")
		return outcomeHalted, nil
	}
	log.Info("task started", "name", t.Name)

	req := Request{
		Method:  tmv.Method,
		URL:     tmv.URL,
		Headers: MergeShallow(job.Headers, tmv.Headers),
		Params:  MergeShallow(job.Params, nil),
		Body:    input,
		Timeout: time.Duration(firstPositive(tmv.TimeoutSec, job.TimeoutSec)) * time.Second,
	}

	var (
		resp    *Response
		lastErr = buildErr
		attempt int
	)
	if buildErr == nil {
		for attempt = 1; attempt <= 1+t.MaxRetries; attempt++ {
			if attempt > 1 {
				delay := taskRetryDelay(tmv.TaskMasterSpec, job, attempt-1)
				log.Info("retrying task", "attempt", attempt, "delay", delay, "error", lastErr)
				if err := sleepCtx(runCtx, delay); err != nil {
					attempt--
					break
				}
			}
			resp, lastErr = e.attempt(runCtx, req, outSchema)
			if lastErr == nil || isPermanent(lastErr) || runCtx.Err() != nil {
				break
			}
		}
		if attempt > 1+t.MaxRetries {
			attempt = 1 + t.MaxRetries
		}
	} else {
		attempt = 1
	}

	finished := e.now()
	duration := finished.Sub(started).Milliseconds()
	var outcome taskOutcome
	status := models.TaskStatusSucceeded
	switch {
	case lastErr == nil && resp != nil:
		outcome = outcomeSucceeded
	case runCtx.Err() != nil && !isPermanent(lastErr):
		outcome = outcomeHalted
		status = models.TaskStatusCanceled
		if ctx.Err() != nil {
			status = models.TaskStatusQueued
		}
		lastErr = fmt.Errorf("interrupted: %w", context.Cause(runCtx))
	default:
		outcome = outcomeFailed
		status = models.TaskStatusFailed
	}

	written, err := e.updateTask(store, job.ID, []models.JobStatus{models.JobStatusRunning, models.JobStatusQueued, models.JobStatusCanceled}, t, func(st *models.Task) error {
		if err := setTaskStatus(st, status); err != nil {
			return err
		}
		st.Attempt = attempt
		st.DurationMs = &duration
		if status == models.TaskStatusQueued {
			st.StartedAt = nil
			st.DurationMs = nil
			return nil
		}
		st.FinishedAt = &finished
		if resp != nil {
			st.OutputData = resp.Body
		}
		if lastErr != nil {
			st.Error = lastErr.Error()
			var se *StatusError
			if errors.As(lastErr, &se) && se.Response != nil {
				st.OutputData = se.Response.Body
			}
		} else {
			st.Error = ""
		}
		return nil
	})
	if err != nil {
		return outcomeFailed, err
	}
	if !written {
		return outcomeHalted, nil
	}

	e.metrics.TaskFinished(string(status))
	switch outcome {
	case outcomeSucceeded:
		log.Info("task succeeded", "attempt", attempt, "duration_ms", duration)
	case outcomeFailed:
		span.SetStatus(codes.Error, lastErr.Error())
		log.Warn("task failed", "attempt", attempt, "error", lastErr)
	default:
		log.Info("task interrupted", "status", status)
	}
	return outcome, nil
}

// attempt makes one call and classifies its result.
func (e *Executor) attempt(ctx context.Context, req Request, outSchema map[string]interface{}) (*Response, error) {
	start := time.Now()
	resp, err := e.dispatcher.Do(ctx, req)
	if err != nil {
		e.metrics.TaskAttempt("error", time.Since(start))
		return nil, err
	}
	if e.cfg.ValidateOutput && len(outSchema) > 0 {
		if verr := schema.ValidateData(outSchema, resp.Body); verr != nil {
			e.metrics.TaskAttempt("invalid_output", time.Since(start))
			return resp, permanent(fmt.Errorf("response does not match output interface: %w", verr))
		}
	}
	e.metrics.TaskAttempt("success", time.Since(start))
	return resp, nil
}

// buildInput maps the properties the task consumes from the preceding
// task's output, lays the resolved body template over them and then the
// job body. A required input property missing from all three is a
// permanent failure.
func (e *Executor) buildInput(spec models.TaskMasterSpec, inSchema, jobBody map[string]interface{}, tasks []*models.Task, i int) (map[string]interface{}, error) {
	resolved, err := e.resolver.Resolve(spec.BodyTemplate, tasks[:i])
	if err != nil {
		return nil, permanent(err)
	}
	if len(inSchema) == 0 {
		return DeepMerge(resolved, jobBody), nil
	}
	in, err := schema.Parse(inSchema)
	if err != nil {
		return nil, permanent(fmt.Errorf("input interface: %w", err))
	}

	consumed := map[string]interface{}{}
	if i > 0 {
		prev := tasks[i-1].OutputData
		for _, name := range in.PropertyNames() {
			if v, ok := prev[name]; ok {
				consumed[name] = v
			}
		}
	}
	input := DeepMerge(DeepMerge(consumed, resolved), jobBody)
	for _, name := range in.Required {
		if _, ok := input[name]; !ok {
			return input, permanent(fmt.Errorf("required input property %q is missing from the output of the preceding task", name))
		}
	}
	return input, nil
}

func (e *Executor) interfaceSchema(ctx context.Context, id *string, input bool) (map[string]interface{}, error) {
	if id == nil {
		return nil, nil
	}
	im, err := e.repo.GetInterfaceMaster(ctx, *id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load interface %s: %w", *id, err)
	}
	if input {
		return im.InputSchema, nil
	}
	return im.OutputSchema, nil
}

// updateTask applies fn to the stored copy of t while the job is in one of
// from. It reports false when the job has moved elsewhere. On success t is
// refreshed from the stored copy.
func (e *Executor) updateTask(ctx context.Context, jobID string, from []models.JobStatus, t *models.Task, fn func(*models.Task) error) (bool, error) {
	var updated *models.Task
	_, err := e.repo.UpdateJobIf(ctx, jobID, from, func(_ *models.Job, tasks []*models.Task) error {
		for _, st := range tasks {
			if st.ID == t.ID {
				if err := fn(st); err != nil {
					return err
				}
				updated = st
				return nil
			}
		}
		return fmt.Errorf("task %s: %w", t.ID, repository.ErrNotFound)
	})
	if errors.Is(err, repository.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", t.ID, err)
	}
	*t = *updated
	return true, nil
}

// failRequired handles a required task that exhausted its retries: the job
// is requeued when it has attempts left, otherwise it fails and the rest of
// the chain is skipped.
func (e *Executor) failRequired(store context.Context, job *models.Job, failed *models.Task, log *logging.Logger) error {
	now := e.now()
	var skipped int
	requeue := job.Attempt < job.MaxAttempts
	_, err := e.repo.UpdateJobIf(store, job.ID, []models.JobStatus{models.JobStatusRunning}, func(j *models.Job, tasks []*models.Task) error {
		msg := fmt.Sprintf("required task %d (%s) failed: %s", failed.Order, failed.Name, failed.Error)
		j.Error = msg
		if requeue {
			if err := setJobStatus(j, models.JobStatusQueued); err != nil {
				return err
			}
			next := now.Add(Backoff(j.BackoffStrategy, j.BackoffSeconds, j.Attempt))
			j.NextAttemptAt = &next
			return resetFrom(tasks, failed.Order)
		}
		if err := setJobStatus(j, models.JobStatusFailed); err != nil {
			return err
		}
		j.FinishedAt = &now
		for _, t := range tasks {
			if t.Order > failed.Order && t.Status == models.TaskStatusQueued {
				if err := setTaskStatus(t, models.TaskStatusSkipped); err != nil {
					return err
				}
				skipped++
			}
		}
		return nil
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if requeue {
		e.metrics.JobRequeued()
		log.Info("job requeued", "failed_order", failed.Order, "max_attempts", job.MaxAttempts)
		return nil
	}
	for n := 0; n < skipped; n++ {
		e.metrics.TaskFinished(string(models.TaskStatusSkipped))
	}
	e.metrics.JobFinished(string(models.JobStatusFailed))
	log.Warn("job failed", "failed_order", failed.Order, "skipped", skipped)
	return nil
}

// resetFrom requeues the task at order and every task after it.
func resetFrom(tasks []*models.Task, order int) error {
	for _, t := range tasks {
		if t.Order < order || t.Status == models.TaskStatusQueued {
			continue
		}
		if err := setTaskStatus(t, models.TaskStatusQueued); err != nil {
			return err
		}
		t.Attempt = 0
		t.Error = ""
		t.OutputData = nil
		t.DurationMs = nil
		t.StartedAt = nil
		t.FinishedAt = nil
	}
	return nil
}

// complete settles a job whose tasks have all run.
func (e *Executor) complete(store context.Context, jobID string, log *logging.Logger) error {
	now := e.now()
	j, err := e.repo.UpdateJobIf(store, jobID, []models.JobStatus{models.JobStatusRunning}, func(j *models.Job, tasks []*models.Task) error {
		status := jobOutcome(tasks)
		if err := setJobStatus(j, status); err != nil {
			return err
		}
		j.FinishedAt = &now
		j.Error = ""
		for _, t := range tasks {
			if t.Status == models.TaskStatusSucceeded {
				j.Result = t.OutputData
			}
			if status == models.JobStatusFailed && t.IsRequired && t.Status != models.TaskStatusSucceeded && j.Error == "" {
				j.Error = fmt.Sprintf("required task %d (%s) did not succeed", t.Order, t.Name)
			}
		}
		return nil
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	e.metrics.JobFinished(string(j.Status))
	log.Info("job finished", "status", j.Status)
	return nil
}

// runSingle executes a job that is one HTTP call with no task chain.
func (e *Executor) runSingle(ctx, runCtx, store context.Context, job *models.Job, log *logging.Logger) error {
	resp, callErr := e.dispatcher.Do(runCtx, Request{
		Method:  job.Method,
		URL:     job.URL,
		Headers: job.Headers,
		Params:  job.Params,
		Body:    job.Body,
		Timeout: time.Duration(job.TimeoutSec) * time.Second,
	})
	if callErr != nil && runCtx.Err() != nil {
		if ctx.Err() != nil {
			return e.release(store, job.ID, log)
		}
		return nil
	}

	now := e.now()
	var final models.JobStatus
	_, err := e.repo.UpdateJobIf(store, job.ID, []models.JobStatus{models.JobStatusRunning}, func(j *models.Job, _ []*models.Task) error {
		if callErr == nil {
			j.Result = resp.Body
			j.Error = ""
			j.FinishedAt = &now
			final = models.JobStatusSucceeded
			return setJobStatus(j, final)
		}
		j.Error = callErr.Error()
		var se *StatusError
		if errors.As(callErr, &se) && se.Response != nil {
			j.Result = se.Response.Body
		}
		if j.Attempt < j.MaxAttempts {
			next := now.Add(Backoff(j.BackoffStrategy, j.BackoffSeconds, j.Attempt))
			j.NextAttemptAt = &next
			final = models.JobStatusQueued
			return setJobStatus(j, final)
		}
		j.FinishedAt = &now
		final = models.JobStatusFailed
		return setJobStatus(j, final)
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record job result: %w", err)
	}
	if final == models.JobStatusQueued {
		e.metrics.JobRequeued()
		log.Info("job requeued", "error", callErr)
		return nil
	}
	e.metrics.JobFinished(string(final))
	log.Info("job finished", "status", final)
	return nil
}

// release hands a running job back to the queue when the worker stops
// mid-run. The attempt it was on is not counted.
func (e *Executor) release(store context.Context, jobID string, log *logging.Logger) error {
	_, err := e.repo.UpdateJobIf(store, jobID, []models.JobStatus{models.JobStatusRunning}, func(j *models.Job, _ []*models.Task) error {
		if err := setJobStatus(j, models.JobStatusQueued); err != nil {
			return err
		}
		if j.Attempt > 0 {
			j.Attempt--
		}
		return nil
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	log.Info("job released on shutdown")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
