package api

import (
	"context"
	"net/http"

	"jobqueue/pkg/models"

	"github.com/labstack/echo/v4"
)

// JobDetail is a job together with its tasks in order.
type JobDetail struct {
	*models.Job
	Tasks []*models.Task `json:"tasks"`
}

func newJobDetail(job *models.Job, tasks []*models.Task) JobDetail {
	if tasks == nil {
		tasks = []*models.Task{}
	}
	return JobDetail{Job: job, Tasks: tasks}
}

// CreateJob creates an ad-hoc job (POST /jobs)
func (h *Handler) CreateJob(c echo.Context) error {
	var req models.CreateJobRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	job, tasks, err := h.factory.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, newJobDetail(job, tasks))
}

// CreateJobFromMaster instantiates the current version of a job master
// (POST /jobs/from-master/:master_id)
func (h *Handler) CreateJobFromMaster(c echo.Context) error {
	var ov models.JobOverrides
	if err := bindBody(c, &ov); err != nil {
		return err
	}
	job, tasks, err := h.factory.FromMaster(c.Request().Context(), c.Param("master_id"), ov)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, newJobDetail(job, tasks))
}

// ListJobs (GET /jobs?status=&master_id=&tag=)
func (h *Handler) ListJobs(c echo.Context) error {
	return h.listJobs(c, c.QueryParam("master_id"))
}

// ListJobMasterJobs (GET /job-masters/:id/jobs)
func (h *Handler) ListJobMasterJobs(c echo.Context) error {
	if _, err := h.templates.GetJobMaster(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return h.listJobs(c, c.Param("id"))
}

func (h *Handler) listJobs(c echo.Context, masterID string) error {
	p, page, size, err := pageParams(c)
	if err != nil {
		return err
	}
	f := models.JobFilter{
		Status:   models.JobStatus(c.QueryParam("status")),
		MasterID: masterID,
		Tag:      c.QueryParam("tag"),
		Limit:    p.Limit,
		Offset:   p.Offset,
	}
	jobs, total, err := h.repo.ListJobs(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(jobs, total, page, size))
}

// GetJob (GET /jobs/:id)
func (h *Handler) GetJob(c echo.Context) error {
	ctx := c.Request().Context()
	job, err := h.repo.GetJob(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	tasks, err := h.repo.ListTasks(ctx, job.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newJobDetail(job, tasks))
}

// ListJobTasks (GET /jobs/:id/tasks)
func (h *Handler) ListJobTasks(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := h.repo.GetJob(ctx, c.Param("id")); err != nil {
		return err
	}
	tasks, err := h.repo.ListTasks(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(tasks, len(tasks), 1, len(tasks)))
}

// StartJob (POST /jobs/:id/start)
func (h *Handler) StartJob(c echo.Context) error {
	return h.control(c, h.controller.Start)
}

// PauseJob (POST /jobs/:id/pause)
func (h *Handler) PauseJob(c echo.Context) error {
	return h.control(c, h.controller.Pause)
}

// CancelJob (POST /jobs/:id/cancel)
func (h *Handler) CancelJob(c echo.Context) error {
	return h.control(c, h.controller.Cancel)
}

// RetryJob (POST /jobs/:id/retry)
func (h *Handler) RetryJob(c echo.Context) error {
	return h.control(c, h.controller.Retry)
}

func (h *Handler) control(c echo.Context, action func(context.Context, string) (*models.Job, error)) error {
	job, err := action(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// ValidateJobInterfaces re-checks the task chain of a job against the
// task master versions it pinned (POST /jobs/:id/validate-interfaces)
func (h *Handler) ValidateJobInterfaces(c echo.Context) error {
	report, err := h.validator.ValidateJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return reportProblem(err, report)
	}
	return c.JSON(http.StatusOK, report)
}

// GetTask (GET /tasks/:id)
func (h *Handler) GetTask(c echo.Context) error {
	t, err := h.repo.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

// RetryTask re-runs a failed task and every task after it (POST /tasks/:id/retry)
func (h *Handler) RetryTask(c echo.Context) error {
	return h.control(c, h.controller.RetryFromTask)
}
