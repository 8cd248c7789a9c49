package api

import (
	"net/http"

	"jobqueue/internal/services"
	"jobqueue/pkg/models"

	"github.com/labstack/echo/v4"
)

type taskMasterRequest struct {
	models.TaskMasterSpec
	ChangeReason string `json:"change_reason,omitempty"`
}

type jobMasterRequest struct {
	models.JobMasterSpec
	Tasks        []services.LinkInput `json:"tasks,omitempty"`
	ChangeReason string               `json:"change_reason,omitempty"`
}

type linkRequest struct {
	services.LinkInput
	ChangeReason string `json:"change_reason,omitempty"`
}

type linkUpdateRequest struct {
	services.LinkUpdate
	ChangeReason string `json:"change_reason,omitempty"`
}

type interfaceLinkRequest struct {
	InterfaceID string `json:"interface_id"`
	Required    bool   `json:"required"`
}

type reasonRequest struct {
	ChangeReason string `json:"change_reason,omitempty"`
}

// VersionedResponse pairs a template with the version its change produced.
type VersionedResponse[T any] struct {
	Master  T           `json:"master"`
	Version interface{} `json:"version"`
}

// Interface masters

// CreateInterfaceMaster (POST /interface-masters)
func (h *Handler) CreateInterfaceMaster(c echo.Context) error {
	var in models.InterfaceMaster
	if err := bindBody(c, &in); err != nil {
		return err
	}
	im, err := h.templates.CreateInterfaceMaster(c.Request().Context(), &in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, im)
}

// ListInterfaceMasters (GET /interface-masters)
func (h *Handler) ListInterfaceMasters(c echo.Context) error {
	p, page, size, err := pageParams(c)
	if err != nil {
		return err
	}
	items, total, err := h.templates.ListInterfaceMasters(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(items, total, page, size))
}

// GetInterfaceMaster (GET /interface-masters/:id)
func (h *Handler) GetInterfaceMaster(c echo.Context) error {
	im, err := h.templates.GetInterfaceMaster(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, im)
}

// UpdateInterfaceMaster (PUT /interface-masters/:id)
func (h *Handler) UpdateInterfaceMaster(c echo.Context) error {
	var in models.InterfaceMaster
	if err := bindBody(c, &in); err != nil {
		return err
	}
	im, err := h.templates.UpdateInterfaceMaster(c.Request().Context(), c.Param("id"), &in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, im)
}

// DeleteInterfaceMaster deactivates an interface (DELETE /interface-masters/:id)
func (h *Handler) DeleteInterfaceMaster(c echo.Context) error {
	if err := h.templates.DeactivateInterfaceMaster(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Task masters

// CreateTaskMaster (POST /task-masters)
func (h *Handler) CreateTaskMaster(c echo.Context) error {
	var in taskMasterRequest
	if err := bindBody(c, &in); err != nil {
		return err
	}
	tm, err := h.templates.CreateTaskMaster(c.Request().Context(), in.TaskMasterSpec, in.ChangeReason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, tm)
}

// ListTaskMasters (GET /task-masters)
func (h *Handler) ListTaskMasters(c echo.Context) error {
	p, page, size, err := pageParams(c)
	if err != nil {
		return err
	}
	items, total, err := h.templates.ListTaskMasters(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(items, total, page, size))
}

// GetTaskMaster (GET /task-masters/:id)
func (h *Handler) GetTaskMaster(c echo.Context) error {
	tm, err := h.templates.GetTaskMaster(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tm)
}

// UpdateTaskMaster (PUT /task-masters/:id)
func (h *Handler) UpdateTaskMaster(c echo.Context) error {
	var in taskMasterRequest
	if err := bindBody(c, &in); err != nil {
		return err
	}
	tm, v, err := h.templates.UpdateTaskMaster(c.Request().Context(), c.Param("id"), in.TaskMasterSpec, in.ChangeReason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, VersionedResponse[*models.TaskMaster]{Master: tm, Version: v})
}

// DeleteTaskMaster deactivates a task master (DELETE /task-masters/:id)
func (h *Handler) DeleteTaskMaster(c echo.Context) error {
	if err := h.templates.DeactivateTaskMaster(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListTaskMasterVersions (GET /task-masters/:id/versions)
func (h *Handler) ListTaskMasterVersions(c echo.Context) error {
	versions, err := h.versions.TaskMasterHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(versions, len(versions), 1, len(versions)))
}

// GetTaskMasterVersion (GET /task-masters/:id/versions/:version)
func (h *Handler) GetTaskMasterVersion(c echo.Context) error {
	n, err := intParam(c, "version")
	if err != nil {
		return err
	}
	v, err := h.versions.TaskMasterVersion(c.Request().Context(), c.Param("id"), n)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

// AssociateInterface (POST /task-masters/:id/interfaces)
func (h *Handler) AssociateInterface(c echo.Context) error {
	var in interfaceLinkRequest
	if err := bindBody(c, &in); err != nil {
		return err
	}
	a, err := h.templates.AssociateInterface(c.Request().Context(), c.Param("id"), in.InterfaceID, in.Required)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

// ListInterfaces (GET /task-masters/:id/interfaces)
func (h *Handler) ListInterfaces(c echo.Context) error {
	items, err := h.templates.ListInterfaces(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(items, len(items), 1, len(items)))
}

// DissociateInterface (DELETE /task-masters/:id/interfaces/:interface_id)
func (h *Handler) DissociateInterface(c echo.Context) error {
	if err := h.templates.DissociateInterface(c.Request().Context(), c.Param("id"), c.Param("interface_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Job masters

// CreateJobMaster (POST /job-masters)
func (h *Handler) CreateJobMaster(c echo.Context) error {
	var in jobMasterRequest
	if err := bindBody(c, &in); err != nil {
		return err
	}
	jm, v, err := h.templates.CreateJobMaster(c.Request().Context(), in.JobMasterSpec, in.Tasks, in.ChangeReason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, VersionedResponse[*models.JobMaster]{Master: jm, Version: v})
}

// ListJobMasters (GET /job-masters)
func (h *Handler) ListJobMasters(c echo.Context) error {
	p, page, size, err := pageParams(c)
	if err != nil {
		return err
	}
	items, total, err := h.templates.ListJobMasters(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(items, total, page, size))
}

// GetJobMaster (GET /job-masters/:id)
func (h *Handler) GetJobMaster(c echo.Context) error {
	jm, err := h.templates.GetJobMaster(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jm)
}

// UpdateJobMaster (PUT /job-masters/:id)
func (h *Handler) UpdateJobMaster(c echo.Context) error {
	var in jobMasterRequest
	if err := bindBody(c, &in); err != nil {
		return err
	}
	jm, v, err := h.templates.UpdateJobMaster(c.Request().Context(), c.Param("id"), in.JobMasterSpec, in.ChangeReason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, VersionedResponse[*models.JobMaster]{Master: jm, Version: v})
}

// DeleteJobMaster deactivates a job master (DELETE /job-masters/:id)
func (h *Handler) DeleteJobMaster(c echo.Context) error {
	if err := h.templates.DeactivateJobMaster(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// AddJobMasterTask (POST /job-masters/:id/tasks)
func (h *Handler) AddJobMasterTask(c echo.Context) error {
	var in linkRequest
	if err := bindBody(c, &in); err != nil {
		return err
	}
	link, v, err := h.templates.AddTask(c.Request().Context(), c.Param("id"), in.LinkInput, in.ChangeReason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, VersionedResponse[*models.JobMasterTask]{Master: link, Version: v})
}

// ListJobMasterTasks (GET /job-masters/:id/tasks)
func (h *Handler) ListJobMasterTasks(c echo.Context) error {
	links, err := h.templates.ListTasks(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(links, len(links), 1, len(links)))
}

// UpdateJobMasterTask (PUT /job-masters/:id/tasks/:link_id)
func (h *Handler) UpdateJobMasterTask(c echo.Context) error {
	var in linkUpdateRequest
	if err := bindBody(c, &in); err != nil {
		return err
	}
	link, v, err := h.templates.UpdateTask(c.Request().Context(), c.Param("id"), c.Param("link_id"), in.LinkUpdate, in.ChangeReason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, VersionedResponse[*models.JobMasterTask]{Master: link, Version: v})
}

// RemoveJobMasterTask (DELETE /job-masters/:id/tasks/:link_id)
func (h *Handler) RemoveJobMasterTask(c echo.Context) error {
	v, err := h.templates.RemoveTask(c.Request().Context(), c.Param("id"), c.Param("link_id"), c.QueryParam("change_reason"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

// ListJobMasterVersions (GET /job-masters/:id/versions)
func (h *Handler) ListJobMasterVersions(c echo.Context) error {
	entries, err := h.versions.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(entries, len(entries), 1, len(entries)))
}

// GetJobMasterVersion (GET /job-masters/:id/versions/:version)
func (h *Handler) GetJobMasterVersion(c echo.Context) error {
	n, err := intParam(c, "version")
	if err != nil {
		return err
	}
	v, err := h.versions.Get(c.Request().Context(), c.Param("id"), n)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

// CreateFromVersion forks a new job master from a stored version
// (POST /job-masters/:id/versions/:version/create-from)
func (h *Handler) CreateFromVersion(c echo.Context) error {
	n, err := intParam(c, "version")
	if err != nil {
		return err
	}
	var opts services.ForkOptions
	if err := bindBody(c, &opts); err != nil {
		return err
	}
	jm, v, err := h.versions.CreateFromVersion(c.Request().Context(), c.Param("id"), n, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, VersionedResponse[*models.JobMaster]{Master: jm, Version: v})
}

// ValidateWorkflow checks the live chain, or the chain of ?version=N
// (GET /job-masters/:id/validate-workflow). An invalid chain is still a
// 200: the report is the answer.
func (h *Handler) ValidateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		report *services.ValidationReport
		err    error
	)
	if raw := c.QueryParam("version"); raw != "" {
		n, perr := intQuery(raw, "version")
		if perr != nil {
			return perr
		}
		report, err = h.validator.ValidateVersion(ctx, c.Param("id"), n)
	} else {
		report, err = h.validator.Validate(ctx, c.Param("id"))
	}
	if err != nil {
		return reportProblem(err, report)
	}
	return c.JSON(http.StatusOK, report)
}

// PublishVersion (POST /job-masters/:id/publish-version)
func (h *Handler) PublishVersion(c echo.Context) error {
	var in reasonRequest
	if err := bindBody(c, &in); err != nil {
		return err
	}
	res, err := h.versions.Publish(c.Request().Context(), c.Param("id"), in.ChangeReason)
	if err != nil {
		return err
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	return c.JSON(code, res)
}

// reportProblem attaches a validation report to the problem for err.
func reportProblem(err error, report *services.ValidationReport) error {
	p := problemFor(err)
	if p == nil || report == nil {
		return err
	}
	out := *p
	out.Report = report
	return &out
}
