package api

import (
	"github.com/labstack/echo/v4"
)

// RegisterHandlers mounts the REST API on g. Authentication middleware is
// applied by the caller.
func RegisterHandlers(g *echo.Group, h *Handler) {
	g.POST("/interface-masters", h.CreateInterfaceMaster)
	g.GET("/interface-masters", h.ListInterfaceMasters)
	g.GET("/interface-masters/:id", h.GetInterfaceMaster)
	g.PUT("/interface-masters/:id", h.UpdateInterfaceMaster)
	g.DELETE("/interface-masters/:id", h.DeleteInterfaceMaster)

	g.POST("/task-masters", h.CreateTaskMaster)
	g.GET("/task-masters", h.ListTaskMasters)
	g.GET("/task-masters/:id", h.GetTaskMaster)
	g.PUT("/task-masters/:id", h.UpdateTaskMaster)
	g.DELETE("/task-masters/:id", h.DeleteTaskMaster)
	g.GET("/task-masters/:id/versions", h.ListTaskMasterVersions)
	g.GET("/task-masters/:id/versions/:version", h.GetTaskMasterVersion)
	g.POST("/task-masters/:id/interfaces", h.AssociateInterface)
	g.GET("/task-masters/:id/interfaces", h.ListInterfaces)
	g.DELETE("/task-masters/:id/interfaces/:interface_id", h.DissociateInterface)

	g.POST("/job-masters", h.CreateJobMaster)
	g.GET("/job-masters", h.ListJobMasters)
	g.GET("/job-masters/:id", h.GetJobMaster)
	g.PUT("/job-masters/:id", h.UpdateJobMaster)
	g.DELETE("/job-masters/:id", h.DeleteJobMaster)
	g.POST("/job-masters/:id/tasks", h.AddJobMasterTask)
	g.GET("/job-masters/:id/tasks", h.ListJobMasterTasks)
	g.PUT("/job-masters/:id/tasks/:link_id", h.UpdateJobMasterTask)
	g.DELETE("/job-masters/:id/tasks/:link_id", h.RemoveJobMasterTask)
	g.GET("/job-masters/:id/versions", h.ListJobMasterVersions)
	g.GET("/job-masters/:id/versions/:version", h.GetJobMasterVersion)
	g.POST("/job-masters/:id/versions/:version/create-from", h.CreateFromVersion)
	g.GET("/job-masters/:id/validate-workflow", h.ValidateWorkflow)
	g.POST("/job-masters/:id/publish-version", h.PublishVersion)
	g.GET("/job-masters/:id/jobs", h.ListJobMasterJobs)

	g.POST("/jobs", h.CreateJob)
	g.GET("/jobs", h.ListJobs)
	g.POST("/jobs/from-master/:master_id", h.CreateJobFromMaster)
	g.GET("/jobs/:id", h.GetJob)
	g.GET("/jobs/:id/tasks", h.ListJobTasks)
	g.POST("/jobs/:id/start", h.StartJob)
	g.POST("/jobs/:id/pause", h.PauseJob)
	g.POST("/jobs/:id/cancel", h.CancelJob)
	g.POST("/jobs/:id/retry", h.RetryJob)
	g.POST("/jobs/:id/validate-interfaces", h.ValidateJobInterfaces)

	g.GET("/tasks/:id", h.GetTask)
	g.POST("/tasks/:id/retry", h.RetryTask)
}
