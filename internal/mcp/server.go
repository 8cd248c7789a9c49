// Package mcp exposes workflow authoring tools over the Model Context
// Protocol so an agent can check a chain and start jobs like any other
// API client.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"jobqueue/internal/auth"
	"jobqueue/internal/engine"
	"jobqueue/internal/repository"
	"jobqueue/internal/services"
	"jobqueue/pkg/models"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Deps are the services the tools call into.
type Deps struct {
	Repo      repository.JobRepository
	Templates *services.TemplateService
	Versions  *services.VersionManager
	Validator *services.WorkflowValidator
	Factory   *engine.Factory
}

type Server struct {
	mcpServer *server.MCPServer
	repo      repository.JobRepository
	templates *services.TemplateService
	versions  *services.VersionManager
	validator *services.WorkflowValidator
	factory   *engine.Factory
}

func NewServer(d Deps) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Job Queue",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		repo:      d.Repo,
		templates: d.Templates,
		versions:  d.Versions,
		validator: d.Validator,
		factory:   d.Factory,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_task_masters",
			mcp.WithDescription("List task masters (reusable HTTP call templates) with their interface ids"),
			mcp.WithBoolean("active_only", mcp.Description("Only return active task masters")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 50)")),
			mcp.WithNumber("offset", mcp.Description("Number of results to skip")),
		),
		s.handleListTaskMasters,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"validate_workflow",
			mcp.WithDescription("Check that each step of a job master's chain produces what the next step consumes"),
			mcp.WithString("job_master_id", mcp.Required(), mcp.Description("The ID of the job master")),
			mcp.WithNumber("version", mcp.Description("Validate this stored version instead of the live chain")),
		),
		s.handleValidateWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"publish_job_master_version",
			mcp.WithDescription("Validate the live chain of a job master and record it as a new version if it changed"),
			mcp.WithString("job_master_id", mcp.Required(), mcp.Description("The ID of the job master")),
			mcp.WithString("change_reason", mcp.Description("Why this version is published")),
		),
		s.handlePublish,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"create_job_from_master",
			mcp.WithDescription("Create a queued job from the current version of a job master"),
			mcp.WithString("job_master_id", mcp.Required(), mcp.Description("The ID of the job master")),
			mcp.WithObject("overrides", mcp.Description("Optional name, headers, params, body, tags, priority, timeout_sec, max_attempts, backoff_strategy, backoff_seconds, ttl_seconds, scheduled_at")),
		),
		s.handleCreateJob,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_job",
			mcp.WithDescription("Get a job with the status, output and error of each task"),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("The ID of the job")),
		),
		s.handleGetJob,
	)
}

func (s *Server) handleListTaskMasters(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page := models.Page{
		Limit:      mcp.ParseInt(request, "limit", 50),
		Offset:     mcp.ParseInt(request, "offset", 0),
		ActiveOnly: mcp.ParseBoolean(request, "active_only", false),
	}
	items, total, err := s.templates.ListTaskMasters(ctx, page)
	if err != nil {
		return toolError("Failed to list task masters", err), nil
	}
	return marshalToolResult(map[string]any{"task_masters": items, "total": total})
}

func (s *Server) handleValidateWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "job_master_id", "")
	if id == "" {
		return mcp.NewToolResultError("Missing required parameter: job_master_id"), nil
	}

	var (
		report *services.ValidationReport
		err    error
	)
	if version := mcp.ParseInt(request, "version", 0); version > 0 {
		report, err = s.validator.ValidateVersion(ctx, id, version)
	} else {
		report, err = s.validator.Validate(ctx, id)
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return toolError("Failed to validate workflow", err), nil
	}
	// An unknown master still answers with a failing report.
	return marshalToolResult(report)
}

func (s *Server) handlePublish(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "job_master_id", "")
	if id == "" {
		return mcp.NewToolResultError("Missing required parameter: job_master_id"), nil
	}
	res, err := s.versions.Publish(ctx, id, mcp.ParseString(request, "change_reason", ""))
	if err != nil {
		return toolError("Failed to publish", err), nil
	}
	return marshalToolResult(res)
}

func (s *Server) handleCreateJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "job_master_id", "")
	if id == "" {
		return mcp.NewToolResultError("Missing required parameter: job_master_id"), nil
	}

	var ov models.JobOverrides
	if raw, ok := request.GetArguments()["overrides"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err == nil {
			err = json.Unmarshal(data, &ov)
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid overrides: %v", err)), nil
		}
	}

	job, tasks, err := s.factory.FromMaster(ctx, id, ov)
	if err != nil {
		return toolError("Failed to create job", err), nil
	}
	return marshalToolResult(map[string]any{"job": job, "tasks": tasks})
}

func (s *Server) handleGetJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "job_id", "")
	if id == "" {
		return mcp.NewToolResultError("Missing required parameter: job_id"), nil
	}
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return toolError("Failed to get job", err), nil
	}
	tasks, err := s.repo.ListTasks(ctx, id)
	if err != nil {
		return toolError("Failed to get job", err), nil
	}
	return marshalToolResult(map[string]any{"job": job, "tasks": tasks})
}

func marshalToolResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("internal error: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError reports err as a failed tool call. Validation failures carry
// their field errors or report so the caller can correct itself.
func toolError(prefix string, err error) *mcp.CallToolResult {
	detail := map[string]any{"error": prefix + ": " + err.Error()}
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		detail["errors"] = verr.Errors
	}
	var invalid *services.WorkflowInvalidError
	if errors.As(err, &invalid) {
		detail["report"] = invalid.Report
	}
	data, merr := json.Marshal(detail)
	if merr != nil {
		return mcp.NewToolResultError(prefix + ": " + err.Error())
	}
	return mcp.NewToolResultError(string(data))
}

// principalContext carries the authenticated caller of the HTTP request
// into tool handlers.
func principalContext(ctx context.Context, r *http.Request) context.Context {
	if p := auth.PrincipalFrom(r.Context()); p != "" {
		return auth.WithPrincipal(ctx, p)
	}
	return ctx
}

// MountHTTPHandlers serves the streamable HTTP transport on /mcp and the
// SSE transport on /mcp/sse and /mcp/message.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	streamable := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(principalContext),
	)
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(principalContext),
	)

	mux.Handle("/mcp", streamable)
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
