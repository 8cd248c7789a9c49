// Package api contains the HTTP handlers for the job queue service
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"jobqueue/internal/engine"
	"jobqueue/internal/logging"
	"jobqueue/internal/repository"
	"jobqueue/internal/services"
	"jobqueue/pkg/models"

	"github.com/labstack/echo/v4"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Deps are the collaborators the handlers delegate to.
type Deps struct {
	Repo       repository.Repository
	Templates  *services.TemplateService
	Versions   *services.VersionManager
	Validator  *services.WorkflowValidator
	Factory    *engine.Factory
	Controller *engine.Controller
	Logger     *logging.Logger
	Version    string
}

// Handler contains HTTP handlers for the job queue REST API
type Handler struct {
	repo       repository.Repository
	templates  *services.TemplateService
	versions   *services.VersionManager
	validator  *services.WorkflowValidator
	factory    *engine.Factory
	controller *engine.Controller
	logger     *logging.Logger
	version    string
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	version := d.Version
	if version == "" {
		version = "dev"
	}
	return &Handler{
		repo:       d.Repo,
		templates:  d.Templates,
		versions:   d.Versions,
		validator:  d.Validator,
		factory:    d.Factory,
		controller: d.Controller,
		logger:     logger,
		version:    version,
	}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Database  string    `json:"database"`
}

// HandleHealth reports service health. A failed database ping answers 503.
func (h *Handler) HandleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "jobqueue",
		Version:   h.version,
		Database:  "ok",
	}
	code := http.StatusOK
	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", "error", err)
		status.Status = "degraded"
		status.Database = err.Error()
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// ListResponse is the envelope of every paged listing.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Size  int `json:"size"`
}

func newList[T any](items []T, total, page, size int) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Total: total, Page: page, Size: size}
}

// pageParams reads ?page (1-based) and ?size.
func pageParams(c echo.Context) (models.Page, int, int, error) {
	verr := &services.ValidationError{}
	page, size := 1, defaultPageSize
	if raw := c.QueryParam("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			verr.Errors = append(verr.Errors, services.FieldError{Field: "page", Message: "must be a positive integer"})
		} else {
			page = n
		}
	}
	if raw := c.QueryParam("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			verr.Errors = append(verr.Errors, services.FieldError{Field: "size", Message: "must be between 1 and 100"})
		} else {
			size = n
		}
	}
	if len(verr.Errors) > 0 {
		return models.Page{}, 0, 0, verr
	}
	activeOnly, _ := strconv.ParseBool(c.QueryParam("active_only"))
	return models.Page{Limit: size, Offset: (page - 1) * size, ActiveOnly: activeOnly}, page, size, nil
}

// intParam parses a numeric path parameter.
func intParam(c echo.Context, name string) (int, error) {
	return intQuery(c.Param(name), name)
}

func intQuery(raw, name string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &services.ValidationError{Errors: []services.FieldError{{Field: name, Message: "must be a positive integer"}}}
	}
	return n, nil
}

// bindBody decodes the JSON request body into v. An empty body leaves v
// untouched.
func bindBody(c echo.Context, v interface{}) error {
	return new(echo.DefaultBinder).BindBody(c, v)
}
