package api

import (
	"errors"
	"net/http"

	"jobqueue/internal/engine"
	"jobqueue/internal/logging"
	"jobqueue/internal/repository"
	"jobqueue/internal/services"

	"github.com/labstack/echo/v4"
)

// ProblemDetails represents an RFC 7807 Problem Details response. Errors
// and Report are extension members carrying the structured detail a
// client needs to correct its request.
type ProblemDetails struct {
	Type     string                     `json:"type"`
	Title    string                     `json:"title"`
	Status   int                        `json:"status"`
	Detail   string                     `json:"detail"`
	Instance string                     `json:"instance,omitempty"`
	Errors   []services.FieldError      `json:"errors,omitempty"`
	Report   *services.ValidationReport `json:"report,omitempty"`
}

func (p *ProblemDetails) Error() string { return p.Title + ": " + p.Detail }

func newProblem(status int, detail string) *ProblemDetails {
	return &ProblemDetails{Type: "about:blank", Title: http.StatusText(status), Status: status, Detail: detail}
}

// problemFor maps an error returned by a handler onto a problem response.
func problemFor(err error) *ProblemDetails {
	var (
		problem  *ProblemDetails
		httpErr  *echo.HTTPError
		verr     *services.ValidationError
		invalid  *services.WorkflowInvalidError
		notFound = errors.Is(err, repository.ErrNotFound)
	)
	switch {
	case errors.As(err, &problem):
		return problem
	case errors.As(err, &httpErr):
		p := newProblem(httpErr.Code, http.StatusText(httpErr.Code))
		if msg, ok := httpErr.Message.(string); ok {
			p.Detail = msg
		}
		return p
	case errors.As(err, &verr):
		p := newProblem(http.StatusBadRequest, err.Error())
		p.Title = "Validation Failed"
		p.Errors = verr.Errors
		return p
	case errors.As(err, &invalid):
		p := newProblem(http.StatusUnprocessableEntity, err.Error())
		p.Title = "Workflow Invalid"
		p.Report = invalid.Report
		return p
	case errors.Is(err, services.ErrInactive),
		errors.Is(err, services.ErrAlreadyAssociated),
		errors.Is(err, services.ErrOrderTaken):
		return newProblem(http.StatusBadRequest, err.Error())
	case notFound:
		return newProblem(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, repository.ErrConflict):
		return newProblem(http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrPoolStopped):
		return newProblem(http.StatusServiceUnavailable, err.Error())
	}
	return nil
}

// ErrorHandler writes every handler error as application/problem+json.
// Unmapped errors are logged and answered with a generic 500.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		p := problemFor(err)
		if p == nil {
			logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
			p = newProblem(http.StatusInternalServerError, "internal error")
		}
		out := *p
		out.Instance = c.Request().URL.Path
		writeError(c, &out)
	}
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(c echo.Context, p *ProblemDetails) {
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(p.Status)
		return
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	c.Response().WriteHeader(p.Status)
	_ = c.Echo().JSONSerializer.Serialize(c, p, "")
}
