package services

import (
	"errors"
	"fmt"
	"strings"

	"jobqueue/internal/repository"
	"jobqueue/internal/schema"
)

// ErrNotFound is returned for unknown ids.
var ErrNotFound = repository.ErrNotFound

var (
	// ErrInactive means a deactivated template was referenced by a new link or job.
	ErrInactive = errors.New("template is inactive")
	// ErrAlreadyAssociated means the association already exists.
	ErrAlreadyAssociated = errors.New("already associated")
	// ErrOrderTaken means another link of the chain already uses the order.
	ErrOrderTaken = errors.New("order already taken")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when input is rejected before persistence.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...interface{}) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) err() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// addSchema folds the problems of a schema document into e under field.
func (e *ValidationError) addSchema(field string, doc map[string]interface{}) {
	err := schema.ValidateDocument(doc)
	if err == nil {
		return
	}
	var docErr *schema.DocumentError
	if errors.As(err, &docErr) {
		for _, p := range docErr.Problems {
			e.add(field+strings.TrimPrefix(p.Path, "$"), "%s", p.Message)
		}
		return
	}
	e.add(field, "%s", err.Error())
}

// WorkflowInvalidError carries the report of a failed workflow validation.
type WorkflowInvalidError struct {
	Report *ValidationReport
}

func (e *WorkflowInvalidError) Error() string {
	msgs := make([]string, 0, len(e.Report.Errors))
	for _, issue := range e.Report.Errors {
		msgs = append(msgs, issue.Message)
	}
	return "workflow is invalid: " + strings.Join(msgs, "; ")
}

// translate maps repository sentinels onto service errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrOrderTaken):
		return fmt.Errorf("%w: %v", ErrOrderTaken, err)
	case errors.Is(err, repository.ErrDuplicateLink), errors.Is(err, repository.ErrDuplicateInterface):
		return fmt.Errorf("%w: %v", ErrAlreadyAssociated, err)
	}
	return err
}
