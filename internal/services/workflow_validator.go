package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"jobqueue/internal/logging"
	"jobqueue/internal/repository"
	"jobqueue/internal/schema"
	"jobqueue/pkg/models"
)

// Issue codes reported by the WorkflowValidator.
const (
	IssueNotFound          = "not_found"
	IssueSingleTask        = "single_task"
	IssueMissingInterface  = "missing_interface"
	IssueMissingProperty   = "missing_property"
	IssueTypeMismatch      = "type_mismatch"
	IssueInvalidSchema     = "invalid_schema"
	IssueInactiveReference = "inactive_reference"
)

// ValidationIssue is one error or warning of a ValidationReport.
type ValidationIssue struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	TaskAOrder *int   `json:"task_a_order,omitempty"`
	TaskBOrder *int   `json:"task_b_order,omitempty"`
	Property   string `json:"property,omitempty"`
	Expected   string `json:"expected,omitempty"`
	Actual     string `json:"actual,omitempty"`
}

// TaskInterfaces records the interfaces resolved for one step of a chain.
type TaskInterfaces struct {
	Order             int     `json:"order"`
	TaskMasterID      string  `json:"task_master_id"`
	TaskMasterVersion int     `json:"task_master_version"`
	TaskName          string  `json:"task_name"`
	InputInterface    *string `json:"input_interface"`
	OutputInterface   *string `json:"output_interface"`
}

// CompatibilityCheck is the result for one adjacent pair of steps.
// IsCompatible is nil when either side declares no interface.
type CompatibilityCheck struct {
	TaskAOrder        int      `json:"task_a_order"`
	TaskBOrder        int      `json:"task_b_order"`
	TaskAName         string   `json:"task_a_name"`
	TaskBName         string   `json:"task_b_name"`
	OutputInterface   *string  `json:"output_interface"`
	InputInterface    *string  `json:"input_interface"`
	IsCompatible      *bool    `json:"is_compatible"`
	MissingProperties []string `json:"missing_properties"`
	TypeMismatches    []string `json:"type_mismatches"`
}

// ValidationReport is the structured outcome of a workflow validation.
type ValidationReport struct {
	IsValid             bool                 `json:"is_valid"`
	Errors              []ValidationIssue    `json:"errors"`
	Warnings            []ValidationIssue    `json:"warnings"`
	TaskInterfaces      []TaskInterfaces     `json:"task_interfaces"`
	CompatibilityChecks []CompatibilityCheck `json:"compatibility_checks"`
}

func newReport() *ValidationReport {
	return &ValidationReport{
		Errors:              []ValidationIssue{},
		Warnings:            []ValidationIssue{},
		TaskInterfaces:      []TaskInterfaces{},
		CompatibilityChecks: []CompatibilityCheck{},
	}
}

func (r *ValidationReport) fail(issue ValidationIssue) {
	r.Errors = append(r.Errors, issue)
}

func (r *ValidationReport) warn(issue ValidationIssue) {
	r.Warnings = append(r.Warnings, issue)
}

func (r *ValidationReport) finish() *ValidationReport {
	r.IsValid = len(r.Errors) == 0
	return r
}

func notFoundReport(format string, args ...interface{}) *ValidationReport {
	r := newReport()
	r.fail(ValidationIssue{Code: IssueNotFound, Message: fmt.Sprintf(format, args...)})
	return r.finish()
}

// ChainStep is one resolved step of a chain: the task master version it
// runs and the interfaces that version declares.
type ChainStep struct {
	Order             int
	TaskMasterID      string
	TaskMasterVersion int
	Spec              models.TaskMasterSpec
	Input             *models.InterfaceMaster
	Output            *models.InterfaceMaster
}

// WorkflowValidator checks that adjacent steps of a chain agree on data
// shape. It only reads.
type WorkflowValidator struct {
	repo   repository.Repository
	logger *logging.Logger
}

// NewWorkflowValidator creates a new WorkflowValidator.
func NewWorkflowValidator(repo repository.Repository, logger *logging.Logger) *WorkflowValidator {
	return &WorkflowValidator{repo: repo, logger: logger}
}

// Validate checks the live chain of a job master. An unknown master yields
// a failing report together with ErrNotFound.
func (v *WorkflowValidator) Validate(ctx context.Context, jobMasterID string) (*ValidationReport, error) {
	if _, err := v.repo.GetJobMaster(ctx, jobMasterID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFoundReport("job master %s not found", jobMasterID), err
		}
		return nil, err
	}
	links, err := v.repo.ListJobMasterTasks(ctx, jobMasterID)
	if err != nil {
		return nil, err
	}
	refs := make([]stepRef, 0, len(links))
	for _, l := range links {
		tm, err := v.repo.GetTaskMaster(ctx, l.TaskMasterID)
		if err != nil {
			return nil, fmt.Errorf("load task master %s: %w", l.TaskMasterID, err)
		}
		refs = append(refs, stepRef{order: l.Order, id: tm.ID, version: tm.CurrentVersion, spec: tm.TaskMasterSpec, active: tm.IsActive})
	}
	return v.validateRefs(ctx, refs, fmt.Sprintf("no tasks found for job master %s", jobMasterID))
}

// ValidateVersion checks the chain frozen in a job master version.
func (v *WorkflowValidator) ValidateVersion(ctx context.Context, jobMasterID string, version int) (*ValidationReport, error) {
	snap, err := v.repo.GetJobMasterVersion(ctx, jobMasterID, version)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFoundReport("job master %s version %d not found", jobMasterID, version), err
		}
		return nil, err
	}
	return v.ValidateEntries(ctx, snap.Tasks, fmt.Sprintf("no tasks found for job master %s version %d", jobMasterID, version))
}

// ValidateEntries checks a chain of pinned task master versions.
func (v *WorkflowValidator) ValidateEntries(ctx context.Context, chain []models.ChainEntry, emptyMsg string) (*ValidationReport, error) {
	refs := make([]stepRef, 0, len(chain))
	for _, c := range chain {
		tmv, err := v.repo.GetTaskMasterVersion(ctx, c.TaskMasterID, c.TaskMasterVersion)
		if err != nil {
			return nil, fmt.Errorf("load task master %s version %d: %w", c.TaskMasterID, c.TaskMasterVersion, err)
		}
		refs = append(refs, stepRef{order: c.Order, id: c.TaskMasterID, version: c.TaskMasterVersion, spec: tmv.TaskMasterSpec, active: true})
	}
	return v.validateRefs(ctx, refs, emptyMsg)
}

// ValidateJob checks the task list of a job against the task master
// versions its tasks are pinned to.
func (v *WorkflowValidator) ValidateJob(ctx context.Context, jobID string) (*ValidationReport, error) {
	if _, err := v.repo.GetJob(ctx, jobID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFoundReport("job %s not found", jobID), err
		}
		return nil, err
	}
	tasks, err := v.repo.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	refs := make([]stepRef, 0, len(tasks))
	for _, t := range tasks {
		tmv, err := v.repo.GetTaskMasterVersion(ctx, t.MasterID, t.MasterVersion)
		if err != nil {
			return nil, fmt.Errorf("load task master %s version %d: %w", t.MasterID, t.MasterVersion, err)
		}
		refs = append(refs, stepRef{order: t.Order, id: t.MasterID, version: t.MasterVersion, spec: tmv.TaskMasterSpec, active: true})
	}
	return v.validateRefs(ctx, refs, fmt.Sprintf("no tasks found for job %s", jobID))
}

type stepRef struct {
	order   int
	id      string
	version int
	spec    models.TaskMasterSpec
	active  bool
}

// validateRefs resolves interfaces for each step and runs ValidateChain.
// Inactive task masters in a live chain are reported as errors.
func (v *WorkflowValidator) validateRefs(ctx context.Context, refs []stepRef, emptyMsg string) (*ValidationReport, error) {
	if len(refs) == 0 {
		return notFoundReport("%s", emptyMsg), nil
	}
	cache := map[string]*models.InterfaceMaster{}
	resolve := func(id *string) (*models.InterfaceMaster, error) {
		if id == nil {
			return nil, nil
		}
		if im, ok := cache[*id]; ok {
			return im, nil
		}
		im, err := v.repo.GetInterfaceMaster(ctx, *id)
		if errors.Is(err, repository.ErrNotFound) {
			cache[*id] = nil
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		cache[*id] = im
		return im, nil
	}

	steps := make([]ChainStep, 0, len(refs))
	var inactive []ValidationIssue
	for _, r := range refs {
		in, err := resolve(r.spec.InputInterfaceID)
		if err != nil {
			return nil, err
		}
		out, err := resolve(r.spec.OutputInterfaceID)
		if err != nil {
			return nil, err
		}
		steps = append(steps, ChainStep{Order: r.order, TaskMasterID: r.id, TaskMasterVersion: r.version, Spec: r.spec, Input: in, Output: out})
		if !r.active {
			order := r.order
			inactive = append(inactive, ValidationIssue{
				Code:       IssueInactiveReference,
				Message:    fmt.Sprintf("task %d (%s) references inactive task master %s", r.order, r.spec.Name, r.id),
				TaskAOrder: &order,
			})
		}
	}

	report := ValidateChain(steps)
	if len(inactive) > 0 {
		report.Errors = append(inactive, report.Errors...)
		report.finish()
	}
	v.logger.Debug("workflow validated", "tasks", len(steps), "valid", report.IsValid, "errors", len(report.Errors), "warnings", len(report.Warnings))
	return report, nil
}

// ValidateChain checks every adjacent pair of steps and collects all
// problems. Steps must already be sorted by order.
func ValidateChain(steps []ChainStep) *ValidationReport {
	report := newReport()
	if len(steps) == 0 {
		report.fail(ValidationIssue{Code: IssueNotFound, Message: "no tasks found"})
		return report.finish()
	}

	for _, s := range steps {
		report.TaskInterfaces = append(report.TaskInterfaces, TaskInterfaces{
			Order:             s.Order,
			TaskMasterID:      s.TaskMasterID,
			TaskMasterVersion: s.TaskMasterVersion,
			TaskName:          s.Spec.Name,
			InputInterface:    interfaceName(s.Input),
			OutputInterface:   interfaceName(s.Output),
		})
	}

	if len(steps) == 1 {
		report.warn(ValidationIssue{Code: IssueSingleTask, Message: "only one task, no cross-task compatibility to check"})
		return report.finish()
	}

	for i := 0; i+1 < len(steps); i++ {
		checkPair(report, steps[i], steps[i+1])
	}
	return report.finish()
}

func checkPair(report *ValidationReport, a, b ChainStep) {
	aOrder, bOrder := a.Order, b.Order
	check := CompatibilityCheck{
		TaskAOrder:        aOrder,
		TaskBOrder:        bOrder,
		TaskAName:         a.Spec.Name,
		TaskBName:         b.Spec.Name,
		OutputInterface:   interfaceName(a.Output),
		InputInterface:    interfaceName(b.Input),
		MissingProperties: []string{},
		TypeMismatches:    []string{},
	}
	defer func() { report.CompatibilityChecks = append(report.CompatibilityChecks, check) }()

	var missingSides []string
	if a.Output == nil || len(a.Output.OutputSchema) == 0 {
		missingSides = append(missingSides, fmt.Sprintf("task %d (%s) declares no output interface", aOrder, a.Spec.Name))
	}
	if b.Input == nil || len(b.Input.InputSchema) == 0 {
		missingSides = append(missingSides, fmt.Sprintf("task %d (%s) declares no input interface", bOrder, b.Spec.Name))
	}
	if len(missingSides) > 0 {
		report.warn(ValidationIssue{
			Code:       IssueMissingInterface,
			Message:    "interface missing, compatibility unknown: " + strings.Join(missingSides, "; "),
			TaskAOrder: &aOrder,
			TaskBOrder: &bOrder,
		})
		return
	}

	producer, errA := schema.Parse(a.Output.OutputSchema)
	consumer, errB := schema.Parse(b.Input.InputSchema)
	if errA != nil || errB != nil {
		for _, e := range []struct {
			err   error
			order int
			name  string
		}{{errA, aOrder, a.Output.Name}, {errB, bOrder, b.Input.Name}} {
			if e.err != nil {
				report.fail(ValidationIssue{
					Code:       IssueInvalidSchema,
					Message:    fmt.Sprintf("interface %s of task %d is invalid: %v", e.name, e.order, e.err),
					TaskAOrder: &aOrder,
					TaskBOrder: &bOrder,
				})
			}
		}
		compatible := false
		check.IsCompatible = &compatible
		return
	}

	mismatches := schema.Compare(producer, consumer)
	for _, m := range mismatches {
		issue := ValidationIssue{TaskAOrder: &aOrder, TaskBOrder: &bOrder, Property: m.Property}
		switch m.Kind {
		case schema.MissingProperty:
			issue.Code = IssueMissingProperty
			issue.Message = fmt.Sprintf("task %d requires property %q which task %d does not produce", bOrder, m.Property, aOrder)
			check.MissingProperties = append(check.MissingProperties, m.Property)
		case schema.TypeMismatch:
			issue.Code = IssueTypeMismatch
			issue.Expected, issue.Actual = m.Expected, m.Actual
			issue.Message = fmt.Sprintf("property %q: task %d expects %s but task %d produces %s", m.Property, bOrder, m.Expected, aOrder, m.Actual)
			check.TypeMismatches = append(check.TypeMismatches, m.Property)
		}
		report.fail(issue)
	}
	compatible := len(mismatches) == 0
	check.IsCompatible = &compatible
}

func interfaceName(im *models.InterfaceMaster) *string {
	if im == nil {
		return nil
	}
	name := im.Name
	return &name
}
