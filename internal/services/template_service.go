package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"jobqueue/internal/auth"
	"jobqueue/internal/logging"
	"jobqueue/internal/repository"
	"jobqueue/pkg/models"
)

// Template defaults and limits.
const (
	DefaultTimeoutSec     = 30
	MaxTimeoutSec         = 3600
	DefaultMaxAttempts    = 1
	MaxMaxAttempts        = 10
	DefaultBackoffSeconds = 5.0
	DefaultPriority       = 5
	MinPriority           = 1
	MaxPriority           = 10
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// LinkInput describes a JobMasterTask to add. Nil fields take defaults: the
// next free order, required, retried.
type LinkInput struct {
	TaskMasterID   string `json:"task_master_id"`
	Order          *int   `json:"order,omitempty"`
	IsRequired     *bool  `json:"is_required,omitempty"`
	RetryOnFailure *bool  `json:"retry_on_failure,omitempty"`
	MaxRetries     *int   `json:"max_retries,omitempty"`
}

// LinkUpdate changes an existing JobMasterTask. Nil fields are unchanged.
type LinkUpdate struct {
	Order          *int `json:"order,omitempty"`
	IsRequired     *bool `json:"is_required,omitempty"`
	RetryOnFailure *bool `json:"retry_on_failure,omitempty"`
	MaxRetries     *int `json:"max_retries,omitempty"`
}

// TemplateService enforces the write rules of the template store.
type TemplateService struct {
	repo   repository.TemplateRepository
	logger *logging.Logger
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(repo repository.TemplateRepository, logger *logging.Logger) *TemplateService {
	return &TemplateService{repo: repo, logger: logger}
}

// Actor returns the caller recorded as created_by, or "system" for
// background work.
func Actor(ctx context.Context) string {
	if p := auth.PrincipalFrom(ctx); p != "" {
		return p
	}
	return "system"
}

// Interface masters

// CreateInterfaceMaster validates and stores a new interface.
func (s *TemplateService) CreateInterfaceMaster(ctx context.Context, im *models.InterfaceMaster) (*models.InterfaceMaster, error) {
	if err := validateInterface(im); err != nil {
		return nil, err
	}
	im.ID = models.NewID(models.PrefixInterfaceMaster)
	im.IsActive = true
	im.CreatedBy = Actor(ctx)
	if err := s.repo.CreateInterfaceMaster(ctx, im); err != nil {
		return nil, err
	}
	s.logger.Info("interface master created", "interface_id", im.ID, "name", im.Name)
	return im, nil
}

// UpdateInterfaceMaster replaces the editable fields of an interface.
func (s *TemplateService) UpdateInterfaceMaster(ctx context.Context, id string, in *models.InterfaceMaster) (*models.InterfaceMaster, error) {
	cur, err := s.repo.GetInterfaceMaster(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateInterface(in); err != nil {
		return nil, err
	}
	cur.Name = in.Name
	cur.Description = in.Description
	cur.InputSchema = in.InputSchema
	cur.OutputSchema = in.OutputSchema
	if err := s.repo.UpdateInterfaceMaster(ctx, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// DeactivateInterfaceMaster soft-deletes an interface. Existing references
// keep working; new ones are rejected.
func (s *TemplateService) DeactivateInterfaceMaster(ctx context.Context, id string) error {
	cur, err := s.repo.GetInterfaceMaster(ctx, id)
	if err != nil {
		return err
	}
	cur.IsActive = false
	return s.repo.UpdateInterfaceMaster(ctx, cur)
}

func (s *TemplateService) GetInterfaceMaster(ctx context.Context, id string) (*models.InterfaceMaster, error) {
	return s.repo.GetInterfaceMaster(ctx, id)
}

func (s *TemplateService) ListInterfaceMasters(ctx context.Context, page models.Page) ([]*models.InterfaceMaster, int, error) {
	return s.repo.ListInterfaceMasters(ctx, page)
}

func validateInterface(im *models.InterfaceMaster) error {
	verr := &ValidationError{}
	if strings.TrimSpace(im.Name) == "" {
		verr.add("name", "is required")
	}
	verr.addSchema("input_schema", im.InputSchema)
	verr.addSchema("output_schema", im.OutputSchema)
	return verr.err()
}

// Task masters

// CreateTaskMaster validates spec and stores it as version 1.
func (s *TemplateService) CreateTaskMaster(ctx context.Context, spec models.TaskMasterSpec, reason string) (*models.TaskMaster, error) {
	normalizeTaskMaster(&spec)
	if err := s.validateTaskMaster(ctx, spec); err != nil {
		return nil, err
	}
	who := Actor(ctx)
	tm := &models.TaskMaster{
		ID:             models.NewID(models.PrefixTaskMaster),
		TaskMasterSpec: spec,
		IsActive:       true,
		CreatedBy:      who,
		UpdatedBy:      who,
	}
	if reason == "" {
		reason = "created"
	}
	if _, err := s.repo.CreateTaskMaster(ctx, tm, reason); err != nil {
		return nil, err
	}
	s.logger.Info("task master created", "master_id", tm.ID, "name", tm.Name)
	return tm, nil
}

// UpdateTaskMaster replaces the versioned fields and records the next version.
func (s *TemplateService) UpdateTaskMaster(ctx context.Context, id string, spec models.TaskMasterSpec, reason string) (*models.TaskMaster, *models.TaskMasterVersion, error) {
	tm, err := s.repo.GetTaskMaster(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	normalizeTaskMaster(&spec)
	if err := s.validateTaskMaster(ctx, spec); err != nil {
		return nil, nil, err
	}
	tm.TaskMasterSpec = spec
	tm.UpdatedBy = Actor(ctx)
	if reason == "" {
		reason = "updated"
	}
	v, err := s.repo.UpdateTaskMaster(ctx, tm, reason)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("task master updated", "master_id", id, "version", v.Version)
	return tm, v, nil
}

func (s *TemplateService) DeactivateTaskMaster(ctx context.Context, id string) error {
	return s.repo.SetTaskMasterActive(ctx, id, false, Actor(ctx))
}

func (s *TemplateService) GetTaskMaster(ctx context.Context, id string) (*models.TaskMaster, error) {
	return s.repo.GetTaskMaster(ctx, id)
}

func (s *TemplateService) ListTaskMasters(ctx context.Context, page models.Page) ([]*models.TaskMaster, int, error) {
	return s.repo.ListTaskMasters(ctx, page)
}

func normalizeTaskMaster(spec *models.TaskMasterSpec) {
	spec.Method = strings.ToUpper(strings.TrimSpace(spec.Method))
	if spec.TimeoutSec == 0 {
		spec.TimeoutSec = DefaultTimeoutSec
	}
}

func (s *TemplateService) validateTaskMaster(ctx context.Context, spec models.TaskMasterSpec) error {
	verr := &ValidationError{}
	if strings.TrimSpace(spec.Name) == "" {
		verr.add("name", "is required")
	}
	if !allowedMethods[spec.Method] {
		verr.add("method", "must be one of GET, POST, PUT, PATCH, DELETE")
	}
	validateURL(verr, "url", spec.URL, true)
	if spec.TimeoutSec < 1 || spec.TimeoutSec > MaxTimeoutSec {
		verr.add("timeout_sec", "must be between 1 and %d", MaxTimeoutSec)
	}
	if spec.MaxRetries < 0 {
		verr.add("max_retries", "must not be negative")
	}
	if spec.RetryDelaySec < 0 {
		verr.add("retry_delay_sec", "must not be negative")
	}
	for field, id := range map[string]*string{"input_interface_id": spec.InputInterfaceID, "output_interface_id": spec.OutputInterfaceID} {
		if id == nil {
			continue
		}
		if err := s.activeInterface(ctx, *id); err != nil {
			verr.add(field, "%v", err)
		}
	}
	sort.SliceStable(verr.Errors, func(i, j int) bool { return verr.Errors[i].Field < verr.Errors[j].Field })
	return verr.err()
}

func (s *TemplateService) activeInterface(ctx context.Context, id string) error {
	im, err := s.repo.GetInterfaceMaster(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("interface %s not found", id)
	}
	if err != nil {
		return err
	}
	if !im.IsActive {
		return fmt.Errorf("interface %s is inactive", id)
	}
	return nil
}

func validateURL(verr *ValidationError, field, raw string, required bool) {
	if raw == "" {
		if required {
			verr.add(field, "is required")
		}
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		verr.add(field, "must be an absolute http(s) URL")
	}
}

// Interface associations

// AssociateInterface links an extra interface to a task master.
func (s *TemplateService) AssociateInterface(ctx context.Context, taskMasterID, interfaceID string, required bool) (*models.TaskMasterInterface, error) {
	if _, err := s.repo.GetTaskMaster(ctx, taskMasterID); err != nil {
		return nil, err
	}
	im, err := s.repo.GetInterfaceMaster(ctx, interfaceID)
	if err != nil {
		return nil, err
	}
	if !im.IsActive {
		return nil, fmt.Errorf("%w: interface %s", ErrInactive, interfaceID)
	}
	a := &models.TaskMasterInterface{
		ID:                models.NewID(models.PrefixTaskMasterInterface),
		TaskMasterID:      taskMasterID,
		InterfaceMasterID: interfaceID,
		Required:          required,
	}
	if err := s.repo.AddTaskMasterInterface(ctx, a); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: interface %s already associated with this task master", ErrAlreadyAssociated, interfaceID)
		}
		return nil, err
	}
	return a, nil
}

func (s *TemplateService) ListInterfaces(ctx context.Context, taskMasterID string) ([]*models.TaskMasterInterface, error) {
	if _, err := s.repo.GetTaskMaster(ctx, taskMasterID); err != nil {
		return nil, err
	}
	return s.repo.ListTaskMasterInterfaces(ctx, taskMasterID)
}

func (s *TemplateService) DissociateInterface(ctx context.Context, taskMasterID, interfaceID string) error {
	return s.repo.RemoveTaskMasterInterface(ctx, taskMasterID, interfaceID)
}

// Job masters

// CreateJobMaster validates spec and the initial chain, then stores both as
// version 1.
func (s *TemplateService) CreateJobMaster(ctx context.Context, spec models.JobMasterSpec, links []LinkInput, reason string) (*models.JobMaster, *models.JobMasterVersion, error) {
	normalizeJobMaster(&spec)
	verr := &ValidationError{}
	validateJobMaster(verr, spec)

	built := make([]*models.JobMasterTask, 0, len(links))
	next := 0
	seenOrder := map[int]bool{}
	seenMaster := map[string]bool{}
	for i, in := range links {
		field := fmt.Sprintf("tasks[%d]", i)
		l := newLink(in, next)
		if l.Order >= next {
			next = l.Order + 1
		}
		if seenOrder[l.Order] {
			verr.add(field+".order", "order %d is used by another task", l.Order)
		}
		if seenMaster[l.TaskMasterID] {
			verr.add(field+".task_master_id", "task master %s already associated", l.TaskMasterID)
		}
		seenOrder[l.Order], seenMaster[l.TaskMasterID] = true, true
		if err := s.checkLink(ctx, l); err != nil {
			verr.add(field, "%v", err)
		}
		built = append(built, l)
	}
	if err := verr.err(); err != nil {
		return nil, nil, err
	}

	who := Actor(ctx)
	jm := &models.JobMaster{
		ID:            models.NewID(models.PrefixJobMaster),
		JobMasterSpec: spec,
		IsActive:      true,
		CreatedBy:     who,
		UpdatedBy:     who,
	}
	if reason == "" {
		reason = "created"
	}
	v, err := s.repo.CreateJobMaster(ctx, jm, built, nil, reason)
	if err != nil {
		return nil, nil, translate(err)
	}
	s.logger.Info("job master created", "master_id", jm.ID, "tasks", len(built))
	return jm, v, nil
}

// UpdateJobMaster replaces the job-level fields and snapshots the result.
func (s *TemplateService) UpdateJobMaster(ctx context.Context, id string, spec models.JobMasterSpec, reason string) (*models.JobMaster, *models.JobMasterVersion, error) {
	jm, err := s.repo.GetJobMaster(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	normalizeJobMaster(&spec)
	verr := &ValidationError{}
	validateJobMaster(verr, spec)
	if err := verr.err(); err != nil {
		return nil, nil, err
	}
	jm.JobMasterSpec = spec
	jm.UpdatedBy = Actor(ctx)
	if reason == "" {
		reason = "updated"
	}
	v, err := s.repo.UpdateJobMaster(ctx, jm, reason)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("job master updated", "master_id", id, "version", v.Version)
	return jm, v, nil
}

func (s *TemplateService) DeactivateJobMaster(ctx context.Context, id string) error {
	return s.repo.SetJobMasterActive(ctx, id, false, Actor(ctx))
}

func (s *TemplateService) GetJobMaster(ctx context.Context, id string) (*models.JobMaster, error) {
	return s.repo.GetJobMaster(ctx, id)
}

func (s *TemplateService) ListJobMasters(ctx context.Context, page models.Page) ([]*models.JobMaster, int, error) {
	return s.repo.ListJobMasters(ctx, page)
}

func normalizeJobMaster(spec *models.JobMasterSpec) {
	spec.Method = strings.ToUpper(strings.TrimSpace(spec.Method))
	if spec.TimeoutSec == 0 {
		spec.TimeoutSec = DefaultTimeoutSec
	}
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = DefaultMaxAttempts
	}
	if spec.BackoffStrategy == "" {
		spec.BackoffStrategy = models.BackoffExponential
	}
	if spec.BackoffSeconds == 0 {
		spec.BackoffSeconds = DefaultBackoffSeconds
	}
	spec.Tags = UnionTags(spec.Tags, nil)
}

func validateJobMaster(verr *ValidationError, spec models.JobMasterSpec) {
	if strings.TrimSpace(spec.Name) == "" {
		verr.add("name", "is required")
	}
	if spec.Method != "" && !allowedMethods[spec.Method] {
		verr.add("method", "must be one of GET, POST, PUT, PATCH, DELETE")
	}
	validateURL(verr, "url", spec.URL, false)
	if spec.TimeoutSec < 1 || spec.TimeoutSec > MaxTimeoutSec {
		verr.add("timeout_sec", "must be between 1 and %d", MaxTimeoutSec)
	}
	if spec.MaxAttempts < 1 || spec.MaxAttempts > MaxMaxAttempts {
		verr.add("max_attempts", "must be between 1 and %d", MaxMaxAttempts)
	}
	if !spec.BackoffStrategy.Valid() {
		verr.add("backoff_strategy", "must be fixed, linear or exponential")
	}
	if spec.BackoffSeconds < 0 {
		verr.add("backoff_seconds", "must not be negative")
	}
	if spec.TTLSeconds != nil && *spec.TTLSeconds < 1 {
		verr.add("ttl_seconds", "must be positive")
	}
}

// UnionTags returns the sorted, de-duplicated union of a and b.
func UnionTags(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{a, b} {
		for _, t := range list {
			t = strings.TrimSpace(t)
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Chain links

func newLink(in LinkInput, defaultOrder int) *models.JobMasterTask {
	l := &models.JobMasterTask{
		ID:             models.NewID(models.PrefixJobMasterTask),
		TaskMasterID:   in.TaskMasterID,
		Order:          defaultOrder,
		IsRequired:     true,
		RetryOnFailure: true,
		MaxRetries:     in.MaxRetries,
	}
	if in.Order != nil {
		l.Order = *in.Order
	}
	if in.IsRequired != nil {
		l.IsRequired = *in.IsRequired
	}
	if in.RetryOnFailure != nil {
		l.RetryOnFailure = *in.RetryOnFailure
	}
	return l
}

// checkLink verifies the fields of a single link and its target.
func (s *TemplateService) checkLink(ctx context.Context, l *models.JobMasterTask) error {
	if l.TaskMasterID == "" {
		return errors.New("task_master_id is required")
	}
	if l.Order < 0 {
		return errors.New("order must not be negative")
	}
	if l.MaxRetries != nil && *l.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	tm, err := s.repo.GetTaskMaster(ctx, l.TaskMasterID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("task master %s not found", l.TaskMasterID)
	}
	if err != nil {
		return err
	}
	if !tm.IsActive {
		return fmt.Errorf("%w: task master %s", ErrInactive, l.TaskMasterID)
	}
	return nil
}

// AddTask appends a link to the chain of a job master.
func (s *TemplateService) AddTask(ctx context.Context, jobMasterID string, in LinkInput, reason string) (*models.JobMasterTask, *models.JobMasterVersion, error) {
	jm, err := s.repo.GetJobMaster(ctx, jobMasterID)
	if err != nil {
		return nil, nil, err
	}
	if !jm.IsActive {
		return nil, nil, fmt.Errorf("%w: job master %s", ErrInactive, jobMasterID)
	}
	existing, err := s.repo.ListJobMasterTasks(ctx, jobMasterID)
	if err != nil {
		return nil, nil, err
	}
	next := 0
	for _, l := range existing {
		if l.Order >= next {
			next = l.Order + 1
		}
	}
	l := newLink(in, next)
	l.JobMasterID = jobMasterID
	if err := s.checkLink(ctx, l); err != nil {
		if errors.Is(err, ErrInactive) {
			return nil, nil, err
		}
		verr := &ValidationError{}
		verr.add("task_master_id", "%v", err)
		return nil, nil, verr
	}
	for _, e := range existing {
		if e.TaskMasterID == l.TaskMasterID {
			return nil, nil, fmt.Errorf("%w: task master %s already associated with this job master", ErrAlreadyAssociated, l.TaskMasterID)
		}
		if e.Order == l.Order {
			return nil, nil, fmt.Errorf("%w: order %d is used by link %s", ErrOrderTaken, l.Order, e.ID)
		}
	}
	if reason == "" {
		reason = fmt.Sprintf("added task %s at order %d", l.TaskMasterID, l.Order)
	}
	v, err := s.repo.AddJobMasterTask(ctx, l, reason, Actor(ctx))
	if err != nil {
		return nil, nil, translate(err)
	}
	return l, v, nil
}

func (s *TemplateService) ListTasks(ctx context.Context, jobMasterID string) ([]*models.JobMasterTask, error) {
	return s.repo.ListJobMasterTasks(ctx, jobMasterID)
}

// UpdateTask changes order or retry policy of a link. Other links are
// never renumbered.
func (s *TemplateService) UpdateTask(ctx context.Context, jobMasterID, linkID string, in LinkUpdate, reason string) (*models.JobMasterTask, *models.JobMasterVersion, error) {
	l, err := s.repo.GetJobMasterTask(ctx, jobMasterID, linkID)
	if err != nil {
		return nil, nil, err
	}
	if in.Order != nil {
		if *in.Order < 0 {
			verr := &ValidationError{}
			verr.add("order", "must not be negative")
			return nil, nil, verr
		}
		l.Order = *in.Order
	}
	if in.IsRequired != nil {
		l.IsRequired = *in.IsRequired
	}
	if in.RetryOnFailure != nil {
		l.RetryOnFailure = *in.RetryOnFailure
	}
	if in.MaxRetries != nil {
		l.MaxRetries = in.MaxRetries
	}
	if reason == "" {
		reason = fmt.Sprintf("updated task link %s", linkID)
	}
	v, err := s.repo.UpdateJobMasterTask(ctx, l, reason, Actor(ctx))
	if err != nil {
		return nil, nil, translate(err)
	}
	return l, v, nil
}

// RemoveTask deletes a link. Remaining links keep their order values.
func (s *TemplateService) RemoveTask(ctx context.Context, jobMasterID, linkID, reason string) (*models.JobMasterVersion, error) {
	if reason == "" {
		reason = fmt.Sprintf("removed task link %s", linkID)
	}
	return s.repo.RemoveJobMasterTask(ctx, jobMasterID, linkID, reason, Actor(ctx))
}

// ValidateJobSpec checks the request settings of a job about to be
// created from a master or an ad hoc request.
func ValidateJobSpec(spec models.JobMasterSpec, priority int) error {
	verr := &ValidationError{}
	validateJobMaster(verr, spec)
	if priority < MinPriority || priority > MaxPriority {
		verr.add("priority", "must be between %d and %d", MinPriority, MaxPriority)
	}
	return verr.err()
}

// NormalizeJobSpec fills defaults the same way job masters get them.
func NormalizeJobSpec(spec *models.JobMasterSpec) {
	normalizeJobMaster(spec)
}
