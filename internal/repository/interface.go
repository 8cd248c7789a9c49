package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobqueue/pkg/models"
)

// Sentinel errors for repository operations.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate entry")
	ErrConflict  = errors.New("conflict")

	// ErrDuplicateLink means the task master is already part of the chain.
	ErrDuplicateLink = fmt.Errorf("%w: task master already linked to job master", ErrDuplicate)
	// ErrOrderTaken means another link already occupies the order slot.
	ErrOrderTaken = fmt.Errorf("%w: order already taken", ErrDuplicate)
	// ErrDuplicateInterface means the interface is already associated.
	ErrDuplicateInterface = fmt.Errorf("%w: interface already associated with task master", ErrDuplicate)
)

// TemplateRepository persists templates and their version history. Every
// method that changes a versioned template appends the snapshot and bumps
// current_version in the same atomic unit.
type TemplateRepository interface {
	CreateInterfaceMaster(ctx context.Context, im *models.InterfaceMaster) error
	GetInterfaceMaster(ctx context.Context, id string) (*models.InterfaceMaster, error)
	ListInterfaceMasters(ctx context.Context, page models.Page) ([]*models.InterfaceMaster, int, error)
	UpdateInterfaceMaster(ctx context.Context, im *models.InterfaceMaster) error

	// CreateTaskMaster stores tm at version 1.
	CreateTaskMaster(ctx context.Context, tm *models.TaskMaster, reason string) (*models.TaskMasterVersion, error)
	GetTaskMaster(ctx context.Context, id string) (*models.TaskMaster, error)
	ListTaskMasters(ctx context.Context, page models.Page) ([]*models.TaskMaster, int, error)
	// UpdateTaskMaster writes the versioned fields of tm as the next version.
	UpdateTaskMaster(ctx context.Context, tm *models.TaskMaster, reason string) (*models.TaskMasterVersion, error)
	SetTaskMasterActive(ctx context.Context, id string, active bool, by string) error
	GetTaskMasterVersion(ctx context.Context, id string, version int) (*models.TaskMasterVersion, error)
	// ListTaskMasterVersions returns versions newest first.
	ListTaskMasterVersions(ctx context.Context, id string) ([]*models.TaskMasterVersion, error)

	AddTaskMasterInterface(ctx context.Context, a *models.TaskMasterInterface) error
	ListTaskMasterInterfaces(ctx context.Context, taskMasterID string) ([]*models.TaskMasterInterface, error)
	RemoveTaskMasterInterface(ctx context.Context, taskMasterID, interfaceID string) error

	// CreateJobMaster stores jm and its initial chain at version 1. Links
	// whose task master appears in pins are snapshotted at the pinned
	// version instead of the current one.
	CreateJobMaster(ctx context.Context, jm *models.JobMaster, links []*models.JobMasterTask, pins map[string]int, reason string) (*models.JobMasterVersion, error)
	GetJobMaster(ctx context.Context, id string) (*models.JobMaster, error)
	ListJobMasters(ctx context.Context, page models.Page) ([]*models.JobMaster, int, error)
	UpdateJobMaster(ctx context.Context, jm *models.JobMaster, reason string) (*models.JobMasterVersion, error)
	SetJobMasterActive(ctx context.Context, id string, active bool, by string) error

	AddJobMasterTask(ctx context.Context, link *models.JobMasterTask, reason, by string) (*models.JobMasterVersion, error)
	UpdateJobMasterTask(ctx context.Context, link *models.JobMasterTask, reason, by string) (*models.JobMasterVersion, error)
	RemoveJobMasterTask(ctx context.Context, jobMasterID, linkID, reason, by string) (*models.JobMasterVersion, error)
	GetJobMasterTask(ctx context.Context, jobMasterID, linkID string) (*models.JobMasterTask, error)
	// ListJobMasterTasks returns the live chain ordered by order.
	ListJobMasterTasks(ctx context.Context, jobMasterID string) ([]*models.JobMasterTask, error)

	// SaveJobMasterVersion snapshots the live master and chain as the next version.
	SaveJobMasterVersion(ctx context.Context, jobMasterID, reason, by string) (*models.JobMasterVersion, error)
	GetJobMasterVersion(ctx context.Context, id string, version int) (*models.JobMasterVersion, error)
	// ListJobMasterVersions returns versions newest first.
	ListJobMasterVersions(ctx context.Context, id string) ([]*models.JobMasterVersion, error)
}

// JobRepository persists jobs and tasks.
type JobRepository interface {
	// CreateJob stores the job and all of its tasks or nothing.
	CreateJob(ctx context.Context, job *models.Job, tasks []*models.Task) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, f models.JobFilter) ([]*models.Job, int, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// ListTasks returns the tasks of a job ordered by order.
	ListTasks(ctx context.Context, jobID string) ([]*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error

	// ClaimNextJob atomically moves the most urgent eligible queued job to
	// running. It returns nil, nil when there is nothing to claim.
	ClaimNextJob(ctx context.Context, now time.Time) (*models.Job, error)
	// ClaimJob atomically moves job id to running if its status is one of
	// from. It returns ErrConflict when another caller got there first.
	ClaimJob(ctx context.Context, id string, now time.Time, from ...models.JobStatus) (*models.Job, error)
	// UpdateJobIf locks the job and its tasks, checks the job status is one
	// of from, applies fn and writes back everything fn changed.
	UpdateJobIf(ctx context.Context, id string, from []models.JobStatus, fn func(*models.Job, []*models.Task) error) (*models.Job, error)
	// ExpireJobs cancels queued jobs whose TTL has elapsed and returns their ids.
	ExpireJobs(ctx context.Context, now time.Time) ([]string, error)
}

// Repository is the full persistence surface.
type Repository interface {
	TemplateRepository
	JobRepository
	Ping(ctx context.Context) error
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
