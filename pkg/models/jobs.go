// Package models defines the domain models for the job queue service
package models

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped, TaskStatusCanceled:
		return true
	}
	return false
}

// BackoffStrategy selects how the delay between job attempts grows
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Valid reports whether s is a known strategy.
func (s BackoffStrategy) Valid() bool {
	switch s {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return true
	}
	return false
}

// ID prefixes
const (
	PrefixInterfaceMaster     = "if"
	PrefixTaskMaster          = "tm"
	PrefixTaskMasterInterface = "tmi"
	PrefixJobMaster           = "jm"
	PrefixJobMasterTask       = "jmt"
	PrefixJob                 = "j"
	PrefixTask                = "t"
)

// NewID returns a sortable identifier such as "j_01HV3K...".
func NewID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// HasPrefix reports whether id was minted with prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}

// Job is an executable instance, either instantiated from a pinned
// JobMaster version or created ad hoc.
type Job struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	MasterID        *string                `json:"master_id,omitempty"`
	MasterVersion   *int                   `json:"master_version,omitempty"`
	Status          JobStatus              `json:"status"`
	Paused          bool                   `json:"paused"`
	Priority        int                    `json:"priority"`
	Attempt         int                    `json:"attempt"`
	MaxAttempts     int                    `json:"max_attempts"`
	Method          string                 `json:"method,omitempty"`
	URL             string                 `json:"url,omitempty"`
	Headers         map[string]string      `json:"headers,omitempty"`
	Params          map[string]string      `json:"params,omitempty"`
	Body            map[string]interface{} `json:"body,omitempty"`
	TimeoutSec      int                    `json:"timeout_sec"`
	BackoffStrategy BackoffStrategy        `json:"backoff_strategy"`
	BackoffSeconds  float64                `json:"backoff_seconds"`
	TTLSeconds      *int                   `json:"ttl_seconds,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	Result          map[string]interface{} `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
	CreatedBy       string                 `json:"created_by,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	ScheduledAt     *time.Time             `json:"scheduled_at,omitempty"`
	NextAttemptAt   *time.Time             `json:"next_attempt_at,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty"`
}

// Task is one step of a job, bound to a specific task master version.
type Task struct {
	ID            string                 `json:"id"`
	JobID         string                 `json:"job_id"`
	MasterID      string                 `json:"master_id"`
	MasterVersion int                    `json:"master_version"`
	Name          string                 `json:"name"`
	Order         int                    `json:"order"`
	IsRequired    bool                   `json:"is_required"`
	MaxRetries    int                    `json:"max_retries"`
	Status        TaskStatus             `json:"status"`
	Attempt       int                    `json:"attempt"`
	InputData     map[string]interface{} `json:"input_data,omitempty"`
	OutputData    map[string]interface{} `json:"output_data,omitempty"`
	Error         string                 `json:"error,omitempty"`
	DurationMs    *int64                 `json:"duration_ms,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
}

// JobOverrides are caller-supplied values layered over a master's defaults
// when instantiating a job. Zero values mean "not set".
type JobOverrides struct {
	Name            string                 `json:"name,omitempty"`
	Headers         map[string]string      `json:"headers,omitempty"`
	Params          map[string]string      `json:"params,omitempty"`
	Body            map[string]interface{} `json:"body,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	TimeoutSec      int                    `json:"timeout_sec,omitempty"`
	MaxAttempts     int                    `json:"max_attempts,omitempty"`
	Priority        int                    `json:"priority,omitempty"`
	BackoffStrategy BackoffStrategy        `json:"backoff_strategy,omitempty"`
	BackoffSeconds  float64                `json:"backoff_seconds,omitempty"`
	TTLSeconds      *int                   `json:"ttl_seconds,omitempty"`
	ScheduledAt     *time.Time             `json:"scheduled_at,omitempty"`
}

// JobTaskSpec names one task of an ad-hoc chain.
type JobTaskSpec struct {
	TaskMasterID   string `json:"task_master_id"`
	IsRequired     *bool  `json:"is_required,omitempty"`
	RetryOnFailure *bool  `json:"retry_on_failure,omitempty"`
	MaxRetries     *int   `json:"max_retries,omitempty"`
}

// CreateJobRequest describes an ad-hoc job: a single request, an explicit
// task chain, or both.
type CreateJobRequest struct {
	JobOverrides
	Method string        `json:"method,omitempty"`
	URL    string        `json:"url,omitempty"`
	Tasks  []JobTaskSpec `json:"tasks,omitempty"`
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status   JobStatus
	MasterID string
	Tag      string
	Limit    int
	Offset   int
}

// Page is a limit/offset window for list endpoints.
type Page struct {
	Limit      int
	Offset     int
	ActiveOnly bool
}
