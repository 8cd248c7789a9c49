package models

import (
	"time"
)

// InterfaceMaster is a named pair of input/output schemas describing the
// data contract of a task.
type InterfaceMaster struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	InputSchema  map[string]interface{} `json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`
	IsActive     bool                   `json:"is_active"`
	CreatedBy    string                 `json:"created_by,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// TaskMasterSpec holds the versioned fields of a task template.
type TaskMasterSpec struct {
	Name              string                 `json:"name"`
	Description       string                 `json:"description,omitempty"`
	Method            string                 `json:"method"`
	URL               string                 `json:"url"`
	Headers           map[string]string      `json:"headers,omitempty"`
	BodyTemplate      map[string]interface{} `json:"body_template,omitempty"`
	InputInterfaceID  *string                `json:"input_interface_id,omitempty"`
	OutputInterfaceID *string                `json:"output_interface_id,omitempty"`
	TimeoutSec        int                    `json:"timeout_sec"`
	MaxRetries        int                    `json:"max_retries"`
	RetryDelaySec     int                    `json:"retry_delay_sec"`
}

// TaskMaster is a reusable task template.
type TaskMaster struct {
	ID string `json:"id"`
	TaskMasterSpec
	IsActive       bool      `json:"is_active"`
	CurrentVersion int       `json:"current_version"`
	CreatedBy      string    `json:"created_by,omitempty"`
	UpdatedBy      string    `json:"updated_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TaskMasterVersion is an immutable snapshot of a TaskMaster.
type TaskMasterVersion struct {
	TaskMasterID string `json:"task_master_id"`
	Version      int    `json:"version"`
	TaskMasterSpec
	ChangeReason string    `json:"change_reason,omitempty"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TaskMasterInterface associates an extra interface with a task master.
type TaskMasterInterface struct {
	ID                string    `json:"id"`
	TaskMasterID      string    `json:"task_master_id"`
	InterfaceMasterID string    `json:"interface_master_id"`
	Required          bool      `json:"required"`
	CreatedAt         time.Time `json:"created_at"`
}

// JobMasterSpec holds the versioned, job-level fields of a job template.
type JobMasterSpec struct {
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	Method          string                 `json:"method,omitempty"`
	URL             string                 `json:"url,omitempty"`
	Headers         map[string]string      `json:"headers,omitempty"`
	Params          map[string]string      `json:"params,omitempty"`
	Body            map[string]interface{} `json:"body,omitempty"`
	TimeoutSec      int                    `json:"timeout_sec"`
	MaxAttempts     int                    `json:"max_attempts"`
	BackoffStrategy BackoffStrategy        `json:"backoff_strategy"`
	BackoffSeconds  float64                `json:"backoff_seconds"`
	TTLSeconds      *int                   `json:"ttl_seconds,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
}

// JobMaster is a reusable workflow template: job-level defaults plus an
// ordered chain of task masters.
type JobMaster struct {
	ID string `json:"id"`
	JobMasterSpec
	IsActive       bool      `json:"is_active"`
	CurrentVersion int       `json:"current_version"`
	CreatedBy      string    `json:"created_by,omitempty"`
	UpdatedBy      string    `json:"updated_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// JobMasterTask is one link of a job master's task chain.
type JobMasterTask struct {
	ID             string    `json:"id"`
	JobMasterID    string    `json:"job_master_id"`
	TaskMasterID   string    `json:"task_master_id"`
	Order          int       `json:"order"`
	IsRequired     bool      `json:"is_required"`
	RetryOnFailure bool      `json:"retry_on_failure"`
	MaxRetries     *int      `json:"max_retries,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ChainEntry is a link as captured in a JobMasterVersion, pinned to the
// task master version current at snapshot time.
type ChainEntry struct {
	TaskMasterID      string `json:"task_master_id"`
	TaskMasterVersion int    `json:"task_master_version"`
	Order             int    `json:"order"`
	IsRequired        bool   `json:"is_required"`
	RetryOnFailure    bool   `json:"retry_on_failure"`
	MaxRetries        *int   `json:"max_retries,omitempty"`
}

// JobMasterVersion is an immutable snapshot of a JobMaster and its chain.
type JobMasterVersion struct {
	JobMasterID string `json:"job_master_id"`
	Version     int    `json:"version"`
	JobMasterSpec
	Tasks        []ChainEntry `json:"tasks"`
	ChangeReason string       `json:"change_reason,omitempty"`
	CreatedBy    string       `json:"created_by,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// EffectiveMaxRetries resolves the retry budget of a chain entry against
// the task master version it pins.
func (c ChainEntry) EffectiveMaxRetries(tm TaskMasterSpec) int {
	if !c.RetryOnFailure {
		return 0
	}
	if c.MaxRetries != nil {
		return *c.MaxRetries
	}
	return tm.MaxRetries
}
