package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"jobqueue/internal/logging"
	"jobqueue/internal/repository"
	"jobqueue/pkg/models"
)

// VersionEntry annotates a snapshot with what changed since the version
// before it.
type VersionEntry struct {
	*models.JobMasterVersion
	HasChanges    bool     `json:"has_changes"`
	ChangedFields []string `json:"changed_fields"`
}

// ForkOptions overrides fields of a job master created from a version.
type ForkOptions struct {
	Name   string   `json:"name,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Reason string   `json:"change_reason,omitempty"`
}

// PublishResult is returned by Publish. Created is false when the live
// state already matched the latest version.
type PublishResult struct {
	Version *models.JobMasterVersion `json:"version"`
	Created bool                     `json:"created"`
	Report  *ValidationReport        `json:"validation"`
}

// VersionManager records and compares job master snapshots.
type VersionManager struct {
	repo      repository.Repository
	validator *WorkflowValidator
	logger    *logging.Logger
}

// NewVersionManager creates a new VersionManager.
func NewVersionManager(repo repository.Repository, validator *WorkflowValidator, logger *logging.Logger) *VersionManager {
	return &VersionManager{repo: repo, validator: validator, logger: logger}
}

// SaveCurrentVersion snapshots the live master and chain as the next version.
func (m *VersionManager) SaveCurrentVersion(ctx context.Context, jobMasterID, reason string) (*models.JobMasterVersion, error) {
	v, err := m.repo.SaveJobMasterVersion(ctx, jobMasterID, reason, Actor(ctx))
	if err != nil {
		return nil, err
	}
	m.logger.Info("job master version saved", "master_id", jobMasterID, "version", v.Version)
	return v, nil
}

// History returns every version of a job master, newest first, each
// annotated with the fields changed relative to its predecessor.
func (m *VersionManager) History(ctx context.Context, jobMasterID string) ([]VersionEntry, error) {
	if _, err := m.repo.GetJobMaster(ctx, jobMasterID); err != nil {
		return nil, err
	}
	versions, err := m.repo.ListJobMasterVersions(ctx, jobMasterID)
	if err != nil {
		return nil, err
	}
	entries := make([]VersionEntry, len(versions))
	for i, v := range versions {
		var prev *models.JobMasterVersion
		if i+1 < len(versions) {
			prev = versions[i+1]
		}
		changed := CompareVersions(prev, v)
		entries[i] = VersionEntry{JobMasterVersion: v, HasChanges: len(changed) > 0, ChangedFields: changed}
	}
	return entries, nil
}

// Get returns one version of a job master.
func (m *VersionManager) Get(ctx context.Context, jobMasterID string, version int) (*models.JobMasterVersion, error) {
	return m.repo.GetJobMasterVersion(ctx, jobMasterID, version)
}

type versionField struct {
	name  string
	value func(v *models.JobMasterVersion) interface{}
}

var comparedFields = []versionField{
	{"name", func(v *models.JobMasterVersion) interface{} { return v.Name }},
	{"description", func(v *models.JobMasterVersion) interface{} { return v.Description }},
	{"method", func(v *models.JobMasterVersion) interface{} { return v.Method }},
	{"url", func(v *models.JobMasterVersion) interface{} { return v.URL }},
	{"headers", func(v *models.JobMasterVersion) interface{} { return v.Headers }},
	{"params", func(v *models.JobMasterVersion) interface{} { return v.Params }},
	{"body", func(v *models.JobMasterVersion) interface{} { return v.Body }},
	{"timeout_sec", func(v *models.JobMasterVersion) interface{} { return v.TimeoutSec }},
	{"max_attempts", func(v *models.JobMasterVersion) interface{} { return v.MaxAttempts }},
	{"backoff_strategy", func(v *models.JobMasterVersion) interface{} { return v.BackoffStrategy }},
	{"backoff_seconds", func(v *models.JobMasterVersion) interface{} { return v.BackoffSeconds }},
	{"ttl_seconds", func(v *models.JobMasterVersion) interface{} { return v.TTLSeconds }},
	{"tags", func(v *models.JobMasterVersion) interface{} { return v.Tags }},
	{"tasks", func(v *models.JobMasterVersion) interface{} { return v.Tasks }},
}

var emptyJSON = map[string]bool{"null": true, `""`: true, "0": true, "false": true, "{}": true, "[]": true}

// CompareVersions lists, in a fixed order, the snapshot fields whose values
// differ between prev and curr. With no prev, every field holding a
// non-empty value counts as changed.
func CompareVersions(prev, curr *models.JobMasterVersion) []string {
	changed := []string{}
	if curr == nil {
		return changed
	}
	for _, f := range comparedFields {
		now := canonical(f.value(curr))
		if prev == nil {
			if !emptyJSON[string(now)] {
				changed = append(changed, f.name)
			}
			continue
		}
		before := canonical(f.value(prev))
		if !bytes.Equal(before, now) && !(emptyJSON[string(before)] && emptyJSON[string(now)]) {
			changed = append(changed, f.name)
		}
	}
	return changed
}

// canonical encodes v so that equal values compare byte-equal. Map keys
// are sorted by encoding/json.
func canonical(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", v))
	}
	return b
}

// CreateFromVersion creates a new job master seeded from a stored
// snapshot. The chain keeps the task master versions the snapshot pinned.
// The source master and its history are not touched.
func (m *VersionManager) CreateFromVersion(ctx context.Context, jobMasterID string, version int, opts ForkOptions) (*models.JobMaster, *models.JobMasterVersion, error) {
	snap, err := m.repo.GetJobMasterVersion(ctx, jobMasterID, version)
	if err != nil {
		return nil, nil, err
	}

	spec := snap.JobMasterSpec
	spec.Name = fmt.Sprintf("%s (from v%d)", snap.Name, version)
	if opts.Name != "" {
		spec.Name = opts.Name
	}
	if opts.Tags != nil {
		spec.Tags = UnionTags(opts.Tags, nil)
	}

	links := make([]*models.JobMasterTask, 0, len(snap.Tasks))
	pins := make(map[string]int, len(snap.Tasks))
	for _, c := range snap.Tasks {
		tm, err := m.repo.GetTaskMaster(ctx, c.TaskMasterID)
		if err != nil {
			return nil, nil, fmt.Errorf("task master %s: %w", c.TaskMasterID, err)
		}
		if !tm.IsActive {
			return nil, nil, fmt.Errorf("%w: task master %s", ErrInactive, c.TaskMasterID)
		}
		links = append(links, &models.JobMasterTask{
			ID:             models.NewID(models.PrefixJobMasterTask),
			TaskMasterID:   c.TaskMasterID,
			Order:          c.Order,
			IsRequired:     c.IsRequired,
			RetryOnFailure: c.RetryOnFailure,
			MaxRetries:     c.MaxRetries,
		})
		pins[c.TaskMasterID] = c.TaskMasterVersion
	}

	who := Actor(ctx)
	jm := &models.JobMaster{
		ID:            models.NewID(models.PrefixJobMaster),
		JobMasterSpec: spec,
		IsActive:      true,
		CreatedBy:     who,
		UpdatedBy:     who,
	}
	reason := opts.Reason
	if reason == "" {
		reason = fmt.Sprintf("created from %s version %d", jobMasterID, version)
	}
	v, err := m.repo.CreateJobMaster(ctx, jm, links, pins, reason)
	if err != nil {
		return nil, nil, translate(err)
	}
	m.logger.Info("job master created from version", "master_id", jm.ID, "source_id", jobMasterID, "version", version)
	return jm, v, nil
}

// Publish validates the live chain and, when it is valid and differs from
// the latest version, records a new version. Publishing an unchanged
// master returns the latest version.
func (m *VersionManager) Publish(ctx context.Context, jobMasterID, reason string) (*PublishResult, error) {
	jm, err := m.repo.GetJobMaster(ctx, jobMasterID)
	if err != nil {
		return nil, err
	}
	report, err := m.validator.Validate(ctx, jobMasterID)
	if err != nil {
		return nil, err
	}
	if !report.IsValid {
		return nil, &WorkflowInvalidError{Report: report}
	}

	latest, err := m.repo.GetJobMasterVersion(ctx, jobMasterID, jm.CurrentVersion)
	if err != nil {
		return nil, err
	}
	live, err := m.liveSnapshot(ctx, jm)
	if err != nil {
		return nil, err
	}
	if len(CompareVersions(latest, live)) == 0 {
		return &PublishResult{Version: latest, Created: false, Report: report}, nil
	}

	if reason == "" {
		reason = "published"
	}
	v, err := m.SaveCurrentVersion(ctx, jobMasterID, reason)
	if err != nil {
		return nil, err
	}
	return &PublishResult{Version: v, Created: true, Report: report}, nil
}

// liveSnapshot builds the version that SaveCurrentVersion would write now.
func (m *VersionManager) liveSnapshot(ctx context.Context, jm *models.JobMaster) (*models.JobMasterVersion, error) {
	links, err := m.repo.ListJobMasterTasks(ctx, jm.ID)
	if err != nil {
		return nil, err
	}
	chain := make([]models.ChainEntry, 0, len(links))
	for _, l := range links {
		tm, err := m.repo.GetTaskMaster(ctx, l.TaskMasterID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, models.ChainEntry{
			TaskMasterID:      l.TaskMasterID,
			TaskMasterVersion: tm.CurrentVersion,
			Order:             l.Order,
			IsRequired:        l.IsRequired,
			RetryOnFailure:    l.RetryOnFailure,
			MaxRetries:        l.MaxRetries,
		})
	}
	return &models.JobMasterVersion{JobMasterID: jm.ID, JobMasterSpec: jm.JobMasterSpec, Tasks: chain}, nil
}

// TaskMasterHistory returns every version of a task master, newest first.
func (m *VersionManager) TaskMasterHistory(ctx context.Context, taskMasterID string) ([]*models.TaskMasterVersion, error) {
	if _, err := m.repo.GetTaskMaster(ctx, taskMasterID); err != nil {
		return nil, err
	}
	return m.repo.ListTaskMasterVersions(ctx, taskMasterID)
}

// TaskMasterVersion returns one version of a task master.
func (m *VersionManager) TaskMasterVersion(ctx context.Context, taskMasterID string, version int) (*models.TaskMasterVersion, error) {
	return m.repo.GetTaskMasterVersion(ctx, taskMasterID, version)
}
