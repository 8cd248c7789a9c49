package repository

import (
	"sort"
	"time"

	"jobqueue/pkg/models"
)

// chainEntries freezes the live links into version entries, pinning each
// to the task master version returned by versionOf.
func chainEntries(links []*models.JobMasterTask, versionOf func(taskMasterID string) (int, error)) ([]models.ChainEntry, error) {
	sorted := append([]*models.JobMasterTask(nil), links...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	entries := make([]models.ChainEntry, 0, len(sorted))
	for _, l := range sorted {
		v, err := versionOf(l.TaskMasterID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, models.ChainEntry{
			TaskMasterID:      l.TaskMasterID,
			TaskMasterVersion: v,
			Order:             l.Order,
			IsRequired:        l.IsRequired,
			RetryOnFailure:    l.RetryOnFailure,
			MaxRetries:        l.MaxRetries,
		})
	}
	return entries, nil
}

// pinned resolves task master versions from pins first, falling back to
// current for masters not pinned.
func pinned(pins map[string]int, current func(string) (int, error)) func(string) (int, error) {
	return func(id string) (int, error) {
		if v, ok := pins[id]; ok {
			return v, nil
		}
		return current(id)
	}
}

func taskMasterSnapshot(tm *models.TaskMaster, reason string, by string, now time.Time) *models.TaskMasterVersion {
	return &models.TaskMasterVersion{
		TaskMasterID:   tm.ID,
		Version:        tm.CurrentVersion,
		TaskMasterSpec: tm.TaskMasterSpec,
		ChangeReason:   reason,
		CreatedBy:      by,
		CreatedAt:      now,
	}
}

func jobMasterSnapshot(jm *models.JobMaster, chain []models.ChainEntry, reason string, by string, now time.Time) *models.JobMasterVersion {
	return &models.JobMasterVersion{
		JobMasterID:   jm.ID,
		Version:       jm.CurrentVersion,
		JobMasterSpec: jm.JobMasterSpec,
		Tasks:         chain,
		ChangeReason:  reason,
		CreatedBy:     by,
		CreatedAt:     now,
	}
}

// applyClaim moves a job to running. Resuming a paused job does not count
// as a new attempt.
func applyClaim(j *models.Job, now time.Time) {
	if !j.Paused {
		j.Attempt++
	}
	j.Status = models.JobStatusRunning
	j.Paused = false
	j.NextAttemptAt = nil
	j.FinishedAt = nil
	j.Error = ""
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
}

func claimable(j *models.Job, now time.Time) bool {
	if j.Status != models.JobStatusQueued || j.Paused {
		return false
	}
	if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
		return false
	}
	if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
		return false
	}
	return !expired(j, now)
}

func expired(j *models.Job, now time.Time) bool {
	if j.TTLSeconds == nil {
		return false
	}
	return !j.CreatedAt.Add(time.Duration(*j.TTLSeconds) * time.Second).After(now)
}

func statusIn(s models.JobStatus, from []models.JobStatus) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}
