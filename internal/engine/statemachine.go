// Package engine instantiates jobs from templates and executes their task
// chains.
package engine

import (
	"fmt"

	"jobqueue/pkg/models"
)

var jobTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusQueued:    {models.JobStatusRunning, models.JobStatusCanceled},
	models.JobStatusRunning:   {models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCanceled, models.JobStatusQueued},
	models.JobStatusFailed:    {models.JobStatusQueued, models.JobStatusRunning},
	models.JobStatusSucceeded: {models.JobStatusQueued}, // re-run of a failed optional task
}

var taskTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusQueued:    {models.TaskStatusRunning, models.TaskStatusSkipped, models.TaskStatusCanceled},
	models.TaskStatusRunning:   {models.TaskStatusSucceeded, models.TaskStatusFailed, models.TaskStatusCanceled, models.TaskStatusQueued},
	models.TaskStatusSucceeded: {models.TaskStatusQueued},
	models.TaskStatusFailed:    {models.TaskStatusQueued},
	models.TaskStatusSkipped:   {models.TaskStatusQueued},
}

// CanTransitionJob reports whether a job may move from one status to another.
func CanTransitionJob(from, to models.JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionTask reports whether a task may move from one status to another.
func CanTransitionTask(from, to models.TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func setJobStatus(j *models.Job, to models.JobStatus) error {
	if !CanTransitionJob(j.Status, to) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, j.ID, j.Status, to)
	}
	j.Status = to
	return nil
}

func setTaskStatus(t *models.Task, to models.TaskStatus) error {
	if !CanTransitionTask(t.Status, to) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

// jobOutcome decides the final status of a job whose tasks are all
// terminal: succeeded only if every required task succeeded.
func jobOutcome(tasks []*models.Task) models.JobStatus {
	for _, t := range tasks {
		if t.IsRequired && t.Status != models.TaskStatusSucceeded {
			return models.JobStatusFailed
		}
	}
	return models.JobStatusSucceeded
}
