package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/pkg/models"
)

func newTaskMaster(name string) *models.TaskMaster {
	return &models.TaskMaster{
		ID: models.NewID(models.PrefixTaskMaster),
		TaskMasterSpec: models.TaskMasterSpec{
			Name:         name,
			Method:       "POST",
			URL:          "http://example.invalid/" + name,
			Headers:      map[string]string{"X-Step": name},
			BodyTemplate: map[string]interface{}{"step": name},
			TimeoutSec:   5,
			MaxRetries:   1,
		},
		IsActive:  true,
		CreatedBy: "tester",
	}
}

func newJobMaster(name string) *models.JobMaster {
	return &models.JobMaster{
		ID: models.NewID(models.PrefixJobMaster),
		JobMasterSpec: models.JobMasterSpec{
			Name:            name,
			TimeoutSec:      30,
			MaxAttempts:     2,
			BackoffStrategy: models.BackoffExponential,
			BackoffSeconds:  1,
			Tags:            []string{"demo"},
		},
		IsActive:  true,
		CreatedBy: "tester",
	}
}

func link(tm *models.TaskMaster, order int) *models.JobMasterTask {
	return &models.JobMasterTask{
		ID:             models.NewID(models.PrefixJobMasterTask),
		TaskMasterID:   tm.ID,
		Order:          order,
		IsRequired:     true,
		RetryOnFailure: true,
	}
}

func newJob(priority int) *models.Job {
	return &models.Job{
		ID:              models.NewID(models.PrefixJob),
		Name:            "job",
		Status:          models.JobStatusQueued,
		Priority:        priority,
		MaxAttempts:     1,
		TimeoutSec:      10,
		BackoffStrategy: models.BackoffFixed,
	}
}

// testRepository exercises behavior every Repository must share.
func testRepository(t *testing.T, repo Repository) {
	ctx := context.Background()

	t.Run("Task master versions track every update", func(t *testing.T) {
		tm := newTaskMaster("fetch")
		v, err := repo.CreateTaskMaster(ctx, tm, "created")
		require.NoError(t, err)
		assert.Equal(t, 1, v.Version)
		assert.Equal(t, 1, tm.CurrentVersion)

		tm.URL = "http://example.invalid/v2"
		tm.UpdatedBy = "editor"
		v, err = repo.UpdateTaskMaster(ctx, tm, "new url")
		require.NoError(t, err)
		assert.Equal(t, 2, v.Version)
		assert.Equal(t, "http://example.invalid/v2", v.URL)

		got, err := repo.GetTaskMaster(ctx, tm.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.CurrentVersion)

		history, err := repo.ListTaskMasterVersions(ctx, tm.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, 2, history[0].Version)
		assert.Equal(t, "http://example.invalid/fetch", history[1].URL)

		_, err = repo.GetTaskMasterVersion(ctx, tm.ID, 9)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Interface associations reject duplicates", func(t *testing.T) {
		im := &models.InterfaceMaster{ID: models.NewID(models.PrefixInterfaceMaster), Name: "contract", IsActive: true}
		require.NoError(t, repo.CreateInterfaceMaster(ctx, im))
		tm := newTaskMaster("assoc")
		_, err := repo.CreateTaskMaster(ctx, tm, "")
		require.NoError(t, err)

		a := &models.TaskMasterInterface{ID: models.NewID(models.PrefixTaskMasterInterface), TaskMasterID: tm.ID, InterfaceMasterID: im.ID}
		require.NoError(t, repo.AddTaskMasterInterface(ctx, a))
		dup := &models.TaskMasterInterface{ID: models.NewID(models.PrefixTaskMasterInterface), TaskMasterID: tm.ID, InterfaceMasterID: im.ID}
		err = repo.AddTaskMasterInterface(ctx, dup)
		assert.ErrorIs(t, err, ErrDuplicateInterface)
		assert.ErrorIs(t, err, ErrDuplicate)

		list, err := repo.ListTaskMasterInterfaces(ctx, tm.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, repo.RemoveTaskMasterInterface(ctx, tm.ID, im.ID))
		assert.ErrorIs(t, repo.RemoveTaskMasterInterface(ctx, tm.ID, im.ID), ErrNotFound)
	})

	t.Run("Job master chain mutations snapshot", func(t *testing.T) {
		a, b, c := newTaskMaster("a"), newTaskMaster("b"), newTaskMaster("c")
		for _, tm := range []*models.TaskMaster{a, b, c} {
			_, err := repo.CreateTaskMaster(ctx, tm, "")
			require.NoError(t, err)
		}
		jm := newJobMaster("chain")
		v, err := repo.CreateJobMaster(ctx, jm, []*models.JobMasterTask{link(a, 0), link(b, 1)}, nil, "created")
		require.NoError(t, err)
		assert.Equal(t, 1, v.Version)
		require.Len(t, v.Tasks, 2)
		assert.Equal(t, a.ID, v.Tasks[0].TaskMasterID)
		assert.Equal(t, 1, v.Tasks[0].TaskMasterVersion)

		_, err = repo.AddJobMasterTask(ctx, &models.JobMasterTask{ID: models.NewID(models.PrefixJobMasterTask), JobMasterID: jm.ID, TaskMasterID: a.ID, Order: 2}, "", "tester")
		assert.ErrorIs(t, err, ErrDuplicateLink)
		_, err = repo.AddJobMasterTask(ctx, &models.JobMasterTask{ID: models.NewID(models.PrefixJobMasterTask), JobMasterID: jm.ID, TaskMasterID: c.ID, Order: 1}, "", "tester")
		assert.ErrorIs(t, err, ErrOrderTaken)

		third := link(c, 2)
		third.JobMasterID = jm.ID
		v, err = repo.AddJobMasterTask(ctx, third, "add c", "tester")
		require.NoError(t, err)
		assert.Equal(t, 2, v.Version)
		assert.Len(t, v.Tasks, 3)

		b.Description = "changed"
		_, err = repo.UpdateTaskMaster(ctx, b, "")
		require.NoError(t, err)

		v, err = repo.SaveJobMasterVersion(ctx, jm.ID, "publish", "tester")
		require.NoError(t, err)
		assert.Equal(t, 3, v.Version)
		assert.Equal(t, 2, v.Tasks[1].TaskMasterVersion)

		v, err = repo.RemoveJobMasterTask(ctx, jm.ID, third.ID, "drop c", "tester")
		require.NoError(t, err)
		assert.Equal(t, 4, v.Version)
		assert.Len(t, v.Tasks, 2)

		history, err := repo.ListJobMasterVersions(ctx, jm.ID)
		require.NoError(t, err)
		require.Len(t, history, 4)
		for i, h := range history {
			assert.Equal(t, 4-i, h.Version)
		}

		got, err := repo.GetJobMaster(ctx, jm.ID)
		require.NoError(t, err)
		assert.Equal(t, history[0].Version, got.CurrentVersion)
	})

	t.Run("Pinned chains keep old task master versions", func(t *testing.T) {
		tm := newTaskMaster("pinned")
		_, err := repo.CreateTaskMaster(ctx, tm, "")
		require.NoError(t, err)
		tm.Description = "v2"
		_, err = repo.UpdateTaskMaster(ctx, tm, "")
		require.NoError(t, err)

		jm := newJobMaster("fork")
		v, err := repo.CreateJobMaster(ctx, jm, []*models.JobMasterTask{link(tm, 0)}, map[string]int{tm.ID: 1}, "forked")
		require.NoError(t, err)
		assert.Equal(t, 1, v.Tasks[0].TaskMasterVersion)
	})

	t.Run("Concurrent job master writes never share a version", func(t *testing.T) {
		jm := newJobMaster("contended")
		_, err := repo.CreateJobMaster(ctx, jm, nil, nil, "")
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		versions := make(chan int, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := repo.SaveJobMasterVersion(ctx, jm.ID, "concurrent", "tester")
				if assert.NoError(t, err) {
					versions <- v.Version
				}
			}()
		}
		wg.Wait()
		close(versions)

		seen := map[int]bool{}
		for v := range versions {
			assert.False(t, seen[v], "version %d assigned twice", v)
			seen[v] = true
		}
		got, err := repo.GetJobMaster(ctx, jm.ID)
		require.NoError(t, err)
		assert.Equal(t, writers+1, got.CurrentVersion)
	})

	t.Run("Claims are exclusive and ordered by priority", func(t *testing.T) {
		tm := newTaskMaster("claim")
		_, err := repo.CreateTaskMaster(ctx, tm, "")
		require.NoError(t, err)

		low, high := newJob(9), newJob(1)
		task := &models.Task{ID: models.NewID(models.PrefixTask), MasterID: tm.ID, MasterVersion: 1, Status: models.TaskStatusQueued, IsRequired: true}
		require.NoError(t, repo.CreateJob(ctx, low, nil))
		require.NoError(t, repo.CreateJob(ctx, high, []*models.Task{task}))

		now := time.Now().UTC().Add(time.Second)
		claimed, err := repo.ClaimNextJob(ctx, now)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, high.ID, claimed.ID)
		assert.Equal(t, models.JobStatusRunning, claimed.Status)
		assert.Equal(t, 1, claimed.Attempt)

		var wg sync.WaitGroup
		results := make(chan error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.ClaimJob(ctx, low.ID, now, models.JobStatusQueued)
				results <- err
			}()
		}
		wg.Wait()
		close(results)
		var won, lost int
		for err := range results {
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrConflict):
				lost++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}
		assert.Equal(t, 1, won)
		assert.Equal(t, 1, lost)

		tasks, err := repo.ListTasks(ctx, high.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, task.ID, tasks[0].ID)
	})

	t.Run("UpdateJobIf checks status and writes tasks", func(t *testing.T) {
		tm := newTaskMaster("update-if")
		_, err := repo.CreateTaskMaster(ctx, tm, "")
		require.NoError(t, err)
		job := newJob(5)
		task := &models.Task{ID: models.NewID(models.PrefixTask), MasterID: tm.ID, MasterVersion: 1, Status: models.TaskStatusQueued}
		require.NoError(t, repo.CreateJob(ctx, job, []*models.Task{task}))

		_, err = repo.UpdateJobIf(ctx, job.ID, []models.JobStatus{models.JobStatusRunning}, func(*models.Job, []*models.Task) error {
			t.Fatal("fn must not run when status does not match")
			return nil
		})
		assert.ErrorIs(t, err, ErrConflict)

		updated, err := repo.UpdateJobIf(ctx, job.ID, []models.JobStatus{models.JobStatusQueued}, func(j *models.Job, tasks []*models.Task) error {
			j.Status = models.JobStatusCanceled
			for _, tk := range tasks {
				tk.Status = models.TaskStatusCanceled
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, updated.Status)

		got, err := repo.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusCanceled, got.Status)
	})

	t.Run("Expired jobs are canceled, not claimed", func(t *testing.T) {
		job := newJob(0)
		ttl := 1
		job.TTLSeconds = &ttl
		require.NoError(t, repo.CreateJob(ctx, job, nil))

		later := time.Now().UTC().Add(time.Hour)
		ids, err := repo.ExpireJobs(ctx, later)
		require.NoError(t, err)
		assert.Contains(t, ids, job.ID)

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, got.Status)
		assert.Equal(t, ExpiredError, got.Error)
	})

	t.Run("Unknown ids are not found", func(t *testing.T) {
		_, err := repo.GetJob(ctx, "j_missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.GetJobMasterVersion(ctx, "jm_missing", 1)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.ClaimJob(ctx, "j_missing", time.Now(), models.JobStatusQueued)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
