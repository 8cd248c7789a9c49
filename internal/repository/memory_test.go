package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/pkg/models"
)

func TestMemoryRepository(t *testing.T) {
	testRepository(t, NewMemoryRepository())
}

func TestMemoryRepositoryCopiesValues(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	tm := newTaskMaster("copy")
	_, err := repo.CreateTaskMaster(ctx, tm, "")
	require.NoError(t, err)

	tm.Headers["X-Step"] = "mutated"
	got, err := repo.GetTaskMaster(ctx, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, "copy", got.Headers["X-Step"])

	got.Headers["X-Step"] = "mutated again"
	again, err := repo.GetTaskMaster(ctx, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, "copy", again.Headers["X-Step"])
}

func TestMemoryRepositoryPausedJobsAreNotClaimed(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	job := newJob(5)
	job.Paused = true
	job.Attempt = 1
	require.NoError(t, repo.CreateJob(ctx, job, nil))

	claimed, err := repo.ClaimNextJob(ctx, repo.now())
	require.NoError(t, err)
	assert.Nil(t, claimed)

	resumed, err := repo.ClaimJob(ctx, job.ID, repo.now(), models.JobStatusQueued)
	require.NoError(t, err)
	assert.False(t, resumed.Paused)
	assert.Equal(t, 1, resumed.Attempt)
}
