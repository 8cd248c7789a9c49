package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"jobqueue/internal/logging"
	"jobqueue/pkg/models"
)

// MockDispatcher is a mock implementation of Dispatcher
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Do(ctx context.Context, req Request) (*Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*Response)
	return resp, args.Error(1)
}

func TestExecutor_BuildsRequestFromTemplate(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	d := new(MockDispatcher)
	f.exec = NewExecutor(f.repo, d, f.metrics, logging.Nop(), ExecutorConfig{PollInterval: 10 * time.Millisecond})

	jm := f.master(t, models.JobMasterSpec{Headers: map[string]string{"X-Job": "1"}},
		step{name: "only", retries: 1, body: map[string]interface{}{"k": "v"}})

	d.On("Do", mock.Anything, mock.MatchedBy(func(r Request) bool {
		return r.Method == http.MethodPost &&
			strings.HasSuffix(r.URL, "/only") &&
			r.Headers["X-Job"] == "1" &&
			r.Body["k"] == "v" &&
			r.Timeout == 5*time.Second
	})).Return(nil, errors.New("connection reset by peer")).Once()
	d.On("Do", mock.Anything, mock.Anything).
		Return(&Response{StatusCode: http.StatusOK, Body: map[string]interface{}{"ok": true}}, nil).Once()

	job := f.run(t, f.newJob(t, jm, models.JobOverrides{}).ID)

	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	tasks := f.tasks(t, job.ID)
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].Attempt)
	assert.Equal(t, true, tasks[0].OutputData["ok"])
	d.AssertExpectations(t)
	d.AssertNumberOfCalls(t, "Do", 2)
}

func TestExecutor_TransportErrorExhaustsRetries(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	d := new(MockDispatcher)
	f.exec = NewExecutor(f.repo, d, f.metrics, logging.Nop(), ExecutorConfig{PollInterval: 10 * time.Millisecond})

	jm := f.master(t, models.JobMasterSpec{MaxAttempts: 1}, step{name: "down", retries: 2}, step{name: "after"})
	d.On("Do", mock.Anything, mock.MatchedBy(func(r Request) bool {
		return strings.HasSuffix(r.URL, "/down")
	})).Return(nil, errors.New("dial tcp: connection refused"))

	job := f.run(t, f.newJob(t, jm, models.JobOverrides{}).ID)

	assert.Equal(t, models.JobStatusFailed, job.Status)
	tasks := f.tasks(t, job.ID)
	assert.Equal(t, []models.TaskStatus{models.TaskStatusFailed, models.TaskStatusSkipped}, statuses(tasks))
	assert.Equal(t, 3, tasks[0].Attempt)
	assert.Contains(t, tasks[0].Error, "connection refused")
	d.AssertNumberOfCalls(t, "Do", 3)
}
