package engine

import (
	"math"
	"time"

	"jobqueue/pkg/models"
)

// maxBackoff caps every computed delay.
const maxBackoff = time.Hour

// Backoff returns the delay before retry number attempt (1-based) for the
// given strategy and base delay in seconds.
func Backoff(strategy models.BackoffStrategy, baseSeconds float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if baseSeconds <= 0 {
		return 0
	}
	var secs float64
	switch strategy {
	case models.BackoffFixed:
		secs = baseSeconds
	case models.BackoffLinear:
		secs = baseSeconds * float64(attempt)
	default:
		secs = baseSeconds * math.Pow(2, float64(attempt-1))
	}
	d := time.Duration(secs * float64(time.Second))
	if d > maxBackoff || d < 0 {
		return maxBackoff
	}
	return d
}

// taskRetryDelay prefers the task master's own delay and falls back to the
// job's backoff policy.
func taskRetryDelay(tm models.TaskMasterSpec, job *models.Job, attempt int) time.Duration {
	if tm.RetryDelaySec > 0 {
		return time.Duration(tm.RetryDelaySec) * time.Second
	}
	return Backoff(job.BackoffStrategy, job.BackoffSeconds, attempt)
}
