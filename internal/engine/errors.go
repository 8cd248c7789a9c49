package engine

import "errors"

// ErrInvalidTransition is returned when a control action does not apply
// to the current status of a job or task.
var ErrInvalidTransition = errors.New("invalid status transition")

// permanentError marks a task failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ErrPoolStopped is returned by Submit when the pool is not running.
var ErrPoolStopped = errors.New("worker pool is not running")
