package status

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("queue: session or token not found")
	ErrInvalidInput         = errors.New("queue: invalid input")
	ErrInvalidTransition    = errors.New("queue: invalid token transition")
	ErrConcurrentServing    = errors.New("queue: another token is already serving")
	ErrSessionExists        = errors.New("queue: session already exists")
	ErrSessionClosed        = errors.New("queue: session closed")
	ErrStoreContention      = errors.New("store: too many concurrent writers")
	ErrUnknownJob           = errors.New("job: unknown job name")
	ErrLeaseNotAcquired     = errors.New("job: lease not acquired")
	ErrDistributionDegraded = errors.New("realtime: fan-out bus unavailable, delivered locally only")
)

// JobExecutionError wraps a transient failure inside a job handler. The worker
// retries these with backoff and dead-letters them once attempts run out.
type JobExecutionError struct {
	JobID   string
	JobName string
	Attempt int
	Err     error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s (%s) attempt %d: %v", e.JobName, e.JobID, e.Attempt, e.Err)
}

func (e *JobExecutionError) Unwrap() error {
	return e.Err
}

// IsStateMachineError reports whether err is a synchronous queue error that
// must be surfaced to the caller and never retried.
func IsStateMachineError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrConcurrentServing) ||
		errors.Is(err, ErrSessionExists) ||
		errors.Is(err, ErrInvalidInput)
}
