package scheduler

import "errors"

var (
	ErrCancelled       = errors.New("work item cancelled before start")
	ErrSchedulerClosed = errors.New("scheduler is shutting down")
	ErrJobPanicked     = errors.New("job panicked")
	ErrShutdownTimeout = errors.New("scheduler shutdown timed out")
)
