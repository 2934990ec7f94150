package cleanup

import "errors"

var (
	// ErrInvalidTask is returned when a task is missing a name, runner, or interval.
	ErrInvalidTask = errors.New("invalid cleanup task")
	// ErrTaskExists is returned when registering a duplicate task name.
	ErrTaskExists = errors.New("cleanup task already registered")
	// ErrTaskNotFound is returned by RunOnce for an unknown task.
	ErrTaskNotFound = errors.New("cleanup task not found")
	// ErrTaskRunning is returned by RunOnce while a timer run is in flight.
	ErrTaskRunning = errors.New("cleanup task already running")
	// ErrRunnerPanic wraps a recovered panic from a task runner.
	ErrRunnerPanic = errors.New("cleanup runner panicked")
)
