package dispatch

import "github.com/pkg/errors"

var (
	// ErrTaskNotFound is returned for task ids the manager does not know.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotTerminal is returned when removing a task that has not finished.
	ErrNotTerminal = errors.New("task is not in a terminal state")
	// ErrAlreadyTerminal is returned when cancelling a finished task.
	ErrAlreadyTerminal = errors.New("task already finished")
	// ErrReportNotConsumed is returned when removing a task whose report was not returned by
	// wait yet.
	ErrReportNotConsumed = errors.New("task report has not been consumed")
	// ErrAlreadySubmitted is returned when restoring a task id that is already in use.
	ErrAlreadySubmitted = errors.New("task id already in use")
	// ErrUnknownWorker is returned for worker ids with no live session.
	ErrUnknownWorker = errors.New("unknown worker")
)
