package task

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/determined-ai/vine/master/pkg/model"
)

// ErrInvalidSpec is wrapped by every submission validation error.
var ErrInvalidSpec = errors.New("invalid task")

// ErrIllegalTransition is returned when a task is moved between states the lifecycle does not
// connect.
type ErrIllegalTransition struct {
	ID       model.TaskID
	From, To model.TaskState
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}
