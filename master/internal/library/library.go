// Package library tracks long-lived function-serving processes installed on workers and decides
// how many of them to keep warm.
package library

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/determined-ai/vine/master/internal/task"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
)

var (
	// ErrUnknownLibrary is returned for calls into a library that was never registered.
	ErrUnknownLibrary = errors.New("unknown library")
	// ErrUnknownFunction is returned for calls to a function the library does not export.
	ErrUnknownFunction = errors.New("library does not export function")
	// ErrLibraryConflict is returned when a library name is registered twice with different
	// definitions.
	ErrLibraryConflict = errors.New("library already registered with a different definition")
)

// Library is the application's description of a function-serving process.
type Library struct {
	Name      string                `json:"name"`
	Functions []string              `json:"functions"`
	Slots     int                   `json:"slots"`
	Command   string                `json:"command"`
	Env       map[string]string     `json:"env,omitempty"`
	Resources model.ResourceRequest `json:"resources"`
	Inputs    []task.Mount          `json:"inputs,omitempty"`
}

// Validate implements the check.Validatable interface.
func (l Library) Validate() []error {
	var errs []error
	if l.Name == "" {
		errs = append(errs, errors.New("library name is required"))
	}
	if len(l.Functions) == 0 {
		errs = append(errs, errors.Errorf("library %q exports no functions", l.Name))
	}
	if l.Slots < 1 {
		errs = append(errs, errors.Errorf("library %q needs at least one slot", l.Name))
	}
	if l.Command == "" {
		errs = append(errs, errors.Errorf("library %q needs a command", l.Name))
	}
	return errs
}

// Exports returns true if fn is one of the library's functions.
func (l Library) Exports(fn string) bool {
	return slices.Contains(l.Functions, fn)
}

// InstallSpec is the task that starts an instance of the library.
func (l Library) InstallSpec() task.Spec {
	zero := 0
	return task.Spec{
		Kind:       model.LibraryInstallTask,
		Command:    l.Command,
		Env:        l.Env,
		Library:    l.Name,
		Resources:  l.Resources,
		Inputs:     l.Inputs,
		MaxRetries: &zero,
		Category:   "library:" + l.Name,
	}
}

func (l Library) equal(o Library) bool {
	return l.Name == o.Name && slices.Equal(l.Functions, o.Functions) && l.Slots == o.Slots &&
		l.Command == o.Command && l.Resources == o.Resources
}

// Instance is one running (or installing) copy of a library on a worker.
type Instance struct {
	ID          model.InstanceID
	Library     string
	Worker      model.WorkerID
	Slots       int
	InstallTask model.TaskID
	Ready       bool
	InFlight    set.Set[model.TaskID]
	// IdleSince is when the last call finished. It is zero while calls are in flight.
	IdleSince time.Time
}

// Free returns the number of unused call slots.
func (i *Instance) Free() int {
	if !i.Ready {
		return 0
	}
	return i.Slots - i.InFlight.Len()
}
