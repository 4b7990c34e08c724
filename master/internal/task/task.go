// Package task implements the lifecycle of a submitted task: its states, the legal transitions
// between them, and the retry policy applied to failed attempts.
package task

import (
	"encoding/json"
	"time"

	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
)

var transitions = map[model.TaskState]set.Set[model.TaskState]{
	model.TaskWaiting: set.New(model.TaskReady, model.TaskFailed, model.TaskCancelled),
	// READY -> WAITING happens when an input that looked resolvable is lost before dispatch.
	model.TaskReady: set.New(
		model.TaskDispatched, model.TaskWaiting, model.TaskFailed, model.TaskCancelled),
	// DISPATCHED -> RETRIEVING covers tasks that finish before their running status arrives.
	model.TaskDispatched: set.New(
		model.TaskRunning, model.TaskRetrieving, model.TaskFailed, model.TaskCancelled),
	model.TaskRunning:    set.New(model.TaskRetrieving, model.TaskFailed, model.TaskCancelled),
	model.TaskRetrieving: set.New(model.TaskDone, model.TaskFailed, model.TaskCancelled),
	model.TaskFailed:     set.New(model.TaskWaiting),
	model.TaskDone:       set.New[model.TaskState](),
	model.TaskCancelled:  set.New[model.TaskState](),
}

// Legal returns true if the lifecycle allows moving from one state to another.
func Legal(from, to model.TaskState) bool {
	return transitions[from].Contains(to)
}

// Attempt is one placement of a task on a worker.
type Attempt struct {
	Worker  model.WorkerID `json:"worker"`
	Started time.Time      `json:"started"`
	Ended   time.Time      `json:"ended,omitempty"`
	Failure *model.Failure `json:"failure,omitempty"`
}

// Task is the manager's record of a submitted task. It is owned by the dispatch loop.
type Task struct {
	ID    model.TaskID
	Spec  Spec
	State model.TaskState
	// Final is set on a FAILED task with no retries left.
	Final bool

	Attempts    []Attempt
	Retries     int
	Escalations int
	// Avoid is the worker implicated in the last failure.
	Avoid     model.WorkerID
	NotBefore time.Time

	Worker   model.WorkerID
	Instance model.InstanceID
	Reserved model.Resources
	// Staged is set while a matched READY task waits for its inputs on Worker.
	Staged bool

	SubmittedAt  time.Time
	DispatchedAt time.Time
	StartedAt    time.Time
	FinishedAt   time.Time

	Failure  *model.Failure
	ExitCode int
	Output   json.RawMessage
	Measured model.Resources

	ReportConsumed bool
}

// New returns a WAITING task.
func New(id model.TaskID, spec Spec, now time.Time) *Task {
	return &Task{ID: id, Spec: spec, State: model.TaskWaiting, SubmittedAt: now}
}

// Internal returns true for tasks the manager created for itself, which are never reported.
func (t *Task) Internal() bool {
	return t.Spec.Kind == model.LibraryInstallTask
}

// IsTerminal returns true once the task will never change state again.
func (t *Task) IsTerminal() bool {
	switch t.State {
	case model.TaskDone, model.TaskCancelled:
		return true
	case model.TaskFailed:
		return t.Final
	default:
		return false
	}
}

// MaxRetries returns how many times a failed attempt may be retried.
func (t *Task) MaxRetries() int {
	if t.Spec.MaxRetries == nil {
		return 0
	}
	return *t.Spec.MaxRetries
}

// Transition moves the task to the given state.
func (t *Task) Transition(to model.TaskState) error {
	if !Legal(t.State, to) || t.IsTerminal() {
		return ErrIllegalTransition{ID: t.ID, From: t.State, To: to}
	}
	t.State = to
	return nil
}

// StartAttempt records a dispatch to worker.
func (t *Task) StartAttempt(worker model.WorkerID, now time.Time) {
	t.Worker = worker
	t.DispatchedAt = now
	t.StartedAt = time.Time{}
	t.Attempts = append(t.Attempts, Attempt{Worker: worker, Started: now})
}

// EndAttempt closes the current attempt, if any, with the given outcome.
func (t *Task) EndAttempt(now time.Time, f *model.Failure) {
	if n := len(t.Attempts); n > 0 && t.Attempts[n-1].Ended.IsZero() {
		t.Attempts[n-1].Ended = now
		t.Attempts[n-1].Failure = f
	}
}

// ClearPlacement forgets the worker, reservation and library instance of the current attempt.
func (t *Task) ClearPlacement() {
	t.Worker = ""
	t.Instance = ""
	t.Reserved = model.Resources{}
	t.Staged = false
}

// ExecutionTime returns how long the last attempt ran on its worker.
func (t *Task) ExecutionTime() time.Duration {
	start := t.StartedAt
	if start.IsZero() {
		start = t.DispatchedAt
	}
	if start.IsZero() || t.FinishedAt.Before(start) {
		return 0
	}
	return t.FinishedAt.Sub(start)
}

// Report is the terminal observation of a task returned by wait.
type Report struct {
	ID            model.TaskID    `json:"id"`
	Tag           string          `json:"tag,omitempty"`
	Kind          model.TaskKind  `json:"kind"`
	State         model.TaskState `json:"state"`
	Failure       *model.Failure  `json:"failure,omitempty"`
	ExitCode      int             `json:"exit_code"`
	Output        json.RawMessage `json:"output,omitempty"`
	Worker        model.WorkerID  `json:"worker,omitempty"`
	Attempts      []Attempt       `json:"attempts,omitempty"`
	Retries       int             `json:"retries"`
	Resources     model.Resources `json:"resources"`
	Measured      model.Resources `json:"measured"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	ExecutionTime model.Duration  `json:"execution_time"`
}

// Report summarizes a terminal task.
func (t *Task) Report() Report {
	return Report{
		ID:            t.ID,
		Tag:           t.Spec.Tag,
		Kind:          t.Spec.Kind,
		State:         t.State,
		Failure:       t.Failure,
		ExitCode:      t.ExitCode,
		Output:        t.Output,
		Worker:        t.Worker,
		Attempts:      append([]Attempt(nil), t.Attempts...),
		Retries:       t.Retries,
		Resources:     t.Reserved,
		Measured:      t.Measured,
		SubmittedAt:   t.SubmittedAt,
		FinishedAt:    t.FinishedAt,
		ExecutionTime: model.Duration(t.ExecutionTime()),
	}
}
