package model

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	// TaskWaiting tasks have unresolved input dependencies or are backing off after a failure.
	TaskWaiting TaskState = "WAITING"
	// TaskReady tasks have all inputs resolvable and await a worker.
	TaskReady TaskState = "READY"
	// TaskDispatched tasks have been sent to a worker.
	TaskDispatched TaskState = "DISPATCHED"
	// TaskRunning tasks have been acknowledged by their worker.
	TaskRunning TaskState = "RUNNING"
	// TaskRetrieving tasks finished on the worker and their outputs are being collected.
	TaskRetrieving TaskState = "RETRIEVING"
	// TaskDone is terminal.
	TaskDone TaskState = "DONE"
	// TaskFailed is terminal once retries are exhausted.
	TaskFailed TaskState = "FAILED"
	// TaskCancelled is terminal.
	TaskCancelled TaskState = "CANCELLED"
)

// TaskStates lists every state in lifecycle order.
var TaskStates = []TaskState{
	TaskWaiting, TaskReady, TaskDispatched, TaskRunning,
	TaskRetrieving, TaskDone, TaskFailed, TaskCancelled,
}

// Holding returns true if a task in this state holds resources on a worker.
func (s TaskState) Holding() bool {
	return s == TaskDispatched || s == TaskRunning
}

// TaskKind distinguishes how a task's payload is built and delivered.
type TaskKind string

const (
	// CommandTask runs a shell command in a sandbox on the worker.
	CommandTask TaskKind = "command"
	// FunctionCallTask invokes a function inside an installed library instance.
	FunctionCallTask TaskKind = "function_call"
	// LibraryInstallTask starts a library instance. These are created by the manager.
	LibraryInstallTask TaskKind = "library_install"
)
