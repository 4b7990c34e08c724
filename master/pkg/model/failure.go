package model

import "fmt"

// FailureCause classifies why a task attempt did not succeed.
type FailureCause string

const (
	// WorkerLost means the worker disconnected or stopped heartbeating.
	WorkerLost FailureCause = "worker_lost"
	// TaskExecutionFailure means the task exited nonzero or raised an error.
	TaskExecutionFailure FailureCause = "execution_failure"
	// ResourceLimitExceeded means the worker killed the task for exceeding its allocation.
	ResourceLimitExceeded FailureCause = "resource_limit_exceeded"
	// OutputMissing means a declared output never reached the manager.
	OutputMissing FailureCause = "output_missing"
	// TransferFailure means an input could not be moved to the worker.
	TransferFailure FailureCause = "transfer_failure"
	// LibraryInstallFailure means the library serving a function call could not be installed.
	LibraryInstallFailure FailureCause = "library_install_failure"
	// MaxRunTimeExceeded means the task ran longer than its configured limit.
	MaxRunTimeExceeded FailureCause = "max_run_time_exceeded"
	// DependencyFailed means an input can no longer be produced.
	DependencyFailed FailureCause = "dependency_failed"
)

// Retryable returns true if another attempt could plausibly succeed.
func (c FailureCause) Retryable() bool {
	return c != DependencyFailed
}

// WorkerAttributed returns true if the failure counts against the worker rather than the task.
func (c FailureCause) WorkerAttributed() bool {
	switch c {
	case TransferFailure, LibraryInstallFailure, WorkerLost:
		return true
	default:
		return false
	}
}

// Failure is the cause of a failed attempt, attached to terminal FAILED reports.
type Failure struct {
	Cause    FailureCause `json:"cause"`
	Message  string       `json:"message,omitempty"`
	Worker   WorkerID     `json:"worker,omitempty"`
	ExitCode int          `json:"exit_code,omitempty"`
}

// NewFailure builds a failure attributed to worker.
func NewFailure(cause FailureCause, worker WorkerID, format string, args ...interface{}) *Failure {
	return &Failure{Cause: cause, Worker: worker, Message: fmt.Sprintf(format, args...)}
}

func (f *Failure) Error() string {
	if f.Worker != "" {
		return fmt.Sprintf("%s on %s: %s", f.Cause, f.Worker, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Cause, f.Message)
}
