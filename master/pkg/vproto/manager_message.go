package vproto

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/determined-ai/vine/master/pkg/model"
)

// ManagerMessage is a union type for all messages sent from workers to the manager. Exactly one
// field is set.
type ManagerMessage struct {
	Handshake      *Handshake      `json:"handshake,omitempty"`
	Heartbeat      *Heartbeat      `json:"heartbeat,omitempty"`
	TaskStatus     *TaskStatus     `json:"task_status,omitempty"`
	TransferStatus *TransferStatus `json:"transfer_status,omitempty"`
	LibraryReady   *LibraryReady   `json:"library_ready,omitempty"`
	FunctionResult *FunctionResult `json:"function_result,omitempty"`
	CancelAck      *CancelAck      `json:"cancel_ack,omitempty"`
	FileEvicted    *FileEvicted    `json:"file_evicted,omitempty"`
}

// Kind names the populated field, for logging.
func (m ManagerMessage) Kind() string {
	switch {
	case m.Handshake != nil:
		return "handshake"
	case m.Heartbeat != nil:
		return "heartbeat"
	case m.TaskStatus != nil:
		return "task_status"
	case m.TransferStatus != nil:
		return "transfer_status"
	case m.LibraryReady != nil:
		return "library_ready"
	case m.FunctionResult != nil:
		return "function_result"
	case m.CancelAck != nil:
		return "cancel_ack"
	case m.FileEvicted != nil:
		return "file_evicted"
	default:
		return "empty"
	}
}

// CachedFile is a file a worker already holds when it connects.
type CachedFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Handshake is the first message on every connection.
type Handshake struct {
	ProtocolVersion int             `json:"protocol_version"`
	WorkerID        model.WorkerID  `json:"worker_id"`
	Hostname        string          `json:"hostname"`
	TransferAddr    string          `json:"transfer_addr,omitempty"`
	Resources       model.Resources `json:"resources"`
	Features        []string        `json:"features,omitempty"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	CachedFiles     []CachedFile    `json:"cached_files,omitempty"`
	RunningTasks    []model.TaskID  `json:"running_tasks,omitempty"`
}

// Validate checks a handshake before a session is created for it.
func (h Handshake) Validate() error {
	switch {
	case h.ProtocolVersion != ProtocolVersion:
		return errors.Errorf("protocol version %d not supported, manager speaks %d",
			h.ProtocolVersion, ProtocolVersion)
	case h.WorkerID == "":
		return errors.New("handshake is missing a worker id")
	case h.Resources.AnyNegative():
		return errors.Errorf("negative resources advertised: %s", h.Resources)
	}
	return nil
}

// Heartbeat is sent at a fixed interval by every worker.
type Heartbeat struct {
	Time time.Time `json:"time"`
}

// TaskStatusKind is the state a worker reports for a task.
type TaskStatusKind string

const (
	// StatusRunning acknowledges that the task started.
	StatusRunning TaskStatusKind = "running"
	// StatusDone reports that the task exited; ExitCode says how.
	StatusDone TaskStatusKind = "done"
	// StatusFailed reports that the worker could not run the task to completion.
	StatusFailed TaskStatusKind = "failed"
)

// OutputInfo describes an output as the worker found it after the task exited.
type OutputInfo struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Present bool   `json:"present"`
}

// TaskStatus reports progress of a dispatched task or library install.
type TaskStatus struct {
	TaskID   model.TaskID       `json:"task_id"`
	State    TaskStatusKind     `json:"state"`
	ExitCode int                `json:"exit_code"`
	Outputs  []OutputInfo       `json:"outputs,omitempty"`
	Measured model.Resources    `json:"measured"`
	Cause    model.FailureCause `json:"cause,omitempty"`
	Message  string             `json:"message,omitempty"`
}

// TransferStatus reports the outcome of a Transfer or Retrieve instruction.
type TransferStatus struct {
	File    string       `json:"file"`
	TaskID  model.TaskID `json:"task_id,omitempty"`
	OK      bool         `json:"ok"`
	Size    int64        `json:"size"`
	Offset  int64        `json:"offset"`
	Message string       `json:"message,omitempty"`
}

// LibraryReady acknowledges an InstallLibrary instruction.
type LibraryReady struct {
	InstanceID model.InstanceID `json:"instance_id"`
	TaskID     model.TaskID     `json:"task_id"`
	OK         bool             `json:"ok"`
	Message    string           `json:"message,omitempty"`
}

// FunctionResult is the outcome of a function call served by a library instance.
type FunctionResult struct {
	TaskID     model.TaskID     `json:"task_id"`
	InstanceID model.InstanceID `json:"instance_id"`
	OK         bool             `json:"ok"`
	Output     json.RawMessage  `json:"output,omitempty"`
	Outputs    []OutputInfo     `json:"outputs,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// CancelAck is a best-effort acknowledgment of a Cancel.
type CancelAck struct {
	TaskID model.TaskID `json:"task_id"`
}

// FileEvicted tells the manager that the worker dropped a file from its cache on its own.
type FileEvicted struct {
	File string `json:"file"`
}
