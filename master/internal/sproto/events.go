// Package sproto defines the events the dispatch loop consumes. Producers on other goroutines
// only ever post events; all scheduling state is mutated by the loop.
package sproto

import (
	"time"

	"github.com/google/uuid"

	"github.com/determined-ai/vine/master/internal/files"
	"github.com/determined-ai/vine/master/internal/library"
	"github.com/determined-ai/vine/master/internal/task"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/vproto"
)

// Event is anything the dispatch loop consumes.
type Event interface{}

// Poster accepts events for the dispatch loop. Post never blocks.
type Poster interface {
	Post(Event)
}

// Outbox carries messages to one worker connection without blocking the caller.
type Outbox interface {
	Send(vproto.WorkerMessage)
	// Close ends the connection. It is safe to call more than once.
	Close(reason string)
}

type (
	// WorkerConnected is posted after a worker's handshake has been read.
	WorkerConnected struct {
		Conn       uuid.UUID
		Handshake  vproto.Handshake
		RemoteAddr string
		Outbox     Outbox
	}
	// WorkerMessageReceived carries one message from a connected worker.
	WorkerMessageReceived struct {
		Worker  model.WorkerID
		Conn    uuid.UUID
		Message vproto.ManagerMessage
	}
	// WorkerDisconnected is posted when a worker connection ends, for whatever reason.
	WorkerDisconnected struct {
		Worker model.WorkerID
		Conn   uuid.UUID
		Err    error
	}
	// FileUploaded is posted after a worker finished uploading an output.
	FileUploaded struct {
		File string
		Size int64
		Err  error
	}
	// Tick wakes the loop for time-based policies.
	Tick struct{}
)

// Request/reply events. Replies are buffered so the loop never waits on a caller.
type (
	// SubmitTask admits a task.
	SubmitTask struct {
		Spec  task.Spec
		Reply chan SubmitResult
	}
	// SubmitResult answers SubmitTask.
	SubmitResult struct {
		ID  model.TaskID
		Err error
	}

	// DeclareFile registers a file so tasks can mount it.
	DeclareFile struct {
		Spec  files.Spec
		Reply chan DeclareResult
	}
	// DeclareResult answers DeclareFile.
	DeclareResult struct {
		Name string
		Err  error
	}

	// UndeclareFile forgets a file no task references anymore.
	UndeclareFile struct {
		Name  string
		Reply chan error
	}

	// CancelTask cancels a non-terminal task.
	CancelTask struct {
		ID    model.TaskID
		Reply chan error
	}

	// RemoveTask forgets a terminal task whose report was consumed.
	RemoveTask struct {
		ID    model.TaskID
		Reply chan error
	}

	// ReportConsumed is posted once wait returned a task's report.
	ReportConsumed struct {
		ID model.TaskID
	}

	// GetTask looks up the current report of a task.
	GetTask struct {
		ID    model.TaskID
		Reply chan GetTaskResult
	}
	// GetTaskResult answers GetTask.
	GetTaskResult struct {
		Report task.Report
		Err    error
	}

	// GetSummary asks for the cluster summary.
	GetSummary struct {
		Reply chan model.ClusterSummary
	}

	// RegisterLibrary makes a library available to function calls.
	RegisterLibrary struct {
		Library library.Library
		Reply   chan error
	}

	// BlockHost blocks or unblocks a host. A zero Until blocks indefinitely.
	BlockHost struct {
		Host    string
		Until   time.Time
		Unblock bool
		Reply   chan error
	}

	// DrainWorker stops or resumes matching new tasks to a worker.
	DrainWorker struct {
		Worker model.WorkerID
		Drain  bool
		Reply  chan error
	}

	// TakeSnapshot asks for the checkpointable state.
	TakeSnapshot struct {
		Reply chan Snapshot
	}

	// Restore re-admits tasks from a snapshot.
	Restore struct {
		Snapshot Snapshot
		Reply    chan error
	}
)

// Snapshot is the persisted part of the manager's state: enough to resume scheduling the
// non-terminal tasks after a restart.
type Snapshot struct {
	Taken     time.Time         `json:"taken"`
	NextID    model.TaskID      `json:"next_id"`
	Files     []files.Spec      `json:"files"`
	Libraries []library.Library `json:"libraries"`
	Tasks     []SnapshotTask    `json:"tasks"`
}

// SnapshotTask is one non-terminal task in a snapshot.
type SnapshotTask struct {
	ID      model.TaskID    `json:"id"`
	Spec    task.Spec       `json:"spec"`
	State   model.TaskState `json:"state"`
	Retries int             `json:"retries"`
}
