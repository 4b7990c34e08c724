package vproto

import (
	"encoding/json"
	"time"

	"github.com/determined-ai/vine/master/pkg/model"
)

// WorkerMessage is a union type for all messages sent from the manager to a worker. Exactly one
// field is set.
type WorkerMessage struct {
	Welcome        *Welcome        `json:"welcome,omitempty"`
	Dispatch       *Dispatch       `json:"dispatch,omitempty"`
	Transfer       *Transfer       `json:"transfer,omitempty"`
	Retrieve       *Retrieve       `json:"retrieve,omitempty"`
	Cancel         *Cancel         `json:"cancel,omitempty"`
	InstallLibrary *InstallLibrary `json:"install_library,omitempty"`
	FunctionCall   *FunctionCall   `json:"function_call,omitempty"`
	RemoveLibrary  *RemoveLibrary  `json:"remove_library,omitempty"`
	Evict          *Evict          `json:"evict,omitempty"`
	Shutdown       *Shutdown       `json:"shutdown,omitempty"`
}

// Kind names the populated field, for logging and metrics.
func (m WorkerMessage) Kind() string {
	switch {
	case m.Welcome != nil:
		return "welcome"
	case m.Dispatch != nil:
		return "dispatch"
	case m.Transfer != nil:
		return "transfer"
	case m.Retrieve != nil:
		return "retrieve"
	case m.Cancel != nil:
		return "cancel"
	case m.InstallLibrary != nil:
		return "install_library"
	case m.FunctionCall != nil:
		return "function_call"
	case m.RemoveLibrary != nil:
		return "remove_library"
	case m.Evict != nil:
		return "evict"
	case m.Shutdown != nil:
		return "shutdown"
	default:
		return "empty"
	}
}

// Welcome answers an accepted handshake.
type Welcome struct {
	ManagerName       string         `json:"manager_name"`
	ProtocolVersion   int            `json:"protocol_version"`
	HeartbeatInterval model.Duration `json:"heartbeat_interval"`
	// Unknown lists tasks the worker reported as running that the manager does not recognize.
	// The worker should kill them.
	Unknown []model.TaskID `json:"unknown,omitempty"`
}

// Mount places a cached file into a task's sandbox.
type Mount struct {
	File   string           `json:"file"`
	Remote string           `json:"remote"`
	Kind   model.FileKind   `json:"kind"`
	Scope  model.CacheScope `json:"scope"`
}

// Dispatch starts a command task. All inputs are already present on the worker.
type Dispatch struct {
	TaskID     model.TaskID      `json:"task_id"`
	Command    string            `json:"command"`
	Env        map[string]string `json:"env,omitempty"`
	Resources  model.Resources   `json:"resources"`
	Inputs     []Mount           `json:"inputs,omitempty"`
	Outputs    []Mount           `json:"outputs,omitempty"`
	MaxRunTime model.Duration    `json:"max_run_time,omitempty"`
}

// SourceType says where a worker should fetch a file from.
type SourceType string

const (
	// SourceManager fetches from the manager's file service.
	SourceManager SourceType = "manager"
	// SourcePeer fetches from another worker's transfer address.
	SourcePeer SourceType = "peer"
	// SourceURL fetches from the file's own URL.
	SourceURL SourceType = "url"
)

// TransferSource locates the bytes of a file.
type TransferSource struct {
	Type SourceType     `json:"type"`
	URL  string         `json:"url"`
	Peer model.WorkerID `json:"peer,omitempty"`
}

// Transfer asks a worker to materialize a file in its cache, resuming at Offset.
type Transfer struct {
	File   string           `json:"file"`
	Kind   model.FileKind   `json:"kind"`
	Scope  model.CacheScope `json:"scope"`
	Size   int64            `json:"size"`
	Source TransferSource   `json:"source"`
	Offset int64            `json:"offset"`
}

// Retrieve asks a worker to upload an output file to the manager, resuming at Offset.
type Retrieve struct {
	TaskID model.TaskID   `json:"task_id"`
	File   string         `json:"file"`
	Kind   model.FileKind `json:"kind"`
	URL    string         `json:"url"`
	Offset int64          `json:"offset"`
}

// Cancel asks a worker to abort a task.
type Cancel struct {
	TaskID model.TaskID `json:"task_id"`
}

// InstallLibrary starts a library instance serving Functions with Slots concurrent calls.
type InstallLibrary struct {
	InstanceID model.InstanceID  `json:"instance_id"`
	TaskID     model.TaskID      `json:"task_id"`
	Library    string            `json:"library"`
	Functions  []string          `json:"functions"`
	Slots      int               `json:"slots"`
	Command    string            `json:"command"`
	Env        map[string]string `json:"env,omitempty"`
	Resources  model.Resources   `json:"resources"`
	Inputs     []Mount           `json:"inputs,omitempty"`
}

// FunctionCall invokes Function on an installed instance.
type FunctionCall struct {
	TaskID     model.TaskID     `json:"task_id"`
	InstanceID model.InstanceID `json:"instance_id"`
	Function   string           `json:"function"`
	Args       json.RawMessage  `json:"args,omitempty"`
	Inputs     []Mount          `json:"inputs,omitempty"`
	Outputs    []Mount          `json:"outputs,omitempty"`
}

// RemoveLibrary tears down an idle instance.
type RemoveLibrary struct {
	InstanceID model.InstanceID `json:"instance_id"`
}

// Evict removes a file from the worker's cache.
type Evict struct {
	File string `json:"file"`
}

// Shutdown asks the worker to exit.
type Shutdown struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
