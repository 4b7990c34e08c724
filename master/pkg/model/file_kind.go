package model

// FileKind describes where a file's contents originate.
type FileKind string

const (
	// RegularFile is a single file on the manager's filesystem.
	RegularFile FileKind = "regular"
	// DirectoryFile is a directory tree on the manager's filesystem, shipped as a tar stream.
	DirectoryFile FileKind = "directory"
	// BufferFile holds its contents in manager memory.
	BufferFile FileKind = "buffer"
	// URLFile is fetched by the worker from a URL.
	URLFile FileKind = "url"
	// TempFile only ever exists on workers; it is produced by one task and consumed by others.
	TempFile FileKind = "temp"
)

// CacheScope says how long a worker may keep a materialized file.
type CacheScope string

const (
	// CacheTask files are removed from the worker once the task using them ends.
	CacheTask CacheScope = "task"
	// CacheWorker files stay on the worker until evicted or the worker leaves.
	CacheWorker CacheScope = "worker"
	// CacheUnlink files are worker-persistent, and their manager-side source is deleted when no
	// task references them anymore.
	CacheUnlink CacheScope = "unlink"
)

// Persistent returns true if the scope outlives a single task on the worker.
func (s CacheScope) Persistent() bool {
	return s == CacheWorker || s == CacheUnlink
}

// ReplicaState is the materialization state of a file on one worker.
type ReplicaState string

const (
	// ReplicaAbsent means the worker does not hold the file.
	ReplicaAbsent ReplicaState = "absent"
	// ReplicaTransferring means a transfer to the worker is in progress.
	ReplicaTransferring ReplicaState = "transferring"
	// ReplicaPresent means the worker holds a complete copy.
	ReplicaPresent ReplicaState = "present"
)
