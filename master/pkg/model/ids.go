package model

import "strconv"

// TaskID identifies a task for the lifetime of a manager. IDs are assigned in submission order.
type TaskID int64

func (id TaskID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// WorkerID is the unique address a worker advertises during its handshake.
type WorkerID string

// InstanceID identifies a library instance on a worker.
type InstanceID string
