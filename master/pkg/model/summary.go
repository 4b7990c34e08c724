package model

import "time"

// WorkerSummary is a point-in-time view of a connected worker.
type WorkerSummary struct {
	ID            WorkerID  `json:"id"`
	Hostname      string    `json:"hostname"`
	Total         Resources `json:"total"`
	Available     Resources `json:"available"`
	Tasks         []TaskID  `json:"tasks"`
	CachedFiles   int       `json:"cached_files"`
	CachedBytes   int64     `json:"cached_bytes"`
	Libraries     []string  `json:"libraries,omitempty"`
	Draining      bool      `json:"draining"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ConnectedAt   time.Time `json:"connected_at"`
	Completed     int       `json:"completed"`
}

// ClusterSummary is the answer to a resource/worker query.
type ClusterSummary struct {
	Workers    []WorkerSummary   `json:"workers"`
	Total      Resources         `json:"total"`
	Available  Resources         `json:"available"`
	TaskCounts map[TaskState]int `json:"task_counts"`
	Blocked    []string          `json:"blocked_hosts,omitempty"`
	LargeTasks int               `json:"large_tasks"`
}
