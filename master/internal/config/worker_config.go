package config

import (
	"time"

	"github.com/pkg/errors"

	"github.com/determined-ai/vine/master/pkg/check"
	"github.com/determined-ai/vine/master/pkg/model"
)

// DefaultWorkerConfig returns the default worker session settings.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		HeartbeatInterval: model.Duration(30 * time.Second),
		MissedHeartbeats:  4,
		CacheThreshold:    0.9,
		PeerTransfers:     true,
		MaxPeerTransfers:  3,
	}
}

// WorkerConfig controls worker health checking and worker caches.
type WorkerConfig struct {
	HeartbeatInterval model.Duration `json:"heartbeat_interval"`
	// MissedHeartbeats is how many intervals may pass without a message before a worker is lost.
	MissedHeartbeats int `json:"missed_heartbeats"`
	// CacheThreshold is the fraction of a worker's disk its cache may fill before eviction.
	CacheThreshold float64 `json:"cache_threshold"`
	PeerTransfers  bool    `json:"peer_transfers"`
	// MaxPeerTransfers bounds concurrent outgoing transfers served by one worker.
	MaxPeerTransfers int `json:"max_peer_transfers"`
}

// HeartbeatTimeout is how long a worker may be silent.
func (w WorkerConfig) HeartbeatTimeout() time.Duration {
	return w.HeartbeatInterval.Std() * time.Duration(w.MissedHeartbeats)
}

// Validate implements the check.Validatable interface.
func (w WorkerConfig) Validate() []error {
	errs := []error{
		check.Positive(int64(w.HeartbeatInterval), "worker.heartbeat_interval"),
		check.Positive(w.MissedHeartbeats, "worker.missed_heartbeats"),
		check.Positive(w.MaxPeerTransfers, "worker.max_peer_transfers"),
	}
	if w.CacheThreshold <= 0 || w.CacheThreshold > 1 {
		errs = append(errs, errors.Errorf(
			"worker.cache_threshold must be in (0, 1], got %v", w.CacheThreshold))
	}
	return errs
}
