// Package workerrm manages connected workers: their sessions, resource accounting and the
// websocket connections they speak over.
package workerrm

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/determined-ai/vine/master/internal/rm/fitting"
	"github.com/determined-ai/vine/master/internal/sproto"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
	"github.com/determined-ai/vine/master/pkg/vproto"
)

var (
	// ErrInsufficientResources is returned when a reservation does not fit a worker.
	ErrInsufficientResources = errors.New("insufficient resources")
	// ErrAlreadyReserved is returned when a task already holds resources on a worker.
	ErrAlreadyReserved = errors.New("task already holds resources")
)

// HeartbeatExpired returns true if a worker last heard from at last has missed more than missed
// heartbeats of the given interval at now.
func HeartbeatExpired(now, last time.Time, interval time.Duration, missed int) bool {
	return now.Sub(last) > interval*time.Duration(missed)
}

// Session is the manager's state for one connected worker. It is owned by the dispatch loop and
// not safe for concurrent use.
type Session struct {
	ID           model.WorkerID
	Conn         uuid.UUID
	Hostname     string
	TransferAddr string
	Total        model.Resources
	Features     set.Set[string]
	EndTime      *time.Time

	Draining      bool
	LastHeartbeat time.Time
	ConnectedAt   time.Time

	Completed int
	execTime  time.Duration

	used  model.Resources
	tasks map[model.TaskID]model.Resources

	log    *log.Entry
	outbox sproto.Outbox
}

// NewSession creates a session from an accepted handshake.
func NewSession(
	conn uuid.UUID, h vproto.Handshake, outbox sproto.Outbox, now time.Time,
) *Session {
	return &Session{
		ID:            h.WorkerID,
		Conn:          conn,
		Hostname:      h.Hostname,
		TransferAddr:  h.TransferAddr,
		Total:         h.Resources,
		Features:      set.FromSlice(h.Features),
		EndTime:       h.EndTime,
		LastHeartbeat: now,
		ConnectedAt:   now,
		tasks:         make(map[model.TaskID]model.Resources),
		log:           log.WithField("worker-id", h.WorkerID),
		outbox:        outbox,
	}
}

// Available returns the resources not held by any task.
func (s *Session) Available() model.Resources {
	return s.Total.Sub(s.used)
}

// Reserve holds r for task id.
func (s *Session) Reserve(id model.TaskID, r model.Resources) error {
	if _, ok := s.tasks[id]; ok {
		return errors.Wrapf(ErrAlreadyReserved, "task %s on %s", id, s.ID)
	}
	if r.AnyNegative() || !r.Fits(s.Available()) {
		return errors.Wrapf(ErrInsufficientResources, "task %s needs %s, %s has %s",
			id, r, s.ID, s.Available())
	}
	s.tasks[id] = r
	s.used = s.used.Add(r)
	return nil
}

// ReleaseTask frees the resources held by task id and returns them.
func (s *Session) ReleaseTask(id model.TaskID) (model.Resources, bool) {
	r, ok := s.tasks[id]
	if !ok {
		return model.Resources{}, false
	}
	delete(s.tasks, id)
	s.used = s.used.Sub(r)
	return r, true
}

// Holds returns true if task id holds resources on the worker.
func (s *Session) Holds(id model.TaskID) bool {
	_, ok := s.tasks[id]
	return ok
}

// TaskIDs returns the tasks holding resources on the worker, sorted.
func (s *Session) TaskIDs() []model.TaskID {
	ids := maps.Keys(s.tasks)
	slices.Sort(ids)
	return ids
}

// Send queues msg for the worker. It never blocks.
func (s *Session) Send(msg vproto.WorkerMessage) {
	s.log.Tracef("sending %s", msg.Kind())
	s.outbox.Send(msg)
}

// Close ends the worker's connection.
func (s *Session) Close(reason string) {
	s.log.Infof("closing connection: %s", reason)
	s.outbox.Close(reason)
}

// RecordCompletion adds a finished task's execution time to the worker's statistics.
func (s *Session) RecordCompletion(took time.Duration) {
	s.Completed++
	s.execTime += took
}

// AvgTaskTime is the mean execution time of tasks completed on the worker.
func (s *Session) AvgTaskTime() time.Duration {
	if s.Completed == 0 {
		return 0
	}
	return s.execTime / time.Duration(s.Completed)
}

// Candidate returns the matcher's view of the worker.
func (s *Session) Candidate() *fitting.Candidate {
	return &fitting.Candidate{
		ID:          s.ID,
		Hostname:    s.Hostname,
		Total:       s.Total,
		Available:   s.Available(),
		Features:    s.Features,
		Draining:    s.Draining,
		EndTime:     s.EndTime,
		AvgTaskTime: s.AvgTaskTime(),
		ConnectedAt: s.ConnectedAt,
	}
}

// Summary returns a point-in-time view of the worker.
func (s *Session) Summary(cachedFiles int, cachedBytes int64, libraries []string) model.WorkerSummary {
	return model.WorkerSummary{
		ID:            s.ID,
		Hostname:      s.Hostname,
		Total:         s.Total,
		Available:     s.Available(),
		Tasks:         s.TaskIDs(),
		CachedFiles:   cachedFiles,
		CachedBytes:   cachedBytes,
		Libraries:     libraries,
		Draining:      s.Draining,
		LastHeartbeat: s.LastHeartbeat,
		ConnectedAt:   s.ConnectedAt,
		Completed:     s.Completed,
	}
}
