package dispatch

import (
	"net"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/vine/master/internal/rm/workerrm"
	"github.com/determined-ai/vine/master/internal/sproto"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
	"github.com/determined-ai/vine/master/pkg/vproto"
)

func sortSessions(s []*workerrm.Session) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}

func sortIDs(ids []model.TaskID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func shutdownMessage(reason string, at time.Time) vproto.WorkerMessage {
	return vproto.WorkerMessage{Shutdown: &vproto.Shutdown{Reason: reason, At: at}}
}

// transferAddr resolves an address advertised as ":port" against the host the worker connected
// from.
func transferAddr(advertised, remote string) string {
	if !strings.HasPrefix(advertised, ":") {
		return advertised
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil || host == "" {
		return ""
	}
	return net.JoinHostPort(host, strings.TrimPrefix(advertised, ":"))
}

func (l *Loop) workerConnected(msg sproto.WorkerConnected) {
	now := l.clock.Now()
	h := msg.Handshake
	if old, ok := l.workers[h.WorkerID]; ok {
		l.removeWorker(old, "replaced by a new connection")
	}

	s := workerrm.NewSession(msg.Conn, h, msg.Outbox, now)
	s.TransferAddr = transferAddr(h.TransferAddr, msg.RemoteAddr)
	l.workers[s.ID] = s

	for _, f := range h.CachedFiles {
		l.catalog.MarkPresent(f.Name, s.ID, f.Size)
	}
	// Tasks a reconnecting worker still runs were already failed over when it was lost.
	var unknown []model.TaskID
	for _, id := range h.RunningTasks {
		if t, ok := l.tasks[id]; !ok || t.Worker != s.ID {
			unknown = append(unknown, id)
		}
	}

	s.Send(vproto.WorkerMessage{Welcome: &vproto.Welcome{
		ManagerName:       l.config.ManagerName,
		ProtocolVersion:   vproto.ProtocolVersion,
		HeartbeatInterval: l.config.Worker.HeartbeatInterval,
		Unknown:           unknown,
	}})
	l.syslog.WithField("worker-id", s.ID).Infof(
		"worker %s joined with %s and %d cached files", s.Hostname, s.Total, len(h.CachedFiles))
}

func (l *Loop) workerDisconnected(msg sproto.WorkerDisconnected) {
	s, ok := l.workers[msg.Worker]
	if !ok || s.Conn != msg.Conn {
		return
	}
	reason := "connection closed"
	if msg.Err != nil {
		reason = errors.Wrap(msg.Err, "connection failed").Error()
	}
	l.removeWorker(s, reason)
}

// removeWorker forgets a worker and fails over everything placed on it.
func (l *Loop) removeWorker(s *workerrm.Session, reason string) {
	log := l.syslog.WithField("worker-id", s.ID)
	log.Warnf("removing worker: %s", reason)
	delete(l.workers, s.ID)
	s.Close(reason)

	lost := l.catalog.RemoveWorker(s.ID)
	for _, inst := range l.libraries.RemoveWorker(s.ID) {
		delete(l.installs, inst.InstallTask)
	}

	now := l.clock.Now()
	for _, id := range l.taskIDs() {
		t := l.tasks[id]
		if t.Worker != s.ID || t.IsTerminal() {
			continue
		}
		if t.Staged {
			l.unstage(t, s)
			continue
		}
		l.failAttempt(t, model.NewFailure(model.WorkerLost, s.ID, "%s", reason), now)
	}
	log.Debugf("worker held %d files", len(lost))
}

func (l *Loop) workerMessage(msg sproto.WorkerMessageReceived) {
	s, ok := l.workers[msg.Worker]
	if !ok || s.Conn != msg.Conn {
		return
	}
	now := l.clock.Now()
	s.LastHeartbeat = now

	m := msg.Message
	switch {
	case m.Heartbeat != nil:
	case m.TaskStatus != nil:
		l.taskStatus(s, *m.TaskStatus, now)
	case m.TransferStatus != nil:
		l.transferStatus(s, *m.TransferStatus, now)
	case m.LibraryReady != nil:
		l.libraryReady(s, *m.LibraryReady, now)
	case m.FunctionResult != nil:
		l.functionResult(s, *m.FunctionResult, now)
	case m.CancelAck != nil:
		l.syslog.WithField("task-id", m.CancelAck.TaskID).Debugf("%s acknowledged cancel", s.ID)
	case m.FileEvicted != nil:
		l.catalog.Evicted(m.FileEvicted.File, s.ID)
	default:
		l.syslog.WithField("worker-id", s.ID).Warnf("unexpected %s message", m.Kind())
	}
}

func (l *Loop) checkHeartbeats(now time.Time) {
	interval := l.config.Worker.HeartbeatInterval.Std()
	for _, s := range l.sessions() {
		if workerrm.HeartbeatExpired(now, s.LastHeartbeat, interval, l.config.Worker.MissedHeartbeats) {
			l.removeWorker(s, "heartbeat timeout")
		}
	}
}

// evictFiles brings every worker's cache under its threshold, never dropping a file that a task
// placed on the worker needs.
func (l *Loop) evictFiles() {
	for _, s := range l.sessions() {
		if s.Total.DiskMB <= 0 {
			continue
		}
		limit := int64(float64(s.Total.DiskMB<<20) * l.config.Worker.CacheThreshold)
		pinned := set.New[string]()
		for _, id := range s.TaskIDs() {
			if t, ok := l.tasks[id]; ok {
				for _, name := range t.Spec.InputFiles() {
					pinned.Insert(name)
				}
			}
		}
		for _, name := range l.catalog.EvictionCandidates(s.ID, limit, pinned) {
			l.catalog.Evicted(name, s.ID)
			s.Send(vproto.WorkerMessage{Evict: &vproto.Evict{File: name}})
			l.syslog.WithFields(logrus.Fields{"worker-id": s.ID, "file": name}).
				Debug("evicting cached file")
		}
	}
}

// peers maps every connected worker able to serve transfers to its transfer address.
func (l *Loop) peers() map[model.WorkerID]string {
	out := make(map[model.WorkerID]string, len(l.workers))
	for id, s := range l.workers {
		if s.TransferAddr != "" {
			out[id] = s.TransferAddr
		}
	}
	return out
}
