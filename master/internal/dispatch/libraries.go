package dispatch

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/determined-ai/vine/master/internal/library"
	"github.com/determined-ai/vine/master/internal/rm/workerrm"
	"github.com/determined-ai/vine/master/internal/task"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
	"github.com/determined-ai/vine/master/pkg/vproto"
)

// bindCall assigns a READY function call to a free slot of a ready instance and stages it there.
// Calls take no resources of their own; the instance's install task holds them. A retried call
// stays away from the worker that failed it when another instance is free.
func (l *Loop) bindCall(t *task.Task, now time.Time) bool {
	hints := library.Hints{Avoid: t.Avoid, Preferred: t.Spec.Preferred}
	inst := l.libraries.FindInstance(t.Spec.Library, hints, func(i *library.Instance) bool {
		s, ok := l.workers[i.Worker]
		return ok && !s.Draining && !slices.Contains(t.Spec.Excluded, i.Worker) &&
			!l.blocklist.Blocked(s.Hostname, now)
	})
	if inst == nil || !l.libraries.Bind(t.ID, inst.ID) {
		return false
	}
	t.Instance = inst.ID
	if err := l.stage(t, l.workers[inst.Worker], model.Resources{}, now); err != nil {
		l.libraries.Unbind(t.ID, inst.ID, now, 0)
		t.Instance = ""
		l.taskLog(t).WithError(err).Error("staging function call")
		return false
	}
	return true
}

// planInstall admits an internal task that starts one more instance of the library. The
// instance is placed when the task is dispatched.
func (l *Loop) planInstall(name string, priority float64) {
	lib, ok := l.libraries.Lookup(name)
	if !ok {
		return
	}
	spec := lib.InstallSpec()
	spec.Priority = priority
	t, err := l.admit(l.lastID+1, spec)
	if err != nil {
		l.syslog.WithError(err).WithField("library", name).Error("planning library install")
		return
	}
	inst := l.libraries.AddInstance(name, "", t.ID)
	l.installs[t.ID] = inst.ID
	l.taskLog(t).WithField("library", name).Infof("installing instance %s", inst.ID)
}

func (l *Loop) libraryReady(s *workerrm.Session, msg vproto.LibraryReady, now time.Time) {
	t, ok := l.tasks[msg.TaskID]
	id, installing := l.installs[msg.TaskID]
	if !ok || !installing || id != msg.InstanceID || t.Worker != s.ID ||
		t.State != model.TaskDispatched {
		l.syslog.WithField("worker-id", s.ID).Debugf("discarding stale ready from %s", msg.InstanceID)
		if msg.OK {
			s.Send(vproto.WorkerMessage{RemoveLibrary: &vproto.RemoveLibrary{InstanceID: msg.InstanceID}})
		}
		return
	}
	if !msg.OK {
		l.failAttempt(t, model.NewFailure(model.LibraryInstallFailure, s.ID, "%s", msg.Message), now)
		return
	}
	if err := t.Transition(model.TaskRunning); err != nil {
		l.taskLog(t).WithError(err).Error("starting library")
		return
	}
	t.StartedAt = now
	l.libraries.Ready(id, now)
	l.taskLog(t).WithField("worker-id", s.ID).Infof("library instance %s ready", id)
}

func (l *Loop) functionResult(s *workerrm.Session, msg vproto.FunctionResult, now time.Time) {
	t, ok := l.tasks[msg.TaskID]
	active := ok && (t.State == model.TaskDispatched || t.State == model.TaskRunning)
	if !active || t.Worker != s.ID || t.Instance != msg.InstanceID || t.Staged {
		l.syslog.WithField("task-id", msg.TaskID).Debug("discarding stale function result")
		return
	}
	if !msg.OK {
		l.failAttempt(t, model.NewFailure(model.TaskExecutionFailure, s.ID, "%s", msg.Message), now)
		return
	}
	t.Output = msg.Output
	l.complete(t, s, msg.Outputs, model.Resources{}, now)
}

// finishInstall cleans up after an install task ended for any reason other than an idle
// teardown.
func (l *Loop) finishInstall(t *task.Task, now time.Time) {
	id, ok := l.installs[t.ID]
	if !ok {
		return
	}
	delete(l.installs, t.ID)
	inst, ok := l.libraries.Get(id)
	if !ok {
		return
	}
	log := l.taskLog(t).WithField("library", inst.Library)

	if inst.Ready {
		// The library process ended and takes its calls with it.
		for _, call := range l.libraries.Remove(id) {
			if c, ok := l.tasks[call]; ok && !c.IsTerminal() {
				l.failAttempt(c, model.NewFailure(model.LibraryInstallFailure, inst.Worker,
					"library instance %s exited", id), now)
			}
		}
		log.Warnf("library instance %s exited", id)
		return
	}

	if t.Failure != nil && t.Failure.Cause == model.WorkerLost {
		l.libraries.Remove(id)
		return
	}
	broken := l.libraries.InstallFailed(id)
	log.Warnf("library instance %s failed to install", id)
	if len(l.libraries.Instances(inst.Library)) > 0 && !broken {
		return
	}
	// Nothing left can serve the library's waiting calls.
	for _, call := range l.ready.IDs() {
		c := l.tasks[call]
		if c.Spec.Kind != model.FunctionCallTask || c.Spec.Library != inst.Library || c.Staged {
			continue
		}
		f := model.NewFailure(model.LibraryInstallFailure, inst.Worker,
			"library %s failed to install", inst.Library)
		if broken {
			l.failFinal(c, f, now)
		} else {
			l.failAttempt(c, f, now)
		}
	}
}

// reapLibraries tears down instances that sat idle past the idle timeout while no call of their
// library was waiting.
func (l *Loop) reapLibraries(now time.Time) {
	busy := set.New[string]()
	for _, id := range l.ready.IDs() {
		if t := l.tasks[id]; t.Spec.Kind == model.FunctionCallTask {
			busy.Insert(t.Spec.Library)
		}
	}
	for _, id := range l.libraries.IdleInstances(now, busy) {
		l.retireInstance(id, now)
	}
}

// retireInstance removes an idle instance and completes its install task.
func (l *Loop) retireInstance(id model.InstanceID, now time.Time) {
	inst, ok := l.libraries.Get(id)
	if !ok {
		return
	}
	delete(l.installs, inst.InstallTask)
	l.libraries.Remove(id)

	s, connected := l.workers[inst.Worker]
	if connected {
		s.Send(vproto.WorkerMessage{RemoveLibrary: &vproto.RemoveLibrary{InstanceID: id}})
	}
	l.syslog.WithField("library", inst.Library).Infof("removing idle instance %s", id)

	t, ok := l.tasks[inst.InstallTask]
	if !ok || t.State != model.TaskRunning || !connected {
		return
	}
	l.complete(t, s, nil, model.Resources{}, now)
}
