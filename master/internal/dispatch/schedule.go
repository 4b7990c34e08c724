package dispatch

import (
	"time"

	"github.com/determined-ai/vine/master/internal/files"
	"github.com/determined-ai/vine/master/internal/prom"
	"github.com/determined-ai/vine/master/internal/rm/fitting"
	"github.com/determined-ai/vine/master/internal/rm/workerrm"
	"github.com/determined-ai/vine/master/internal/task"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
	"github.com/determined-ai/vine/master/pkg/vproto"
)

// schedule advances staged tasks and then matches READY tasks to workers in priority order until
// no remaining task fits anywhere.
func (l *Loop) schedule(now time.Time) {
	l.advanceStaged(now)

	sessions := l.sessions()
	if len(sessions) == 0 {
		l.largeTasks = 0
		return
	}
	candidates := make([]*fitting.Candidate, 0, len(sessions))
	for _, s := range sessions {
		candidates = append(candidates, s.Candidate())
	}
	totals := fitting.Totals(candidates)

	var requests []*fitting.Request
	unbound := make(map[string]int)
	priority := make(map[string]float64)
	for _, id := range l.ready.IDs() {
		t := l.tasks[id]
		if t.Spec.Kind != model.FunctionCallTask {
			requests = append(requests, l.request(t, totals))
			continue
		}
		if !l.bindCall(t, now) {
			lib := t.Spec.Library
			if unbound[lib] == 0 || t.Spec.Priority > priority[lib] {
				priority[lib] = t.Spec.Priority
			}
			unbound[lib]++
		}
	}

	for pending := requests; len(pending) > 0; {
		req, c := l.matcher.Match(pending, candidates)
		if req == nil {
			break
		}
		for i := range pending {
			if pending[i] == req {
				pending = pending[i+1:]
				break
			}
		}
		s := l.workers[c.ID]
		if err := l.stage(l.tasks[req.TaskID], s, req.Resources, now); err != nil {
			l.syslog.WithError(err).WithField("task-id", req.TaskID).Error("staging matched task")
			continue
		}
		c.Available = s.Available()
	}

	for _, name := range l.libraries.PlanInstalls(unbound) {
		l.planInstall(name, priority[name])
	}

	var unmatched []*fitting.Request
	for _, req := range requests {
		if l.ready.Contains(req.TaskID) {
			unmatched = append(unmatched, req)
		}
	}
	large := fitting.LargeTasks(unmatched, candidates)
	l.largeTasks = len(large)
	l.large.Report(large)
}

func (l *Loop) request(t *task.Task, totals []model.Resources) *fitting.Request {
	inputs := t.Spec.InputFiles()
	return &fitting.Request{
		TaskID:     t.ID,
		Resources:  l.estimator.Resolve(t.Spec.Resources, t.Spec.Category, totals, t.Escalations),
		Preferred:  t.Spec.Preferred,
		Excluded:   set.FromSlice(t.Spec.Excluded),
		Avoid:      t.Avoid,
		Features:   t.Spec.Features,
		MinRunTime: t.Spec.MinRunTime.Std(),
		Algorithm:  t.Spec.Algorithm,
		CachedBytes: func(w model.WorkerID) int64 {
			return l.catalog.CachedBytes(w, inputs)
		},
	}
}

// stage reserves resources for t on s and starts moving its inputs there.
func (l *Loop) stage(t *task.Task, s *workerrm.Session, res model.Resources, now time.Time) error {
	if err := s.Reserve(t.ID, res); err != nil {
		return err
	}
	t.Worker, t.Reserved, t.Staged = s.ID, res, true
	l.ready.Remove(t.ID)
	l.taskLog(t).WithField("worker-id", s.ID).Debugf("staged with %s", res)
	l.advance(t, s, now)
	return nil
}

func (l *Loop) advanceStaged(now time.Time) {
	for _, id := range l.taskIDs() {
		t := l.tasks[id]
		if !t.Staged {
			continue
		}
		if s, ok := l.workers[t.Worker]; ok {
			l.advance(t, s, now)
		}
	}
}

// advance plans a transfer for every input t is missing on s and dispatches t once all of them
// are present.
func (l *Loop) advance(t *task.Task, s *workerrm.Session, now time.Time) {
	ready := true
	var peers map[model.WorkerID]string
	for _, name := range t.Spec.InputFiles() {
		switch l.catalog.State(name, s.ID) {
		case model.ReplicaPresent:
			continue
		case model.ReplicaTransferring:
			ready = false
			continue
		}
		ready = false
		if peers == nil {
			peers = l.peers()
		}
		tr, err := l.catalog.PlanTransfer(name, s.ID, peers)
		switch {
		case files.IsBusy(err):
		case err != nil:
			// recomputeReady decides whether the task waits for the file or fails.
			l.taskLog(t).WithError(err).Warnf("cannot stage %s on %s", name, s.ID)
			l.unstage(t, s)
			return
		default:
			prom.TransfersPlanned.WithLabelValues(string(tr.Source.Type)).Inc()
			s.Send(vproto.WorkerMessage{Transfer: &tr})
		}
	}
	if ready {
		l.dispatch(t, s, now)
	}
}

func (l *Loop) dispatch(t *task.Task, s *workerrm.Session, now time.Time) {
	msg := l.payloaderFor(t).payload(
		t, mounts(l.catalog, t.Spec.Inputs), mounts(l.catalog, t.Spec.Outputs))
	if err := t.Transition(model.TaskDispatched); err != nil {
		l.taskLog(t).WithError(err).Error("dispatching task")
		return
	}
	t.Staged = false
	t.StartAttempt(s.ID, now)
	if t.Spec.Kind == model.LibraryInstallTask {
		l.libraries.Place(l.installs[t.ID], s.ID)
	}
	for _, name := range t.Spec.InputFiles() {
		l.catalog.Touch(name, s.ID)
	}
	s.Send(msg)
	prom.Dispatches.WithLabelValues(string(t.Spec.Kind)).Inc()
	l.taskLog(t).WithField("worker-id", s.ID).Infof("dispatched with %s", t.Reserved)
}
