package dispatch

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/determined-ai/vine/master/internal/prom"
	"github.com/determined-ai/vine/master/internal/rm/tasklist"
	"github.com/determined-ai/vine/master/internal/rm/workerrm"
	"github.com/determined-ai/vine/master/internal/sproto"
	"github.com/determined-ai/vine/master/internal/task"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
	"github.com/determined-ai/vine/master/pkg/vproto"
)

type inputState int

const (
	inputPending inputState = iota
	inputReady
	inputLost
)

// inputStatus says whether an input of consumer can be staged now, may become stageable later,
// or never will.
func (l *Loop) inputStatus(name string, consumer model.TaskID) (inputState, string) {
	f, ok := l.catalog.Get(name)
	if !ok {
		return inputLost, "was undeclared"
	}
	if f.Producer != 0 && f.Producer != consumer {
		p, ok := l.tasks[f.Producer]
		switch {
		case ok && !p.IsTerminal():
			return inputPending, ""
		case !ok || p.State != model.TaskDone:
			return inputLost, fmt.Sprintf("was not produced: task %s did not succeed", f.Producer)
		case !l.catalog.Available(name):
			return inputLost, fmt.Sprintf("was produced by task %s but no worker holds it", f.Producer)
		}
		return inputReady, ""
	}
	if l.catalog.Available(name) {
		return inputReady, ""
	}
	return inputPending, ""
}

func (l *Loop) inputsStatus(t *task.Task) (inputState, string) {
	state := inputReady
	for _, name := range t.Spec.InputFiles() {
		switch s, why := l.inputStatus(name, t.ID); s {
		case inputLost:
			return inputLost, name + " " + why
		case inputPending:
			state = inputPending
		}
	}
	return state, ""
}

// recomputeReady promotes WAITING tasks whose backoff expired and whose inputs resolved, demotes
// unstaged READY tasks that lost an input, and fails tasks that can never run.
func (l *Loop) recomputeReady(now time.Time) {
	for _, id := range l.taskIDs() {
		t := l.tasks[id]
		switch {
		case t.State == model.TaskWaiting:
			if now.Before(t.NotBefore) {
				continue
			}
			if t.Spec.Kind == model.FunctionCallTask && l.libraries.Broken(t.Spec.Library) {
				l.failFinal(t, model.NewFailure(model.LibraryInstallFailure, "",
					"library %s could not be installed", t.Spec.Library), now)
				continue
			}
			switch state, why := l.inputsStatus(t); state {
			case inputLost:
				l.failAttempt(t, model.NewFailure(model.DependencyFailed, "", "input %s", why), now)
			case inputReady:
				if err := t.Transition(model.TaskReady); err != nil {
					l.taskLog(t).WithError(err).Error("promoting task")
					continue
				}
				l.ready.Add(tasklist.Entry{ID: t.ID, Priority: t.Spec.Priority})
			}
		case t.State == model.TaskReady && !t.Staged:
			switch state, why := l.inputsStatus(t); state {
			case inputLost:
				l.failAttempt(t, model.NewFailure(model.DependencyFailed, "", "input %s", why), now)
			case inputPending:
				l.ready.Remove(t.ID)
				if err := t.Transition(model.TaskWaiting); err != nil {
					l.taskLog(t).WithError(err).Error("demoting task")
				}
			}
		}
	}
}

// failAttempt ends the current attempt of t and retries it if the policy allows.
func (l *Loop) failAttempt(t *task.Task, f *model.Failure, now time.Time) {
	l.fail(t, f, task.Decide(t, f, l.retry, l.rng.Float64()), now)
}

// failFinal fails t without any further attempt.
func (l *Loop) failFinal(t *task.Task, f *model.Failure, now time.Time) {
	l.fail(t, f, task.Decision{}, now)
}

func (l *Loop) fail(t *task.Task, f *model.Failure, d task.Decision, now time.Time) {
	host := ""
	if s, ok := l.workers[t.Worker]; ok {
		host = s.Hostname
	}
	l.releasePlacement(t, now)
	l.ready.Remove(t.ID)
	if err := t.Fail(f, d, now); err != nil {
		l.taskLog(t).WithError(err).Error("failing task")
		return
	}

	log := l.taskLog(t).WithField("cause", f.Cause)
	if d.Retry {
		prom.TaskRetries.WithLabelValues(string(f.Cause)).Inc()
		log.Infof("attempt failed, retry %d of %d in %s: %s", t.Retries, t.MaxRetries(), d.Delay, f)
	} else {
		log.Warnf("task failed: %s", f)
		l.finish(t, now)
	}

	if host != "" && f.Cause.WorkerAttributed() && f.Cause != model.WorkerLost {
		if l.blocklist.RecordFailure(host, now) {
			log.Warnf("blocking host %s after repeated failures", host)
		}
	}
}

// abort stops whatever t is doing on its worker and gives back everything it holds there.
func (l *Loop) abort(t *task.Task, now time.Time) {
	running := t.State == model.TaskDispatched || t.State == model.TaskRunning
	if s, ok := l.workers[t.Worker]; ok && running && !t.Staged {
		s.Send(vproto.WorkerMessage{Cancel: &vproto.Cancel{TaskID: t.ID}})
	}
	l.releasePlacement(t, now)
}

// releasePlacement returns the reservation of t, frees its library slot and drops task-scoped
// inputs nothing else on the worker uses. It is safe to call more than once.
func (l *Loop) releasePlacement(t *task.Task, now time.Time) {
	l.clearRetrieval(t.ID)
	if t.Instance != "" {
		l.libraries.Unbind(t.ID, t.Instance, now, 0)
	}
	s, ok := l.workers[t.Worker]
	if !ok {
		return
	}
	if _, held := s.ReleaseTask(t.ID); held {
		l.dropTaskScoped(t, s)
	}
}

// unstage puts a matched task back in the ready list, for example when its worker left before
// the inputs arrived.
func (l *Loop) unstage(t *task.Task, s *workerrm.Session) {
	s.ReleaseTask(t.ID)
	if t.Instance != "" {
		l.libraries.Unbind(t.ID, t.Instance, l.clock.Now(), 0)
	}
	t.ClearPlacement()
	l.ready.Add(tasklist.Entry{ID: t.ID, Priority: t.Spec.Priority})
	l.taskLog(t).WithField("worker-id", s.ID).Debug("task unstaged")
}

func (l *Loop) dropTaskScoped(t *task.Task, s *workerrm.Session) {
	inUse := set.New[string]()
	for _, id := range s.TaskIDs() {
		if o, ok := l.tasks[id]; ok {
			for _, name := range o.Spec.InputFiles() {
				inUse.Insert(name)
			}
		}
	}
	for _, name := range t.Spec.InputFiles() {
		f, ok := l.catalog.Get(name)
		if !ok || f.Scope != model.CacheTask || inUse.Contains(name) {
			continue
		}
		if l.catalog.Evicted(name, s.ID) {
			s.Send(vproto.WorkerMessage{Evict: &vproto.Evict{File: name}})
		}
	}
}

// finish releases the files of a terminal task and publishes its report.
func (l *Loop) finish(t *task.Task, now time.Time) {
	l.ready.Remove(t.ID)
	l.clearRetrieval(t.ID)
	freed := l.catalog.Release(t.Spec.InputFiles()...)
	freed = append(freed, l.catalog.Release(t.Spec.OutputFiles()...)...)
	for _, f := range freed {
		if err := l.catalog.Unlink(f); err != nil {
			l.syslog.WithError(err).WithField("file", f.Name).Warn("unlinking file source")
		}
	}
	prom.TasksFinished.WithLabelValues(string(t.State)).Inc()

	if t.Internal() {
		l.finishInstall(t, now)
		delete(l.tasks, t.ID)
		return
	}
	l.reports.Put(t.Report())
}

// retrieval is the set of outputs a RETRIEVING task is still uploading.
type retrieval struct {
	worker  model.WorkerID
	pending map[string]*pendingOutput
	// cached holds the sizes of worker-persistent outputs that stay on the worker once
	// retrieved.
	cached map[string]int64
}

type pendingOutput struct {
	kind     model.FileKind
	attempts int
	offset   int64
}

func (l *Loop) clearRetrieval(id model.TaskID) {
	r, ok := l.retrievals[id]
	if !ok {
		return
	}
	for name := range r.pending {
		if l.uploading[name] == id {
			delete(l.uploading, name)
			l.catalog.UploadSettled(name)
		}
	}
	delete(l.retrievals, id)
}

func (l *Loop) sendRetrieve(s *workerrm.Session, id model.TaskID, name string, p *pendingOutput) {
	s.Send(vproto.WorkerMessage{Retrieve: &vproto.Retrieve{
		TaskID: id,
		File:   name,
		Kind:   p.kind,
		URL:    vproto.FileURL(name),
		Offset: p.offset,
	}})
}

// complete handles a successful exit: the task leaves its worker's resources and its outputs are
// brought back to the manager. Temp outputs stay on the worker.
func (l *Loop) complete(
	t *task.Task, s *workerrm.Session, outputs []vproto.OutputInfo, measured model.Resources,
	now time.Time,
) {
	reported := make(map[string]vproto.OutputInfo, len(outputs))
	for _, o := range outputs {
		reported[o.Name] = o
	}
	var missing []string
	for _, name := range t.Spec.OutputFiles() {
		if o, ok := reported[name]; !ok || !o.Present {
			missing = append(missing, name)
		}
	}

	if err := t.Transition(model.TaskRetrieving); err != nil {
		l.taskLog(t).WithError(err).Error("completing task")
		return
	}
	t.FinishedAt = now
	t.Measured = measured
	took := t.ExecutionTime()
	if !t.Internal() {
		s.RecordCompletion(took)
	}
	if t.Instance != "" {
		l.libraries.Unbind(t.ID, t.Instance, now, took)
	}
	l.releasePlacement(t, now)
	l.blocklist.RecordSuccess(s.Hostname)

	if len(missing) > 0 {
		l.failAttempt(t, model.NewFailure(model.OutputMissing, s.ID,
			"outputs %v were not produced", missing), now)
		return
	}

	r := &retrieval{
		worker:  s.ID,
		pending: make(map[string]*pendingOutput),
		cached:  make(map[string]int64),
	}
	for _, name := range t.Spec.OutputFiles() {
		f, ok := l.catalog.Get(name)
		if !ok {
			continue
		}
		if f.Kind == model.TempFile {
			l.catalog.MarkPresent(name, s.ID, reported[name].Size)
			continue
		}
		if f.Scope.Persistent() {
			r.cached[name] = reported[name].Size
		}
		r.pending[name] = &pendingOutput{kind: f.Kind}
	}
	if len(r.pending) == 0 {
		l.succeed(t, now)
		return
	}

	l.retrievals[t.ID] = r
	names := make([]string, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		l.uploading[name] = t.ID
		l.catalog.ExpectUpload(name)
		l.sendRetrieve(s, t.ID, name, r.pending[name])
	}
}

func (l *Loop) succeed(t *task.Task, now time.Time) {
	if err := t.Transition(model.TaskDone); err != nil {
		l.taskLog(t).WithError(err).Error("finishing task")
		return
	}
	if !t.Measured.IsZero() {
		l.estimator.Observe(t.Spec.Category, t.Measured)
	}
	l.taskLog(t).Infof("task done in %s", t.ExecutionTime())
	l.finish(t, now)
}

func (l *Loop) fileUploaded(msg sproto.FileUploaded) {
	id, ok := l.uploading[msg.File]
	if !ok {
		l.syslog.WithField("file", msg.File).Debug("ignoring unexpected upload")
		return
	}
	now := l.clock.Now()
	t, r := l.tasks[id], l.retrievals[id]
	if msg.Err != nil {
		l.retrieveFailed(t, r, msg.File, msg.Size, msg.Err.Error(), now)
		return
	}

	delete(r.pending, msg.File)
	delete(l.uploading, msg.File)
	l.catalog.UploadSettled(msg.File)
	if f, ok := l.catalog.Get(msg.File); ok && f.Size == 0 {
		f.Size = msg.Size
	}
	if len(r.pending) > 0 {
		return
	}
	delete(l.retrievals, id)
	// Every output now matches the manager's copy, so the producer's replicas can serve
	// consumers.
	if _, ok := l.workers[r.worker]; ok {
		for name, size := range r.cached {
			l.catalog.MarkPresent(name, r.worker, size)
		}
	}
	l.succeed(t, now)
}

// retrieveFailed asks the worker to upload an output again, resuming at offset, until the
// attempts run out.
func (l *Loop) retrieveFailed(
	t *task.Task, r *retrieval, name string, offset int64, why string, now time.Time,
) {
	p := r.pending[name]
	p.attempts++
	if p.kind != model.DirectoryFile {
		p.offset = offset
	}
	if p.attempts >= l.config.Scheduler.RetrieveAttempts {
		l.failAttempt(t, model.NewFailure(model.OutputMissing, r.worker,
			"retrieving %s failed %d times: %s", name, p.attempts, why), now)
		return
	}
	s, ok := l.workers[r.worker]
	if !ok {
		return
	}
	l.taskLog(t).WithField("file", name).Infof("retrying upload at offset %d: %s", p.offset, why)
	l.sendRetrieve(s, t.ID, name, p)
}

func (l *Loop) transferStatus(s *workerrm.Session, st vproto.TransferStatus, now time.Time) {
	if st.TaskID != 0 {
		// An output upload. Success is reported by the file service.
		if st.OK {
			return
		}
		if id, ok := l.uploading[st.File]; ok && id == st.TaskID {
			l.retrieveFailed(l.tasks[id], l.retrievals[id], st.File, st.Offset, st.Message, now)
		}
		return
	}

	if st.OK {
		prom.TransfersFinished.WithLabelValues("ok").Inc()
		l.catalog.MarkPresent(st.File, s.ID, st.Size)
		return
	}
	prom.TransfersFinished.WithLabelValues("failed").Inc()
	attempts := l.catalog.TransferFailed(st.File, s.ID, st.Offset)
	log := l.syslog.WithField("worker-id", s.ID).WithField("file", st.File)
	log.Warnf("transfer failed (attempt %d): %s", attempts, st.Message)
	if attempts < l.config.Scheduler.TransferAttempts {
		return
	}
	for _, id := range s.TaskIDs() {
		t, ok := l.tasks[id]
		if !ok || !t.Staged || !slices.Contains(t.Spec.InputFiles(), st.File) {
			continue
		}
		l.failAttempt(t, model.NewFailure(model.TransferFailure, s.ID,
			"moving %s failed %d times: %s", st.File, attempts, st.Message), now)
	}
}

func (l *Loop) taskStatus(s *workerrm.Session, st vproto.TaskStatus, now time.Time) {
	t, ok := l.tasks[st.TaskID]
	active := ok && (t.State == model.TaskDispatched || t.State == model.TaskRunning)
	if !active || t.Worker != s.ID || t.Staged {
		l.syslog.WithField("task-id", st.TaskID).WithField("worker-id", s.ID).
			Debugf("discarding stale %s status", st.State)
		if st.State == vproto.StatusRunning {
			s.Send(vproto.WorkerMessage{Cancel: &vproto.Cancel{TaskID: st.TaskID}})
		}
		return
	}

	switch st.State {
	case vproto.StatusRunning:
		if t.State == model.TaskDispatched {
			if err := t.Transition(model.TaskRunning); err != nil {
				l.taskLog(t).WithError(err).Error("starting task")
				return
			}
			t.StartedAt = now
		}
	case vproto.StatusFailed:
		cause := st.Cause
		if cause == "" {
			cause = model.TaskExecutionFailure
		}
		f := model.NewFailure(cause, s.ID, "%s", st.Message)
		f.ExitCode = st.ExitCode
		t.Measured = st.Measured
		l.failAttempt(t, f, now)
	case vproto.StatusDone:
		t.ExitCode = st.ExitCode
		if st.ExitCode != 0 {
			f := model.NewFailure(model.TaskExecutionFailure, s.ID, "exited with code %d", st.ExitCode)
			f.ExitCode = st.ExitCode
			l.failAttempt(t, f, now)
			return
		}
		l.complete(t, s, st.Outputs, st.Measured, now)
	default:
		l.taskLog(t).Warnf("unknown status %q from %s", st.State, s.ID)
	}
}

// checkTimeouts cancels tasks that ran past their max run time.
func (l *Loop) checkTimeouts(now time.Time) {
	for _, id := range l.taskIDs() {
		t := l.tasks[id]
		limit := t.Spec.MaxRunTime.Std()
		running := t.State == model.TaskDispatched || t.State == model.TaskRunning
		if limit <= 0 || !running || t.Staged {
			continue
		}
		start := t.StartedAt
		if start.IsZero() {
			start = t.DispatchedAt
		}
		if since(now, start) <= limit {
			continue
		}
		worker := t.Worker
		l.abort(t, now)
		l.failAttempt(t, model.NewFailure(model.MaxRunTimeExceeded, worker,
			"ran longer than %s", limit), now)
	}
}
