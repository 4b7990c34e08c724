package dispatch

import (
	"github.com/pkg/errors"

	"github.com/determined-ai/vine/master/internal/files"
	"github.com/determined-ai/vine/master/internal/library"
	"github.com/determined-ai/vine/master/internal/prom"
	"github.com/determined-ai/vine/master/internal/sproto"
	"github.com/determined-ai/vine/master/internal/task"
	"github.com/determined-ai/vine/master/pkg/check"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/vproto"
)

// submit validates and admits an application task.
func (l *Loop) submit(spec task.Spec) (model.TaskID, error) {
	spec, err := spec.Validated(l.config.Scheduler)
	if err != nil {
		return 0, err
	}
	if spec.Kind == model.FunctionCallTask {
		if err := l.libraries.CheckCall(spec.Library, spec.Function); err != nil {
			return 0, err
		}
	}
	t, err := l.admit(l.lastID+1, spec)
	if err != nil {
		return 0, err
	}
	if spec.Kind == model.FunctionCallTask {
		l.libraries.ObserveArrival(spec.Library, t.SubmittedAt)
	}
	return t.ID, nil
}

// admit creates a WAITING task under id, taking references on its files and registering it as
// the producer of its outputs.
func (l *Loop) admit(id model.TaskID, spec task.Spec) (*task.Task, error) {
	if _, ok := l.tasks[id]; ok {
		return nil, errors.Wrapf(ErrAlreadySubmitted, "task %s", id)
	}
	for _, name := range append(spec.InputFiles(), spec.OutputFiles()...) {
		if _, ok := l.catalog.Get(name); !ok {
			return nil, errors.Wrapf(files.ErrUnknownFile, "task references %s", name)
		}
	}
	outputs := spec.OutputFiles()
	for i, name := range outputs {
		if err := l.catalog.SetProducer(name, id); err != nil {
			for _, done := range outputs[:i] {
				l.catalog.ClearProducer(done, id)
			}
			return nil, err
		}
	}
	l.catalog.Acquire(spec.InputFiles()...)
	l.catalog.Acquire(outputs...)

	t := task.New(id, spec, l.clock.Now())
	l.tasks[id] = t
	if id > l.lastID {
		l.lastID = id
	}
	prom.TasksSubmitted.WithLabelValues(string(spec.Kind)).Inc()
	l.taskLog(t).Debugf("admitted %s task", spec.Kind)
	return t, nil
}

func (l *Loop) declareFile(spec files.Spec) (string, error) {
	f, err := l.catalog.Declare(spec)
	if err != nil {
		return "", err
	}
	return f.Name, nil
}

func (l *Loop) undeclareFile(name string) error {
	holders, err := l.catalog.Undeclare(name)
	if err != nil {
		return err
	}
	for _, w := range holders {
		if s, ok := l.workers[w]; ok {
			s.Send(vproto.WorkerMessage{Evict: &vproto.Evict{File: name}})
		}
	}
	return nil
}

// lookup returns an application-visible task.
func (l *Loop) lookup(id model.TaskID) (*task.Task, error) {
	t, ok := l.tasks[id]
	if !ok || t.Internal() {
		return nil, errors.Wrapf(ErrTaskNotFound, "task %s", id)
	}
	return t, nil
}

func (l *Loop) cancel(id model.TaskID) error {
	t, err := l.lookup(id)
	if err != nil {
		return err
	}
	if t.IsTerminal() {
		return errors.Wrapf(ErrAlreadyTerminal, "task %s is %s", id, t.State)
	}
	now := l.clock.Now()
	l.abort(t, now)
	if err := t.Cancel(now); err != nil {
		return err
	}
	l.taskLog(t).Info("task cancelled")
	l.finish(t, now)
	return nil
}

func (l *Loop) remove(id model.TaskID) error {
	t, err := l.lookup(id)
	switch {
	case err != nil:
		return err
	case !t.IsTerminal():
		return errors.Wrapf(ErrNotTerminal, "task %s is %s", id, t.State)
	case !t.ReportConsumed:
		return errors.Wrapf(ErrReportNotConsumed, "task %s", id)
	}
	// Consumers of a done task's outputs only depend on the files from now on. Failed producers
	// stay recorded so their consumers keep failing.
	if t.State == model.TaskDone {
		for _, name := range t.Spec.OutputFiles() {
			l.catalog.ClearProducer(name, id)
		}
	}
	delete(l.tasks, id)
	return nil
}

func (l *Loop) getTask(id model.TaskID) (task.Report, error) {
	t, err := l.lookup(id)
	if err != nil {
		return task.Report{}, err
	}
	return t.Report(), nil
}

func (l *Loop) summary() model.ClusterSummary {
	now := l.clock.Now()
	sum := model.ClusterSummary{
		TaskCounts: make(map[model.TaskState]int),
		Blocked:    l.blocklist.Hosts(now),
		LargeTasks: l.largeTasks,
	}
	for _, s := range l.sessions() {
		bytes, count := l.catalog.Occupancy(s.ID)
		var libs []string
		for _, i := range l.libraries.OnWorker(s.ID) {
			libs = append(libs, string(i.ID))
		}
		sum.Workers = append(sum.Workers, s.Summary(count, bytes, libs))
		sum.Total = sum.Total.Add(s.Total)
		sum.Available = sum.Available.Add(s.Available())
	}
	for _, t := range l.tasks {
		if !t.Internal() {
			sum.TaskCounts[t.State]++
		}
	}
	return sum
}

func (l *Loop) registerLibrary(lib library.Library) error {
	if err := check.Validate(lib); err != nil {
		return err
	}
	for _, m := range lib.Inputs {
		if _, ok := l.catalog.Get(m.File); !ok {
			return errors.Wrapf(files.ErrUnknownFile, "library %s references %s", lib.Name, m.File)
		}
	}
	if err := l.libraries.Register(lib); err != nil {
		return errors.Wrapf(err, "registering %s", lib.Name)
	}
	l.syslog.WithField("library", lib.Name).Infof("registered library exporting %v", lib.Functions)
	return nil
}

func (l *Loop) blockHost(msg sproto.BlockHost) error {
	if msg.Host == "" {
		return errors.New("host is required")
	}
	if msg.Unblock {
		l.blocklist.Unblock(msg.Host)
		return nil
	}
	l.blocklist.Block(msg.Host, msg.Until)
	return nil
}

func (l *Loop) drainWorker(id model.WorkerID, drain bool) error {
	s, ok := l.workers[id]
	if !ok {
		return errors.Wrapf(ErrUnknownWorker, "%s", id)
	}
	s.Draining = drain
	l.syslog.WithField("worker-id", id).Infof("draining set to %v", drain)
	return nil
}

// snapshot captures what is needed to resume the non-terminal application tasks.
func (l *Loop) snapshot() sproto.Snapshot {
	snap := sproto.Snapshot{
		Taken:     l.clock.Now(),
		NextID:    l.lastID + 1,
		Libraries: l.libraries.Libraries(),
	}
	for _, f := range l.catalog.Files() {
		snap.Files = append(snap.Files, f.Spec())
	}
	for _, id := range l.taskIDs() {
		t := l.tasks[id]
		if t.Internal() || t.IsTerminal() {
			continue
		}
		snap.Tasks = append(snap.Tasks, sproto.SnapshotTask{
			ID: t.ID, Spec: t.Spec, State: t.State, Retries: t.Retries,
		})
	}
	return snap
}

// restore re-admits the tasks of a snapshot as WAITING. Work they had in flight is lost; workers
// that still run it are told to drop it when they reconnect.
func (l *Loop) restore(snap sproto.Snapshot) error {
	for _, spec := range snap.Files {
		if _, err := l.catalog.Declare(spec); err != nil {
			return errors.Wrapf(err, "restoring file %s", spec.Name)
		}
	}
	for _, lib := range snap.Libraries {
		if err := l.registerLibrary(lib); err != nil {
			return err
		}
	}
	for _, st := range snap.Tasks {
		t, err := l.admit(st.ID, st.Spec)
		if err != nil {
			return errors.Wrapf(err, "restoring task %s", st.ID)
		}
		t.Retries = st.Retries
	}
	if snap.NextID-1 > l.lastID {
		l.lastID = snap.NextID - 1
	}
	l.syslog.Infof("restored %d tasks and %d files from a snapshot taken at %s",
		len(snap.Tasks), len(snap.Files), snap.Taken)
	return nil
}
