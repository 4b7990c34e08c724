// Package dispatch implements the manager's single coordinating loop. Every piece of scheduling
// state (tasks, worker sessions, the file catalog and library instances) is owned by the Loop and
// only mutated from Step; connections and API handlers communicate with it by posting events.
package dispatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/internal/files"
	"github.com/determined-ai/vine/master/internal/library"
	"github.com/determined-ai/vine/master/internal/prom"
	"github.com/determined-ai/vine/master/internal/rm/fitting"
	"github.com/determined-ai/vine/master/internal/rm/tasklist"
	"github.com/determined-ai/vine/master/internal/rm/workerrm"
	"github.com/determined-ai/vine/master/internal/sproto"
	"github.com/determined-ai/vine/master/internal/task"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/syncx/queue"
)

// Loop is the dispatch loop.
type Loop struct {
	syslog *logrus.Entry
	config *config.Config
	clock  clockwork.Clock
	rng    *rand.Rand

	events  *queue.Queue[sproto.Event]
	reports *queue.Queue[task.Report]

	catalog   *files.Catalog
	libraries *library.Runtime
	matcher   *fitting.Matcher
	estimator *fitting.Estimator
	blocklist *fitting.Blocklist
	large     *fitting.LargeTaskReporter
	retry     task.RetryPolicy

	lastID  model.TaskID
	tasks   map[model.TaskID]*task.Task
	ready   *tasklist.TaskList
	workers map[model.WorkerID]*workerrm.Session

	// retrievals tracks outputs being uploaded by tasks in RETRIEVING.
	retrievals map[model.TaskID]*retrieval
	uploading  map[string]model.TaskID
	// installs maps library install tasks to the instance they start.
	installs map[model.TaskID]model.InstanceID

	largeTasks int
}

// New returns a loop with no workers and no tasks. Uploaded outputs and file origins are kept in
// store.
func New(cfg *config.Config, store *files.Store, clock clockwork.Clock) *Loop {
	rng := rand.New(rand.NewSource(clock.Now().UnixNano())) // #nosec G404
	blocklist := fitting.NewBlocklist(cfg.Scheduler.Blocklist)
	return &Loop{
		syslog: logrus.WithField("component", "dispatch"),
		config: cfg,
		clock:  clock,
		rng:    rng,

		events:  queue.New[sproto.Event](),
		reports: queue.New[task.Report](),

		catalog: files.NewCatalog(store, files.Options{
			PeerTransfers:    cfg.Worker.PeerTransfers,
			MaxPeerTransfers: cfg.Worker.MaxPeerTransfers,
		}),
		libraries: library.NewRuntime(cfg.Library),
		matcher:   fitting.NewMatcher(cfg.Scheduler.Algorithm, blocklist, clock, rng),
		estimator: fitting.NewEstimator(cfg.Scheduler.Auto),
		blocklist: blocklist,
		large:     fitting.NewLargeTaskReporter(cfg.Scheduler.LargeTaskCheckInterval.Std()),
		retry:     task.PolicyFromConfig(cfg.Scheduler.Retry),

		tasks:      make(map[model.TaskID]*task.Task),
		ready:      tasklist.New(),
		workers:    make(map[model.WorkerID]*workerrm.Session),
		retrievals: make(map[model.TaskID]*retrieval),
		uploading:  make(map[string]model.TaskID),
		installs:   make(map[model.TaskID]model.InstanceID),
	}
}

// Post implements sproto.Poster. It never blocks.
func (l *Loop) Post(e sproto.Event) {
	l.events.Put(e)
}

// Reports is the queue of terminal task reports, in the order tasks finished.
func (l *Loop) Reports() *queue.Queue[task.Report] {
	return l.reports
}

// Run steps the loop whenever events arrive and at least once per pass interval, until ctx is
// done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.NewTicker(l.config.Scheduler.PassInterval.Std())
	defer ticker.Stop()

	l.syslog.Info("dispatch loop started")
	for {
		l.Step()
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-l.events.Signal():
		case <-ticker.Chan():
		}
	}
}

// Step runs one pass: it applies every pending event, promotes tasks whose inputs are ready,
// matches and dispatches until nothing else fits, and then applies the time-based policies.
func (l *Loop) Step() {
	defer prom.Time(prom.PassSeconds)()

	for _, e := range l.events.Drain() {
		l.handle(e)
	}
	now := l.clock.Now()
	l.recomputeReady(now)
	l.schedule(now)
	l.checkTimeouts(now)
	l.checkHeartbeats(now)
	l.reapLibraries(now)
	l.evictFiles()

	prom.ConnectedWorkers.Set(float64(len(l.workers)))
	prom.ReadyTasks.Set(float64(l.ready.Len()))
}

func (l *Loop) handle(e sproto.Event) {
	switch e := e.(type) {
	case sproto.WorkerConnected:
		l.workerConnected(e)
	case sproto.WorkerMessageReceived:
		l.workerMessage(e)
	case sproto.WorkerDisconnected:
		l.workerDisconnected(e)
	case sproto.FileUploaded:
		l.fileUploaded(e)
	case sproto.Tick:

	case sproto.SubmitTask:
		id, err := l.submit(e.Spec)
		e.Reply <- sproto.SubmitResult{ID: id, Err: err}
	case sproto.DeclareFile:
		name, err := l.declareFile(e.Spec)
		e.Reply <- sproto.DeclareResult{Name: name, Err: err}
	case sproto.UndeclareFile:
		e.Reply <- l.undeclareFile(e.Name)
	case sproto.CancelTask:
		e.Reply <- l.cancel(e.ID)
	case sproto.RemoveTask:
		e.Reply <- l.remove(e.ID)
	case sproto.ReportConsumed:
		if t, ok := l.tasks[e.ID]; ok {
			t.ReportConsumed = true
		}
	case sproto.GetTask:
		r, err := l.getTask(e.ID)
		e.Reply <- sproto.GetTaskResult{Report: r, Err: err}
	case sproto.GetSummary:
		e.Reply <- l.summary()
	case sproto.RegisterLibrary:
		e.Reply <- l.registerLibrary(e.Library)
	case sproto.BlockHost:
		e.Reply <- l.blockHost(e)
	case sproto.DrainWorker:
		e.Reply <- l.drainWorker(e.Worker, e.Drain)
	case sproto.TakeSnapshot:
		e.Reply <- l.snapshot()
	case sproto.Restore:
		e.Reply <- l.restore(e.Snapshot)

	default:
		l.syslog.Errorf("unexpected event %T", e)
	}
}

func (l *Loop) shutdown() {
	now := l.clock.Now()
	for _, s := range l.sessions() {
		s.Send(shutdownMessage("manager is shutting down", now))
	}
	l.syslog.Info("dispatch loop stopped")
}

// sessions returns the connected workers ordered by id.
func (l *Loop) sessions() []*workerrm.Session {
	out := make([]*workerrm.Session, 0, len(l.workers))
	for _, s := range l.workers {
		out = append(out, s)
	}
	sortSessions(out)
	return out
}

// taskIDs returns the ids of every known task, ascending.
func (l *Loop) taskIDs() []model.TaskID {
	ids := make([]model.TaskID, 0, len(l.tasks))
	for id := range l.tasks {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func (l *Loop) taskLog(t *task.Task) *logrus.Entry {
	return l.syslog.WithField("task-id", t.ID)
}

func since(now, start time.Time) time.Duration {
	if start.IsZero() {
		return 0
	}
	return now.Sub(start)
}
