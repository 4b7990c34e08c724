package dispatch

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gotest.tools/assert"
	"pgregory.net/rapid"

	"github.com/determined-ai/vine/master/internal/files"
	"github.com/determined-ai/vine/master/internal/library"
	"github.com/determined-ai/vine/master/internal/sproto"
	"github.com/determined-ai/vine/master/internal/task"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/ptrs"
	"github.com/determined-ai/vine/master/pkg/vproto"
)

func TestDispatchUntilFull(t *testing.T) {
	h := newHarness(t.TempDir())
	w := h.connect("w1", fourCores)
	require.Equal(t, []string{"welcome"}, kinds(w.outbox.Take()))

	var ids []model.TaskID
	for i := 0; i < 3; i++ {
		ids = append(ids, h.submit(t, command(2, 2048)))
	}
	require.Equal(t, []model.TaskID{1, 2, 3}, ids)
	require.Equal(t, []model.TaskID{1, 2}, dispatched(w.outbox.Take()))

	sum := h.summary()
	require.Equal(t, 2, sum.TaskCounts[model.TaskDispatched])
	require.Equal(t, 1, sum.TaskCounts[model.TaskReady])
	require.Equal(t, int64(0), sum.Available.Cores)
	require.Equal(t, int64(4096), sum.Available.MemoryMB)

	h.done("w1", 1)
	require.Equal(t, []model.TaskID{3}, dispatched(w.outbox.Take()))

	reports := h.reports()
	require.Len(t, reports, 1)
	require.Equal(t, model.TaskID(1), reports[0].ID)
	require.Equal(t, model.TaskDone, reports[0].State)
	require.Equal(t, model.WorkerID("w1"), reports[0].Worker)
}

func TestRetryAfterWorkerLoss(t *testing.T) {
	h := newHarness(t.TempDir())
	w1 := h.connect("w1", fourCores)
	spec := command(4, 1024)
	spec.MaxRetries = ptrs.Ptr(3)
	id := h.submit(t, spec)
	require.Equal(t, []model.TaskID{id}, dispatched(w1.outbox.Take()))

	w2 := h.connect("w2", fourCores)
	w2.outbox.Take()
	h.disconnect("w1")
	closed, _ := w1.outbox.Closed()
	require.True(t, closed)

	r := h.report(t, id)
	require.Equal(t, model.TaskWaiting, r.State)
	require.Equal(t, 1, r.Retries)
	require.Empty(t, dispatched(w2.outbox.Take()), "retry must wait for its backoff")

	h.clock.Advance(time.Second)
	h.loop.Step()
	require.Equal(t, []model.TaskID{id}, dispatched(w2.outbox.Take()))

	r = h.report(t, id)
	require.Equal(t, model.TaskDispatched, r.State)
	require.Len(t, r.Attempts, 2)
	require.Equal(t, model.WorkerLost, r.Attempts[0].Failure.Cause)
	require.Equal(t, model.WorkerID("w1"), r.Attempts[0].Worker)
	require.Equal(t, model.WorkerID("w2"), r.Attempts[1].Worker)

	h.done("w2", id)
	require.Equal(t, model.TaskDone, h.reports()[0].State)
}

func registerLibrary(t *testing.T, h *harness, lib library.Library) {
	err := call(h, func(r chan error) sproto.Event {
		return sproto.RegisterLibrary{Library: lib, Reply: r}
	})
	require.NoError(t, err)
}

var testLibrary = library.Library{
	Name:      "lib",
	Functions: []string{"f"},
	Slots:     2,
	Command:   "serve",
	Resources: model.ExplicitRequest(model.Resources{Cores: 1, MemoryMB: 1024}),
}

func TestFunctionCallInstallsLibrary(t *testing.T) {
	h := newHarness(t.TempDir())
	registerLibrary(t, h, testLibrary)
	w := h.connect("w1", fourCores)
	w.outbox.Take()

	id := h.submit(t, task.Spec{
		Kind:     model.FunctionCallTask,
		Library:  "lib",
		Function: "f",
		Args:     json.RawMessage(`{"x": 1}`),
	})
	h.loop.Step()

	msgs := w.outbox.Take()
	require.Equal(t, []string{"install_library"}, kinds(msgs))
	install := msgs[0].InstallLibrary
	require.Equal(t, "lib", install.Library)
	require.Equal(t, 2, install.Slots)
	require.Equal(t, model.Resources{Cores: 1, MemoryMB: 1024}, install.Resources)
	require.Equal(t, int64(3), h.summary().Available.Cores)

	h.send("w1", vproto.ManagerMessage{LibraryReady: &vproto.LibraryReady{
		InstanceID: install.InstanceID, TaskID: install.TaskID, OK: true,
	}})
	msgs = w.outbox.Take()
	require.Equal(t, []string{"function_call"}, kinds(msgs))
	require.Equal(t, id, msgs[0].FunctionCall.TaskID)
	require.Equal(t, install.InstanceID, msgs[0].FunctionCall.InstanceID)
	require.JSONEq(t, `{"x": 1}`, string(msgs[0].FunctionCall.Args))

	h.send("w1", vproto.ManagerMessage{FunctionResult: &vproto.FunctionResult{
		TaskID: id, InstanceID: install.InstanceID, OK: true, Output: json.RawMessage(`{"y": 2}`),
	}})
	reports := h.reports()
	require.Len(t, reports, 1)
	require.Equal(t, model.TaskDone, reports[0].State)
	require.JSONEq(t, `{"y": 2}`, string(reports[0].Output))

	// The instance is torn down once it sat idle past the timeout.
	h.clock.Advance(testConfig().Library.IdleTimeout.Std() + time.Second)
	h.loop.Step()
	require.Equal(t, []string{"remove_library"}, kinds(w.outbox.Take()))
	sum := h.summary()
	require.Equal(t, fourCores, sum.Available)
	require.Len(t, h.loop.tasks, 1, "install tasks are forgotten once they finish")
}

func TestBrokenLibraryFailsCalls(t *testing.T) {
	cfg := testConfig()
	cfg.Library.InstallAttempts = 1
	h := newHarnessWith(cfg, t.TempDir())
	registerLibrary(t, h, testLibrary)
	w := h.connect("w1", fourCores)
	w.outbox.Take()

	id := h.submit(t, task.Spec{Kind: model.FunctionCallTask, Library: "lib", Function: "f"})
	h.loop.Step()
	install := w.outbox.Take()[0].InstallLibrary
	require.NotNil(t, install)

	h.send("w1", vproto.ManagerMessage{LibraryReady: &vproto.LibraryReady{
		InstanceID: install.InstanceID, TaskID: install.TaskID, OK: false, Message: "import error",
	}})
	reports := h.reports()
	require.Len(t, reports, 1)
	require.Equal(t, id, reports[0].ID)
	require.Equal(t, model.TaskFailed, reports[0].State)
	require.Equal(t, model.LibraryInstallFailure, reports[0].Failure.Cause)
	require.Equal(t, fourCores, h.summary().Available)
}

func TestCancelWaitingTask(t *testing.T) {
	h := newHarness(t.TempDir())
	tmp := h.declare(t, files.Spec{Kind: model.TempFile})

	producer := command(1, 0)
	producer.Outputs = []task.Mount{{File: tmp, Remote: "out"}}
	h.submit(t, producer)
	consumer := command(1, 0)
	consumer.Inputs = []task.Mount{{File: tmp, Remote: "in"}}
	id := h.submit(t, consumer)
	require.Equal(t, model.TaskWaiting, h.report(t, id).State)

	require.NoError(t, h.cancel(id))
	require.ErrorIs(t, h.cancel(id), ErrAlreadyTerminal)

	reports := h.reports()
	require.Len(t, reports, 1)
	require.Equal(t, model.TaskCancelled, reports[0].State)
}

func TestStaleCompletionIsDiscarded(t *testing.T) {
	h := newHarness(t.TempDir())
	w := h.connect("w1", fourCores)
	w.outbox.Take()
	id := h.submit(t, command(2, 1024))
	w.outbox.Take()

	require.NoError(t, h.cancel(id))
	require.Equal(t, []string{"cancel"}, kinds(w.outbox.Take()))
	require.Equal(t, fourCores, h.summary().Available)

	h.done("w1", id)
	require.Empty(t, w.outbox.Take())
	h.send("w1", vproto.ManagerMessage{TaskStatus: &vproto.TaskStatus{
		TaskID: id, State: vproto.StatusRunning,
	}})
	require.Equal(t, []string{"cancel"}, kinds(w.outbox.Take()))

	reports := h.reports()
	require.Len(t, reports, 1)
	require.Equal(t, model.TaskCancelled, reports[0].State)
}

func TestConsumerWaitsForProducer(t *testing.T) {
	h := newHarness(t.TempDir())
	tmp := h.declare(t, files.Spec{Kind: model.TempFile})

	producer := command(1, 0)
	producer.Outputs = []task.Mount{{File: tmp, Remote: "out"}}
	pid := h.submit(t, producer)
	consumer := command(1, 0)
	consumer.Inputs = []task.Mount{{File: tmp, Remote: "in"}}
	cid := h.submit(t, consumer)

	w := h.connect("w1", fourCores)
	require.Equal(t, []model.TaskID{pid}, dispatched(w.outbox.Take()))
	require.Equal(t, model.TaskWaiting, h.report(t, cid).State)

	h.done("w1", pid, vproto.OutputInfo{Name: tmp, Size: 10, Present: true})
	msgs := w.outbox.Take()
	require.Equal(t, []model.TaskID{cid}, dispatched(msgs))
	require.Equal(t, []vproto.Mount{{
		File: tmp, Remote: "in", Kind: model.TempFile, Scope: model.CacheWorker,
	}}, msgs[0].Dispatch.Inputs)
}

func TestFailedProducerFailsConsumer(t *testing.T) {
	h := newHarness(t.TempDir())
	tmp := h.declare(t, files.Spec{Kind: model.TempFile})
	w := h.connect("w1", fourCores)

	producer := command(1, 0)
	producer.Outputs = []task.Mount{{File: tmp, Remote: "out"}}
	pid := h.submit(t, producer)
	consumer := command(1, 0)
	consumer.Inputs = []task.Mount{{File: tmp, Remote: "in"}}
	consumer.MaxRetries = ptrs.Ptr(5)
	cid := h.submit(t, consumer)
	require.Equal(t, []model.TaskID{pid}, dispatched(w.outbox.Take()))

	h.send("w1", vproto.ManagerMessage{TaskStatus: &vproto.TaskStatus{
		TaskID: pid, State: vproto.StatusDone, ExitCode: 1,
	}})
	reports := h.reports()
	require.Len(t, reports, 2)
	require.Equal(t, pid, reports[0].ID)
	require.Equal(t, model.TaskExecutionFailure, reports[0].Failure.Cause)
	require.Equal(t, 1, reports[0].ExitCode)
	require.Equal(t, cid, reports[1].ID)
	require.Equal(t, model.TaskFailed, reports[1].State)
	require.Equal(t, model.DependencyFailed, reports[1].Failure.Cause)
	require.Zero(t, reports[1].Retries)
}

func TestOutputRetrieval(t *testing.T) {
	h := newHarness(t.TempDir())
	out := h.declare(t, files.Spec{
		Kind: model.RegularFile, Source: filepath.Join(t.TempDir(), "out.txt"),
	})
	w := h.connect("w1", fourCores)
	spec := command(1, 0)
	spec.Outputs = []task.Mount{{File: out, Remote: "out.txt"}}
	id := h.submit(t, spec)
	w.outbox.Take()

	h.done("w1", id, vproto.OutputInfo{Name: out, Size: 5, Present: true})
	msgs := w.outbox.Take()
	require.Equal(t, []string{"retrieve"}, kinds(msgs))
	require.Equal(t, vproto.Retrieve{
		TaskID: id, File: out, Kind: model.RegularFile, URL: vproto.FileURL(out),
	}, *msgs[0].Retrieve)
	require.Equal(t, model.TaskRetrieving, h.report(t, id).State)
	require.Equal(t, fourCores, h.summary().Available)

	h.loop.Post(sproto.FileUploaded{File: out, Size: 5})
	h.loop.Step()
	reports := h.reports()
	require.Len(t, reports, 1)
	require.Equal(t, model.TaskDone, reports[0].State)
}

func TestRetrievalGivesUp(t *testing.T) {
	h := newHarness(t.TempDir())
	out := h.declare(t, files.Spec{
		Kind: model.RegularFile, Source: filepath.Join(t.TempDir(), "out.txt"),
	})
	w := h.connect("w1", fourCores)
	spec := command(1, 0)
	spec.Outputs = []task.Mount{{File: out, Remote: "out.txt"}}
	id := h.submit(t, spec)
	h.done("w1", id, vproto.OutputInfo{Name: out, Size: 5, Present: true})
	w.outbox.Take()

	failed := vproto.ManagerMessage{TransferStatus: &vproto.TransferStatus{
		File: out, TaskID: id, Offset: 2, Message: "connection reset",
	}}
	for i := 1; i < testConfig().Scheduler.RetrieveAttempts; i++ {
		h.send("w1", failed)
		msgs := w.outbox.Take()
		require.Equal(t, []string{"retrieve"}, kinds(msgs))
		require.Equal(t, int64(2), msgs[0].Retrieve.Offset)
	}
	h.send("w1", failed)

	reports := h.reports()
	require.Len(t, reports, 1)
	require.Equal(t, model.TaskFailed, reports[0].State)
	require.Equal(t, model.OutputMissing, reports[0].Failure.Cause)
}

func TestMissingOutputFailsTask(t *testing.T) {
	h := newHarness(t.TempDir())
	out := h.declare(t, files.Spec{Kind: model.BufferFile})
	h.connect("w1", fourCores)
	spec := command(1, 0)
	spec.Outputs = []task.Mount{{File: out, Remote: "out.txt"}}
	id := h.submit(t, spec)

	h.done("w1", id)
	r := h.reports()[0]
	require.Equal(t, model.TaskFailed, r.State)
	require.Equal(t, model.OutputMissing, r.Failure.Cause)
}

func TestCacheEviction(t *testing.T) {
	h := newHarness(t.TempDir())
	small := model.Resources{Cores: 1, MemoryMB: 1024, DiskMB: 1}
	w := h.connect("w1", small,
		vproto.CachedFile{Name: "cached-a", Size: 600_000},
		vproto.CachedFile{Name: "cached-b", Size: 600_000},
	)

	msgs := w.outbox.Take()
	require.Equal(t, []string{"welcome", "evict"}, kinds(msgs))
	require.Equal(t, "cached-a", msgs[1].Evict.File)

	bytes, count := h.loop.catalog.Occupancy("w1")
	require.Equal(t, int64(600_000), bytes)
	require.Equal(t, 1, count)
}

func TestRemoveRequiresConsumedReport(t *testing.T) {
	h := newHarness(t.TempDir())
	h.connect("w1", fourCores)
	id := h.submit(t, command(1, 0))
	remove := func() error {
		return call(h, func(r chan error) sproto.Event { return sproto.RemoveTask{ID: id, Reply: r} })
	}

	require.ErrorIs(t, remove(), ErrNotTerminal)
	h.done("w1", id)
	require.ErrorIs(t, remove(), ErrReportNotConsumed)

	h.loop.Post(sproto.ReportConsumed{ID: id})
	require.NoError(t, remove())
	res := call(h, func(r chan sproto.GetTaskResult) sproto.Event {
		return sproto.GetTask{ID: id, Reply: r}
	})
	require.ErrorIs(t, res.Err, ErrTaskNotFound)
}

func TestSnapshotRestore(t *testing.T) {
	h := newHarness(t.TempDir())
	in := h.declare(t, files.Spec{Kind: model.BufferFile, Data: []byte("hello")})
	registerLibrary(t, h, testLibrary)
	spec := command(1, 0)
	spec.Inputs = []task.Mount{{File: in, Remote: "in.txt"}}
	id := h.submit(t, spec)

	snap := call(h, func(r chan sproto.Snapshot) sproto.Event {
		return sproto.TakeSnapshot{Reply: r}
	})
	require.Equal(t, id+1, snap.NextID)
	require.Len(t, snap.Tasks, 1)
	require.Len(t, snap.Libraries, 1)
	require.Len(t, snap.Files, 1)
	require.Equal(t, in, snap.Files[0].Name)

	restored := newHarness(t.TempDir())
	err := call(restored, func(r chan error) sproto.Event {
		return sproto.Restore{Snapshot: snap, Reply: r}
	})
	require.NoError(t, err)
	require.Equal(t, model.TaskReady, restored.report(t, id).State)
	require.Equal(t, id+1, restored.submit(t, command(1, 0)))
}

func TestTransferAddr(t *testing.T) {
	for _, tc := range []struct {
		advertised, remote, want string
	}{
		{":9124", "10.0.0.1:40000", "10.0.0.1:9124"},
		{"worker-3:9124", "10.0.0.1:40000", "worker-3:9124"},
		{":9124", "[::1]:40000", "[::1]:9124"},
		{":9124", "garbage", ""},
		{"", "10.0.0.1:40000", ""},
	} {
		assert.Equal(t, transferAddr(tc.advertised, tc.remote), tc.want)
	}
}

func TestReservationsStayWithinWorker(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(dir)
		h.connect("w1", fourCores)
		s := h.loop.workers["w1"]

		n := rapid.IntRange(1, 12).Draw(rt, "tasks")
		for i := 0; i < n; i++ {
			spec := command(
				rapid.Int64Range(1, 4).Draw(rt, "cores"),
				rapid.Int64Range(0, 8192).Draw(rt, "memory"),
			)
			res := call(h, func(r chan sproto.SubmitResult) sproto.Event {
				return sproto.SubmitTask{Spec: spec, Reply: r}
			})
			if res.Err != nil {
				rt.Fatalf("submit: %v", res.Err)
			}

			if rapid.Bool().Draw(rt, "finish") {
				for _, id := range s.TaskIDs() {
					h.done("w1", id)
					break
				}
			}

			var reserved model.Resources
			for _, tk := range h.loop.tasks {
				if tk.Worker == "w1" && !tk.IsTerminal() {
					reserved = reserved.Add(tk.Reserved)
				}
			}
			if s.Available().AnyNegative() {
				rt.Fatalf("worker over-committed: available %s", s.Available())
			}
			if reserved != s.Total.Sub(s.Available()) {
				rt.Fatalf("reservations %s do not account for %s in use",
					reserved, s.Total.Sub(s.Available()))
			}
		}
	})
}

func TestRetrievedOutputStaysOnProducer(t *testing.T) {
	h := newHarness(t.TempDir())
	out := h.declare(t, files.Spec{
		Kind:   model.RegularFile,
		Source: filepath.Join(t.TempDir(), "out.txt"),
		Scope:  model.CacheWorker,
	})
	w1 := h.connect("w1", fourCores)
	producer := command(1, 0)
	producer.Outputs = []task.Mount{{File: out, Remote: "out.txt"}}
	pid := h.submit(t, producer)
	require.Equal(t, []model.TaskID{pid}, dispatched(w1.outbox.Take()))
	w2 := h.connect("w2", fourCores)
	w2.outbox.Take()

	h.done("w1", pid, vproto.OutputInfo{Name: out, Size: 9, Present: true})
	require.Equal(t, []string{"retrieve"}, kinds(w1.outbox.Take()))
	require.Equal(t, model.ReplicaAbsent, h.loop.catalog.State(out, "w1"),
		"the replica is registered once the manager holds the same bytes")

	h.loop.Post(sproto.FileUploaded{File: out, Size: 9})
	h.loop.Step()
	require.Equal(t, model.TaskDone, h.reports()[0].State)
	require.Equal(t, model.ReplicaPresent, h.loop.catalog.State(out, "w1"))
	require.Equal(t, model.ReplicaAbsent, h.loop.catalog.State(out, "w2"))

	consumer := command(1, 0)
	consumer.Inputs = []task.Mount{{File: out, Remote: "in.txt"}}
	cid := h.submit(t, consumer)
	msgs := w1.outbox.Take()
	require.Equal(t, []string{"dispatch"}, kinds(msgs))
	require.Equal(t, cid, msgs[0].Dispatch.TaskID)
	require.Empty(t, w2.outbox.Take())
}

func TestRetriedCallAvoidsFailedInstance(t *testing.T) {
	h := newHarness(t.TempDir())
	lib := testLibrary
	lib.Slots = 1
	registerLibrary(t, h, lib)
	one := model.Resources{Cores: 1, MemoryMB: 1024, DiskMB: 10000}
	workers := []*testWorker{h.connect("w1", one), h.connect("w2", one)}
	for _, w := range workers {
		w.outbox.Take()
	}

	spec := task.Spec{
		Kind: model.FunctionCallTask, Library: "lib", Function: "f", MaxRetries: ptrs.Ptr(1),
	}
	first := h.submit(t, spec)
	second := h.submit(t, spec)
	h.loop.Step()

	hosts := make(map[model.InstanceID]model.WorkerID)
	installs := make(map[model.InstanceID]model.TaskID)
	for _, w := range workers {
		msgs := w.outbox.Take()
		require.Equal(t, []string{"install_library"}, kinds(msgs))
		hosts[msgs[0].InstallLibrary.InstanceID] = w.id
		installs[msgs[0].InstallLibrary.InstanceID] = msgs[0].InstallLibrary.TaskID
	}
	ready := func(id model.InstanceID) []vproto.WorkerMessage {
		h.send(hosts[id], vproto.ManagerMessage{LibraryReady: &vproto.LibraryReady{
			InstanceID: id, TaskID: installs[id], OK: true,
		}})
		return h.workers[hosts[id]].outbox.Take()
	}
	lib1, lib2 := model.InstanceID("lib.1"), model.InstanceID("lib.2")
	require.Len(t, hosts, 2)
	require.NotEqual(t, hosts[lib1], hosts[lib2])

	msgs := ready(lib1)
	require.Equal(t, []model.TaskID{first}, dispatched(msgs))
	msgs = ready(lib2)
	require.Equal(t, []model.TaskID{second}, dispatched(msgs))

	h.send(hosts[lib1], vproto.ManagerMessage{FunctionResult: &vproto.FunctionResult{
		TaskID: first, InstanceID: lib1, OK: false, Message: "worker ran out of scratch space",
	}})
	h.send(hosts[lib2], vproto.ManagerMessage{FunctionResult: &vproto.FunctionResult{
		TaskID: second, InstanceID: lib2, OK: true,
	}})
	require.Equal(t, model.TaskWaiting, h.report(t, first).State)

	// Both instances are idle now, and the lower one would win on load alone.
	h.clock.Advance(time.Second)
	h.loop.Step()
	require.Empty(t, h.workers[hosts[lib1]].outbox.Take())
	msgs = h.workers[hosts[lib2]].outbox.Take()
	require.Equal(t, []string{"function_call"}, kinds(msgs))
	require.Equal(t, first, msgs[0].FunctionCall.TaskID)
	require.Equal(t, lib2, msgs[0].FunctionCall.InstanceID)
}

func TestHeartbeatExpiryRequeuesTask(t *testing.T) {
	h := newHarness(t.TempDir())
	w1 := h.connect("w1", fourCores)
	spec := command(4, 1024)
	spec.MaxRetries = ptrs.Ptr(2)
	id := h.submit(t, spec)
	require.Equal(t, []model.TaskID{id}, dispatched(w1.outbox.Take()))
	w2 := h.connect("w2", fourCores)
	w2.outbox.Take()

	limit := testConfig().Worker.HeartbeatTimeout()
	h.clock.Advance(limit - 20*time.Second)
	h.heartbeat("w2")
	closed, _ := w1.outbox.Closed()
	require.False(t, closed)

	h.clock.Advance(21 * time.Second)
	h.loop.Step()
	closed, reason := w1.outbox.Closed()
	require.True(t, closed)
	require.Equal(t, "heartbeat timeout", reason)
	require.Len(t, h.summary().Workers, 1)

	r := h.report(t, id)
	require.Equal(t, model.TaskWaiting, r.State)
	require.Equal(t, 1, r.Retries)
	require.Equal(t, model.WorkerLost, r.Attempts[0].Failure.Cause)

	h.clock.Advance(time.Second)
	h.loop.Step()
	require.Equal(t, []model.TaskID{id}, dispatched(w2.outbox.Take()))
}

func TestMaxRunTimeCancelsTask(t *testing.T) {
	h := newHarness(t.TempDir())
	w := h.connect("w1", fourCores)
	w.outbox.Take()
	spec := command(2, 1024)
	spec.MaxRunTime = model.Duration(time.Minute)
	id := h.submit(t, spec)
	require.Equal(t, []model.TaskID{id}, dispatched(w.outbox.Take()))
	h.send("w1", vproto.ManagerMessage{TaskStatus: &vproto.TaskStatus{
		TaskID: id, State: vproto.StatusRunning,
	}})

	h.clock.Advance(time.Minute)
	h.loop.Step()
	require.Empty(t, w.outbox.Take(), "exactly the max run time is allowed")

	h.clock.Advance(time.Second)
	h.loop.Step()
	msgs := w.outbox.Take()
	require.Equal(t, []string{"cancel"}, kinds(msgs))
	require.Equal(t, id, msgs[0].Cancel.TaskID)

	reports := h.reports()
	require.Len(t, reports, 1)
	require.Equal(t, model.TaskFailed, reports[0].State)
	require.Equal(t, model.MaxRunTimeExceeded, reports[0].Failure.Cause)
	require.Equal(t, fourCores, h.summary().Available)
}

func TestStagedTaskWaitsForTransfer(t *testing.T) {
	h := newHarness(t.TempDir())
	in := h.declare(t, files.Spec{Kind: model.BufferFile, Data: []byte("hello")})
	w := h.connect("w1", fourCores)
	w.outbox.Take()
	spec := command(1, 0)
	spec.Inputs = []task.Mount{{File: in, Remote: "in.txt"}}
	id := h.submit(t, spec)

	trs := transfers(w.outbox.Take())
	require.Len(t, trs, 1)
	require.Equal(t, vproto.TransferSource{
		Type: vproto.SourceManager, URL: vproto.FileURL(in),
	}, trs[0].Source)
	require.Equal(t, model.TaskReady, h.report(t, id).State)
	require.Equal(t, int64(3), h.summary().Available.Cores, "a staged task holds its reservation")

	h.loop.Step()
	require.Empty(t, w.outbox.Take())

	h.transferred("w1", vproto.TransferStatus{File: in, OK: true, Size: 5})
	require.Equal(t, []model.TaskID{id}, dispatched(w.outbox.Take()))
	require.Equal(t, model.TaskDispatched, h.report(t, id).State)
	require.Equal(t, model.ReplicaPresent, h.loop.catalog.State(in, "w1"))
}

func TestTransferFailuresFailStagedTask(t *testing.T) {
	h := newHarness(t.TempDir())
	in := h.declare(t, files.Spec{Kind: model.BufferFile, Data: []byte("hello")})
	w := h.connect("w1", fourCores)
	w.outbox.Take()
	spec := command(1, 0)
	spec.Inputs = []task.Mount{{File: in, Remote: "in.txt"}}
	id := h.submit(t, spec)
	require.Len(t, transfers(w.outbox.Take()), 1)

	failed := vproto.TransferStatus{File: in, Offset: 2, Message: "disk full"}
	attempts := testConfig().Scheduler.TransferAttempts
	for i := 1; i < attempts; i++ {
		h.transferred("w1", failed)
		trs := transfers(w.outbox.Take())
		require.Len(t, trs, 1)
		require.Equal(t, int64(2), trs[0].Offset, "the retry resumes where the last one stopped")
	}
	require.Empty(t, h.reports())

	h.transferred("w1", failed)
	require.Empty(t, w.outbox.Take())
	reports := h.reports()
	require.Len(t, reports, 1)
	require.Equal(t, id, reports[0].ID)
	require.Equal(t, model.TaskFailed, reports[0].State)
	require.Equal(t, model.TransferFailure, reports[0].Failure.Cause)
	require.Equal(t, fourCores, h.summary().Available)
}

func TestTransferPrefersPeer(t *testing.T) {
	h := newHarness(t.TempDir())
	in := h.declare(t, files.Spec{
		Kind: model.BufferFile, Data: []byte("hello"), Scope: model.CacheWorker,
	})
	w1 := h.connect("w1", fourCores, vproto.CachedFile{Name: in, Size: 5})
	w1.outbox.Take()
	w2 := h.connect("w2", fourCores)
	w2.outbox.Take()

	spec := command(1, 0)
	spec.Inputs = []task.Mount{{File: in, Remote: "in.txt"}}
	spec.Excluded = []model.WorkerID{"w1"}
	h.submit(t, spec)

	trs := transfers(w2.outbox.Take())
	require.Len(t, trs, 1)
	require.Equal(t, vproto.TransferSource{
		Type: vproto.SourcePeer, Peer: "w1", URL: "http://10.0.0.1:9124" + vproto.FileURL(in),
	}, trs[0].Source)
	require.Empty(t, w1.outbox.Take())

	// A peer that failed once is not asked again; the manager serves the file instead.
	h.transferred("w2", vproto.TransferStatus{File: in, Offset: 3, Message: "connection refused"})
	trs = transfers(w2.outbox.Take())
	require.Len(t, trs, 1)
	require.Equal(t, vproto.TransferSource{
		Type: vproto.SourceManager, URL: vproto.FileURL(in),
	}, trs[0].Source)
	require.Zero(t, trs[0].Offset)
}

func TestPersistentFilesStayPresent(t *testing.T) {
	dir := t.TempDir()
	workers := []model.WorkerID{"w1", "w2", "w3"}
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(dir)
		for _, w := range workers {
			h.connect(w, fourCores)
		}
		var names []string
		for i := 0; i < 3; i++ {
			res := call(h, func(r chan sproto.DeclareResult) sproto.Event {
				return sproto.DeclareFile{Spec: files.Spec{
					Kind: model.BufferFile, Data: []byte{byte(i)}, Scope: model.CacheWorker,
				}, Reply: r}
			})
			if res.Err != nil {
				rt.Fatalf("declare: %v", res.Err)
			}
			names = append(names, res.Name)
		}

		seen := make(map[model.WorkerID]map[string]bool)
		for _, w := range workers {
			seen[w] = make(map[string]bool)
		}
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			w := rapid.SampledFrom(workers).Draw(rt, "worker")
			name := rapid.SampledFrom(names).Draw(rt, "file")
			switch rapid.IntRange(0, 4).Draw(rt, "action") {
			case 0:
				spec := command(1, 0)
				spec.Inputs = []task.Mount{{File: name, Remote: "in"}}
				if res := call(h, func(r chan sproto.SubmitResult) sproto.Event {
					return sproto.SubmitTask{Spec: spec, Reply: r}
				}); res.Err != nil {
					rt.Fatalf("submit: %v", res.Err)
				}
			case 1:
				h.transferred(w, vproto.TransferStatus{
					File: name, OK: rapid.Bool().Draw(rt, "ok"), Size: 1,
				})
			case 2:
				if ids := h.loop.workers[w].TaskIDs(); len(ids) > 0 {
					h.done(w, ids[0])
				}
			case 3:
				h.send(w, vproto.ManagerMessage{FileEvicted: &vproto.FileEvicted{File: name}})
				delete(seen[w], name)
			case 4:
				h.clock.Advance(time.Duration(rapid.IntRange(1, 20).Draw(rt, "seconds")) * time.Second)
				for _, w := range workers {
					h.heartbeat(w)
				}
			}

			for _, w := range workers {
				for _, m := range h.workers[w].outbox.Take() {
					if m.Evict != nil {
						delete(seen[w], m.Evict.File)
					}
				}
				for _, name := range names {
					present := h.loop.catalog.State(name, w) == model.ReplicaPresent
					if seen[w][name] && !present {
						rt.Fatalf("%s vanished from %s without an eviction", name, w)
					}
					if present {
						seen[w][name] = true
					}
				}
			}
		}
	})
}
