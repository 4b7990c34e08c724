package dispatch

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/internal/files"
	"github.com/determined-ai/vine/master/internal/rm/workerrm"
	"github.com/determined-ai/vine/master/internal/sproto"
	"github.com/determined-ai/vine/master/internal/task"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/ptrs"
	"github.com/determined-ai/vine/master/pkg/vproto"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testWorker struct {
	id     model.WorkerID
	conn   uuid.UUID
	outbox *workerrm.MemoryOutbox
}

type harness struct {
	loop    *Loop
	clock   clockwork.FakeClock
	workers map[model.WorkerID]*testWorker
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ManagerName = "test-manager"
	cfg.Scheduler.Retry.Jitter = 0
	return cfg
}

func newHarness(stagingDir string) *harness {
	return newHarnessWith(testConfig(), stagingDir)
}

func newHarnessWith(cfg *config.Config, stagingDir string) *harness {
	clock := clockwork.NewFakeClockAt(epoch)
	return &harness{
		loop:    New(cfg, files.NewStore(stagingDir), clock),
		clock:   clock,
		workers: make(map[model.WorkerID]*testWorker),
	}
}

// call posts the event built around a reply channel, steps the loop and returns the reply.
func call[R any](h *harness, build func(chan R) sproto.Event) R {
	reply := make(chan R, 1)
	h.loop.Post(build(reply))
	h.loop.Step()
	return <-reply
}

func (h *harness) connect(
	id model.WorkerID, total model.Resources, cached ...vproto.CachedFile,
) *testWorker {
	w := &testWorker{id: id, conn: uuid.New(), outbox: &workerrm.MemoryOutbox{}}
	h.workers[id] = w
	h.loop.Post(sproto.WorkerConnected{
		Conn: w.conn,
		Handshake: vproto.Handshake{
			ProtocolVersion: vproto.ProtocolVersion,
			WorkerID:        id,
			Hostname:        string(id) + "-host",
			TransferAddr:    ":9124",
			Resources:       total,
			CachedFiles:     cached,
		},
		RemoteAddr: "10.0.0.1:40000",
		Outbox:     w.outbox,
	})
	h.loop.Step()
	return w
}

func (h *harness) disconnect(id model.WorkerID) {
	h.loop.Post(sproto.WorkerDisconnected{Worker: id, Conn: h.workers[id].conn})
	h.loop.Step()
}

func (h *harness) send(id model.WorkerID, msg vproto.ManagerMessage) {
	h.loop.Post(sproto.WorkerMessageReceived{Worker: id, Conn: h.workers[id].conn, Message: msg})
	h.loop.Step()
}

func (h *harness) heartbeat(id model.WorkerID) {
	h.send(id, vproto.ManagerMessage{Heartbeat: &vproto.Heartbeat{Time: h.clock.Now()}})
}

func (h *harness) transferred(id model.WorkerID, st vproto.TransferStatus) {
	h.send(id, vproto.ManagerMessage{TransferStatus: &st})
}

func (h *harness) done(id model.WorkerID, tid model.TaskID, outputs ...vproto.OutputInfo) {
	h.send(id, vproto.ManagerMessage{TaskStatus: &vproto.TaskStatus{
		TaskID: tid, State: vproto.StatusDone, Outputs: outputs,
	}})
}

func (h *harness) submit(t *testing.T, spec task.Spec) model.TaskID {
	res := call(h, func(r chan sproto.SubmitResult) sproto.Event {
		return sproto.SubmitTask{Spec: spec, Reply: r}
	})
	require.NoError(t, res.Err)
	return res.ID
}

func (h *harness) declare(t *testing.T, spec files.Spec) string {
	res := call(h, func(r chan sproto.DeclareResult) sproto.Event {
		return sproto.DeclareFile{Spec: spec, Reply: r}
	})
	require.NoError(t, res.Err)
	return res.Name
}

func (h *harness) cancel(id model.TaskID) error {
	return call(h, func(r chan error) sproto.Event { return sproto.CancelTask{ID: id, Reply: r} })
}

func (h *harness) report(t *testing.T, id model.TaskID) task.Report {
	res := call(h, func(r chan sproto.GetTaskResult) sproto.Event {
		return sproto.GetTask{ID: id, Reply: r}
	})
	require.NoError(t, res.Err)
	return res.Report
}

func (h *harness) summary() model.ClusterSummary {
	return call(h, func(r chan model.ClusterSummary) sproto.Event {
		return sproto.GetSummary{Reply: r}
	})
}

// reports returns every terminal report published so far.
func (h *harness) reports() []task.Report {
	var out []task.Report
	for {
		r, ok := h.loop.Reports().TryGet()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

// dispatched returns the ids of tasks started on a worker by msgs, in order.
func dispatched(msgs []vproto.WorkerMessage) []model.TaskID {
	var ids []model.TaskID
	for _, m := range msgs {
		switch {
		case m.Dispatch != nil:
			ids = append(ids, m.Dispatch.TaskID)
		case m.FunctionCall != nil:
			ids = append(ids, m.FunctionCall.TaskID)
		case m.InstallLibrary != nil:
			ids = append(ids, m.InstallLibrary.TaskID)
		}
	}
	return ids
}

// transfers returns the transfer instructions in msgs.
func transfers(msgs []vproto.WorkerMessage) []vproto.Transfer {
	var out []vproto.Transfer
	for _, m := range msgs {
		if m.Transfer != nil {
			out = append(out, *m.Transfer)
		}
	}
	return out
}

func kinds(msgs []vproto.WorkerMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Kind())
	}
	return out
}

func command(cores, memoryMB int64) task.Spec {
	return task.Spec{
		Kind:       model.CommandTask,
		Command:    "run",
		Resources:  model.ExplicitRequest(model.Resources{Cores: cores, MemoryMB: memoryMB}),
		MaxRetries: ptrs.Ptr(0),
	}
}

var fourCores = model.Resources{Cores: 4, MemoryMB: 8192, DiskMB: 10000}
