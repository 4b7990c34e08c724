package internal

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/determined-ai/vine/master/internal/db"
	"github.com/determined-ai/vine/master/internal/files"
	"github.com/determined-ai/vine/master/internal/library"
	"github.com/determined-ai/vine/master/internal/sproto"
	"github.com/determined-ai/vine/master/internal/task"
	"github.com/determined-ai/vine/master/pkg/model"
)

// ask posts the event built around a reply channel and waits for the loop's answer.
func ask[R any](ctx context.Context, p sproto.Poster, build func(chan R) sproto.Event) (R, error) {
	reply := make(chan R, 1)
	p.Post(build(reply))
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Submit admits a task and returns its id. The task starts out WAITING.
func (m *Manager) Submit(ctx context.Context, spec task.Spec) (model.TaskID, error) {
	res, err := ask(ctx, m.loop, func(r chan sproto.SubmitResult) sproto.Event {
		return sproto.SubmitTask{Spec: spec, Reply: r}
	})
	if err != nil {
		return 0, err
	}
	return res.ID, res.Err
}

// DeclareFile registers a file tasks can mount and returns the name it is cached under.
func (m *Manager) DeclareFile(ctx context.Context, spec files.Spec) (string, error) {
	res, err := ask(ctx, m.loop, func(r chan sproto.DeclareResult) sproto.Event {
		return sproto.DeclareFile{Spec: spec, Reply: r}
	})
	if err != nil {
		return "", err
	}
	return res.Name, res.Err
}

// UndeclareFile forgets a file and evicts it from every worker. It fails while a task that has not
// been removed references the file.
func (m *Manager) UndeclareFile(ctx context.Context, name string) error {
	return askErr(ctx, m, func(r chan error) sproto.Event {
		return sproto.UndeclareFile{Name: name, Reply: r}
	})
}

// Wait returns the next task to reach a terminal state. A negative timeout waits until ctx is
// done, and a zero timeout only checks. It returns nil when no task finished in time.
func (m *Manager) Wait(ctx context.Context, timeout time.Duration) (*task.Report, error) {
	reports := m.loop.Reports()
	var r task.Report
	switch {
	case timeout == 0:
		var ok bool
		if r, ok = reports.TryGet(); !ok {
			return nil, nil
		}
	default:
		waitCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var err error
		r, err = reports.GetWithContext(waitCtx)
		switch {
		case err == nil:
		case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
			return nil, nil
		default:
			return nil, err
		}
	}
	m.loop.Post(sproto.ReportConsumed{ID: r.ID})
	return &r, nil
}

// GetTask returns the current state of a task without consuming its terminal report.
func (m *Manager) GetTask(ctx context.Context, id model.TaskID) (task.Report, error) {
	res, err := ask(ctx, m.loop, func(r chan sproto.GetTaskResult) sproto.Event {
		return sproto.GetTask{ID: id, Reply: r}
	})
	if err != nil {
		return task.Report{}, err
	}
	return res.Report, res.Err
}

// Cancel stops a task that has not finished. Its report is delivered by Wait as CANCELLED.
func (m *Manager) Cancel(ctx context.Context, id model.TaskID) error {
	return askErr(ctx, m, func(r chan error) sproto.Event {
		return sproto.CancelTask{ID: id, Reply: r}
	})
}

// Remove forgets a terminal task whose report Wait already returned.
func (m *Manager) Remove(ctx context.Context, id model.TaskID) error {
	return askErr(ctx, m, func(r chan error) sproto.Event {
		return sproto.RemoveTask{ID: id, Reply: r}
	})
}

// Summary describes the connected workers and the tasks by state.
func (m *Manager) Summary(ctx context.Context) (model.ClusterSummary, error) {
	return ask(ctx, m.loop, func(r chan model.ClusterSummary) sproto.Event {
		return sproto.GetSummary{Reply: r}
	})
}

// RegisterLibrary makes a library's functions callable by function call tasks.
func (m *Manager) RegisterLibrary(ctx context.Context, lib library.Library) error {
	return askErr(ctx, m, func(r chan error) sproto.Event {
		return sproto.RegisterLibrary{Library: lib, Reply: r}
	})
}

// DrainWorker stops matching new tasks to a worker, or resumes doing so. Running tasks finish.
func (m *Manager) DrainWorker(ctx context.Context, id model.WorkerID, drain bool) error {
	return askErr(ctx, m, func(r chan error) sproto.Event {
		return sproto.DrainWorker{Worker: id, Drain: drain, Reply: r}
	})
}

// BlockHost stops matching tasks to workers on host until the given time, or indefinitely for a
// zero time.
func (m *Manager) BlockHost(ctx context.Context, host string, until time.Time) error {
	return askErr(ctx, m, func(r chan error) sproto.Event {
		return sproto.BlockHost{Host: host, Until: until, Reply: r}
	})
}

// UnblockHost lifts a block on host.
func (m *Manager) UnblockHost(ctx context.Context, host string) error {
	return askErr(ctx, m, func(r chan error) sproto.Event {
		return sproto.BlockHost{Host: host, Unblock: true, Reply: r}
	})
}

// Restore resumes the tasks of the last snapshot saved to store. It returns how many were resumed.
func (m *Manager) Restore(ctx context.Context, store db.Store) (int, error) {
	return db.Restore(ctx, store, m.loop)
}

func askErr(ctx context.Context, m *Manager, build func(chan error) sproto.Event) error {
	res, err := ask(ctx, m.loop, build)
	if err != nil {
		return err
	}
	return res
}
