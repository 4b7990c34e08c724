package db

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/vine/master/internal/prom"
	"github.com/determined-ai/vine/master/internal/sproto"
)

// Checkpointer periodically asks the dispatch loop for a snapshot and saves it.
type Checkpointer struct {
	store    Store
	poster   sproto.Poster
	interval time.Duration
	clock    clockwork.Clock
	syslog   *log.Entry
}

// NewCheckpointer returns a checkpointer saving to store every interval.
func NewCheckpointer(
	store Store, poster sproto.Poster, interval time.Duration, clock clockwork.Clock,
) *Checkpointer {
	return &Checkpointer{
		store:    store,
		poster:   poster,
		interval: interval,
		clock:    clock,
		syslog:   log.WithField("component", "checkpoint"),
	}
}

// Run schedules checkpoints until ctx is done.
func (c *Checkpointer) Run(ctx context.Context) error {
	s, err := gocron.NewScheduler(gocron.WithClock(c.clock))
	if err != nil {
		return errors.Wrap(err, "creating checkpoint scheduler")
	}
	_, err = s.NewJob(
		gocron.DurationJob(c.interval),
		gocron.NewTask(func() {
			if err := c.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				c.syslog.WithError(err).Error("checkpoint failed")
			}
		}),
		gocron.WithName("checkpoint"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrap(err, "scheduling checkpoints")
	}
	s.Start()
	c.syslog.Infof("checkpointing every %s", c.interval)

	<-ctx.Done()
	return errors.Wrap(s.Shutdown(), "stopping checkpoint scheduler")
}

// Checkpoint takes one snapshot and saves it.
func (c *Checkpointer) Checkpoint(ctx context.Context) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		prom.Checkpoints.WithLabelValues(result).Inc()
	}()

	reply := make(chan sproto.Snapshot, 1)
	c.poster.Post(sproto.TakeSnapshot{Reply: reply})
	select {
	case snap := <-reply:
		if err := c.store.Save(ctx, snap); err != nil {
			return err
		}
		c.syslog.Debugf("saved snapshot of %d tasks", len(snap.Tasks))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restore loads the saved snapshot, if there is one, and hands it to the dispatch loop. It returns
// the number of restored tasks.
func Restore(ctx context.Context, store Store, poster sproto.Poster) (int, error) {
	snap, err := store.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	}
	reply := make(chan error, 1)
	poster.Post(sproto.Restore{Snapshot: snap, Reply: reply})
	select {
	case err := <-reply:
		if err != nil {
			return 0, errors.Wrap(err, "restoring snapshot")
		}
		return len(snap.Tasks), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
