package library

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/pkg/check"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRuntime(t *testing.T) *Runtime {
	r := NewRuntime(config.LibraryConfig{
		IdleTimeout:     model.Duration(time.Minute),
		MaxInstances:    3,
		InstallAttempts: 2,
		RateHalfLife:    model.Duration(10 * time.Second),
	})
	require.NoError(t, r.Register(Library{
		Name: "math", Functions: []string{"add", "mul"}, Slots: 2, Command: "serve",
	}))
	return r
}

func TestRegister(t *testing.T) {
	r := newTestRuntime(t)
	require.NoError(t, r.Register(Library{
		Name: "math", Functions: []string{"add", "mul"}, Slots: 2, Command: "serve",
	}))
	require.ErrorIs(t, r.Register(Library{
		Name: "math", Functions: []string{"add"}, Slots: 2, Command: "serve",
	}), ErrLibraryConflict)

	require.NoError(t, r.CheckCall("math", "add"))
	require.ErrorIs(t, r.CheckCall("math", "div"), ErrUnknownFunction)
	require.ErrorIs(t, r.CheckCall("stats", "mean"), ErrUnknownLibrary)

	err := check.Validate(Library{Name: "bad"})
	require.Error(t, err)
	require.Len(t, err.(check.Error).Errs, 3)

	l, ok := r.Lookup("math")
	require.True(t, ok)
	spec := l.InstallSpec()
	require.Equal(t, model.LibraryInstallTask, spec.Kind)
	require.Equal(t, 0, *spec.MaxRetries)
}

func TestInstanceSlots(t *testing.T) {
	r := newTestRuntime(t)
	i := r.AddInstance("math", "w1", 10)
	require.Nil(t, r.FindInstance("math", Hints{}, nil))
	require.False(t, r.Bind(1, i.ID))

	require.True(t, r.Ready(i.ID, epoch))
	require.Equal(t, i, r.FindInstance("math", Hints{}, nil))
	require.Nil(t, r.FindInstance("math", Hints{}, func(*Instance) bool { return false }))
	require.True(t, r.Bind(1, i.ID))
	require.True(t, r.Bind(2, i.ID))
	require.False(t, r.Bind(3, i.ID))
	require.Nil(t, r.FindInstance("math", Hints{}, nil))

	r.Unbind(1, i.ID, epoch.Add(time.Second), time.Second)
	r.Unbind(2, i.ID, epoch.Add(3*time.Second), 3*time.Second)
	require.Equal(t, 2*time.Second, r.libraries["math"].meanCall)
	require.Equal(t, epoch.Add(3*time.Second), i.IdleSince)

	require.Empty(t, r.IdleInstances(epoch.Add(30*time.Second), nil))
	require.Empty(t, r.IdleInstances(epoch.Add(2*time.Minute), set.New("math")))
	require.Equal(t, []model.InstanceID{i.ID}, r.IdleInstances(epoch.Add(2*time.Minute), nil))

	require.True(t, r.Bind(4, i.ID))
	require.Equal(t, []model.TaskID{4}, r.Remove(i.ID))
	require.Empty(t, r.Instances(""))
}

func TestFindInstanceHints(t *testing.T) {
	r := newTestRuntime(t)
	var ids []model.InstanceID
	for k, w := range []model.WorkerID{"w1", "w2", "w3"} {
		i := r.AddInstance("math", w, model.TaskID(10+k))
		require.True(t, r.Ready(i.ID, epoch))
		ids = append(ids, i.ID)
	}
	require.True(t, r.Bind(1, ids[2]))

	require.Equal(t, ids[0], r.FindInstance("math", Hints{}, nil).ID)
	require.Equal(t, ids[1], r.FindInstance("math", Hints{Avoid: "w1"}, nil).ID)
	require.Equal(t, ids[2], r.FindInstance("math", Hints{Preferred: []model.WorkerID{"w3"}}, nil).ID)
	require.Equal(t, ids[1], r.FindInstance("math", Hints{
		Avoid: "w3", Preferred: []model.WorkerID{"w3", "w2"},
	}, nil).ID)

	// The avoided worker still serves the call when nothing else can.
	onlyW1 := func(i *Instance) bool { return i.Worker == "w1" }
	require.Equal(t, ids[0], r.FindInstance("math", Hints{Avoid: "w1"}, onlyW1).ID)
}

func TestInstallFailures(t *testing.T) {
	r := newTestRuntime(t)
	require.False(t, r.InstallFailed(r.AddInstance("math", "w1", 1).ID))
	require.False(t, r.Broken("math"))
	require.True(t, r.InstallFailed(r.AddInstance("math", "w2", 2).ID))
	require.True(t, r.Broken("math"))
	require.Empty(t, r.PlanInstalls(map[string]int{"math": 5}))
}

func TestPlanInstalls(t *testing.T) {
	r := newTestRuntime(t)
	require.Equal(t, []string{"math", "math"}, r.PlanInstalls(map[string]int{"math": 3}))

	r.AddInstance("math", "w1", 1)
	// Two pending calls fit the slots of the instance already installing.
	require.Empty(t, r.PlanInstalls(map[string]int{"math": 2}))
	require.Equal(t, []string{"math", "math"}, r.PlanInstalls(map[string]int{"math": 100}))
	require.Empty(t, r.PlanInstalls(map[string]int{"math": 0, "unknown": 4}))

	r.RemoveWorker("w1")
	require.Empty(t, r.OnWorker("w1"))
}

func TestObserveArrival(t *testing.T) {
	r := newTestRuntime(t)
	for k := 0; k < 2000; k++ {
		r.ObserveArrival("math", epoch.Add(time.Duration(k)*100*time.Millisecond))
	}
	require.InDelta(t, 10, r.Rate("math"), 0.5)
}

func TestDesiredInstancesBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Float64Range(0, 1000).Draw(t, "rate")
		mean := time.Duration(rapid.Int64Range(0, int64(time.Minute)).Draw(t, "mean"))
		slots := rapid.IntRange(1, 16).Draw(t, "slots")
		maxInstances := rapid.IntRange(1, 32).Draw(t, "max")
		n := DesiredInstances(rate, mean, slots, maxInstances)
		if n < 1 || n > maxInstances {
			t.Fatalf("desired %d outside [1, %d]", n, maxInstances)
		}
		if n < maxInstances && float64(n*slots) < rate*mean.Seconds()*(1-1e-9) {
			t.Fatalf("%d instances of %d slots cannot keep up with %v", n, slots, rate*mean.Seconds())
		}
	})
}
