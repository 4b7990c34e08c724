package library

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
)

// DesiredInstances returns how many instances keep up with calls arriving at rate per second that
// take meanCall each, given slots calls per instance. It is at least one and at most
// maxInstances.
func DesiredInstances(rate float64, meanCall time.Duration, slots, maxInstances int) int {
	if slots < 1 {
		slots = 1
	}
	n := int(math.Ceil(rate * meanCall.Seconds() / float64(slots)))
	return max(1, min(n, maxInstances))
}

type libraryState struct {
	Library
	installFailures int
	broken          bool

	rate        float64
	lastArrival time.Time
	meanCall    time.Duration
	calls       int
}

// Runtime is the manager's view of libraries and their instances. It is owned by the dispatch
// loop and not safe for concurrent use.
type Runtime struct {
	cfg       config.LibraryConfig
	libraries map[string]*libraryState
	instances map[model.InstanceID]*Instance
	seq       int
}

// NewRuntime returns a runtime with no libraries.
func NewRuntime(cfg config.LibraryConfig) *Runtime {
	return &Runtime{
		cfg:       cfg,
		libraries: make(map[string]*libraryState),
		instances: make(map[model.InstanceID]*Instance),
	}
}

// Register adds a library. Registering an identical definition again is a no-op.
func (r *Runtime) Register(l Library) error {
	if existing, ok := r.libraries[l.Name]; ok {
		if !existing.equal(l) {
			return ErrLibraryConflict
		}
		return nil
	}
	r.libraries[l.Name] = &libraryState{Library: l}
	return nil
}

// Lookup returns the registered library called name.
func (r *Runtime) Lookup(name string) (Library, bool) {
	l, ok := r.libraries[name]
	if !ok {
		return Library{}, false
	}
	return l.Library, true
}

// Libraries returns every registered library ordered by name.
func (r *Runtime) Libraries() []Library {
	names := maps.Keys(r.libraries)
	slices.Sort(names)
	out := make([]Library, 0, len(names))
	for _, name := range names {
		out = append(out, r.libraries[name].Library)
	}
	return out
}

// CheckCall returns an error unless fn can be called in the library.
func (r *Runtime) CheckCall(name, fn string) error {
	l, ok := r.libraries[name]
	switch {
	case !ok:
		return errors.Wrap(ErrUnknownLibrary, name)
	case !l.Exports(fn):
		return errors.Wrapf(ErrUnknownFunction, "%s.%s", name, fn)
	default:
		return nil
	}
}

// Broken returns true once a library failed to install too many times.
func (r *Runtime) Broken(name string) bool {
	l, ok := r.libraries[name]
	return ok && l.broken
}

// Get returns the instance with the given ID.
func (r *Runtime) Get(id model.InstanceID) (*Instance, bool) {
	i, ok := r.instances[id]
	return i, ok
}

// Instances returns the instances of a library, or of all libraries if name is empty, sorted by
// ID.
func (r *Runtime) Instances(name string) []*Instance {
	var out []*Instance
	for _, i := range r.instances {
		if name == "" || i.Library == name {
			out = append(out, i)
		}
	}
	slices.SortFunc(out, func(a, b *Instance) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// OnWorker returns the instances placed on worker.
func (r *Runtime) OnWorker(worker model.WorkerID) []*Instance {
	var out []*Instance
	for _, i := range r.Instances("") {
		if i.Worker == worker {
			out = append(out, i)
		}
	}
	return out
}

// Hints steer which instance a call is bound to.
type Hints struct {
	// Avoid is the worker implicated in the call's last failure. Its instances are used only
	// when no other instance has a free slot.
	Avoid model.WorkerID
	// Preferred workers win over the rest, in order.
	Preferred []model.WorkerID
}

func (h Hints) rank(i *Instance) [3]int {
	avoided := 0
	if h.Avoid != "" && i.Worker == h.Avoid {
		avoided = 1
	}
	preferred := slices.Index(h.Preferred, i.Worker)
	if preferred < 0 {
		preferred = len(h.Preferred)
	}
	return [3]int{avoided, preferred, i.InFlight.Len()}
}

func lessRank(a, b [3]int) bool {
	for k := range a {
		if a[k] != b[k] {
			return a[k] < b[k]
		}
	}
	return false
}

// FindInstance returns the ready instance of library with a free slot that best fits hints, or
// nil. Among equally fitting instances it picks the one with the fewest calls in flight.
func (r *Runtime) FindInstance(name string, hints Hints, accept func(*Instance) bool) *Instance {
	var best *Instance
	var bestRank [3]int
	for _, i := range r.Instances(name) {
		if i.Free() <= 0 || (accept != nil && !accept(i)) {
			continue
		}
		if rank := hints.rank(i); best == nil || lessRank(rank, bestRank) {
			best, bestRank = i, rank
		}
	}
	return best
}

// AddInstance records an instance being installed on worker by installTask.
func (r *Runtime) AddInstance(
	name string, worker model.WorkerID, installTask model.TaskID,
) *Instance {
	l := r.libraries[name]
	r.seq++
	i := &Instance{
		ID:          model.InstanceID(fmt.Sprintf("%s.%d", name, r.seq)),
		Library:     name,
		Worker:      worker,
		Slots:       l.Slots,
		InstallTask: installTask,
		InFlight:    set.New[model.TaskID](),
	}
	r.instances[i.ID] = i
	return i
}

// Place records the worker an installing instance was assigned to.
func (r *Runtime) Place(id model.InstanceID, worker model.WorkerID) bool {
	i, ok := r.instances[id]
	if !ok || i.Ready {
		return false
	}
	i.Worker = worker
	return true
}

// Ready marks an instance as accepting calls.
func (r *Runtime) Ready(id model.InstanceID, now time.Time) bool {
	i, ok := r.instances[id]
	if !ok {
		return false
	}
	i.Ready = true
	i.IdleSince = now
	if l := r.libraries[i.Library]; l != nil {
		l.installFailures = 0
	}
	return true
}

// InstallFailed drops a failed instance and returns true if the library is now broken.
func (r *Runtime) InstallFailed(id model.InstanceID) bool {
	i, ok := r.instances[id]
	if !ok {
		return false
	}
	delete(r.instances, id)
	l := r.libraries[i.Library]
	if l == nil || l.broken {
		return false
	}
	l.installFailures++
	if l.installFailures >= r.cfg.InstallAttempts {
		l.broken = true
		log.WithField("library", l.Name).Errorf(
			"library failed to install %d times, failing its calls", l.installFailures)
		return true
	}
	return false
}

// Remove drops an instance, returning the calls that were in flight on it.
func (r *Runtime) Remove(id model.InstanceID) []model.TaskID {
	i, ok := r.instances[id]
	if !ok {
		return nil
	}
	delete(r.instances, id)
	return set.Sorted(i.InFlight)
}

// RemoveWorker drops every instance on worker.
func (r *Runtime) RemoveWorker(worker model.WorkerID) []*Instance {
	removed := r.OnWorker(worker)
	for _, i := range removed {
		delete(r.instances, i.ID)
	}
	return removed
}

// Bind assigns a call to an instance slot.
func (r *Runtime) Bind(call model.TaskID, id model.InstanceID) bool {
	i, ok := r.instances[id]
	if !ok || i.Free() <= 0 {
		return false
	}
	i.InFlight.Insert(call)
	i.IdleSince = time.Time{}
	return true
}

// Unbind frees the slot of a call. A positive took updates the library's mean call time.
func (r *Runtime) Unbind(call model.TaskID, id model.InstanceID, now time.Time, took time.Duration) {
	i, ok := r.instances[id]
	if !ok || !i.InFlight.Remove(call) {
		return
	}
	if i.InFlight.Len() == 0 {
		i.IdleSince = now
	}
	if l := r.libraries[i.Library]; l != nil && took > 0 {
		l.calls++
		l.meanCall += (took - l.meanCall) / time.Duration(l.calls)
	}
}

// ObserveArrival updates the call arrival rate of library with one call arriving at now. The rate
// is an exponentially decaying average with the configured half-life.
func (r *Runtime) ObserveArrival(name string, now time.Time) {
	l, ok := r.libraries[name]
	if !ok {
		return
	}
	if l.lastArrival.IsZero() {
		l.lastArrival = now
		return
	}
	dt := now.Sub(l.lastArrival).Seconds()
	l.lastArrival = now
	if dt <= 0 {
		dt = 1e-3
	}
	alpha := 1 - math.Exp2(-dt/r.cfg.RateHalfLife.Std().Seconds())
	l.rate += alpha * (1/dt - l.rate)
}

// Rate returns the current arrival rate estimate of a library in calls per second.
func (r *Runtime) Rate(name string) float64 {
	if l, ok := r.libraries[name]; ok {
		return l.rate
	}
	return 0
}

// PlanInstalls returns the libraries that need another instance, once per instance, given how
// many calls per library could not be bound to an existing instance. Calls are first covered by
// instances still installing; beyond that the arrival rate may ask for more. Broken libraries and
// libraries at the instance cap are skipped.
func (r *Runtime) PlanInstalls(unbound map[string]int) []string {
	var plan []string
	names := maps.Keys(unbound)
	slices.Sort(names)
	for _, name := range names {
		l, ok := r.libraries[name]
		if !ok || l.broken || unbound[name] <= 0 {
			continue
		}
		total, installing := 0, 0
		for _, i := range r.instances {
			if i.Library != name {
				continue
			}
			total++
			if !i.Ready {
				installing++
			}
		}
		slots := max(l.Slots, 1)
		need := (unbound[name]+slots-1)/slots - installing
		need = max(need, DesiredInstances(l.rate, l.meanCall, slots, r.cfg.MaxInstances)-total)
		need = min(need, r.cfg.MaxInstances-total)
		for k := 0; k < need; k++ {
			plan = append(plan, name)
		}
	}
	return plan
}

// IdleInstances returns ready instances that have had no calls for longer than the idle timeout,
// except those of libraries in busy.
func (r *Runtime) IdleInstances(now time.Time, busy set.Set[string]) []model.InstanceID {
	var idle []model.InstanceID
	for _, i := range r.Instances("") {
		if !i.Ready || i.InFlight.Len() > 0 || busy.Contains(i.Library) || i.IdleSince.IsZero() {
			continue
		}
		if now.Sub(i.IdleSince) >= r.cfg.IdleTimeout.Std() {
			idle = append(idle, i.ID)
		}
	}
	return idle
}
