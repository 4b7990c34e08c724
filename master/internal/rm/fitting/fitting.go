// Package fitting pairs READY tasks with workers.
package fitting

import (
	"crypto/md5" // #nosec
	"encoding/binary"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
)

// Candidate is the matcher's view of a connected worker.
type Candidate struct {
	ID          model.WorkerID
	Hostname    string
	Total       model.Resources
	Available   model.Resources
	Features    set.Set[string]
	Draining    bool
	EndTime     *time.Time
	AvgTaskTime time.Duration
	ConnectedAt time.Time
}

// Request is a task's placement requirements, with auto dimensions already resolved.
type Request struct {
	TaskID    model.TaskID
	Resources model.Resources
	// Preferred workers win over any other eligible worker, in order.
	Preferred []model.WorkerID
	Excluded  set.Set[model.WorkerID]
	// Avoid is the worker implicated in the task's last failure. It stays eligible only when no
	// other connected worker could ever hold the task.
	Avoid      model.WorkerID
	Features   []string
	MinRunTime time.Duration
	// Algorithm overrides the manager-wide worker selection algorithm when set.
	Algorithm string
	// CachedBytes reports how many bytes of the task's inputs a worker already holds.
	CachedBytes func(model.WorkerID) int64
}

// HardConstraint returns true if the task can be assigned to the worker and false otherwise.
type HardConstraint func(req *Request, c *Candidate) bool

// SoftConstraint returns a score representing how good a placement on the worker is. Higher is
// better; scores are only compared within a single algorithm.
type SoftConstraint func(req *Request, c *Candidate) float64

// Hard Constraints

func resourcesSatisfied(req *Request, c *Candidate) bool {
	return req.Resources.Fits(c.Available)
}

func notExcluded(req *Request, c *Candidate) bool {
	return !req.Excluded.Contains(c.ID)
}

func featuresSatisfied(req *Request, c *Candidate) bool {
	for _, f := range req.Features {
		if !c.Features.Contains(f) {
			return false
		}
	}
	return true
}

func notDraining(_ *Request, c *Candidate) bool {
	return !c.Draining
}

func isViable(req *Request, c *Candidate, constraints ...HardConstraint) bool {
	for _, constraint := range constraints {
		if !constraint(req, c) {
			return false
		}
	}
	return true
}

// Soft Constraints

// MostCachedBytes prefers the worker already holding the most input bytes.
func MostCachedBytes(req *Request, c *Candidate) float64 {
	if req.CachedBytes == nil {
		return 0
	}
	return float64(req.CachedBytes(c.ID))
}

// WorstFit prefers the least utilized worker, averaged over the dimensions it has.
func WorstFit(_ *Request, c *Candidate) float64 {
	var sum float64
	var dims int
	for _, pair := range [][2]int64{
		{c.Available.Cores, c.Total.Cores},
		{c.Available.MemoryMB, c.Total.MemoryMB},
		{c.Available.DiskMB, c.Total.DiskMB},
		{c.Available.GPUs, c.Total.GPUs},
	} {
		if pair[1] > 0 {
			sum += float64(pair[0]) / float64(pair[1])
			dims++
		}
	}
	if dims == 0 {
		return 0
	}
	return sum / float64(dims)
}

// FirstConnected prefers the longest connected worker.
func FirstConnected(_ *Request, c *Candidate) float64 {
	return -float64(c.ConnectedAt.UnixNano())
}

// FastestWorker prefers the worker with the shortest average task time. Workers that have not
// completed a task yet rank last.
func FastestWorker(_ *Request, c *Candidate) float64 {
	if c.AvgTaskTime <= 0 {
		return math.Inf(-1)
	}
	return -c.AvgTaskTime.Seconds()
}

// fittingState is a viable worker together with its score for a task.
type fittingState struct {
	Candidate    *Candidate
	Score        float64
	HashDistance uint64
}

type candidateList []*fittingState

func (c candidateList) Len() int {
	return len(c)
}

func (c candidateList) Less(i, j int) bool {
	a := c[i]
	b := c[j]
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	// Spread load: the worker with more free resources wins a tie.
	if cmp := a.Candidate.Available.Compare(b.Candidate.Available); cmp != 0 {
		return cmp > 0
	}
	// Break remaining ties by the distance between the hashed task and worker IDs, so that equal
	// workers do not all receive the same tasks.
	if a.HashDistance != b.HashDistance {
		return a.HashDistance < b.HashDistance
	}
	return a.Candidate.ID < b.Candidate.ID
}

func (c candidateList) Swap(i, j int) {
	c[j], c[i] = c[i], c[j]
}

// Matcher selects workers for tasks. It is owned by the dispatch loop and not safe for
// concurrent use.
type Matcher struct {
	algorithm string
	blocklist *Blocklist
	clock     clockwork.Clock
	rng       *rand.Rand
}

// NewMatcher returns a matcher using algorithm unless a request overrides it.
func NewMatcher(
	algorithm string, blocklist *Blocklist, clock clockwork.Clock, rng *rand.Rand,
) *Matcher {
	return &Matcher{algorithm: algorithm, blocklist: blocklist, clock: clock, rng: rng}
}

func (m *Matcher) fitFunction(algorithm string) SoftConstraint {
	if algorithm == "" {
		algorithm = m.algorithm
	}
	switch algorithm {
	case config.WorstFitAlgorithm:
		return WorstFit
	case config.FCFSAlgorithm:
		return FirstConnected
	case config.RandomAlgorithm:
		return func(*Request, *Candidate) float64 { return m.rng.Float64() }
	case config.TimeAlgorithm:
		return FastestWorker
	default:
		return MostCachedBytes
	}
}

func (m *Matcher) notBlocked(_ *Request, c *Candidate) bool {
	return m.blocklist == nil || !m.blocklist.Blocked(c.Hostname, m.clock.Now())
}

func (m *Matcher) wallTimeSatisfied(req *Request, c *Candidate) bool {
	if c.EndTime == nil || req.MinRunTime <= 0 {
		return true
	}
	return !m.clock.Now().Add(req.MinRunTime).After(*c.EndTime)
}

// avoidSatisfied builds the constraint excluding the avoided worker while some other connected
// worker could hold the task once it frees up.
func avoidSatisfied(req *Request, candidates []*Candidate) HardConstraint {
	if req.Avoid == "" {
		return func(*Request, *Candidate) bool { return true }
	}
	alternative := false
	for _, c := range candidates {
		if c.ID != req.Avoid && req.Resources.Fits(c.Total) {
			alternative = true
			break
		}
	}
	return func(req *Request, c *Candidate) bool {
		return !alternative || c.ID != req.Avoid
	}
}

// Select returns the best worker for req among candidates, or nil if none is eligible.
func (m *Matcher) Select(req *Request, candidates []*Candidate) *Candidate {
	constraints := []HardConstraint{
		resourcesSatisfied, notExcluded, featuresSatisfied, notDraining,
		m.notBlocked, m.wallTimeSatisfied, avoidSatisfied(req, candidates),
	}

	for _, id := range req.Preferred {
		for _, c := range candidates {
			if c.ID == id && isViable(req, c, constraints...) {
				return c
			}
		}
	}

	fit := m.fitFunction(req.Algorithm)
	var viable candidateList
	for _, c := range candidates {
		if !isViable(req, c, constraints...) {
			continue
		}
		viable = append(viable, &fittingState{
			Candidate:    c,
			Score:        fit(req, c),
			HashDistance: hashDistance(req.TaskID, c.ID),
		})
	}
	if len(viable) == 0 {
		return nil
	}
	sort.Sort(viable)
	return viable[0].Candidate
}

// Match returns the first request, in the given order, that some candidate can take, together
// with that candidate. It returns nils if nothing fits.
func (m *Matcher) Match(requests []*Request, candidates []*Candidate) (*Request, *Candidate) {
	for _, req := range requests {
		if c := m.Select(req, candidates); c != nil {
			return req, c
		}
	}
	return nil, nil
}

// Largest returns the element-wise maximum of the candidates' total resources.
func Largest(candidates []*Candidate) model.Resources {
	var largest model.Resources
	for _, c := range candidates {
		largest = largest.Max(c.Total)
	}
	return largest
}

// Totals returns the total resources of each candidate.
func Totals(candidates []*Candidate) []model.Resources {
	out := make([]model.Resources, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Total)
	}
	return out
}

func stringHashNumber(s string) uint64 {
	hash := md5.Sum([]byte(s)) // #nosec
	return binary.LittleEndian.Uint64(hash[:])
}

func hashDistance(task model.TaskID, worker model.WorkerID) uint64 {
	return stringHashNumber(task.String()) - stringHashNumber(string(worker))
}
