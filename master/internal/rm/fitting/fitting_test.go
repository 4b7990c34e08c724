package fitting

import (
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"gotest.tools/assert"
	"pgregory.net/rapid"

	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newWorker(id string, cores, mem int64) *Candidate {
	r := model.Resources{Cores: cores, MemoryMB: mem, DiskMB: 1000}
	return &Candidate{
		ID: model.WorkerID(id), Hostname: id, Total: r, Available: r, ConnectedAt: epoch,
	}
}

func newTestMatcher(algorithm string) (*Matcher, *Blocklist, clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(epoch)
	bl := NewBlocklist(config.BlocklistConfig{Threshold: 2, Timeout: model.Duration(time.Minute)})
	return NewMatcher(algorithm, bl, clock, rand.New(rand.NewSource(1))), bl, clock // #nosec
}

func TestIsViable(t *testing.T) {
	req := &Request{Resources: model.Resources{Cores: 2}}
	assert.Assert(t, isViable(req, newWorker("w1", 4, 100), resourcesSatisfied))
	assert.Assert(t, !isViable(req, newWorker("w2", 1, 100), resourcesSatisfied))

	req.Excluded = set.New[model.WorkerID]("w1")
	assert.Assert(t, !isViable(req, newWorker("w1", 4, 100), notExcluded))

	req.Features = []string{"ssd"}
	w := newWorker("w3", 4, 100)
	assert.Assert(t, !isViable(req, w, featuresSatisfied))
	w.Features = set.New("ssd")
	assert.Assert(t, isViable(req, w, featuresSatisfied))
}

func TestSelectPrefersCachedBytes(t *testing.T) {
	m, _, _ := newTestMatcher(config.FilesAlgorithm)
	w1, w2, w3 := newWorker("w1", 8, 100), newWorker("w2", 8, 100), newWorker("w3", 1, 100)
	cached := map[model.WorkerID]int64{"w2": 500, "w3": 900}
	req := &Request{
		TaskID:      1,
		Resources:   model.Resources{Cores: 2},
		CachedBytes: func(id model.WorkerID) int64 { return cached[id] },
	}
	// w3 holds the most, but cannot fit the task.
	assert.Equal(t, m.Select(req, []*Candidate{w1, w2, w3}), w2)

	// Without cached data the worker with more free resources wins.
	cached = nil
	w1.Available.Cores = 4
	assert.Equal(t, m.Select(req, []*Candidate{w1, w2, w3}), w2)
}

func TestSelectPreferredWorker(t *testing.T) {
	m, _, _ := newTestMatcher(config.WorstFitAlgorithm)
	w1, w2 := newWorker("w1", 8, 100), newWorker("w2", 2, 100)
	req := &Request{Resources: model.Resources{Cores: 1}, Preferred: []model.WorkerID{"w2"}}
	assert.Equal(t, m.Select(req, []*Candidate{w1, w2}), w2)

	w2.Available.Cores = 0
	assert.Equal(t, m.Select(req, []*Candidate{w1, w2}), w1)
}

func TestSelectConstraints(t *testing.T) {
	m, bl, clock := newTestMatcher(config.FCFSAlgorithm)
	w1, w2 := newWorker("w1", 4, 100), newWorker("w2", 4, 100)
	w2.ConnectedAt = epoch.Add(time.Second)
	req := &Request{Resources: model.Resources{Cores: 1}}
	all := []*Candidate{w1, w2}

	assert.Equal(t, m.Select(req, all), w1)

	w1.Draining = true
	assert.Equal(t, m.Select(req, all), w2)
	w1.Draining = false

	bl.Block("w1", clock.Now().Add(time.Minute))
	assert.Equal(t, m.Select(req, all), w2)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, m.Select(req, all), w1)

	end := clock.Now().Add(time.Minute)
	w1.EndTime = &end
	req.MinRunTime = time.Hour
	assert.Equal(t, m.Select(req, all), w2)

	w2.EndTime = &end
	assert.Assert(t, m.Select(req, all) == nil)
}

func TestSelectAvoidsImplicatedWorker(t *testing.T) {
	m, _, _ := newTestMatcher(config.FCFSAlgorithm)
	w1, w2 := newWorker("w1", 4, 100), newWorker("w2", 2, 100)
	w2.ConnectedAt = epoch.Add(time.Second)
	req := &Request{Resources: model.Resources{Cores: 2}, Avoid: "w1"}

	// w2 is busy, but could take the task later, so w1 stays avoided.
	w2.Available = model.Resources{}
	assert.Assert(t, m.Select(req, []*Candidate{w1, w2}) == nil)

	w2.Available = w2.Total
	assert.Equal(t, m.Select(req, []*Candidate{w1, w2}), w2)

	// Only w1 can ever hold a 4 core task.
	req.Resources.Cores = 4
	assert.Equal(t, m.Select(req, []*Candidate{w1, w2}), w1)
}

func TestSelectTimeAlgorithm(t *testing.T) {
	m, _, _ := newTestMatcher(config.FilesAlgorithm)
	w1, w2, w3 := newWorker("w1", 4, 100), newWorker("w2", 4, 100), newWorker("w3", 4, 100)
	w1.AvgTaskTime = 10 * time.Second
	w2.AvgTaskTime = 5 * time.Second
	req := &Request{Resources: model.Resources{Cores: 1}, Algorithm: config.TimeAlgorithm}
	assert.Equal(t, m.Select(req, []*Candidate{w1, w2, w3}), w2)
}

func TestMatch(t *testing.T) {
	m, _, _ := newTestMatcher(config.FilesAlgorithm)
	w := newWorker("w1", 2, 100)
	big := &Request{TaskID: 1, Resources: model.Resources{Cores: 4}}
	small := &Request{TaskID: 2, Resources: model.Resources{Cores: 1}}

	req, c := m.Match([]*Request{big, small}, []*Candidate{w})
	assert.Equal(t, req, small)
	assert.Equal(t, c, w)

	req, c = m.Match([]*Request{big}, []*Candidate{w})
	assert.Assert(t, req == nil && c == nil)
}

// Whatever the algorithm, a selected worker satisfies every hard constraint.
func TestSelectRespectsHardConstraints(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		algorithm := rapid.SampledFrom(config.Algorithms).Draw(t, "algorithm")
		m, _, _ := newTestMatcher(algorithm)
		n := rapid.IntRange(1, 6).Draw(t, "workers")
		var candidates []*Candidate
		for i := 0; i < n; i++ {
			w := newWorker(string(rune('a'+i)), 8, 1000)
			w.Available.Cores = rapid.Int64Range(0, 8).Draw(t, "cores")
			w.Available.MemoryMB = rapid.Int64Range(0, 1000).Draw(t, "memory")
			w.Draining = rapid.Bool().Draw(t, "draining")
			candidates = append(candidates, w)
		}
		req := &Request{
			TaskID: model.TaskID(rapid.Int64Range(1, 100).Draw(t, "id")),
			Resources: model.Resources{
				Cores:    rapid.Int64Range(0, 8).Draw(t, "req-cores"),
				MemoryMB: rapid.Int64Range(0, 1000).Draw(t, "req-memory"),
			},
			Excluded: set.New(model.WorkerID("a")),
		}
		c := m.Select(req, candidates)
		anyViable := false
		for _, w := range candidates {
			if req.Resources.Fits(w.Available) && !w.Draining && w.ID != "a" {
				anyViable = true
			}
		}
		if c == nil {
			if anyViable {
				t.Fatalf("no worker selected although one was viable")
			}
			return
		}
		if !req.Resources.Fits(c.Available) || c.Draining || c.ID == "a" {
			t.Fatalf("selected ineligible worker %+v", c)
		}
	})
}
