package fitting

import (
	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/pkg/model"
)

// Estimator learns resource needs of "auto" requests from completed tasks of the same category.
// An estimate is the element-wise maximum over the last Window measurements.
type Estimator struct {
	window  int
	first   model.Resources
	samples map[string][]model.Resources
}

// NewEstimator returns an estimator with no history.
func NewEstimator(cfg config.AutoConfig) *Estimator {
	return &Estimator{
		window:  cfg.Window,
		first:   cfg.FirstAllocation,
		samples: make(map[string][]model.Resources),
	}
}

// Observe records what a completed task of category actually used.
func (e *Estimator) Observe(category string, measured model.Resources) {
	if measured.AnyNegative() {
		return
	}
	s := append(e.samples[category], measured)
	if len(s) > e.window {
		s = s[len(s)-e.window:]
	}
	e.samples[category] = s
}

// Samples returns the number of measurements kept for category.
func (e *Estimator) Samples(category string) int {
	return len(e.samples[category])
}

// Estimate returns the allocation for the next auto task of category. Each escalation, one per
// previous resource-limit failure of the task, doubles the cores, memory and disk. The result
// always fits the totals of at least one of workers, so an auto request never starves while any
// worker is connected.
func (e *Estimator) Estimate(category string, workers []model.Resources, escalations int) model.Resources {
	est := e.first
	if s := e.samples[category]; len(s) > 0 {
		est = model.Resources{}
		for _, r := range s {
			est = est.Max(r)
		}
	}
	for i := 0; i < escalations; i++ {
		est.Cores = max(2*est.Cores, 1)
		est.MemoryMB = max(2*est.MemoryMB, 1)
		est.DiskMB = max(2*est.DiskMB, 1)
		est = fitWithin(est, workers)
	}
	return fitWithin(est, workers)
}

// fitWithin returns est if some worker can hold it. Otherwise it returns est cut down to the
// worker that keeps the most of it, comparing cores first.
func fitWithin(est model.Resources, workers []model.Resources) model.Resources {
	var best model.Resources
	for i, w := range workers {
		if est.Fits(w) {
			return est
		}
		if c := est.Min(w); i == 0 || c.Compare(best) > 0 {
			best = c
		}
	}
	if len(workers) == 0 {
		return est
	}
	return best
}

// Resolve fills the auto dimensions of req.
func (e *Estimator) Resolve(
	req model.ResourceRequest, category string, workers []model.Resources, escalations int,
) model.Resources {
	if !req.HasAuto() {
		return req.Resolve(model.Resources{})
	}
	return req.Resolve(e.Estimate(category, workers, escalations))
}
