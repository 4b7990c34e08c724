package fitting

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/determined-ai/vine/master/pkg/model"
)

// Dimension is a bitmask of resource dimensions.
type Dimension uint8

// The resource dimensions.
const (
	Cores Dimension = 1 << iota
	Memory
	Disk
	GPUs
)

func (d Dimension) String() string {
	var names []string
	for _, n := range []struct {
		dim  Dimension
		name string
	}{{Cores, "cores"}, {Memory, "memory"}, {Disk, "disk"}, {GPUs, "gpus"}} {
		if d&n.dim != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// Exceeding returns the dimensions in which r is larger than limit.
func Exceeding(r, limit model.Resources) Dimension {
	var d Dimension
	if r.Cores > limit.Cores {
		d |= Cores
	}
	if r.MemoryMB > limit.MemoryMB {
		d |= Memory
	}
	if r.DiskMB > limit.DiskMB {
		d |= Disk
	}
	if r.GPUs > limit.GPUs {
		d |= GPUs
	}
	return d
}

// FitsAnyWorker returns true if some candidate could hold r once idle.
func FitsAnyWorker(r model.Resources, candidates []*Candidate) bool {
	for _, c := range candidates {
		if r.Fits(c.Total) {
			return true
		}
	}
	return false
}

// LargeTask is a READY task that no connected worker can ever run.
type LargeTask struct {
	ID        model.TaskID
	Resources model.Resources
	Exceeds   Dimension
}

// LargeTasks finds requests that do not fit any candidate's total resources. With no candidates
// connected nothing is reported.
func LargeTasks(requests []*Request, candidates []*Candidate) []LargeTask {
	if len(candidates) == 0 {
		return nil
	}
	largest := Largest(candidates)
	var large []LargeTask
	for _, req := range requests {
		if FitsAnyWorker(req.Resources, candidates) {
			continue
		}
		large = append(large, LargeTask{
			ID:        req.TaskID,
			Resources: req.Resources,
			Exceeds:   Exceeding(req.Resources, largest),
		})
	}
	return large
}

// LargeTaskReporter warns about large tasks at most once per interval.
type LargeTaskReporter struct {
	sometimes rate.Sometimes
}

// NewLargeTaskReporter returns a reporter that logs at most once per interval.
func NewLargeTaskReporter(interval time.Duration) *LargeTaskReporter {
	return &LargeTaskReporter{sometimes: rate.Sometimes{Interval: interval}}
}

// Report logs large tasks if any, subject to the rate limit. It returns true if it logged.
func (r *LargeTaskReporter) Report(large []LargeTask) bool {
	if len(large) == 0 {
		return false
	}
	logged := false
	r.sometimes.Do(func() {
		logged = true
		for _, t := range large {
			log.WithField("task-id", t.ID).Warnf(
				"task requests %s which no connected worker can provide (exceeds %s)",
				t.Resources, t.Exceeds)
		}
	})
	return logged
}
