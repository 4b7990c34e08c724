package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidResources is returned for resource requests that can never be satisfied.
var ErrInvalidResources = errors.New("invalid resource request")

// Resources is a vector of the schedulable dimensions of a worker or a task.
type Resources struct {
	Cores    int64 `json:"cores"`
	MemoryMB int64 `json:"memory_mb"`
	DiskMB   int64 `json:"disk_mb"`
	GPUs     int64 `json:"gpus"`
}

// Add returns the element-wise sum of r and o.
func (r Resources) Add(o Resources) Resources {
	return Resources{
		Cores:    r.Cores + o.Cores,
		MemoryMB: r.MemoryMB + o.MemoryMB,
		DiskMB:   r.DiskMB + o.DiskMB,
		GPUs:     r.GPUs + o.GPUs,
	}
}

// Sub returns the element-wise difference r - o.
func (r Resources) Sub(o Resources) Resources {
	return Resources{
		Cores:    r.Cores - o.Cores,
		MemoryMB: r.MemoryMB - o.MemoryMB,
		DiskMB:   r.DiskMB - o.DiskMB,
		GPUs:     r.GPUs - o.GPUs,
	}
}

// Fits returns true if every dimension of r is no larger than the same dimension of avail.
func (r Resources) Fits(avail Resources) bool {
	return r.Cores <= avail.Cores &&
		r.MemoryMB <= avail.MemoryMB &&
		r.DiskMB <= avail.DiskMB &&
		r.GPUs <= avail.GPUs
}

// Max returns the element-wise maximum of r and o.
func (r Resources) Max(o Resources) Resources {
	return Resources{
		Cores:    max(r.Cores, o.Cores),
		MemoryMB: max(r.MemoryMB, o.MemoryMB),
		DiskMB:   max(r.DiskMB, o.DiskMB),
		GPUs:     max(r.GPUs, o.GPUs),
	}
}

// Min returns the element-wise minimum of r and o.
func (r Resources) Min(o Resources) Resources {
	return Resources{
		Cores:    min(r.Cores, o.Cores),
		MemoryMB: min(r.MemoryMB, o.MemoryMB),
		DiskMB:   min(r.DiskMB, o.DiskMB),
		GPUs:     min(r.GPUs, o.GPUs),
	}
}

// Clamp bounds every dimension of r to [0, limit].
func (r Resources) Clamp(limit Resources) Resources {
	return r.Max(Resources{}).Min(limit)
}

// AnyNegative returns true if any dimension is below zero.
func (r Resources) AnyNegative() bool {
	return r.Cores < 0 || r.MemoryMB < 0 || r.DiskMB < 0 || r.GPUs < 0
}

// IsZero returns true if every dimension is zero.
func (r Resources) IsZero() bool {
	return r == Resources{}
}

// Compare orders resource vectors lexicographically by cores, memory, disk, then gpus.
func (r Resources) Compare(o Resources) int {
	for _, pair := range [][2]int64{
		{r.Cores, o.Cores},
		{r.MemoryMB, o.MemoryMB},
		{r.DiskMB, o.DiskMB},
		{r.GPUs, o.GPUs},
	} {
		switch {
		case pair[0] < pair[1]:
			return -1
		case pair[0] > pair[1]:
			return 1
		}
	}
	return 0
}

func (r Resources) String() string {
	return fmt.Sprintf("cores=%d memory=%dMB disk=%dMB gpus=%d",
		r.Cores, r.MemoryMB, r.DiskMB, r.GPUs)
}
