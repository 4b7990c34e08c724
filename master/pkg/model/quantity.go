package model

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

const autoLiteral = "auto"

// Quantity is a single requested resource amount, either explicit or "auto". An auto quantity is
// replaced at match time by an estimate learned from completed tasks of the same category.
type Quantity struct {
	Amount int64
	Auto   bool
}

// Exactly returns an explicit quantity.
func Exactly(n int64) Quantity {
	return Quantity{Amount: n}
}

// Auto returns a quantity to be estimated by the manager.
func Auto() Quantity {
	return Quantity{Auto: true}
}

// MarshalJSON implements the json.Marshaler interface.
func (q Quantity) MarshalJSON() ([]byte, error) {
	if q.Auto {
		return json.Marshal(autoLiteral)
	}
	return json.Marshal(q.Amount)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*q = Quantity{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == autoLiteral {
			*q = Auto()
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return errors.Errorf("quantity must be a number or %q, got %q", autoLiteral, s)
		}
		*q = Exactly(n)
		return nil
	default:
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return errors.Wrap(err, "parsing quantity")
		}
		*q = Exactly(n)
		return nil
	}
}

func (q Quantity) String() string {
	if q.Auto {
		return autoLiteral
	}
	return strconv.FormatInt(q.Amount, 10)
}

// ResourceRequest is what a task asks for along each dimension.
type ResourceRequest struct {
	Cores    Quantity `json:"cores"`
	MemoryMB Quantity `json:"memory_mb"`
	DiskMB   Quantity `json:"disk_mb"`
	GPUs     Quantity `json:"gpus"`
}

// ExplicitRequest converts a resource vector into a request with no auto dimensions.
func ExplicitRequest(r Resources) ResourceRequest {
	return ResourceRequest{
		Cores:    Exactly(r.Cores),
		MemoryMB: Exactly(r.MemoryMB),
		DiskMB:   Exactly(r.DiskMB),
		GPUs:     Exactly(r.GPUs),
	}
}

// HasAuto returns true if any dimension is estimated.
func (r ResourceRequest) HasAuto() bool {
	return r.Cores.Auto || r.MemoryMB.Auto || r.DiskMB.Auto || r.GPUs.Auto
}

// Resolve replaces auto dimensions with the corresponding dimension of estimate.
func (r ResourceRequest) Resolve(estimate Resources) Resources {
	pick := func(q Quantity, est int64) int64 {
		if q.Auto {
			return est
		}
		return q.Amount
	}
	return Resources{
		Cores:    pick(r.Cores, estimate.Cores),
		MemoryMB: pick(r.MemoryMB, estimate.MemoryMB),
		DiskMB:   pick(r.DiskMB, estimate.DiskMB),
		GPUs:     pick(r.GPUs, estimate.GPUs),
	}
}

// Validate implements the check.Validatable interface.
func (r ResourceRequest) Validate() []error {
	var errs []error
	for name, q := range map[string]Quantity{
		"cores": r.Cores, "memory_mb": r.MemoryMB, "disk_mb": r.DiskMB, "gpus": r.GPUs,
	} {
		if !q.Auto && q.Amount < 0 {
			errs = append(errs, errors.Wrapf(ErrInvalidResources, "%s must be non-negative", name))
		}
	}
	return errs
}
