package config

import (
	"time"

	"github.com/determined-ai/vine/master/pkg/check"
	"github.com/determined-ai/vine/master/pkg/model"
)

// DefaultLibraryConfig returns the default library runtime settings.
func DefaultLibraryConfig() *LibraryConfig {
	return &LibraryConfig{
		IdleTimeout:     model.Duration(time.Minute),
		MaxInstances:    8,
		InstallAttempts: 3,
		RateHalfLife:    model.Duration(30 * time.Second),
	}
}

// LibraryConfig controls how many library instances are kept warm.
type LibraryConfig struct {
	// IdleTimeout is how long an instance with no calls survives.
	IdleTimeout model.Duration `json:"idle_timeout"`
	// MaxInstances caps the instances of a single library across all workers.
	MaxInstances int `json:"max_instances"`
	// InstallAttempts is how many failed installs mark a library broken.
	InstallAttempts int `json:"install_attempts"`
	// RateHalfLife is the decay of the call arrival rate estimate.
	RateHalfLife model.Duration `json:"rate_half_life"`
}

// Validate implements the check.Validatable interface.
func (l LibraryConfig) Validate() []error {
	return []error{
		check.NonNegative(int64(l.IdleTimeout), "library.idle_timeout"),
		check.Positive(l.MaxInstances, "library.max_instances"),
		check.Positive(l.InstallAttempts, "library.install_attempts"),
		check.Positive(int64(l.RateHalfLife), "library.rate_half_life"),
	}
}
