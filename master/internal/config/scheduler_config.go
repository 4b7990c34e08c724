package config

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/determined-ai/vine/master/pkg/check"
	"github.com/determined-ai/vine/master/pkg/model"
)

const (
	// FilesAlgorithm prefers the worker caching the most input bytes. It is the default.
	FilesAlgorithm = "files"
	// WorstFitAlgorithm prefers the worker with the most free resources.
	WorstFitAlgorithm = "worst"
	// FCFSAlgorithm prefers the worker that connected first.
	FCFSAlgorithm = "fcfs"
	// RandomAlgorithm picks any eligible worker.
	RandomAlgorithm = "random"
	// TimeAlgorithm prefers the worker with the shortest average task time.
	TimeAlgorithm = "time"

	defaultAlgorithm = FilesAlgorithm
)

// Algorithms lists the accepted worker selection algorithms.
var Algorithms = []string{
	FilesAlgorithm, WorstFitAlgorithm, FCFSAlgorithm, RandomAlgorithm, TimeAlgorithm,
}

// DefaultSchedulerConfig returns the default scheduling configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Algorithm:         defaultAlgorithm,
		PassInterval:      model.Duration(250 * time.Millisecond),
		DefaultMaxRetries: 5,
		TransferAttempts:  3,
		RetrieveAttempts:  3,
		Retry: RetryConfig{
			Base:   model.Duration(time.Second),
			Max:    model.Duration(time.Minute),
			Jitter: 0.5,
		},
		Blocklist: BlocklistConfig{
			Threshold: 3,
			Timeout:   model.Duration(5 * time.Minute),
		},
		Auto: AutoConfig{
			Window: 20,
			FirstAllocation: model.Resources{
				Cores: 1, MemoryMB: 1024, DiskMB: 1024,
			},
		},
		LargeTaskCheckInterval: model.Duration(3 * time.Minute),
	}
}

// SchedulerConfig holds the matching and retry policies.
type SchedulerConfig struct {
	Algorithm              string          `json:"algorithm"`
	PassInterval           model.Duration  `json:"pass_interval"`
	DefaultMaxRetries      int             `json:"default_max_retries"`
	TransferAttempts       int             `json:"transfer_attempts"`
	RetrieveAttempts       int             `json:"retrieve_attempts"`
	Retry                  RetryConfig     `json:"retry"`
	Blocklist              BlocklistConfig `json:"blocklist"`
	Auto                   AutoConfig      `json:"auto"`
	LargeTaskCheckInterval model.Duration  `json:"large_task_check_interval"`
}

// UnmarshalJSON implements the json.Unmarshaler interface, keeping defaults for omitted fields.
func (s *SchedulerConfig) UnmarshalJSON(data []byte) error {
	type parser SchedulerConfig
	defaults := parser(*DefaultSchedulerConfig())
	if err := json.Unmarshal(data, &defaults); err != nil {
		return err
	}
	*s = SchedulerConfig(defaults)
	if s.Algorithm == "" {
		s.Algorithm = defaultAlgorithm
	}
	return nil
}

// Validate implements the check.Validatable interface.
func (s SchedulerConfig) Validate() []error {
	return []error{
		check.OneOf(s.Algorithm, Algorithms, "scheduler algorithm"),
		check.Positive(int64(s.PassInterval), "scheduler.pass_interval"),
		check.NonNegative(s.DefaultMaxRetries, "scheduler.default_max_retries"),
		check.Positive(s.TransferAttempts, "scheduler.transfer_attempts"),
		check.Positive(s.RetrieveAttempts, "scheduler.retrieve_attempts"),
		check.Positive(int64(s.LargeTaskCheckInterval), "scheduler.large_task_check_interval"),
	}
}

// RetryConfig shapes the exponential backoff between attempts of a task.
type RetryConfig struct {
	Base model.Duration `json:"base"`
	Max  model.Duration `json:"max"`
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d*(1+Jitter)].
	Jitter float64 `json:"jitter"`
}

// Validate implements the check.Validatable interface.
func (r RetryConfig) Validate() []error {
	errs := []error{
		check.NonNegative(int64(r.Base), "scheduler.retry.base"),
	}
	if r.Max < r.Base {
		errs = append(errs, errors.New("scheduler.retry.max must not be below base"))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, errors.Errorf("scheduler.retry.jitter must be in [0, 1], got %v", r.Jitter))
	}
	return errs
}

// BlocklistConfig controls automatic blocking of hosts whose workers keep failing tasks.
type BlocklistConfig struct {
	// Threshold is the number of consecutive worker-attributed failures before a host is
	// blocked. Zero disables automatic blocking.
	Threshold int            `json:"threshold"`
	Timeout   model.Duration `json:"timeout"`
}

// AutoConfig controls the estimator used for "auto" resource requests.
type AutoConfig struct {
	// Window is how many completed tasks per category the estimate is computed over.
	Window int `json:"window"`
	// FirstAllocation is used for a category with no completed tasks yet.
	FirstAllocation model.Resources `json:"first_allocation"`
}

// Validate implements the check.Validatable interface.
func (a AutoConfig) Validate() []error {
	errs := []error{check.Positive(a.Window, "scheduler.auto.window")}
	if a.FirstAllocation.AnyNegative() {
		errs = append(errs, errors.New("scheduler.auto.first_allocation must not be negative"))
	}
	return errs
}
