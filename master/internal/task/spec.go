package task

import (
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/pkg/check"
	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/set"
)

// Mount binds a declared file to the name it has inside the task sandbox.
type Mount struct {
	File   string `json:"file"`
	Remote string `json:"remote"`
}

// Spec is what an application submits.
type Spec struct {
	Kind    model.TaskKind    `json:"kind"`
	Command string            `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	Library  string          `json:"library,omitempty"`
	Function string          `json:"function,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`

	Resources model.ResourceRequest `json:"resources"`
	Inputs    []Mount               `json:"inputs,omitempty"`
	Outputs   []Mount               `json:"outputs,omitempty"`

	Priority float64 `json:"priority"`
	// MaxRetries defaults to the manager's scheduler.default_max_retries.
	MaxRetries *int `json:"max_retries,omitempty"`

	Preferred []model.WorkerID `json:"preferred_workers,omitempty"`
	Excluded  []model.WorkerID `json:"excluded_workers,omitempty"`
	Features  []string         `json:"features,omitempty"`
	Algorithm string           `json:"algorithm,omitempty"`

	Category   string         `json:"category,omitempty"`
	MaxRunTime model.Duration `json:"max_run_time,omitempty"`
	MinRunTime model.Duration `json:"min_run_time,omitempty"`
	Tag        string         `json:"tag,omitempty"`
}

// Validate implements the check.Validatable interface.
func (s Spec) Validate() []error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, errors.Wrapf(ErrInvalidSpec, format, args...))
	}

	switch s.Kind {
	case model.CommandTask:
		if s.Command == "" {
			add("command tasks need a command")
		}
	case model.FunctionCallTask:
		if s.Library == "" || s.Function == "" {
			add("function calls need a library and a function")
		}
	case model.LibraryInstallTask:
		add("library install tasks are created by the manager")
	default:
		add("unknown task kind %q", s.Kind)
	}

	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		add("max_retries must be non-negative")
	}
	if s.MaxRunTime < 0 || s.MinRunTime < 0 {
		add("run times must be non-negative")
	}
	if s.Algorithm != "" && !slices.Contains(config.Algorithms, s.Algorithm) {
		add("unknown algorithm %q", s.Algorithm)
	}

	for _, group := range []struct {
		name   string
		mounts []Mount
	}{{"input", s.Inputs}, {"output", s.Outputs}} {
		remotes := set.New[string]()
		for _, m := range group.mounts {
			switch {
			case m.File == "" || m.Remote == "":
				add("%s mounts need a file and a remote name", group.name)
			case !remotes.Insert(m.Remote):
				add("duplicate %s remote name %q", group.name, m.Remote)
			}
		}
	}
	return errs
}

// WithDefaults fills the fields the manager supplies when the application leaves them unset.
func (s Spec) WithDefaults(cfg config.SchedulerConfig) Spec {
	if s.Kind == "" {
		s.Kind = model.CommandTask
	}
	if s.MaxRetries == nil {
		n := cfg.DefaultMaxRetries
		s.MaxRetries = &n
	}
	return s
}

// Validated applies defaults and validates s.
func (s Spec) Validated(cfg config.SchedulerConfig) (Spec, error) {
	s = s.WithDefaults(cfg)
	if err := check.Validate(s); err != nil {
		return s, err
	}
	return s, nil
}

// InputFiles returns the declared names of the task's inputs.
func (s Spec) InputFiles() []string {
	names := make([]string, 0, len(s.Inputs))
	for _, m := range s.Inputs {
		names = append(names, m.File)
	}
	return names
}

// OutputFiles returns the declared names of the task's outputs.
func (s Spec) OutputFiles() []string {
	names := make([]string, 0, len(s.Outputs))
	for _, m := range s.Outputs {
		names = append(names, m.File)
	}
	return names
}
