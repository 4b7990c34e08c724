// Package config holds the manager's configuration and its defaults.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pkg/errors"

	"github.com/determined-ai/vine/master/pkg/check"
	"github.com/determined-ai/vine/master/pkg/logger"
)

// DefaultPort is the port the manager listens on when none is configured.
const DefaultPort = 9123

// DefaultConfig returns the default configuration of the manager.
func DefaultConfig() *Config {
	return &Config{
		Log:        *logger.DefaultConfig(),
		Port:       DefaultPort,
		Worker:     *DefaultWorkerConfig(),
		Scheduler:  *DefaultSchedulerConfig(),
		Library:    *DefaultLibraryConfig(),
		Checkpoint: *DefaultCheckpointConfig(),
		Storage: StorageConfig{
			StagingDir: filepath.Join(os.TempDir(), "vine-staging"),
		},
	}
}

// Config is the top-level manager configuration.
type Config struct {
	ConfigFile  string           `json:"config_file"`
	Log         logger.Config    `json:"log"`
	Port        int              `json:"port"`
	ManagerName string           `json:"manager_name"`
	Worker      WorkerConfig     `json:"worker"`
	Scheduler   SchedulerConfig  `json:"scheduler"`
	Library     LibraryConfig    `json:"library"`
	Checkpoint  CheckpointConfig `json:"checkpoint"`
	Storage     StorageConfig    `json:"storage"`
}

// StorageConfig says where uploaded outputs without a declared local path are kept.
type StorageConfig struct {
	StagingDir string `json:"staging_dir"`
}

// Validate implements the check.Validatable interface.
func (s StorageConfig) Validate() []error {
	if s.StagingDir == "" {
		return []error{errors.New("storage.staging_dir must be set")}
	}
	return nil
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	return []error{
		check.Positive(c.Port, "port"),
	}
}

// Resolve fills values that depend on the environment.
func (c *Config) Resolve() error {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ManagerName == "" {
		c.ManagerName = petname.Generate(2, "-")
	}
	dir, err := filepath.Abs(c.Storage.StagingDir)
	if err != nil {
		return errors.Wrap(err, "resolving staging directory")
	}
	c.Storage.StagingDir = dir
	return nil
}

// Printable returns the configuration as JSON with secrets masked.
func (c Config) Printable() ([]byte, error) {
	const hiddenValue = "********"
	if c.Checkpoint.DB.Password != "" {
		c.Checkpoint.DB.Password = hiddenValue
	}
	bs, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert config to JSON")
	}
	return bs, nil
}

// Load validates a fully merged configuration.
func Load(c *Config) error {
	if err := c.Resolve(); err != nil {
		return err
	}
	return check.Validate(c)
}
