package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/determined-ai/vine/master/pkg/check"
	"github.com/determined-ai/vine/master/pkg/model"
)

const (
	// NoCheckpoint disables checkpointing.
	NoCheckpoint = "none"
	// FileCheckpoint writes snapshots to a JSON file.
	FileCheckpoint = "file"
	// PostgresCheckpoint writes snapshots to a Postgres table.
	PostgresCheckpoint = "postgres"

	sslModeDisable = "disable"
)

// DefaultCheckpointConfig returns checkpointing disabled.
func DefaultCheckpointConfig() *CheckpointConfig {
	return &CheckpointConfig{
		Type:     NoCheckpoint,
		Interval: model.Duration(30 * time.Second),
		DB: DBConfig{
			Host:    "localhost",
			Port:    "5432",
			Name:    "vine",
			SSLMode: sslModeDisable,
		},
	}
}

// CheckpointConfig controls the optional snapshot of non-terminal tasks.
type CheckpointConfig struct {
	Type     string         `json:"type"`
	Path     string         `json:"path"`
	Interval model.Duration `json:"interval"`
	DB       DBConfig       `json:"db"`
}

// Validate implements the check.Validatable interface.
func (c CheckpointConfig) Validate() []error {
	errs := []error{
		check.OneOf(c.Type, []string{NoCheckpoint, FileCheckpoint, PostgresCheckpoint},
			"checkpoint type"),
	}
	if c.Type == NoCheckpoint {
		return errs
	}
	errs = append(errs, check.Positive(int64(c.Interval), "checkpoint.interval"))
	if c.Type == FileCheckpoint && c.Path == "" {
		errs = append(errs, errors.New("checkpoint.path is required for file checkpoints"))
	}
	return errs
}

// DBConfig hosts configuration fields of the database.
type DBConfig struct {
	User        string `json:"user"`
	Password    string `json:"password"`
	Host        string `json:"host"`
	Port        string `json:"port"`
	Name        string `json:"name"`
	SSLMode     string `json:"ssl_mode"`
	SSLRootCert string `json:"ssl_root_cert"`
}

// DSN returns a connection string for the pgx driver.
func (d DBConfig) DSN() string {
	q := url.Values{}
	q.Set("sslmode", d.SSLMode)
	if d.SSLRootCert != "" {
		q.Set("sslrootcert", d.SSLRootCert)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%s", d.Host, d.Port),
		Path:     d.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
