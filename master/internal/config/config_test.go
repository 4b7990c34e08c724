package config

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"gotest.tools/assert"

	"github.com/determined-ai/vine/master/pkg/check"
	"github.com/determined-ai/vine/master/pkg/model"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	assert.NilError(t, Load(c))
	assert.Assert(t, c.ManagerName != "")
	assert.Equal(t, c.Worker.HeartbeatTimeout(), 2*time.Minute)
}

func TestUnmarshalPartialScheduler(t *testing.T) {
	raw := `
port: 9000
scheduler:
  algorithm: worst
  retry:
    base: 2s
    max: 10s
    jitter: 0.25
checkpoint:
  type: file
  path: /tmp/vine.json
`
	c := DefaultConfig()
	assert.NilError(t, yaml.Unmarshal([]byte(raw), c, yaml.DisallowUnknownFields))
	assert.NilError(t, Load(c))

	assert.Equal(t, c.Port, 9000)
	assert.Equal(t, c.Scheduler.Algorithm, WorstFitAlgorithm)
	assert.Equal(t, c.Scheduler.Retry.Base.Std(), 2*time.Second)
	// Unset fields keep their defaults.
	assert.Equal(t, c.Scheduler.TransferAttempts, 3)
	assert.Equal(t, c.Scheduler.Auto.Window, 20)
	assert.Equal(t, c.Checkpoint.Interval.Std(), 30*time.Second)
}

func TestValidateCollectsErrors(t *testing.T) {
	c := DefaultConfig()
	c.Scheduler.Algorithm = "best"
	c.Scheduler.Retry.Jitter = 2
	c.Worker.CacheThreshold = 0
	c.Checkpoint.Type = FileCheckpoint

	err := check.Validate(c)
	assert.ErrorContains(t, err, "4 validation errors")
	assert.Assert(t, strings.Contains(err.Error(), "invalid scheduler algorithm best"))
	assert.Assert(t, strings.Contains(err.Error(), "checkpoint.path is required"))
}

func TestPrintableMasksPassword(t *testing.T) {
	c := DefaultConfig()
	c.Checkpoint.DB.Password = "hunter2"
	bs, err := c.Printable()
	assert.NilError(t, err)
	assert.Assert(t, !strings.Contains(string(bs), "hunter2"))

	var round Config
	assert.NilError(t, json.Unmarshal(bs, &round))
	assert.Equal(t, round.Checkpoint.DB.Password, "********")
	assert.Equal(t, c.Checkpoint.DB.Password, "hunter2")
}

func TestDSN(t *testing.T) {
	db := DBConfig{
		User: "vine", Password: "p@ss", Host: "db", Port: "5432", Name: "vine", SSLMode: "disable",
	}
	assert.Equal(t, db.DSN(), "postgres://vine:p%40ss@db:5432/vine?sslmode=disable")
}

func TestAutoFirstAllocationDefault(t *testing.T) {
	assert.DeepEqual(t, DefaultSchedulerConfig().Auto.FirstAllocation,
		model.Resources{Cores: 1, MemoryMB: 1024, DiskMB: 1024})
}
