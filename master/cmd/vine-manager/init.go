package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/version"
)

var v *viper.Viper

// viperKeyDelimiter marks nested values in the configuration. With "." viper could not tell a
// key like `my.key: "ok"` apart from the object `{ my { key = "ok" } }`, so ".." is used.
const viperKeyDelimiter = ".."

//nolint:gochecknoinit
func init() {
	// The version of rootCmd is set in init() rather than when `rootCmd` is initialized,
	// because link-time variable assignments are not applied when package-scoped variables
	// are initialized.
	rootCmd.Version = version.Version
	registerConfig()
	rootCmd.AddCommand(newSnapshotCmd())
}

type configKey []string

func (c configKey) EnvName() string {
	return "VINE_" + strings.ReplaceAll(strings.ToUpper(c.FlagName()), "-", "_")
}

func (c configKey) AccessPath() string {
	return strings.ReplaceAll(strings.Join(c, viperKeyDelimiter), "-", "_")
}

func (c configKey) FlagName() string {
	return strings.Join(c, "-")
}

func bind(flags *pflag.FlagSet, name configKey, value interface{}) {
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerString(flags *pflag.FlagSet, name configKey, value string, usage string) {
	flags.String(name.FlagName(), value, usage)
	bind(flags, name, value)
}

func registerBool(flags *pflag.FlagSet, name configKey, value bool, usage string) {
	flags.Bool(name.FlagName(), value, usage)
	bind(flags, name, value)
}

func registerInt(flags *pflag.FlagSet, name configKey, value int, usage string) {
	flags.Int(name.FlagName(), value, usage)
	bind(flags, name, value)
}

func registerFloat(flags *pflag.FlagSet, name configKey, value float64, usage string) {
	flags.Float64(name.FlagName(), value, usage)
	bind(flags, name, value)
}

func registerConfig() {
	v = viper.NewWithOptions(viper.KeyDelimiter(viperKeyDelimiter))
	v.SetTypeByDefaultValue(true)

	defaults := config.DefaultConfig()

	// Register flags and environment variables, and set default values for the flags.
	flags := rootCmd.PersistentFlags()
	name := func(components ...string) configKey { return components }

	registerString(flags, name("config-file"),
		defaults.ConfigFile, "location of config file")
	registerString(flags, name("manager-name"),
		defaults.ManagerName, "name workers and applications know this manager by")
	registerInt(flags, name("port"),
		defaults.Port, "server port")

	registerString(flags, name("log", "level"),
		defaults.Log.Level, "choose logging level from [trace, debug, info, warn, error, fatal]")
	registerBool(flags, name("log", "color"),
		defaults.Log.Color, "output logs in color")
	registerBool(flags, name("log", "json"),
		defaults.Log.JSON, "output logs as JSON")

	registerString(flags, name("storage", "staging-dir"),
		defaults.Storage.StagingDir, "directory for uploaded outputs without a local path")

	registerString(flags, name("worker", "heartbeat-interval"),
		defaults.Worker.HeartbeatInterval.Std().String(), "interval between worker heartbeats")
	registerInt(flags, name("worker", "missed-heartbeats"),
		defaults.Worker.MissedHeartbeats, "heartbeats a worker may miss before it is lost")
	registerFloat(flags, name("worker", "cache-threshold"),
		defaults.Worker.CacheThreshold, "fraction of worker disk the file cache may fill")
	registerBool(flags, name("worker", "peer-transfers"),
		defaults.Worker.PeerTransfers, "let workers fetch files from each other")

	registerString(flags, name("scheduler", "algorithm"),
		defaults.Scheduler.Algorithm, "worker selection algorithm")
	registerInt(flags, name("scheduler", "default-max-retries"),
		defaults.Scheduler.DefaultMaxRetries, "retries of tasks that do not set max_retries")

	registerString(flags, name("checkpoint", "type"),
		defaults.Checkpoint.Type, "checkpoint store (none, file, postgres)")
	registerString(flags, name("checkpoint", "path"),
		defaults.Checkpoint.Path, "snapshot file for file checkpoints")
	registerString(flags, name("checkpoint", "interval"),
		defaults.Checkpoint.Interval.Std().String(), "interval between checkpoints")

	registerString(flags, name("checkpoint", "db", "user"),
		defaults.Checkpoint.DB.User, "database username")
	registerString(flags, name("checkpoint", "db", "password"),
		defaults.Checkpoint.DB.Password, "database password")
	registerString(flags, name("checkpoint", "db", "host"),
		defaults.Checkpoint.DB.Host, "database host")
	registerString(flags, name("checkpoint", "db", "port"),
		defaults.Checkpoint.DB.Port, "database port")
	registerString(flags, name("checkpoint", "db", "name"),
		defaults.Checkpoint.DB.Name, "database name")
	registerString(flags, name("checkpoint", "db", "ssl-mode"),
		defaults.Checkpoint.DB.SSLMode, "database ssl mode (disable, verify-ca, ...)")
	registerString(flags, name("checkpoint", "db", "ssl-root-cert"),
		defaults.Checkpoint.DB.SSLRootCert, "database ssl root cert path")
}
