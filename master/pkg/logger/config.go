// Package logger configures logrus for the manager and bridges other loggers onto it.
package logger

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level: "info",
		Color: true,
	}
}

// Config is the logging section of the manager configuration.
type Config struct {
	Level string `json:"level"`
	Color bool   `json:"color"`
	JSON  bool   `json:"json"`
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return []error{errors.Wrap(err, "log level")}
	}
	return nil
}

// SetLogrus applies c to the global logrus logger.
func SetLogrus(c Config) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		panic(errors.Wrapf(err, "invalid log level %q", c.Level))
	}
	logrus.SetLevel(level)

	if c.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   c.Color,
		DisableColors: !c.Color,
	})
}
