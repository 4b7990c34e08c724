// Package version holds the version of the manager, set at link time.
package version

// Version is overridden with -ldflags "-X github.com/determined-ai/vine/master/version.Version=...".
var Version = "dev"
