// Package build holds build-time metadata that is stamped into log output.
package build

var (
	// Version is the release version, overridden at build time via ldflags.
	Version = "dev"

	// Commit is the git commit hash, overridden at build time via ldflags.
	Commit = ""
)
