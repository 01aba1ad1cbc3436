// Package buildinfo holds the version string that the `version`
// subcommand prints, so a bug report can be tied to the exact build
// that produced it.
package buildinfo

// Version is overridden at build time via -ldflags
// "-X github.com/dolsplit/dolsplit/internal/buildinfo.Version=...".
// "dev" is what every local build without that flag reports.
var Version = "dev"

// Commit is likewise overridden at build time with the VCS revision.
var Commit = "unknown"

func String() string {
	if Commit == "unknown" {
		return Version
	}
	return Version + " (" + Commit + ")"
}
