// Package version carries the optlearn build identity, stamped at link
// time and surfaced by the version command and the healthz endpoint.
package version

import "time"

var (
	// Version is the release version (set via -ldflags).
	Version = ""
	// Commit is the git commit hash (set via -ldflags).
	Commit = ""
	// BuildTime is the build timestamp (set via -ldflags).
	BuildTime = ""
)

// Info is the resolved build identity.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
}

// Resolve fills in a fallback version for unstamped builds, preferring the
// build timestamp and falling back to the current UTC time.
func Resolve() Info {
	resolved := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	}

	if resolved.Version == "" {
		if resolved.BuildTime != "" {
			resolved.Version = resolved.BuildTime
		} else {
			resolved.Version = time.Now().UTC().Format("20060102T150405Z")
		}
	}

	return resolved
}

// String renders the version with a short commit suffix when one was
// stamped, e.g. "0.3.1 (9f2c41ab07de)".
func String() string {
	info := Resolve()
	if info.Commit == "" {
		return info.Version
	}
	return info.Version + " (" + shortCommit(info.Commit) + ")"
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
