// Package version reports which build of the orchestrator is running.
//
// Version, GitCommit and BuildTime are set with -ldflags at release time.
// Development builds fall back to the VCS stamp the Go toolchain embeds.
package version

import (
	"runtime/debug"
	"sync"
)

var (
	// Version is the semantic version (set via ldflags)
	Version = "v0.1.0-dev"

	// GitCommit is the git commit hash (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// Build describes the running binary. It is served by /status and stamped on
// every agent container as a label.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version,omitempty"`
	// Modified is set when the binary was built from a dirty tree.
	Modified bool `json:"modified,omitempty"`
}

var (
	once  sync.Once
	build Build
)

// Get returns the build description, resolved once per process.
func Get() Build {
	once.Do(func() {
		info, _ := debug.ReadBuildInfo()
		build = resolve(info)
	})
	return build
}

func resolve(info *debug.BuildInfo) Build {
	b := Build{Version: Version, Commit: GitCommit, BuildTime: BuildTime}
	if info == nil {
		return b
	}
	b.GoVersion = info.GoVersion
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "unknown" {
				b.Commit = shortCommit(s.Value)
			}
		case "vcs.time":
			if b.BuildTime == "unknown" {
				b.BuildTime = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

func shortCommit(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// String formats b for --version output.
func (b Build) String() string {
	s := "kantai " + b.Version + " (" + b.Commit
	if b.Modified {
		s += ", dirty"
	}
	return s + ") built at " + b.BuildTime
}

// Info returns Get().String().
func Info() string {
	return Get().String()
}
