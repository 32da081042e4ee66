package version

import (
	"runtime/debug"
	"testing"
)

func TestResolve_NoBuildInfo(t *testing.T) {
	b := resolve(nil)
	if b.Version != Version || b.Commit != GitCommit || b.BuildTime != BuildTime {
		t.Errorf("unexpected build: %+v", b)
	}
}

func TestResolve_FallsBackToVCSStamp(t *testing.T) {
	info := &debug.BuildInfo{
		GoVersion: "go1.25.8",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	b := resolve(info)
	if b.Commit != "0123456789ab" {
		t.Errorf("Commit: got %q", b.Commit)
	}
	if b.BuildTime != "2026-10-01T12:00:00Z" || b.GoVersion != "go1.25.8" || !b.Modified {
		t.Errorf("unexpected build: %+v", b)
	}
	if got, want := b.String(), "kantai "+Version+" (0123456789ab, dirty) built at 2026-10-01T12:00:00Z"; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
}

func TestResolve_LdflagsWin(t *testing.T) {
	oldCommit := GitCommit
	GitCommit = "abc1234"
	t.Cleanup(func() { GitCommit = oldCommit })

	b := resolve(&debug.BuildInfo{Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "ffffffffffffffff"}}})
	if b.Commit != "abc1234" {
		t.Errorf("Commit: got %q, want ldflags value", b.Commit)
	}
}
