package schedule_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bdobrica/kantai/internal/kantai/schedule"
)

func TestBelongsTo(t *testing.T) {
	cases := []struct {
		job, agent string
		want       bool
	}{
		{"rex:daily-digest", "rex", true},
		{"rex-weekly", "rex", true},
		{"rexford:daily", "rex", false},
		{"nova:daily", "rex", false},
		{"rex", "rex", false},
		{"anything", "", false},
	}
	for _, tc := range cases {
		if got := schedule.BelongsTo(tc.job, tc.agent); got != tc.want {
			t.Errorf("BelongsTo(%q, %q) = %v, want %v", tc.job, tc.agent, got, tc.want)
		}
	}
}

func TestJobsFor(t *testing.T) {
	jobs := []schedule.Job{{Name: "rex:a"}, {Name: "nova:b"}, {Name: "rex-c"}}
	got := schedule.JobsFor(jobs, "rex")
	if len(got) != 2 || got[0].Name != "rex:a" || got[1].Name != "rex-c" {
		t.Errorf("JobsFor = %+v", got)
	}
}

func TestAssign_LongestPrefixWins(t *testing.T) {
	jobs := []schedule.Job{{Name: "rex-2:digest"}, {Name: "rex:digest"}, {Name: "orphan:x"}}
	got := schedule.Assign(jobs, []string{"rex", "rex-2"})

	if len(got["rex"]) != 1 || got["rex"][0].Name != "rex:digest" {
		t.Errorf("rex jobs: %+v", got["rex"])
	}
	if len(got["rex-2"]) != 1 || got["rex-2"][0].Name != "rex-2:digest" {
		t.Errorf("rex-2 jobs: %+v", got["rex-2"])
	}
	if len(got) != 2 {
		t.Errorf("orphan job should be dropped: %+v", got)
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	content := "jobs:\n  - name: rex:daily\n    schedule: \"0 8 * * *\"\n    enabled: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	jobs, err := schedule.FileSource{Path: path}.Jobs(context.Background())
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Schedule != "0 8 * * *" || !jobs[0].Enabled {
		t.Errorf("unexpected jobs: %+v", jobs)
	}

	if _, err := (schedule.FileSource{Path: path + ".missing"}).Jobs(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}
