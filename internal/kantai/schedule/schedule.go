// Package schedule correlates jobs from an external scheduler with fleet
// agents. The scheduler itself is not part of kantai; jobs belong to an agent
// when their name starts with "<agent-id>:" or "<agent-id>-".
package schedule

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Job is one scheduled job as reported by the external source.
type Job struct {
	Name     string `yaml:"name" json:"name"`
	Schedule string `yaml:"schedule" json:"schedule"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
}

// Source lists the jobs known to an external scheduler.
type Source interface {
	Jobs(ctx context.Context) ([]Job, error)
}

// BelongsTo reports whether a job name carries the agent's prefix.
func BelongsTo(jobName, agentID string) bool {
	if agentID == "" {
		return false
	}
	return strings.HasPrefix(jobName, agentID+":") || strings.HasPrefix(jobName, agentID+"-")
}

// JobsFor returns the jobs whose names carry agentID's prefix, in source
// order.
func JobsFor(jobs []Job, agentID string) []Job {
	var out []Job
	for _, j := range jobs {
		if BelongsTo(j.Name, agentID) {
			out = append(out, j)
		}
	}
	return out
}

// Assign distributes jobs over agentIDs. A job matching several ids (for
// "rex" and "rex-2", the job "rex-2:digest" matches both) goes to the longest
// one. Jobs matching no agent are dropped.
func Assign(jobs []Job, agentIDs []string) map[string][]Job {
	out := make(map[string][]Job)
	for _, j := range jobs {
		best := ""
		for _, id := range agentIDs {
			if len(id) > len(best) && BelongsTo(j.Name, id) {
				best = id
			}
		}
		if best != "" {
			out[best] = append(out[best], j)
		}
	}
	return out
}

// FileSource reads jobs from a YAML file of the form
//
//	jobs:
//	  - name: rex:daily-digest
//	    schedule: "0 8 * * *"
//	    enabled: true
//
// The file is re-read on every call so an exporter can rewrite it in place.
type FileSource struct {
	Path string
}

func (f FileSource) Jobs(_ context.Context) ([]Job, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("schedule: read %s: %w", f.Path, err)
	}
	var doc struct {
		Jobs []Job `yaml:"jobs"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schedule: parse %s: %w", f.Path, err)
	}
	return doc.Jobs, nil
}
