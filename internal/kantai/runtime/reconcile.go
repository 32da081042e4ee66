package runtime

import (
	"fmt"
	"strings"
)

// Member is the part of an agent definition the join needs.
type Member struct {
	ID   string
	Name string
}

// Classified is one agent after joining its definition with the runtime.
type Classified struct {
	ID     string
	Status Status
	// Row is the matched container, or nil when none was found.
	Row *ContainerRow
}

// Reconcile joins definitions with runtime rows and classifies each agent.
//
// A definition is matched to the row named ContainerNameFor(id); failing that
// to a row whose name equals the agent name, ignoring case. Each row is
// matched to at most one definition. Agents in restarting are reported
// restarting whatever the row says, so a restart in flight never shows up as
// stopped. The result has one entry per member, in member order.
func Reconcile(members []Member, rows []ContainerRow, restarting map[string]bool) []Classified {
	byName := make(map[string]int, len(rows))
	for i, r := range rows {
		byName[r.Name] = i
	}
	claimed := make([]bool, len(rows))

	// Exact matches first so a drifted name can never steal another agent's
	// container.
	match := make([]int, len(members))
	for i, m := range members {
		match[i] = -1
		if j, ok := byName[ContainerNameFor(m.ID)]; ok && !claimed[j] {
			match[i] = j
			claimed[j] = true
		}
	}
	for i, m := range members {
		if match[i] >= 0 || strings.TrimSpace(m.Name) == "" {
			continue
		}
		for j, r := range rows {
			if !claimed[j] && strings.EqualFold(r.Name, m.Name) {
				match[i] = j
				claimed[j] = true
				break
			}
		}
	}

	out := make([]Classified, len(members))
	for i, m := range members {
		c := Classified{ID: m.ID, Status: StatusStopped}
		if j := match[i]; j >= 0 {
			row := rows[j]
			c.Row = &row
			c.Status = ClassifyStatus(row.Status)
		}
		if restarting[m.ID] {
			c.Status = StatusRestarting
		}
		out[i] = c
	}
	return out
}

// Summary aggregates a classified fleet.
type Summary struct {
	Total       int
	Running     int
	Stopped     int
	Restarting  int
	TotalRAMMiB float64
}

// TotalRAM formats TotalRAMMiB for display.
func (s Summary) TotalRAM() string {
	return fmt.Sprintf("%.1f MiB", s.TotalRAMMiB)
}

// Summarize counts agents by status and sums the memory usage of running
// agents. memUsage maps agent id to a "usage / limit" string; entries for
// agents that are not running are ignored.
func Summarize(view []Classified, memUsage map[string]string) Summary {
	s := Summary{Total: len(view)}
	for _, c := range view {
		switch c.Status {
		case StatusRunning:
			s.Running++
			s.TotalRAMMiB += ParseMemoryMiB(memUsage[c.ID])
		case StatusRestarting:
			s.Restarting++
		default:
			s.Stopped++
		}
	}
	return s
}
