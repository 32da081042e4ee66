package runtime

import (
	"regexp"
	"strconv"
	"strings"
)

// Status is the closed set of states an agent is reported in.
type Status string

const (
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusRestarting Status = "restarting"
)

// ClassifyStatus maps free-form runtime status text to a Status. The match is
// a case-insensitive substring test, "up" checked before "restarting";
// anything else, including empty text, is stopped.
func ClassifyStatus(text string) Status {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "up"):
		return StatusRunning
	case strings.Contains(lower, "restarting"):
		return StatusRestarting
	default:
		return StatusStopped
	}
}

var memoryPattern = regexp.MustCompile(`^\s*([0-9]+(?:\.[0-9]+)?)\s*([A-Za-z]*)\s*$`)

// Multipliers to MiB. Docker reports binary units for memory, but decimal
// suffixes show up from other engines and are honoured as such.
var toMiB = map[string]float64{
	"":    1.0 / (1024 * 1024),
	"b":   1.0 / (1024 * 1024),
	"kib": 1.0 / 1024,
	"mib": 1,
	"gib": 1024,
	"tib": 1024 * 1024,
	"kb":  1000.0 / (1024 * 1024),
	"mb":  1000.0 * 1000 / (1024 * 1024),
	"gb":  1000.0 * 1000 * 1000 / (1024 * 1024),
	"tb":  1000.0 * 1000 * 1000 * 1000 / (1024 * 1024),
}

// ParseMemoryMiB parses the usage half of a "usage / limit" memory string
// into MiB. Missing or unparseable input yields 0.
func ParseMemoryMiB(text string) float64 {
	usage, _, _ := strings.Cut(text, "/")
	m := memoryPattern.FindStringSubmatch(usage)
	if m == nil {
		return 0
	}
	mult, ok := toMiB[strings.ToLower(m[2])]
	if !ok {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return v * mult
}
