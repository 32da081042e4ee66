package templates

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/ports"
)

// Autonomy levels.
const (
	AutonomyReadOnly   = "readonly"
	AutonomySupervised = "supervised"
	AutonomyFull       = "full"
)

var (
	agentIDPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	providerPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	modelPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/@+-]*$`)
	commandPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+/-]*$`)
)

// ValidateParams checks every value that will be interpolated into a config
// artifact. It runs before anything is written.
func ValidateParams(agentID string, p ConfigParams) error {
	if !agentIDPattern.MatchString(agentID) {
		return errdefs.Validation("agent id %q is invalid", agentID)
	}
	if !providerPattern.MatchString(p.Provider) {
		return errdefs.Validation("provider %q is invalid", p.Provider)
	}
	if !modelPattern.MatchString(p.Model) {
		return errdefs.Validation("model %q is invalid", p.Model)
	}
	switch p.Autonomy {
	case AutonomyReadOnly, AutonomySupervised, AutonomyFull:
	default:
		return errdefs.Validation("autonomy %q must be one of readonly, supervised, full", p.Autonomy)
	}
	// Allowlist entries are program names; the agent matches them against
	// the executable it is about to run, so arguments never belong here.
	for _, c := range p.AllowedCommands {
		if !commandPattern.MatchString(c) {
			return errdefs.Validation("allowed command %q must be a bare command name without arguments", c)
		}
	}
	if hasControl(p.APIKey) || strings.TrimSpace(p.APIKey) != p.APIKey {
		return errdefs.Validation("api key contains control characters or surrounding whitespace")
	}
	if p.GatewayPort < 1 || p.GatewayPort > ports.MaxPort {
		return errdefs.Validation("gateway port %d out of range", p.GatewayPort)
	}
	return nil
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

// quote renders s as a YAML double-quoted scalar. JSON string syntax is a
// subset of YAML's, so encoding/json does the escaping.
func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
