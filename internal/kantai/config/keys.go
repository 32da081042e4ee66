package config

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // fleet.timezone must resolve in minimal images

	"github.com/bdobrica/kantai/internal/kantai/errdefs"
	"github.com/bdobrica/kantai/internal/kantai/ports"
)

// Recognised keys.
const (
	KeyBasePort        = "fleet.base_port"
	KeyImage           = "fleet.image"
	KeyDefaultProvider = "fleet.default_provider"
	KeyDefaultModel    = "fleet.default_model"
	KeyTimezone        = "fleet.timezone"
)

// Keys lists every recognised key in display order.
var Keys = []string{KeyBasePort, KeyImage, KeyDefaultProvider, KeyDefaultModel, KeyTimezone}

// Validate checks that value is acceptable for key. Unknown keys are
// rejected so typos do not silently do nothing.
func Validate(key, value string) error {
	if strings.TrimSpace(value) == "" {
		return errdefs.Validation("config %s: value must not be empty", key)
	}
	switch key {
	case KeyBasePort:
		p, err := strconv.Atoi(value)
		if err != nil || p < 1 || p > ports.MaxPort {
			return errdefs.Validation("config %s: %q is not a port number", key, value)
		}
	case KeyTimezone:
		if _, err := time.LoadLocation(value); err != nil {
			return errdefs.Validation("config %s: unknown timezone %q", key, value)
		}
	case KeyImage, KeyDefaultProvider, KeyDefaultModel:
	default:
		return errdefs.Validation("unknown config key %q", key)
	}
	return nil
}

// Overrides is the subset of fleet settings that may be changed at runtime
// through the config table. Zero values mean "not set".
type Overrides struct {
	BasePort        int
	Image           string
	DefaultProvider string
	DefaultModel    string
	Timezone        *time.Location
}

// LoadOverrides reads every recognised key from s. Values that fail
// validation (for example written by an older build) are skipped.
func LoadOverrides(ctx context.Context, s Store) (Overrides, error) {
	var o Overrides
	for _, key := range Keys {
		value, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Overrides{}, err
		}
		if Validate(key, value) != nil {
			continue
		}
		switch key {
		case KeyBasePort:
			o.BasePort, _ = strconv.Atoi(value)
		case KeyImage:
			o.Image = value
		case KeyDefaultProvider:
			o.DefaultProvider = value
		case KeyDefaultModel:
			o.DefaultModel = value
		case KeyTimezone:
			o.Timezone, _ = time.LoadLocation(value)
		}
	}
	return o, nil
}
