// Package ports assigns host ports to agents.
//
// NextFree is a pure function. Callers are responsible for making the read of
// taken ports and the write of the chosen one atomic; the registry does this
// inside a single database transaction.
package ports

import (
	"github.com/bdobrica/kantai/internal/kantai/errdefs"
)

// MaxPort is the highest assignable TCP port.
const MaxPort = 65535

// NextFree returns the lowest port >= base that is not in taken.
// taken must hold the ports of every agent definition, enabled or not.
func NextFree(base int, taken []int) (int, error) {
	if base < 1 || base > MaxPort {
		return 0, errdefs.Validation("base port %d out of range 1-%d", base, MaxPort)
	}
	used := make(map[int]struct{}, len(taken))
	for _, p := range taken {
		used[p] = struct{}{}
	}
	for p := base; p <= MaxPort; p++ {
		if _, ok := used[p]; !ok {
			return p, nil
		}
	}
	return 0, errdefs.Conflict("no free port at or above %d", base)
}
