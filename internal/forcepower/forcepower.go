// Package forcepower keeps a Thunderbolt domain's NHI controller powered
// for the duration of any authorization window, mirroring the original
// daemon's force-power controller: the host may otherwise power down an
// idle NHI while authorization sysfs writes are still in flight.
package forcepower

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/tbauthd/tbauthd/internal/tberr"
)

const attr = "force_power"

// Guard reference-counts force-power acquisitions per domain. Absence of
// the force_power attribute on a domain (no controller, or test fixtures)
// makes every operation a no-op rather than an error.
type Guard struct {
	mu    sync.Mutex
	count map[string]int
}

// New constructs an empty Guard.
func New() *Guard {
	return &Guard{count: make(map[string]int)}
}

// Acquire increments domainSyspath's reference count, writing "1" to
// force_power on the first acquisition. The returned release function
// decrements the count and writes "0" when it reaches zero.
func (g *Guard) Acquire(domainSyspath string) (release func() error, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	path := filepath.Join(domainSyspath, attr)
	if _, statErr := os.Stat(path); statErr != nil {
		// No force-power controller for this domain: no-op guard.
		return func() error { return nil }, nil
	}

	if g.count[domainSyspath] == 0 {
		if werr := write(path, "1"); werr != nil {
			return nil, tberr.NewUdev(domainSyspath, attr, werr)
		}
	}
	g.count[domainSyspath]++

	released := false
	return func() error {
		g.mu.Lock()
		defer g.mu.Unlock()
		if released {
			return nil
		}
		released = true
		g.count[domainSyspath]--
		if g.count[domainSyspath] <= 0 {
			delete(g.count, domainSyspath)
			if werr := write(path, "0"); werr != nil {
				return tberr.NewUdev(domainSyspath, attr, werr)
			}
		}
		return nil
	}, nil
}

func write(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}
