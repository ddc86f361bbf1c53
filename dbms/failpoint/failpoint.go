// Package failpoint provides named fault injection points. Production code
// calls Hit at interesting places; tests Enable a point to make it fail.
package failpoint

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrInjected is returned when a failpoint is hit and configured to fail.
var ErrInjected = errors.New("failpoint: injected error")

// Mode selects when an enabled failpoint fires.
type Mode int

const (
	// Always fails on every hit.
	Always Mode = iota
	// Once fails on the first hit and then disables itself.
	Once
	// AfterN passes N hits and fails from then on.
	AfterN
)

// Config holds failpoint configuration.
type Config struct {
	Mode Mode
	N    int
}

type state struct {
	cfg  Config
	hits atomic.Int64
}

var (
	mu      sync.RWMutex
	points  = make(map[string]*state)
	enabled atomic.Int32
)

// Hit returns ErrInjected (wrapped with the point name) if name is enabled
// and its configuration says this hit fails.
func Hit(name string) error {
	if enabled.Load() == 0 {
		return nil
	}
	mu.RLock()
	st, ok := points[name]
	mu.RUnlock()
	if !ok {
		return nil
	}

	n := st.hits.Add(1)
	switch st.cfg.Mode {
	case Once:
		Disable(name)
	case AfterN:
		if n <= int64(st.cfg.N) {
			return nil
		}
	}
	return errors.Wrapf(ErrInjected, "at %s", name)
}

// Enable activates a failpoint.
func Enable(name string, cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := points[name]; !ok {
		enabled.Add(1)
	}
	points[name] = &state{cfg: cfg}
}

// Disable turns off a failpoint.
func Disable(name string) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := points[name]; ok {
		delete(points, name)
		enabled.Add(-1)
	}
}

// DisableAll turns off every failpoint.
func DisableAll() {
	mu.Lock()
	defer mu.Unlock()
	points = make(map[string]*state)
	enabled.Store(0)
}

// IsEnabled reports whether name is active.
func IsEnabled(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := points[name]
	return ok
}
