// Package backoff holds the exponential retry policy shared by the
// reconnecting services, plus the in-flight guard that keeps reconnects
// from overlapping.
package backoff

import (
	"math"
	"sync/atomic"
	"time"
)

// Policy is an exponential delay Base*2^attempts capped at Max.
type Policy struct {
	Base time.Duration `koanf:"base"`
	Max  time.Duration `koanf:"max"`
}

// The presence tracker and the health monitor deliberately use different
// caps. Both are configurable; neither is derived from the other.
var (
	PresenceProfile = Policy{Base: time.Second, Max: 30 * time.Second}
	HealthProfile   = Policy{Base: time.Second, Max: 60 * time.Second}
)

// Delay returns the wait before retry number attempts (0-based).
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < attempts; i++ {
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
		// stop before doubling overflows
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Guard is an in-flight flag. A second TryBegin while one is active fails
// instead of queueing.
type Guard struct {
	active atomic.Bool
}

// TryBegin marks the guard active. It returns false if it already was.
func (g *Guard) TryBegin() bool {
	return g.active.CompareAndSwap(false, true)
}

// End clears the guard.
func (g *Guard) End() {
	g.active.Store(false)
}

// Active reports whether an operation is in flight.
func (g *Guard) Active() bool {
	return g.active.Load()
}
