// Package lifecycle holds the shared process lifecycle state used for
// readiness draining during graceful shutdown.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle tracks whether the gateway is draining. New connections are
// refused while draining; live sessions get a grace period to finish.
type Lifecycle struct {
	draining atomic.Bool
	since    atomic.Int64
}

// SetDraining flips the gateway into (or out of) drain mode.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if draining {
		l.since.CompareAndSwap(0, time.Now().UnixNano())
	} else {
		l.since.Store(0)
	}
	l.draining.Store(draining)
}

// IsDraining reports whether the gateway refuses new sessions.
func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince returns when drain started, if it has.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	ns := l.since.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
