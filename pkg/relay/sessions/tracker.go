// Package sessions tracks live relay sessions so the gateway can count
// them, warn them about drain, and cancel them on shutdown.
package sessions

import (
	"context"
	"sync"
)

// Handle is what the tracker holds per live session: enough to warn and
// stop it, never the session itself.
type Handle struct {
	// Token is the tenant session token, for drain logging.
	Token string

	// Cancel stops the session. Must be safe to call more than once.
	Cancel func()

	// Notify queues a best-effort message to the caller.
	Notify func(message string)
}

type entry struct {
	handle Handle
	once   sync.Once
}

// Tracker is a registry of live sessions. The zero value is not usable;
// call NewTracker. All methods tolerate a nil receiver so wiring can
// leave tracking out.
type Tracker struct {
	mu   sync.Mutex
	live map[string]*entry
	wg   sync.WaitGroup
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{live: make(map[string]*entry)}
}

// Register adds a session under its ID and returns the matching
// unregister func. Registering the same ID again supersedes the old
// registration and releases it.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	e := &entry{handle: h}

	t.mu.Lock()
	if t.live == nil {
		t.live = make(map[string]*entry)
	}
	prev := t.live[sessionID]
	t.live[sessionID] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if prev != nil {
		t.release(sessionID, prev)
	}
	return func() { t.release(sessionID, e) }
}

func (t *Tracker) release(sessionID string, e *entry) {
	if t == nil || e == nil {
		return
	}
	e.once.Do(func() {
		t.mu.Lock()
		if t.live != nil && t.live[sessionID] == e {
			delete(t.live, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Count returns the number of live sessions.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// NotifyAll queues a message on every live session. Returns how many
// sessions were notified.
func (t *Tracker) NotifyAll(message string) int {
	if t == nil {
		return 0
	}

	var notifies []func(string)
	t.mu.Lock()
	for _, e := range t.live {
		if e != nil && e.handle.Notify != nil {
			notifies = append(notifies, e.handle.Notify)
		}
	}
	t.mu.Unlock()

	for _, notify := range notifies {
		notify(message)
	}
	return len(notifies)
}

// CancelAll stops every live session. The cancel funcs run outside the
// lock; sessions unregister themselves as they exit.
func (t *Tracker) CancelAll() int {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, e := range t.live {
		if e != nil && e.handle.Cancel != nil {
			cancels = append(cancels, e.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Wait blocks until every registered session has unregistered, or the
// context expires. Returns true when all sessions drained in time.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
