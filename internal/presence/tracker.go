// Package presence keeps a best-effort online/offline view per user id.
// It has no authority over actual liveness: entries are advisory, sourced
// from explicit presence frames, from the act of receiving a message (the
// sender was online a moment ago), and from the local identity's own
// connection status. Entries never expire; staleness is bounded only by how
// often new signals arrive.
package presence

import (
	"sync"
	"time"
)

// Entry is the last known liveness of one user.
type Entry struct {
	Online       bool
	LastActiveAt time.Time
}

// Tracker is a concurrent map of user id to Entry. Entries are created
// lazily on first observation and only ever overwritten.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewTracker creates an empty tracker using the wall clock.
func NewTracker() *Tracker {
	return NewTrackerWithClock(time.Now)
}

// NewTrackerWithClock creates a tracker with an injected clock.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	return &Tracker{
		entries: make(map[string]Entry),
		now:     now,
	}
}

// Update overwrites the entry for userID with the new state, stamped with
// the current time.
func (t *Tracker) Update(userID string, online bool) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	t.entries[userID] = Entry{Online: online, LastActiveAt: t.now()}
	t.mu.Unlock()
}

// Observe records a state change carrying its own timestamp, as delivered
// by an inbound presence frame. A zero timestamp falls back to the clock.
func (t *Tracker) Observe(userID string, online bool, at time.Time) {
	if userID == "" {
		return
	}
	if at.IsZero() {
		at = t.now()
	}
	t.mu.Lock()
	t.entries[userID] = Entry{Online: online, LastActiveAt: at}
	t.mu.Unlock()
}

// Get returns the last known entry for userID. ok is false for users never
// observed.
func (t *Tracker) Get(userID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	return e, ok
}

// Online reports whether userID was last seen online.
func (t *Tracker) Online(userID string) bool {
	e, ok := t.Get(userID)
	return ok && e.Online
}
