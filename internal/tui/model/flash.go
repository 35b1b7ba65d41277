package model

import (
	"sync"
	"time"
)

// Flash is a transient status-bar notification, typically a send or load
// failure the user should see without a modal interruption.
type Flash struct {
	mu       sync.Mutex
	message  string
	deadline time.Time
}

// Set stores a message that stays visible for d.
func (f *Flash) Set(message string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = message
	f.deadline = time.Now().Add(d)
}

// Clear drops the current message immediately.
func (f *Flash) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = ""
}

// Get returns the current message, or "" once it has expired.
func (f *Flash) Get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.message == "" || time.Now().After(f.deadline) {
		return ""
	}
	return f.message
}
