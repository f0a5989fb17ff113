// Package health tracks the last-successful-cycle timestamp and current
// error streak for each component that reports into it, backing the
// GET /health/{es,gun,arweave} routes (SPEC_FULL.md §12.6). The Arweave and
// GUN sync loops report; the Elasticsearch projection does not, so "es"
// always reads as the zero Status.
package health

import (
	"sync"
	"time"
)

// Status is one component's current health snapshot.
type Status struct {
	LastSuccess time.Time `json:"last_success"`
	ErrorStreak int       `json:"error_streak"`
	LastError   string    `json:"last_error,omitempty"`
}

// Healthy reports whether the component's last cycle succeeded.
func (s Status) Healthy() bool { return s.ErrorStreak == 0 }

// Tracker holds one Status per named component behind a mutex; sync loops
// report into it directly, the HTTP surface only ever reads it.
type Tracker struct {
	mu         sync.Mutex
	components map[string]Status
}

// NewTracker builds an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{components: make(map[string]Status)}
}

// RecordSuccess marks component as having just completed a cycle cleanly.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.components[component] = Status{LastSuccess: time.Now().UTC()}
}

// RecordFailure increments component's error streak, keeping its prior
// last-success timestamp.
func (t *Tracker) RecordFailure(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.components[component]
	s.ErrorStreak++
	if err != nil {
		s.LastError = err.Error()
	}
	t.components[component] = s
}

// Get returns component's current status, or the zero Status if it has
// never reported.
func (t *Tracker) Get(component string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.components[component]
}
