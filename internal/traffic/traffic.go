// Package traffic keeps sliding windows of fetch outcomes for health reporting.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies one weather request.
type Outcome int

const (
	// RemoteSuccess is a fresh snapshot from the weather API.
	RemoteSuccess Outcome = iota
	// RemoteFailure is a failed weather API call, whether or not a fallback was served.
	RemoteFailure
	// Fallback is a cached snapshot served instead of fresh data.
	Fallback
	// Denied is a rate-limit rejection (429).
	Denied
	numOutcomes
)

func (o Outcome) String() string {
	switch o {
	case RemoteSuccess:
		return "remote_success"
	case RemoteFailure:
		return "remote_failure"
	case Fallback:
		return "fallback"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

const defaultRetention = 5 * time.Minute

// Tracker maintains sliding windows of outcome timestamps.
// Windows longer than the retention period are truncated to it.
type Tracker struct {
	retention time.Duration
	now       func() time.Time

	mu    sync.Mutex
	times [numOutcomes][]time.Time
}

// NewTracker creates a Tracker. retention <= 0 keeps 5 minutes of history.
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Tracker{retention: retention, now: time.Now}
}

// Record records one outcome at the current time.
func (t *Tracker) Record(o Outcome) {
	t.RecordN(o, 1)
}

// RecordN records n outcomes at the current time.
func (t *Tracker) RecordN(o Outcome, n int) {
	if o < 0 || o >= numOutcomes {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for i := 0; i < n; i++ {
		t.times[o] = append(t.times[o], now)
	}
	t.pruneLocked(now)
}

// Count returns the number of o outcomes within the window.
func (t *Tracker) Count(o Outcome, window time.Duration) int {
	if o < 0 || o >= numOutcomes {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return countInWindow(t.times[o], t.now().Add(-window))
}

// ErrorRate returns (failures, total) of remote calls within the window.
// Fallbacks and denials are excluded from total.
func (t *Tracker) ErrorRate(window time.Duration) (failures, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	failures = countInWindow(t.times[RemoteFailure], cutoff)
	return failures, failures + countInWindow(t.times[RemoteSuccess], cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times = [numOutcomes][]time.Time{}
}

// countInWindow counts timestamps that are not before the cutoff time.
func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than the retention period.
// Must be called with mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	for o := range t.times {
		times := t.times[o]
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			t.times[o] = append(times[:0], times[i:]...)
		}
	}
}
