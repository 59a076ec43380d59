package trigger

import (
	"sync"
	"time"
)

const (
	breakerThreshold = 3
	breakerOpenFor   = 5 * time.Minute
)

// breaker is an in-memory circuit breaker keyed by trigger ID. Three
// consecutive failures open the circuit for five minutes; any success closes
// it. State is per-instance and intentionally not persisted: the durable
// error_count on the trigger row handles long-term escalation.
type breaker struct {
	mu    sync.Mutex
	now   func() time.Time
	state map[string]*breakerEntry
}

type breakerEntry struct {
	failures  int
	openUntil time.Time
}

func newBreaker(now func() time.Time) *breaker {
	return &breaker{now: now, state: make(map[string]*breakerEntry)}
}

// Allow reports whether the trigger may fire right now.
func (b *breaker) Allow(triggerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.state[triggerID]
	if !ok {
		return true
	}
	if e.openUntil.IsZero() {
		return true
	}
	if b.now().Before(e.openUntil) {
		return false
	}
	// Half-open: one attempt through; failure re-opens immediately.
	e.openUntil = time.Time{}
	e.failures = breakerThreshold - 1
	return true
}

func (b *breaker) RecordFailure(triggerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.state[triggerID]
	if !ok {
		e = &breakerEntry{}
		b.state[triggerID] = e
	}
	e.failures++
	if e.failures >= breakerThreshold {
		e.openUntil = b.now().Add(breakerOpenFor)
	}
}

func (b *breaker) RecordSuccess(triggerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, triggerID)
}
