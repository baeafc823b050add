// Package breaker implements a sliding-window circuit breaker for the fix
// pipeline, tracked per resource key (normally the task subject). A key's
// breaker is open while its rolling window holds at least threshold failures;
// a success clears that key's window. There is no half-open probe state: a
// breaker closes only through a recorded success or through failures aging
// out of the window. Operators rely on that conservative shape during
// failure storms.
package breaker

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time for the window arithmetic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall-clock default.
var SystemClock Clock = systemClock{}

type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	clock     Clock
	failures  map[string][]time.Time
}

func New(threshold int, window time.Duration, clock Clock) *Breaker {
	if clock == nil {
		clock = SystemClock
	}
	return &Breaker{
		threshold: threshold,
		window:    window,
		clock:     clock,
		failures:  make(map[string][]time.Time),
	}
}

// RecordFailure adds a failure for key at the current clock time.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.failures[key] = append(b.failures[key], now)
	b.pruneLocked(key, now)
}

// RecordSuccess clears every recorded failure for key and closes its breaker.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, key)
}

// IsOpen reports whether failures for key within the window have reached the
// threshold. Stale entries are pruned first, so an open breaker closes on
// its own once the storm ages out.
func (b *Breaker) IsOpen(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(key, b.clock.Now())
	return len(b.failures[key]) >= b.threshold
}

// FailureCount returns the current in-window failure count for key.
func (b *Breaker) FailureCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(key, b.clock.Now())
	return len(b.failures[key])
}

// OpenKeys returns the sorted resource keys whose breakers are currently
// open. Used for health reports and statistics.
func (b *Breaker) OpenKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	var open []string
	for key := range b.failures {
		b.pruneLocked(key, now)
		if len(b.failures[key]) >= b.threshold {
			open = append(open, key)
		}
	}
	sort.Strings(open)
	return open
}

// Snapshot returns the in-window failure timestamps per key for persistence.
func (b *Breaker) Snapshot() map[string][]time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	out := make(map[string][]time.Time, len(b.failures))
	for key := range b.failures {
		b.pruneLocked(key, now)
		if len(b.failures[key]) == 0 {
			continue
		}
		ts := make([]time.Time, len(b.failures[key]))
		copy(ts, b.failures[key])
		out[key] = ts
	}
	return out
}

// Restore replaces the window contents, dropping entries already stale.
// Used on startup so a restart during a storm stays conservative.
func (b *Breaker) Restore(failures map[string][]time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = make(map[string][]time.Time, len(failures))
	now := b.clock.Now()
	for key, ts := range failures {
		b.failures[key] = append([]time.Time(nil), ts...)
		b.pruneLocked(key, now)
	}
}

func (b *Breaker) pruneLocked(key string, now time.Time) {
	cutoff := now.Add(-b.window)
	entries, ok := b.failures[key]
	if !ok {
		return
	}
	keep := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	if len(keep) == 0 {
		delete(b.failures, key)
		return
	}
	b.failures[key] = keep
}
