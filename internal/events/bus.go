// Package events carries the engine's advisory event stream: an in-process
// pub/sub bus for live observers plus a durable JSONL audit trail. Bus
// delivery is best-effort; the state document, not the bus, is the source
// of truth.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventEngineStarted   EventType = "engine_started"
	EventEngineStopped   EventType = "engine_stopped"
	EventTaskEnqueued    EventType = "task_enqueued"
	EventTaskStarted     EventType = "task_started"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"
	EventTaskEscalated   EventType = "task_escalated"
	EventTaskRequeued    EventType = "task_requeued"
	EventChangeCoalesced EventType = "change_coalesced"
	EventBreakerOpened   EventType = "breaker_opened"
	EventHealthDegraded  EventType = "health_degraded"
)

// Event is one engine occurrence. TaskID and Subject are set when the
// event concerns a task; Detail carries anything else worth surfacing.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

type subscription struct {
	ch    chan Event
	types map[EventType]bool // empty means every type
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus fans events out to subscribers over buffered channels. Publishing
// never blocks: a subscriber that cannot keep up loses events, and the
// drop count is observable for stats.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	buffer  int
	dropped atomic.Int64
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 100
	}
	return &Bus{
		subs:   make(map[int]*subscription),
		buffer: buffer,
	}
}

// Subscribe returns a channel of events filtered to the given types (all
// types when none are named) and a cancel function. Cancel closes the
// channel.
func (b *Bus) Subscribe(types ...EventType) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		ch:    make(chan Event, b.buffer),
		types: make(map[EventType]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber without blocking. A
// zero Timestamp is stamped with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the total number of events lost to slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close terminates every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
