// Package events carries routing notifications from the engine to whoever is
// listening. Delivery is fire-and-forget.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	EventAgentStateChanged      EventType = "agent_state_changed"
	EventAgentStateUnchanged    EventType = "agent_state_unchanged"
	EventAgentSkillStateChanged EventType = "agent_skill_state_changed"
	EventTaskEnqueued           EventType = "task_enqueued"
	EventAgentReserved          EventType = "agent_reserved"
	EventTaskMediaStateChanged  EventType = "task_media_state_changed"
	EventTaskStateChanged       EventType = "task_state_changed"
	EventNoAgentAvailable       EventType = "no_agent_available"
	EventRevokeResource         EventType = "revoke_resource"
)

// AllEventTypes lists every type the router publishes.
var AllEventTypes = []EventType{
	EventAgentStateChanged,
	EventAgentStateUnchanged,
	EventAgentSkillStateChanged,
	EventTaskEnqueued,
	EventAgentReserved,
	EventTaskMediaStateChanged,
	EventTaskStateChanged,
	EventNoAgentAvailable,
	EventRevokeResource,
}

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Publisher is the narrow interface the routing engine depends on.
type Publisher interface {
	Publish(eventType EventType, data map[string]interface{})
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking Publisher. Each subscriber gets a buffered channel
// drained by its own goroutine; when the channel is full the event is dropped
// for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	dropped     atomic.Int64
	onPanic     func(EventType, any)
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// SetPanicHandler installs the hook called when a subscriber panics.
func (b *Bus) SetPanicHandler(fn func(EventType, any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPanic = fn
}

// Subscribe registers fn for one event type and returns an unsubscribe func.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			b.deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every type in AllEventTypes.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllEventTypes))
	for _, et := range AllEventTypes {
		unsubs = append(unsubs, b.Subscribe(et, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.RLock()
			onPanic := b.onPanic
			b.mu.RUnlock()
			if onPanic != nil {
				onPanic(event.Type, r)
			}
		}
	}()
	fn(event)
}

// Publish sends an event to all subscribers of the given type without
// blocking.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was
// behind.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
