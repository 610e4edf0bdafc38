// Package events provides an in-memory event bus for run lifecycle events.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	// Run lifecycle
	EventRunEnqueued EventType = "run.enqueued"
	EventRunStatus   EventType = "run.status"
	EventRunDeleted  EventType = "run.deleted"

	// Planning
	EventPlanBuilt EventType = "plan.built"

	// Execution
	EventStepStarted  EventType = "step.started"
	EventStepFinished EventType = "step.finished"
	EventLoopGuard    EventType = "loop_guard.trip"

	// Models
	EventModelCall EventType = "model.call"

	// Audit mirror
	EventAudit EventType = "audit.entry"

	// Maintenance
	EventPurge EventType = "janitor.purge"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceEngine   EventSource = "engine"
	SourceDispatch EventSource = "dispatch"
	SourceAudit    EventSource = "audit"
	SourceJanitor  EventSource = "janitor"
	SourceModel    EventSource = "model"
)

// Event represents an event in the system.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id,omitempty"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
}

// eventIDCounter is used to generate sequential event IDs.
var eventIDCounter uint64

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, source EventSource, runID string, payload map[string]any) Event {
	return Event{
		ID:        generateEventID(),
		RunID:     runID,
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(event Event)
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

type subscription struct {
	id         int
	eventTypes []EventType
	runID      string
	handler    Subscriber
}

// Bus is an in-memory event bus using Go channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	eventChan   chan Event
	ringBuffer  *RingBuffer
	closed      bool
	done        chan struct{}
}

// NewBus creates a new event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	b := &Bus{
		subscribers: make(map[int]*subscription),
		eventChan:   make(chan Event, bufferSize),
		ringBuffer:  NewRingBuffer(bufferSize),
		done:        make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for {
		select {
		case event := <-b.eventChan:
			b.ringBuffer.Add(event)
			b.notifySubscribers(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) notifySubscribers(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.matches(event) {
			go sub.handler(event)
		}
	}
}

func (s *subscription) matches(event Event) bool {
	if s.runID != "" && s.runID != event.RunID {
		return false
	}
	if len(s.eventTypes) == 0 {
		return true
	}
	for _, t := range s.eventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Publish sends an event to the bus. Events are dropped when the buffer is full.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	select {
	case b.eventChan <- event:
	default:
	}
}

// Subscribe registers a handler for specific event types.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	return b.subscribe(&subscription{eventTypes: eventTypes, handler: handler})
}

func (b *Bus) subscribe(sub *subscription) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub.id = b.nextID
	b.nextID++
	b.subscribers[sub.id] = sub

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, sub.id)
	}
}

// SubscribeRun registers a handler for the events of one run. An empty runID
// matches every run.
func (b *Bus) SubscribeRun(handler Subscriber, runID string, eventTypes ...EventType) func() {
	return b.subscribe(&subscription{runID: runID, eventTypes: eventTypes, handler: handler})
}

// History returns recent events from the ring buffer, oldest first.
func (b *Bus) History(limit int) []Event {
	return b.ringBuffer.Get(limit)
}

// RunHistory returns the recent events of one run, oldest first.
func (b *Bus) RunHistory(runID string, limit int) []Event {
	all := b.ringBuffer.Get(b.ringBuffer.size)
	var out []Event
	for _, e := range all {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Close shuts down the event bus.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	close(b.done)
}

// RingBuffer is a circular buffer for storing recent events.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	size   int
	pos    int
	count  int
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *RingBuffer) Get(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]Event, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.size]
	}
	return result
}
