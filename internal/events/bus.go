// Package events is the in-process publish/subscribe bus that carries
// session, executor and request activity to observers (the WebSocket
// stream, the MQTT forwarder). Publishing on a nil *Bus is a no-op so
// components can be wired without one.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	// SourceSession is the worker session (state machine).
	SourceSession = "session"
	// SourceExecutor is the call executor (per-attempt detail).
	SourceExecutor = "executor"
	// SourceAutomation is the request pipeline.
	SourceAutomation = "automation"
	// SourceHealth is the background watchers.
	SourceHealth = "health"
)

// Kinds.
const (
	// KindStateChange: from, to.
	KindStateChange = "state_change"
	// KindToolAttempt: request_id, tool, attempt, ok, class, error,
	// duration_ms, retrying.
	KindToolAttempt = "tool_attempt"
	// KindToolOutcome: request_id, tool, ok, attempts, text.
	KindToolOutcome = "tool_outcome"
	// KindRequestStart: request_id, task_len.
	KindRequestStart = "request_start"
	// KindRequestComplete: request_id, calls, failed, elapsed_ms.
	KindRequestComplete = "request_complete"
	// KindExtractionError: request_id, line, reason, snippet.
	KindExtractionError = "extraction_error"
	// KindServiceStatus: service, ready, error.
	KindServiceStatus = "service_status"
)

// Event represents a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only view the
	// caller holds.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, dropping it for any
// subscriber whose buffer is full. A zero Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
