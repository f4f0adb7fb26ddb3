// Package events provides a publish/subscribe bus for operational
// events. The stream client, command pipeline, and action executor
// publish; the /api/events WebSocket and the metrics collector
// subscribe. Calling Publish on a nil *Bus is a no-op, so components
// do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceStream identifies events from the Home Assistant stream client.
	SourceStream = "stream"
	// SourcePipeline identifies events from the command pipeline.
	SourcePipeline = "pipeline"
	// SourceActions identifies events from the action executor.
	SourceActions = "actions"
	// SourceCache identifies events from cache maintenance jobs.
	SourceCache = "cache"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnection signals a stream lifecycle transition.
	// Data: state, error (optional), backoff_ms (optional).
	KindConnection = "connection"
	// KindStateChanged signals an applied state_changed event.
	// Data: entity_id, old_state, new_state, removed.
	KindStateChanged = "state_changed"
	// KindSnapshot signals a full snapshot was written to the cache.
	// Data: entities.
	KindSnapshot = "snapshot"
	// KindCommandComplete signals the end of a command pipeline run.
	// Data: interaction_id, template, success, elapsed_ms.
	KindCommandComplete = "command_complete"
	// KindActionExecuted signals a hub service call finished.
	// Data: service, entity_id, success.
	KindActionExecuted = "action_executed"
	// KindCleanup signals a cache maintenance pass finished.
	// Data: job, removed.
	KindCleanup = "cleanup"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to callers back
	// to the send side stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. If a subscriber's
// channel is full, the event is dropped for that subscriber. A zero
// Timestamp is filled with the current time.
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

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
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
