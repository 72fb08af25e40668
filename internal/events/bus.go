/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"sync"
	"time"
)

// EventType enumerates event categories.
type EventType string

const (
	EventStateChanged EventType = "engine.state"
	EventPlayStarted  EventType = "engine.play_started"
	EventPlayFinished EventType = "engine.play_finished"
	EventPlayFailed   EventType = "engine.play_failed"
	EventCircuitOpen  EventType = "engine.circuit_open"
	EventHardFailure  EventType = "engine.hard_failure"
	EventFeedGap      EventType = "engine.feed_gap"
	EventIdle         EventType = "engine.idle"

	// Listener activity, one set per listening session.
	EventListenStarted EventType = "listen.started"
	EventPlayHeard     EventType = "listen.play_heard"
	EventListenEnded   EventType = "listen.ended"

	// Emitted by the in-process feed when a play row is inserted.
	EventPlayInserted EventType = "feed.play_inserted"
)

// EngineEvents lists the event types an observer of the playback engine cares about.
var EngineEvents = []EventType{
	EventStateChanged,
	EventPlayStarted,
	EventPlayFinished,
	EventPlayFailed,
	EventCircuitOpen,
	EventHardFailure,
	EventFeedGap,
	EventIdle,
	EventListenStarted,
	EventPlayHeard,
	EventListenEnded,
}

// Payload generic event payload.
type Payload map[string]any

// Event is one published occurrence.
type Event struct {
	Type    EventType `json:"type"`
	At      time.Time `json:"at"`
	Payload Payload   `json:"payload,omitempty"`
}

// Subscriber receives events.
type Subscriber chan Event

const subscriberBuffer = 32

// Bus implements a simple in-process pubsub. Slow subscribers miss events rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers one subscriber for all of the given event types.
func (b *Bus) Subscribe(types ...EventType) Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	for _, t := range types {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers of eventType. Safe on a nil bus.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	if b == nil {
		return
	}
	evt := Event{Type: eventType, At: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- evt:
		default:
		}
	}
}

// Unsubscribe removes the subscriber from every type and closes it.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	found := false
	for t, subs := range b.subs {
		for i, candidate := range subs {
			if candidate == sub {
				b.subs[t] = append(subs[:i:i], subs[i+1:]...)
				found = true
				break
			}
		}
	}
	if found {
		close(sub)
	}
}
