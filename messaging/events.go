// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "sync"

// EventKind selects which session events a subscriber receives.
type EventKind string

// Event kinds.
const (
	EventMessage    EventKind = "message"
	EventTyping     EventKind = "typing"
	EventPresence   EventKind = "presence"
	EventConnection EventKind = "connection"
	EventError      EventKind = "error"
)

// Event is a tagged union of everything a session can report. Exactly
// one of the pointer fields is non-nil, selected by Kind.
type Event struct {
	Kind       EventKind
	Message    *MessageEvent
	Typing     *TypingEvent
	Presence   *PresenceEvent
	Connection *ConnectionEvent
	Err        *ErrorEvent
}

// MessageEvent reports a message entering or changing in a room
// timeline.
type MessageEvent struct {
	Message Message
	// ReplacesTempID is set when a confirmed message substitutes a
	// pending optimistic one; the UI swaps the entry in place instead
	// of appending.
	ReplacesTempID string
}

// TypingEvent reports a peer starting or stopping typing in a room.
// Stop events are synthesized locally when a typing signal goes stale
// without an explicit stop.
type TypingEvent struct {
	RoomID string
	UserID string
	Typing bool
}

// PresenceEvent reports a peer going online or offline in a room.
type PresenceEvent struct {
	RoomID string
	UserID string
	Online bool
}

// ConnectionEvent reports a session state transition.
type ConnectionEvent struct {
	State State
	// Attempt is the reconnect attempt number when State is
	// Reconnecting, zero otherwise.
	Attempt int
}

// ErrorEvent reports a surfaced error. Only error kinds the session
// cannot handle internally are published; see the ErrorKind docs for
// the propagation policy.
type ErrorEvent struct {
	Err *ChatError
	// RoomID scopes the error to a room when applicable (send
	// timeouts, sync failures).
	RoomID string
	// ClientTempID identifies the affected message for send timeouts.
	ClientTempID string
}

// Bus fans session events out to subscribers by kind. The zero value
// is ready to use. Handlers run synchronously on the publishing
// goroutine, so they must not block; subscribing or unsubscribing from
// inside a handler is safe.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[EventKind]map[int]func(Event)
}

// Subscribe registers fn for events of the given kind and returns a
// disposer that removes the subscription. The disposer is idempotent.
func (b *Bus) Subscribe(kind EventKind, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[EventKind]map[int]func(Event))
	}
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]func(Event))
	}
	id := b.next
	b.next++
	b.subs[kind][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[kind], id)
	}
}

// publish delivers the event to every subscriber of its kind. The
// subscriber set is snapshotted first so handlers can subscribe or
// unsubscribe without deadlocking.
func (b *Bus) publish(event Event) {
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.subs[event.Kind]))
	for _, fn := range b.subs[event.Kind] {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()
	for _, fn := range handlers {
		fn(event)
	}
}
