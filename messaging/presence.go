// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"sync"
	"time"

	"github.com/nimbleshop/livechat/lib/clock"
)

// typingExpiryFactor scales the debounce interval into the staleness
// window for incoming typing signals: a peer that keeps typing
// refreshes its signal every debounce interval, so anything older than
// 1.2 intervals is a ghost left by a lost stop frame.
const typingExpiryFactor = 1.2

// typingAutoStopFactor scales the debounce interval into the local
// inactivity window after which a stop frame is emitted even when the
// caller never signals one.
const typingAutoStopFactor = 3

// presenceTracker owns the soft-state side of a session: debounced
// outgoing typing with automatic stop, expiry-based staleness for
// incoming typing, and per-room online sets. All state here is
// disposable; nothing survives a leave or needs replay on reconnect.
type presenceTracker struct {
	clk      clock.Clock
	debounce time.Duration
	bus      *Bus

	// send transmits a typing frame for a room. Installed by the
	// session; errors are swallowed because typing is best-effort.
	send func(roomID string, typing bool)

	mu sync.Mutex
	// lastSent is the time of the last outgoing typing=true per room.
	lastSent map[string]time.Time
	// autoStop fires a stop frame after local typing goes idle.
	autoStop map[string]*clock.Timer
	// typing holds incoming per-(room,user) typing state with its
	// staleness timer.
	typing map[string]map[string]*clock.Timer
	// online is the per-room set of users currently online.
	online map[string]map[string]struct{}
}

func newPresenceTracker(clk clock.Clock, debounce time.Duration, bus *Bus, send func(roomID string, typing bool)) *presenceTracker {
	return &presenceTracker{
		clk:      clk,
		debounce: debounce,
		bus:      bus,
		send:     send,
		lastSent: make(map[string]time.Time),
		autoStop: make(map[string]*clock.Timer),
		typing:   make(map[string]map[string]*clock.Timer),
		online:   make(map[string]map[string]struct{}),
	}
}

// setTyping handles a local typing state change. Start signals are
// debounced to one frame per debounce interval; every start resets the
// auto-stop timer. Stop signals emit immediately and cancel the timer.
func (p *presenceTracker) setTyping(roomID string, typing bool) {
	p.mu.Lock()
	if !typing {
		if timer, ok := p.autoStop[roomID]; ok {
			timer.Stop()
			delete(p.autoStop, roomID)
		}
		delete(p.lastSent, roomID)
		p.mu.Unlock()
		p.send(roomID, false)
		return
	}

	now := p.clk.Now()
	emit := now.Sub(p.lastSent[roomID]) >= p.debounce
	if emit {
		p.lastSent[roomID] = now
	}
	window := time.Duration(typingAutoStopFactor) * p.debounce
	if timer, ok := p.autoStop[roomID]; ok {
		timer.Reset(window)
	} else {
		p.autoStop[roomID] = p.clk.AfterFunc(window, func() {
			p.autoStopFired(roomID)
		})
	}
	p.mu.Unlock()

	if emit {
		p.send(roomID, true)
	}
}

func (p *presenceTracker) autoStopFired(roomID string) {
	p.mu.Lock()
	delete(p.autoStop, roomID)
	delete(p.lastSent, roomID)
	p.mu.Unlock()
	p.send(roomID, false)
}

// observeTyping records an incoming typing signal. Start signals
// (re)arm a staleness timer that synthesizes a stop if no refresh
// arrives; explicit stops cancel the timer. State changes fan out as
// typing events.
func (p *presenceTracker) observeTyping(roomID, userID string, typing bool) {
	p.mu.Lock()
	room := p.typing[roomID]
	if room == nil {
		room = make(map[string]*clock.Timer)
		p.typing[roomID] = room
	}
	timer, wasTyping := room[userID]

	if !typing {
		if !wasTyping {
			p.mu.Unlock()
			return
		}
		timer.Stop()
		delete(room, userID)
		p.mu.Unlock()
		p.bus.publish(Event{Kind: EventTyping, Typing: &TypingEvent{
			RoomID: roomID, UserID: userID, Typing: false,
		}})
		return
	}

	ttl := time.Duration(typingExpiryFactor * float64(p.debounce))
	if wasTyping {
		timer.Reset(ttl)
		p.mu.Unlock()
		return
	}
	room[userID] = p.clk.AfterFunc(ttl, func() {
		p.expireTyping(roomID, userID)
	})
	p.mu.Unlock()
	p.bus.publish(Event{Kind: EventTyping, Typing: &TypingEvent{
		RoomID: roomID, UserID: userID, Typing: true,
	}})
}

// expireTyping drops a typing entry whose signal went stale without an
// explicit stop, so a lost stop frame cannot leave a permanent ghost.
func (p *presenceTracker) expireTyping(roomID, userID string) {
	p.mu.Lock()
	room := p.typing[roomID]
	if _, ok := room[userID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(room, userID)
	p.mu.Unlock()
	p.bus.publish(Event{Kind: EventTyping, Typing: &TypingEvent{
		RoomID: roomID, UserID: userID, Typing: false,
	}})
}

// observePresence records an incoming online/offline signal and fans
// it out if the state changed.
func (p *presenceTracker) observePresence(roomID, userID string, online bool) {
	p.mu.Lock()
	room := p.online[roomID]
	if room == nil {
		room = make(map[string]struct{})
		p.online[roomID] = room
	}
	_, wasOnline := room[userID]
	if online == wasOnline {
		p.mu.Unlock()
		return
	}
	if online {
		room[userID] = struct{}{}
	} else {
		delete(room, userID)
	}
	p.mu.Unlock()
	p.bus.publish(Event{Kind: EventPresence, Presence: &PresenceEvent{
		RoomID: roomID, UserID: userID, Online: online,
	}})
}

// onlineUsers returns the users currently considered online in a room.
func (p *presenceTracker) onlineUsers(roomID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	room := p.online[roomID]
	users := make([]string, 0, len(room))
	for userID := range room {
		users = append(users, userID)
	}
	return users
}

// dropRoom clears all soft state for a room. Called on leave.
func (p *presenceTracker) dropRoom(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timer, ok := p.autoStop[roomID]; ok {
		timer.Stop()
		delete(p.autoStop, roomID)
	}
	delete(p.lastSent, roomID)
	for _, timer := range p.typing[roomID] {
		timer.Stop()
	}
	delete(p.typing, roomID)
	delete(p.online, roomID)
}

// reset clears incoming soft state across all rooms. Called on
// disconnect: stale peer signals must not survive into the next
// connection.
func (p *presenceTracker) reset() {
	p.mu.Lock()
	var events []Event
	for roomID, room := range p.typing {
		for userID, timer := range room {
			timer.Stop()
			events = append(events, Event{Kind: EventTyping, Typing: &TypingEvent{
				RoomID: roomID, UserID: userID, Typing: false,
			}})
		}
		delete(p.typing, roomID)
	}
	for roomID, room := range p.online {
		for userID := range room {
			events = append(events, Event{Kind: EventPresence, Presence: &PresenceEvent{
				RoomID: roomID, UserID: userID, Online: false,
			}})
		}
		delete(p.online, roomID)
	}
	p.mu.Unlock()
	for _, event := range events {
		p.bus.publish(event)
	}
}

// close stops every timer without publishing.
func (p *presenceTracker) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, timer := range p.autoStop {
		timer.Stop()
	}
	for _, room := range p.typing {
		for _, timer := range room {
			timer.Stop()
		}
	}
}
