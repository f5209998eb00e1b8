// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"sort"
	"sync"
	"time"

	"github.com/nimbleshop/livechat/lib/clock"
)

// deliveryTracker maintains the per-room message timelines and the
// outgoing-message confirmation lifecycle. It enforces the timeline
// invariant: no duplicate server IDs, ordered by creation timestamp,
// regardless of how live frames and history pulls interleave.
//
// Events are collected under the lock and published after it is
// released, so bus handlers may call back into the tracker.
type deliveryTracker struct {
	clk     clock.Clock
	timeout time.Duration
	bus     *Bus

	mu        sync.Mutex
	timelines map[string]*roomTimeline
	pending   map[string]*pendingSend
}

// roomTimeline is one room's ordered message sequence plus the set of
// server IDs already present, for dedup.
type roomTimeline struct {
	known    map[string]struct{}
	messages []Message
}

// pendingSend is an optimistic message awaiting its server echo. After
// the send timeout the entry is marked failed but retained: a late
// echo must still reconcile against it rather than appear as a
// duplicate.
type pendingSend struct {
	msg    Message
	timer  *clock.Timer
	failed bool
}

func newDeliveryTracker(clk clock.Clock, timeout time.Duration, bus *Bus) *deliveryTracker {
	return &deliveryTracker{
		clk:       clk,
		timeout:   timeout,
		bus:       bus,
		timelines: make(map[string]*roomTimeline),
		pending:   make(map[string]*pendingSend),
	}
}

func (d *deliveryTracker) timeline(roomID string) *roomTimeline {
	tl, ok := d.timelines[roomID]
	if !ok {
		tl = &roomTimeline{known: make(map[string]struct{})}
		d.timelines[roomID] = tl
	}
	return tl
}

// insert places msg into the timeline at its timestamp position,
// after any existing messages with the same timestamp.
func (tl *roomTimeline) insert(msg Message) {
	tl.known[msg.ID] = struct{}{}
	i := sort.Search(len(tl.messages), func(i int) bool {
		return tl.messages[i].Timestamp > msg.Timestamp
	})
	tl.messages = append(tl.messages, Message{})
	copy(tl.messages[i+1:], tl.messages[i:])
	tl.messages[i] = msg
}

// removeByID drops the entry with the given ID, if present.
func (tl *roomTimeline) removeByID(id string) {
	delete(tl.known, id)
	for i, m := range tl.messages {
		if m.ID == id {
			tl.messages = append(tl.messages[:i], tl.messages[i+1:]...)
			return
		}
	}
}

// stage registers an optimistic outgoing message, starts its
// confirmation timer, and publishes exactly one pending message event
// for it. The message must carry its client temp ID as both ID and
// ClientTempID.
func (d *deliveryTracker) stage(msg Message) {
	msg.Status = StatusPending

	d.mu.Lock()
	tempID := msg.ClientTempID
	entry := &pendingSend{msg: msg}
	entry.timer = d.clk.AfterFunc(d.timeout, func() {
		d.expire(tempID)
	})
	d.pending[tempID] = entry
	d.timeline(msg.RoomID).insert(msg)
	d.mu.Unlock()

	d.bus.publish(Event{Kind: EventMessage, Message: &MessageEvent{Message: msg}})
}

// expire marks a pending send failed after the confirmation window
// lapses. The entry stays registered so a late echo can still
// reconcile instead of duplicating.
func (d *deliveryTracker) expire(tempID string) {
	d.mu.Lock()
	entry, ok := d.pending[tempID]
	if !ok || entry.failed {
		d.mu.Unlock()
		return
	}
	entry.failed = true
	entry.msg.Status = StatusFailed
	tl := d.timeline(entry.msg.RoomID)
	tl.removeByID(tempID)
	tl.insert(entry.msg)
	failed := entry.msg
	d.mu.Unlock()

	d.bus.publish(Event{Kind: EventMessage, Message: &MessageEvent{
		Message:        failed,
		ReplacesTempID: tempID,
	}})
	d.bus.publish(Event{Kind: EventError, Err: &ErrorEvent{
		Err:          chatError(KindSendTimeout, nil, "no confirmation for message in room %s", failed.RoomID),
		RoomID:       failed.RoomID,
		ClientTempID: tempID,
	}})
}

// ingest merges one confirmed message into its room timeline. Messages
// already known by server ID are dropped. A message carrying the temp
// ID of a pending send substitutes the optimistic entry atomically and
// the published event names the replaced temp ID so observers swap in
// place.
func (d *deliveryTracker) ingest(msg Message) {
	msg.Status = StatusConfirmed

	d.mu.Lock()
	tl := d.timeline(msg.RoomID)
	if _, ok := tl.known[msg.ID]; ok {
		d.mu.Unlock()
		return
	}
	var replaces string
	if msg.ClientTempID != "" {
		if entry, ok := d.pending[msg.ClientTempID]; ok {
			entry.timer.Stop()
			delete(d.pending, msg.ClientTempID)
			tl.removeByID(msg.ClientTempID)
			replaces = msg.ClientTempID
		}
	}
	tl.insert(msg)
	d.mu.Unlock()

	d.bus.publish(Event{Kind: EventMessage, Message: &MessageEvent{
		Message:        msg,
		ReplacesTempID: replaces,
	}})
}

// ingestBatch merges a history pull, oldest first.
func (d *deliveryTracker) ingestBatch(msgs []Message) {
	for _, msg := range msgs {
		d.ingest(msg)
	}
}

// messages returns a copy of the room's current timeline.
func (d *deliveryTracker) messages(roomID string) []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	tl, ok := d.timelines[roomID]
	if !ok {
		return nil
	}
	out := make([]Message, len(tl.messages))
	copy(out, tl.messages)
	return out
}

// dropRoom discards a room's timeline and cancels its pending sends.
// Called on leave; a rejoin starts from a fresh history pull.
func (d *deliveryTracker) dropRoom(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.timelines, roomID)
	for tempID, entry := range d.pending {
		if entry.msg.RoomID == roomID {
			entry.timer.Stop()
			delete(d.pending, tempID)
		}
	}
}

// close cancels all confirmation timers.
func (d *deliveryTracker) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, entry := range d.pending {
		entry.timer.Stop()
	}
}
