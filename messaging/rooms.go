// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "sync"

// roomRegistry tracks the set of rooms the session is a member of.
// Membership is purely local intent: the registry is the source of
// truth for which join frames to replay after a reconnect, regardless
// of what the server last saw.
type roomRegistry struct {
	mu    sync.Mutex
	rooms map[string]struct{}
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{rooms: make(map[string]struct{})}
}

// add records membership. Returns false if the room was already
// joined, making repeat joins no-ops.
func (r *roomRegistry) add(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; ok {
		return false
	}
	r.rooms[roomID] = struct{}{}
	return true
}

// remove drops membership. Returns false if the room was not joined.
func (r *roomRegistry) remove(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; !ok {
		return false
	}
	delete(r.rooms, roomID)
	return true
}

// contains reports current membership.
func (r *roomRegistry) contains(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

// list returns a snapshot of the joined rooms in unspecified order.
func (r *roomRegistry) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]string, 0, len(r.rooms))
	for roomID := range r.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}
