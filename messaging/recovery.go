// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nimbleshop/livechat/lib/clock"
)

// recoveryPageLimit caps one history-pull page. Pulls loop until a
// short page arrives.
const recoveryPageLimit = 100

// gapRecovery fills timeline gaps after joins and reconnects by
// pulling history since a per-room checkpoint. Checkpoints only move
// forward: live frames advance them through observe, successful pulls
// advance them to the newest pulled message, and an empty pull leaves
// the checkpoint untouched.
type gapRecovery struct {
	history History
	tracker *deliveryTracker
	clk     clock.Clock
	window  time.Duration
	logger  *slog.Logger
	bus     *Bus

	mu          sync.Mutex
	checkpoints map[string]int64
	generations map[string]int
}

func newGapRecovery(history History, tracker *deliveryTracker, clk clock.Clock, window time.Duration, logger *slog.Logger, bus *Bus) *gapRecovery {
	return &gapRecovery{
		history:     history,
		tracker:     tracker,
		clk:         clk,
		window:      window,
		logger:      logger,
		bus:         bus,
		checkpoints: make(map[string]int64),
		generations: make(map[string]int),
	}
}

// checkpoint returns the room's sync position, initializing it to the
// start of the history window on first use.
func (g *gapRecovery) checkpoint(roomID string) (int64, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp, ok := g.checkpoints[roomID]
	if !ok {
		cp = g.clk.Now().Add(-g.window).UnixMilli()
		g.checkpoints[roomID] = cp
	}
	return cp, g.generations[roomID]
}

// advance moves the checkpoint forward, never backward. The
// generation guards against a pull started before a leave applying
// after a rejoin.
func (g *gapRecovery) advance(roomID string, ts int64, gen int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.generations[roomID] != gen {
		return false
	}
	if ts > g.checkpoints[roomID] {
		g.checkpoints[roomID] = ts
	}
	return true
}

// observe advances the room checkpoint past a live confirmed message
// so the next pull does not refetch it.
func (g *gapRecovery) observe(msg Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if msg.Timestamp > g.checkpoints[msg.RoomID] {
		g.checkpoints[msg.RoomID] = msg.Timestamp
	}
}

// forget drops the room's checkpoint and invalidates in-flight pulls.
// Called on leave.
func (g *gapRecovery) forget(roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.checkpoints, roomID)
	g.generations[roomID]++
}

// valid reports whether gen is still the room's current pull
// generation.
func (g *gapRecovery) valid(roomID string, gen int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generations[roomID] == gen
}

// sync pulls everything at or after the room checkpoint and merges it
// into the timeline. The pull is inclusive of the checkpoint timestamp
// so messages sharing a timestamp across a page boundary are never
// skipped; ID dedup in the tracker absorbs the overlap. Failures are
// recoverable: they are logged and surfaced once, and the next join or
// reconnect retries. Safe to call concurrently.
func (g *gapRecovery) sync(ctx context.Context, roomID string) {
	for {
		since, gen := g.checkpoint(roomID)
		msgs, err := g.history.MessagesSince(ctx, roomID, since, recoveryPageLimit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Warn("history pull failed",
				"room", roomID, "since", since, "error", err)
			g.bus.publish(Event{Kind: EventError, Err: &ErrorEvent{
				Err:    chatError(KindSync, err, "history pull for room %s", roomID),
				RoomID: roomID,
			}})
			return
		}
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1].Timestamp
		if !g.advance(roomID, last, gen) {
			// Room was left while the pull was in flight; discard.
			return
		}
		g.tracker.ingestBatch(msgs)
		if !g.valid(roomID, gen) {
			// The room was left while the batch was merging. The leave
			// already dropped the timeline; drop what the merge
			// rebuilt.
			g.tracker.dropRoom(roomID)
			return
		}
		// A full page of identical timestamps cannot move the cursor;
		// stop rather than spin on the same page.
		if len(msgs) < recoveryPageLimit || last <= since {
			return
		}
	}
}
