// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging implements the client-side conversation
// synchronization layer for the livechat support channel.
//
// The package provides one core type. [Session] owns a persistent
// full-duplex connection to the chat server and multiplexes any number
// of conversation rooms over it: it manages the connect/handshake/
// reconnect lifecycle with exponential backoff, replays room
// membership after every reconnect, delivers messages with
// at-least-once/idempotent semantics (client idempotency keys plus
// server-ID dedup), pulls missed history after gaps, and propagates
// typing and presence signals with expiry-based staleness.
//
// A Session is an explicitly constructed, owned object — there is no
// package-level singleton. Callers inject the collaborators through
// [Config]: a [Dialer] for the socket, a [History] client for the REST
// pull/send-fallback/read endpoints, and a [TokenSource] that supplies
// a fresh bearer token before every connection attempt.
//
// Observers (the UI layer) subscribe to the session's [Bus] by event
// kind — message, typing, presence, connection, error — and receive a
// disposer to unsubscribe. The message sequence exposed per room
// contains no duplicate message IDs and is non-decreasing in creation
// timestamp, regardless of how history pulls and live frames
// interleave.
//
// Wire format: CBOR frames (lib/codec) over a websocket; the REST
// collaborators speak JSON. All errors surface as [*ChatError] with an
// [ErrorKind] from the taxonomy in errors.go; [IsKind] tests for a
// specific kind.
package messaging
