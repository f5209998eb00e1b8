// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for the livechat
// session machinery. The session runs on timers — heartbeat probes,
// reconnect backoff, send-confirmation deadlines, typing debounce and
// expiry — and every one of them goes through a Clock so tests can
// drive time deterministically instead of sleeping.
//
// Production code injects Real(); tests inject Fake(initial) and call
// Advance to fire pending timers in deadline order.
package clock
