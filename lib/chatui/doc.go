// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatui implements the terminal UI for the livechat client:
// a single-room conversation view with a message timeline, typing and
// presence indicators, connection status, and an input line.
//
// The model consumes session events through the bubbletea message
// loop: the binary subscribes to the session's event bus and forwards
// each event with Program.Send, so all UI state changes happen on the
// bubbletea goroutine.
package chatui
