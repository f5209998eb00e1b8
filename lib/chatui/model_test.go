// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"strings"
	"testing"

	"github.com/nimbleshop/livechat/messaging"
)

func TestTypingNotice(t *testing.T) {
	tests := []struct {
		name   string
		typing map[string]bool
		want   string
	}{
		{"nobody", map[string]bool{}, " "},
		{"one", map[string]bool{"sam": true}, "sam is typing…"},
		{"two", map[string]bool{"sam": true, "alex": true}, "alex and sam are typing…"},
		{"many", map[string]bool{"a": true, "b": true, "c": true}, "several people are typing…"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := typingNotice(test.typing); got != test.want {
				t.Errorf("typingNotice = %q, want %q", got, test.want)
			}
		})
	}
}

func TestStatusLine(t *testing.T) {
	if got := statusLine(messaging.StateReconnecting, 3, 0); !strings.Contains(got, "attempt 3") {
		t.Errorf("statusLine = %q, want attempt count", got)
	}
	if got := statusLine(messaging.StateConnected, 0, 1); !strings.Contains(got, "1 person") {
		t.Errorf("statusLine = %q, want singular", got)
	}
	if got := statusLine(messaging.StateConnected, 0, 4); !strings.Contains(got, "4 people") {
		t.Errorf("statusLine = %q, want plural", got)
	}
}

func TestRenderMessageStatuses(t *testing.T) {
	base := messaging.Message{
		ID:        "m1",
		RoomID:    "room",
		SenderID:  "me",
		Type:      messaging.MessageText,
		Content:   "hello",
		Timestamp: 1_750_000_000_000,
	}

	confirmed := base
	confirmed.Status = messaging.StatusConfirmed
	if got := renderMessage(confirmed, "me"); !strings.Contains(got, "you") || !strings.Contains(got, "hello") {
		t.Errorf("confirmed render = %q", got)
	}

	pending := base
	pending.Status = messaging.StatusPending
	if got := renderMessage(pending, "me"); !strings.Contains(got, "⋯") {
		t.Errorf("pending render missing marker: %q", got)
	}

	failed := base
	failed.Status = messaging.StatusFailed
	if got := renderMessage(failed, "me"); !strings.Contains(got, "not delivered") {
		t.Errorf("failed render missing notice: %q", got)
	}

	peer := base
	peer.SenderID = "agent-1"
	peer.Status = messaging.StatusConfirmed
	if got := renderMessage(peer, "me"); !strings.Contains(got, "agent-1") {
		t.Errorf("peer render = %q", got)
	}
}

func TestRenderSystemMessage(t *testing.T) {
	msg := messaging.Message{
		Type:      messaging.MessageSystem,
		Content:   "agent joined the conversation",
		Timestamp: 1_750_000_000_000,
	}
	got := renderMessage(msg, "me")
	if !strings.Contains(got, "agent joined") {
		t.Errorf("system render = %q", got)
	}
}
