// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"sort"
	"testing"
)

func TestRoomRegistry(t *testing.T) {
	reg := newRoomRegistry()

	if !reg.add("a") {
		t.Error("first add returned false")
	}
	if reg.add("a") {
		t.Error("repeat add returned true")
	}
	if !reg.add("b") {
		t.Error("add of second room returned false")
	}
	if !reg.contains("a") || !reg.contains("b") {
		t.Error("membership lost")
	}

	rooms := reg.list()
	sort.Strings(rooms)
	if len(rooms) != 2 || rooms[0] != "a" || rooms[1] != "b" {
		t.Errorf("list = %v, want [a b]", rooms)
	}

	if !reg.remove("a") {
		t.Error("remove of member returned false")
	}
	if reg.remove("a") {
		t.Error("repeat remove returned true")
	}
	if reg.contains("a") {
		t.Error("removed room still a member")
	}
}
