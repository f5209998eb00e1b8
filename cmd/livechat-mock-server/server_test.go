// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nimbleshop/livechat/lib/testutil"
	"github.com/nimbleshop/livechat/messaging"
)

const waitTimeout = 5 * time.Second

// startServer runs the mock server on an httptest listener and returns
// the socket and REST URLs.
func startServer(t *testing.T) (socketURL, apiURL string) {
	t.Helper()
	server := httptest.NewServer(newChatServer(slog.New(slog.DiscardHandler)).routes())
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/socket", server.URL
}

// dialSession connects a real client session to the mock server.
func dialSession(t *testing.T, socketURL, apiURL, token, userID string, role messaging.Role) *messaging.Session {
	t.Helper()
	tokens := messaging.StaticToken(token)
	session, err := messaging.NewSession(messaging.Config{
		SocketURL: socketURL,
		Dialer:    &messaging.WebsocketDialer{},
		History:   messaging.NewAPIClient(apiURL, tokens, nil),
		Tokens:    tokens,
		Logger:    slog.New(slog.DiscardHandler),
		UserID:    userID,
		Role:      role,
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return session
}

func messageEvents(t *testing.T, session *messaging.Session) chan messaging.MessageEvent {
	t.Helper()
	ch := make(chan messaging.MessageEvent, 32)
	dispose := session.Events().Subscribe(messaging.EventMessage, func(e messaging.Event) {
		ch <- *e.Message
	})
	t.Cleanup(dispose)
	return ch
}

// awaitPeer blocks until session observes peerID online in roomID,
// which guarantees the server has registered the peer's membership.
func awaitPeer(t *testing.T, session *messaging.Session, roomID, peerID string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		for _, user := range session.OnlineUsers(roomID) {
			if user == peerID {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer %s never appeared in %s", peerID, roomID)
}

func TestConversationBetweenTwoClients(t *testing.T) {
	socketURL, apiURL := startServer(t)
	customer := dialSession(t, socketURL, apiURL, "casey", "casey", messaging.RoleCustomer)
	agent := dialSession(t, socketURL, apiURL, "sam:agent", "sam", messaging.RoleAgent)

	customerMsgs := messageEvents(t, customer)
	agentMsgs := messageEvents(t, agent)
	customer.Join("order-1")
	agent.Join("order-1")
	awaitPeer(t, customer, "order-1", "sam")

	pending, err := customer.Send("order-1", messaging.MessageText, "where is my order?")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// The sender sees its optimistic copy, then the confirmed echo.
	optimistic := testutil.RequireReceive(t, customerMsgs, waitTimeout, "waiting for optimistic copy")
	if optimistic.Message.Status != messaging.StatusPending {
		t.Errorf("optimistic status = %s", optimistic.Message.Status)
	}
	confirmed := testutil.RequireReceive(t, customerMsgs, waitTimeout, "waiting for confirmation")
	if confirmed.ReplacesTempID != pending.ClientTempID {
		t.Errorf("ReplacesTempID = %q, want %q", confirmed.ReplacesTempID, pending.ClientTempID)
	}

	// The agent receives the broadcast with the server identity.
	received := testutil.RequireReceive(t, agentMsgs, waitTimeout, "waiting for broadcast")
	if received.Message.Content != "where is my order?" || received.Message.SenderID != "casey" {
		t.Errorf("received = %+v", received.Message)
	}
	if received.Message.SenderRole != messaging.RoleCustomer {
		t.Errorf("sender role = %s", received.Message.SenderRole)
	}
}

func TestTypingPropagates(t *testing.T) {
	socketURL, apiURL := startServer(t)
	customer := dialSession(t, socketURL, apiURL, "casey", "casey", messaging.RoleCustomer)
	agent := dialSession(t, socketURL, apiURL, "sam:agent", "sam", messaging.RoleAgent)
	customer.Join("order-1")
	agent.Join("order-1")
	awaitPeer(t, customer, "order-1", "sam")

	typings := make(chan messaging.TypingEvent, 32)
	dispose := agent.Events().Subscribe(messaging.EventTyping, func(e messaging.Event) {
		typings <- *e.Typing
	})
	t.Cleanup(dispose)

	customer.SetTyping("order-1", true)
	event := testutil.RequireReceive(t, typings, waitTimeout, "waiting for typing event")
	if !event.Typing || event.UserID != "casey" || event.RoomID != "order-1" {
		t.Errorf("event = %+v", event)
	}
}

func TestPresenceOnJoinAndDisconnect(t *testing.T) {
	socketURL, apiURL := startServer(t)
	agent := dialSession(t, socketURL, apiURL, "sam:agent", "sam", messaging.RoleAgent)
	agent.Join("order-1")

	presences := make(chan messaging.PresenceEvent, 32)
	dispose := agent.Events().Subscribe(messaging.EventPresence, func(e messaging.Event) {
		presences <- *e.Presence
	})
	t.Cleanup(dispose)

	customer := dialSession(t, socketURL, apiURL, "casey", "casey", messaging.RoleCustomer)
	customer.Join("order-1")
	event := testutil.RequireReceive(t, presences, waitTimeout, "waiting for online event")
	if !event.Online || event.UserID != "casey" {
		t.Errorf("event = %+v", event)
	}

	customer.Close()
	event = testutil.RequireReceive(t, presences, waitTimeout, "waiting for offline event")
	if event.Online || event.UserID != "casey" {
		t.Errorf("event = %+v", event)
	}
}

func TestHistoryPullOnJoin(t *testing.T) {
	socketURL, apiURL := startServer(t)
	customer := dialSession(t, socketURL, apiURL, "casey", "casey", messaging.RoleCustomer)
	customerMsgs := messageEvents(t, customer)
	customer.Join("order-1")

	if _, err := customer.Send("order-1", messaging.MessageText, "hello?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	testutil.RequireReceive(t, customerMsgs, waitTimeout, "waiting for optimistic copy")
	testutil.RequireReceive(t, customerMsgs, waitTimeout, "waiting for confirmation")

	// A client joining later pulls the message over REST.
	agent := dialSession(t, socketURL, apiURL, "sam:agent", "sam", messaging.RoleAgent)
	agentMsgs := messageEvents(t, agent)
	agent.Join("order-1")

	pulled := testutil.RequireReceive(t, agentMsgs, waitTimeout, "waiting for history pull")
	if pulled.Message.Content != "hello?" {
		t.Errorf("pulled = %+v", pulled.Message)
	}
	timeline := agent.Messages("order-1")
	if len(timeline) != 1 {
		t.Errorf("timeline = %+v", timeline)
	}
}

func TestRESTSendIsIdempotent(t *testing.T) {
	_, apiURL := startServer(t)
	tokens := messaging.StaticToken("casey")
	api := messaging.NewAPIClient(apiURL, tokens, nil)

	msg := messaging.Message{
		RoomID:       "order-1",
		Type:         messaging.MessageText,
		Content:      "resend me",
		ClientTempID: "tmp-once",
	}
	first, err := api.PostMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	second, err := api.PostMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("repeat PostMessage failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("idempotency broken: %q vs %q", first.ID, second.ID)
	}

	msgs, err := api.MessagesSince(context.Background(), "order-1", 0, 0)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("stored %d messages, want 1", len(msgs))
	}
}

func TestRESTRejectsMissingToken(t *testing.T) {
	_, apiURL := startServer(t)
	api := messaging.NewAPIClient(apiURL, messaging.StaticToken("x"), nil)

	// Valid client, then strip the token by using an empty source.
	if _, err := api.MessagesSince(context.Background(), "order-1", 0, 0); err != nil {
		t.Fatalf("MessagesSince with token failed: %v", err)
	}
	bad := messaging.NewAPIClient(apiURL, messaging.StaticToken(""), nil)
	if _, err := bad.MessagesSince(context.Background(), "order-1", 0, 0); err == nil {
		t.Fatal("request without token succeeded")
	}
}
