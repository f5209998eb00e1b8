// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "time"

// Role identifies which side of a support conversation a sender is on.
type Role string

// Sender roles.
const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// MessageType classifies message content.
type MessageType string

// Message types.
const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// MessageStatus is the local delivery state of a message. Only
// messages originated by this session are ever pending or failed;
// everything received from the server is confirmed.
type MessageStatus string

// Message statuses.
const (
	// StatusConfirmed means the server has assigned the message its
	// authoritative ID and timestamp.
	StatusConfirmed MessageStatus = "confirmed"
	// StatusPending means the message was sent optimistically and no
	// server confirmation has arrived yet.
	StatusPending MessageStatus = "pending"
	// StatusFailed means no confirmation arrived within the send
	// timeout. Retry requires a new Send call (new idempotency key).
	StatusFailed MessageStatus = "failed"
)

// Message is one chat message. Messages are immutable values; the
// server-assigned Timestamp is authoritative for ordering.
//
// Before confirmation, a locally originated message carries its
// idempotency key as both ID and ClientTempID. Once the server echo
// arrives the message is substituted wholesale for the confirmed one;
// the key is retained on the confirmed message only so redeliveries
// during the reconciliation window can be recognized.
type Message struct {
	// ID is the server-assigned identifier, or the client temp ID
	// while the message is pending.
	ID string `json:"id" cbor:"id"`

	// RoomID is the conversation the message belongs to.
	RoomID string `json:"roomId" cbor:"room"`

	// SenderID identifies the author.
	SenderID string `json:"senderId" cbor:"sender"`

	// SenderRole is the author's side of the conversation.
	SenderRole Role `json:"senderRole" cbor:"role"`

	// Type classifies the content.
	Type MessageType `json:"type" cbor:"msg_type"`

	// Content is the message body. For image and file messages this is
	// a URL into the media store (a collaborator, not this layer).
	Content string `json:"content" cbor:"content"`

	// Timestamp is the creation time in Unix milliseconds. Server
	// assigned for confirmed messages; the local clock for pending
	// ones.
	Timestamp int64 `json:"ts" cbor:"ts"`

	// ClientTempID is the client-generated idempotency key, present on
	// locally originated messages and their server echoes.
	ClientTempID string `json:"clientTempId,omitempty" cbor:"client_temp_id,omitempty"`

	// Status is local-only delivery state; it never travels on the
	// wire.
	Status MessageStatus `json:"-" cbor:"-"`
}

// CreatedAt returns the creation timestamp as a time.Time.
func (m Message) CreatedAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// State is the connection lifecycle state of a Session.
type State string

// Session states. The cycle is Disconnected → Connecting → Connected →
// Reconnecting → (Connected | Disconnected); Disconnected is terminal
// only after an explicit Close or once automatic retry is exhausted.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)
