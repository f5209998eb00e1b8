// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"

	"github.com/nimbleshop/livechat/lib/codec"
)

// FrameType discriminates frames on the chat socket.
type FrameType string

// Frame types. Client→server: hello, join, leave, send, typing, read,
// ping. Server→client: welcome, message, typing, presence, pong,
// error. Typing frames travel both directions.
const (
	FrameHello    FrameType = "hello"
	FrameWelcome  FrameType = "welcome"
	FrameJoin     FrameType = "join"
	FrameLeave    FrameType = "leave"
	FrameSend     FrameType = "send"
	FrameMessage  FrameType = "message"
	FrameTyping   FrameType = "typing"
	FramePresence FrameType = "presence"
	FrameRead     FrameType = "read"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
	FrameError    FrameType = "error"
)

// Frame is the envelope for every message on the chat socket: a type
// tag, an optional room scope, and a type-specific payload that is
// decoded only after the type is known. One frame per websocket
// binary message, CBOR-encoded.
type Frame struct {
	Type    FrameType        `cbor:"type"`
	Room    string           `cbor:"room,omitempty"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// NewFrame builds a frame with the payload CBOR-encoded in place.
// Pass nil for payload-less frames (join, leave, ping, pong).
func NewFrame(frameType FrameType, room string, payload any) (Frame, error) {
	frame := Frame{Type: frameType, Room: room}
	if payload == nil {
		return frame, nil
	}
	data, err := codec.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("messaging: encoding %s payload: %w", frameType, err)
	}
	frame.Payload = data
	return frame, nil
}

// DecodePayload decodes the frame's payload into v. Returns a
// protocol-kind error on malformed payloads so the caller can drop
// the single offending frame.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return chatError(KindProtocol, nil, "%s frame has no payload", f.Type)
	}
	if err := codec.Unmarshal(f.Payload, v); err != nil {
		return chatError(KindProtocol, err, "malformed %s payload", f.Type)
	}
	return nil
}

// HelloPayload authenticates the connection. First frame the client
// sends after the socket opens.
type HelloPayload struct {
	Token string `cbor:"token"`
}

// WelcomePayload acknowledges a successful handshake.
type WelcomePayload struct {
	SessionID string `cbor:"session_id"`
	UserID    string `cbor:"user_id"`
}

// SendPayload carries an outgoing message. The client temp ID is the
// idempotency key: the server echoes it back on the confirmed message
// so the sender can reconcile its optimistic copy.
type SendPayload struct {
	ClientTempID string      `cbor:"client_temp_id"`
	Type         MessageType `cbor:"msg_type"`
	Content      string      `cbor:"content"`
}

// TypingPayload reports a typing state change. Outgoing frames omit
// UserID (the server knows the sender); incoming frames carry it.
type TypingPayload struct {
	UserID string `cbor:"user_id,omitempty"`
	Typing bool   `cbor:"typing"`
}

// PresencePayload reports a user going online or offline in a room.
type PresencePayload struct {
	UserID string `cbor:"user_id"`
	Online bool   `cbor:"online"`
}

// ReadPayload marks a message as read up to and including MessageID.
type ReadPayload struct {
	MessageID string `cbor:"message_id"`
}

// ErrorPayload is a server-reported error frame.
type ErrorPayload struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

// Server error codes carried in ErrorPayload.
const (
	// ErrCodeAuthFailed means the hello token was rejected.
	ErrCodeAuthFailed = "auth_failed"
	// ErrCodeTokenExpired means a previously accepted token expired
	// mid-session.
	ErrCodeTokenExpired = "token_expired"
	// ErrCodeRoomNotFound means a join/send referenced an unknown room.
	ErrCodeRoomNotFound = "room_not_found"
)

// authErrorCode reports whether a server error code indicates an
// authentication failure (never retried automatically).
func authErrorCode(code string) bool {
	return code == ErrCodeAuthFailed || code == ErrCodeTokenExpired
}
