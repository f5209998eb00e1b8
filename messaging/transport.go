// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nimbleshop/livechat/lib/codec"
)

// Transport is one established full-duplex connection to the chat
// server. Implementations must support one concurrent reader and any
// number of concurrent writers; Close unblocks a pending ReadFrame.
type Transport interface {
	// ReadFrame blocks until the next frame arrives or the connection
	// fails.
	ReadFrame() (Frame, error)
	// WriteFrame sends a single frame. Safe for concurrent use.
	WriteFrame(frame Frame) error
	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer establishes transports. The session calls Dial once per
// connection attempt with a fresh bearer token; the token also travels
// in the hello frame, so transports that cannot attach headers may
// ignore it here.
type Dialer interface {
	Dial(ctx context.Context, socketURL, token string) (Transport, error)
}

// WebsocketDialer dials the chat server over a websocket and speaks
// CBOR binary messages. The zero value is ready to use.
type WebsocketDialer struct {
	// Dialer overrides the websocket dialer. Nil means
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

var _ Dialer = (*WebsocketDialer)(nil)

// Dial opens a websocket to socketURL with the token as a bearer
// Authorization header.
func (d *WebsocketDialer) Dial(ctx context.Context, socketURL, token string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := dialer.DialContext(ctx, socketURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, chatError(KindAuth, err, "server rejected token during dial (%d)", resp.StatusCode)
		}
		return nil, chatError(KindTransport, err, "dialing %s", socketURL)
	}
	return &wsTransport{conn: conn}, nil
}

// wsTransport adapts a gorilla websocket connection to the Transport
// interface. The gorilla API permits one concurrent reader and one
// concurrent writer; the write mutex serializes writers.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*wsTransport)(nil)

func (t *wsTransport) ReadFrame() (Frame, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return Frame{}, chatError(KindTransport, err, "reading frame")
		}
		// Text messages are not part of the protocol; skip rather than
		// fail so a chatty proxy cannot kill the session.
		if messageType != websocket.BinaryMessage {
			continue
		}
		var frame Frame
		if err := codec.Unmarshal(data, &frame); err != nil {
			return Frame{}, chatError(KindProtocol, err, "decoding frame")
		}
		return frame, nil
	}
}

func (t *wsTransport) WriteFrame(frame Frame) error {
	data, err := codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("messaging: encoding frame: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return chatError(KindTransport, err, "writing %s frame", frame.Type)
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		// Best effort; the server treats an abrupt close the same way.
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
