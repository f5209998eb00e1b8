// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nimbleshop/livechat/lib/clock"
	"github.com/nimbleshop/livechat/lib/testutil"
)

const waitTimeout = 5 * time.Second

// fakeConn is an in-memory Transport. The test plays the server side
// through serverSend and expectFrame.
type fakeConn struct {
	// in carries server→client frames, out client→server.
	in  chan Frame
	out chan Frame

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Transport = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan Frame, 16),
		out:    make(chan Frame, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() (Frame, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.closed:
		return Frame{}, chatError(KindTransport, nil, "connection closed")
	}
}

func (c *fakeConn) WriteFrame(frame Frame) error {
	select {
	case c.out <- frame:
		return nil
	case <-c.closed:
		return chatError(KindTransport, nil, "connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// serverSend delivers a frame to the client as if from the server.
func (c *fakeConn) serverSend(t *testing.T, frameType FrameType, room string, payload any) {
	t.Helper()
	frame, err := NewFrame(frameType, room, payload)
	if err != nil {
		t.Fatalf("building %s frame: %v", frameType, err)
	}
	select {
	case c.in <- frame:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out delivering %s frame", frameType)
	}
}

// expectFrame reads the next client frame and asserts its type.
func (c *fakeConn) expectFrame(t *testing.T, want FrameType) Frame {
	t.Helper()
	frame := testutil.RequireReceive(t, c.out, waitTimeout, "waiting for %s frame", want)
	if frame.Type != want {
		t.Fatalf("frame type = %s, want %s", frame.Type, want)
	}
	return frame
}

// fakeDialer hands out fakeConns. The handshake response (welcome or
// auth rejection) is pre-loaded on the connection before Dial returns,
// so a connection attempt completes synchronously.
type fakeDialer struct {
	mu         sync.Mutex
	rejectAuth bool
	failDials  int
	dialCount  int

	conns chan *fakeConn
}

var _ Dialer = (*fakeDialer)(nil)

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, socketURL, token string) (Transport, error) {
	d.mu.Lock()
	d.dialCount++
	if d.failDials > 0 {
		d.failDials--
		d.mu.Unlock()
		return nil, chatError(KindTransport, nil, "dial refused")
	}
	reject := d.rejectAuth
	d.mu.Unlock()

	conn := newFakeConn()
	if reject {
		frame, err := NewFrame(FrameError, "", ErrorPayload{Code: ErrCodeAuthFailed, Message: "bad token"})
		if err != nil {
			return nil, err
		}
		conn.in <- frame
	} else {
		frame, err := NewFrame(FrameWelcome, "", WelcomePayload{SessionID: "sess-1", UserID: "me"})
		if err != nil {
			return nil, err
		}
		conn.in <- frame
	}
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount
}

// pullRecord is one MessagesSince call observed by fakeHistory.
type pullRecord struct {
	RoomID string
	Since  int64
}

// fakeHistory is an in-memory History. Stored messages are returned by
// MessagesSince; PostMessage assigns server IDs and timestamps. Every
// pull is reported on the pulls channel so tests can wait for the
// asynchronous gap-recovery goroutine.
type fakeHistory struct {
	mu       sync.Mutex
	messages map[string][]Message
	nextID   int
	nextTS   int64
	pullErr  error
	postErr  error
	reads    map[string]string

	// pullGate, when non-nil, blocks MessagesSince until the channel
	// is closed. pullEntered, when non-nil, is closed once a gated
	// pull is in flight, so tests can pin that interleaving.
	pullGate    chan struct{}
	pullEntered chan struct{}

	pulls chan pullRecord
	posts chan Message
}

var _ History = (*fakeHistory)(nil)

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		messages: make(map[string][]Message),
		nextID:   1,
		nextTS:   1000,
		reads:    make(map[string]string),
		pulls:    make(chan pullRecord, 16),
		posts:    make(chan Message, 16),
	}
}

// store adds a confirmed message directly to the server-side history.
func (h *fakeHistory) store(roomID string, ts int64, content string) Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg := Message{
		ID:         fmt.Sprintf("srv-%d", h.nextID),
		RoomID:     roomID,
		SenderID:   "agent-1",
		SenderRole: RoleAgent,
		Type:       MessageText,
		Content:    content,
		Timestamp:  ts,
	}
	h.nextID++
	h.messages[roomID] = append(h.messages[roomID], msg)
	return msg
}

func (h *fakeHistory) MessagesSince(ctx context.Context, roomID string, since int64, limit int) ([]Message, error) {
	h.mu.Lock()
	gate := h.pullGate
	if gate != nil && h.pullEntered != nil {
		close(h.pullEntered)
		h.pullEntered = nil
	}
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	defer func() { h.pulls <- pullRecord{RoomID: roomID, Since: since} }()
	if h.pullErr != nil {
		return nil, h.pullErr
	}
	var out []Message
	for _, msg := range h.messages[roomID] {
		if msg.Timestamp >= since {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (h *fakeHistory) PostMessage(ctx context.Context, msg Message) (Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.postErr != nil {
		return Message{}, h.postErr
	}
	confirmed := msg
	confirmed.ID = fmt.Sprintf("srv-%d", h.nextID)
	confirmed.Timestamp = h.nextTS
	confirmed.Status = StatusConfirmed
	h.nextID++
	h.nextTS++
	h.messages[msg.RoomID] = append(h.messages[msg.RoomID], confirmed)
	h.posts <- confirmed
	return confirmed, nil
}

func (h *fakeHistory) MarkRead(ctx context.Context, roomID, messageID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads[roomID] = messageID
	return nil
}

// harness wires a Session to fakes with a deterministic clock.
type harness struct {
	t       *testing.T
	clk     *clock.FakeClock
	dialer  *fakeDialer
	history *fakeHistory
	session *Session
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clk:     clock.Fake(time.UnixMilli(1_750_000_000_000)),
		dialer:  newFakeDialer(),
		history: newFakeHistory(),
	}
	cfg := Config{
		SocketURL: "ws://chat.test/v1/socket",
		Dialer:    h.dialer,
		History:   h.history,
		Tokens:    StaticToken("test-token"),
		Clock:     h.clk,
		Logger:    slog.New(slog.DiscardHandler),
		UserID:    "me",
		Role:      RoleCustomer,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	h.session = session
	t.Cleanup(func() { session.Close() })
	return h
}

// connect brings the session up and returns the live connection with
// its hello frame already consumed.
func (h *harness) connect() *fakeConn {
	h.t.Helper()
	if err := h.session.Connect(context.Background()); err != nil {
		h.t.Fatalf("Connect failed: %v", err)
	}
	conn := testutil.RequireReceive(h.t, h.dialer.conns, waitTimeout, "waiting for dial")
	conn.expectFrame(h.t, FrameHello)
	return conn
}

// nextConn waits for a reconnect to produce a fresh connection and
// consumes its hello frame.
func (h *harness) nextConn() *fakeConn {
	h.t.Helper()
	conn := testutil.RequireReceive(h.t, h.dialer.conns, waitTimeout, "waiting for redial")
	conn.expectFrame(h.t, FrameHello)
	return conn
}

func (h *harness) messageEvents() chan MessageEvent {
	ch := make(chan MessageEvent, 32)
	dispose := h.session.Events().Subscribe(EventMessage, func(e Event) { ch <- *e.Message })
	h.t.Cleanup(dispose)
	return ch
}

func (h *harness) connectionEvents() chan ConnectionEvent {
	ch := make(chan ConnectionEvent, 32)
	dispose := h.session.Events().Subscribe(EventConnection, func(e Event) { ch <- *e.Connection })
	h.t.Cleanup(dispose)
	return ch
}

func (h *harness) typingEvents() chan TypingEvent {
	ch := make(chan TypingEvent, 32)
	dispose := h.session.Events().Subscribe(EventTyping, func(e Event) { ch <- *e.Typing })
	h.t.Cleanup(dispose)
	return ch
}

func (h *harness) presenceEvents() chan PresenceEvent {
	ch := make(chan PresenceEvent, 32)
	dispose := h.session.Events().Subscribe(EventPresence, func(e Event) { ch <- *e.Presence })
	h.t.Cleanup(dispose)
	return ch
}

func (h *harness) errorEvents() chan ErrorEvent {
	ch := make(chan ErrorEvent, 32)
	dispose := h.session.Events().Subscribe(EventError, func(e Event) { ch <- *e.Err })
	h.t.Cleanup(dispose)
	return ch
}

// expectState asserts the next connection event's state.
func expectState(t *testing.T, ch chan ConnectionEvent, want State) ConnectionEvent {
	t.Helper()
	event := testutil.RequireReceive(t, ch, waitTimeout, "waiting for %s", want)
	if event.State != want {
		t.Fatalf("connection state = %s, want %s", event.State, want)
	}
	return event
}
