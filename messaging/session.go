// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbleshop/livechat/lib/clock"
)

// Default timing parameters, used for any Config field left zero.
const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultReconnectBase     = time.Second
	DefaultReconnectCap      = 30 * time.Second
	DefaultReconnectAttempts = 5
	DefaultSendTimeout       = 10 * time.Second
	DefaultTypingDebounce    = time.Second
	DefaultHistoryWindow     = 24 * time.Hour
)

// Config carries the collaborators and tuning for a Session. Dialer,
// History, Tokens, and SocketURL are required; everything else has a
// default.
type Config struct {
	// SocketURL is the websocket endpoint of the chat server.
	SocketURL string

	// Dialer establishes socket connections.
	Dialer Dialer

	// History is the REST client for gap recovery, the send fallback,
	// and read receipts.
	History History

	// Tokens supplies a fresh bearer token before every connection
	// attempt.
	Tokens TokenSource

	// Clock drives every timer in the session. Nil means the real
	// clock.
	Clock clock.Clock

	// Logger receives session diagnostics. Nil means slog.Default.
	Logger *slog.Logger

	// UserID and Role identify the local participant on outgoing
	// messages.
	UserID string
	Role   Role

	// HeartbeatInterval is how often a ping frame is sent while
	// connected.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long the session tolerates no pong
	// before declaring the connection dead.
	HeartbeatTimeout time.Duration

	// ReconnectBase and ReconnectCap bound the exponential reconnect
	// backoff; ReconnectAttempts caps automatic retries before the
	// session gives up.
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	ReconnectAttempts int

	// SendTimeout is the confirmation window for an outgoing message.
	SendTimeout time.Duration

	// TypingDebounce is the minimum interval between outgoing typing
	// frames; it also derives the staleness and auto-stop windows.
	TypingDebounce time.Duration

	// HistoryWindow bounds the initial history pull for a freshly
	// joined room.
	HistoryWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = DefaultReconnectCap
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.TypingDebounce <= 0 {
		c.TypingDebounce = DefaultTypingDebounce
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
}

// Session is the client side of one chat connection. It owns the
// connect/handshake/reconnect lifecycle, multiplexes joined rooms over
// the socket, tracks outgoing-message confirmation, recovers timeline
// gaps over REST, and fans everything out through its event bus.
//
// All methods are safe for concurrent use. Room membership and sends
// are accepted in any connection state; membership is replayed and
// gaps are pulled automatically after every reconnect.
type Session struct {
	cfg    Config
	logger *slog.Logger
	bus    *Bus

	rooms    *roomRegistry
	tracker  *deliveryTracker
	recovery *gapRecovery
	presence *presenceTracker

	// ctx scopes background work (reconnects, history pulls) to the
	// session lifetime.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	conn           Transport
	connGen        int
	attempt        int
	reconnectTimer *clock.Timer
	heartbeatStop  chan struct{}
	lastPong       time.Time
	sessionID      string
	closed         bool
}

// NewSession constructs a session from cfg. The session starts
// disconnected; call Connect to bring it up.
func NewSession(cfg Config) (*Session, error) {
	if cfg.SocketURL == "" {
		return nil, chatError(KindTransport, nil, "config: SocketURL is required")
	}
	if cfg.Dialer == nil {
		return nil, chatError(KindTransport, nil, "config: Dialer is required")
	}
	if cfg.History == nil {
		return nil, chatError(KindTransport, nil, "config: History is required")
	}
	if cfg.Tokens == nil {
		return nil, chatError(KindAuth, nil, "config: Tokens is required")
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger,
		bus:    &Bus{},
		rooms:  newRoomRegistry(),
		ctx:    ctx,
		cancel: cancel,
		state:  StateDisconnected,
	}
	s.tracker = newDeliveryTracker(cfg.Clock, cfg.SendTimeout, s.bus)
	s.recovery = newGapRecovery(cfg.History, s.tracker, cfg.Clock, cfg.HistoryWindow, s.logger, s.bus)
	s.presence = newPresenceTracker(cfg.Clock, cfg.TypingDebounce, s.bus, s.sendTyping)
	return s, nil
}

// Events returns the session's event bus for observers to subscribe
// on.
func (s *Session) Events() *Bus { return s.bus }

// Subscribe registers fn for events of the given kind. It is shorthand
// for Events().Subscribe; the returned function removes the
// subscription.
func (s *Session) Subscribe(kind EventKind, fn func(Event)) func() {
	return s.bus.Subscribe(kind, fn)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session currently has a live
// authenticated transport.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Connect brings the session up. It returns an error only for failures
// that retrying cannot fix — a rejected token, a closed session, a
// connect already in progress. A transport failure starts the
// automatic reconnect cycle and returns nil; progress is visible as
// connection events.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chatError(KindTransport, nil, "session is closed")
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return chatError(KindTransport, nil, "connect while %s", s.state)
	}
	s.state = StateConnecting
	s.attempt = 0
	s.mu.Unlock()
	s.bus.publish(Event{Kind: EventConnection, Connection: &ConnectionEvent{State: StateConnecting}})

	err := s.establish(ctx)
	if err == nil {
		return nil
	}
	if IsKind(err, KindAuth) {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.bus.publish(Event{Kind: EventConnection, Connection: &ConnectionEvent{State: StateDisconnected}})
		return err
	}
	s.logger.Warn("connect failed, retrying", "error", err)
	s.scheduleReconnect(err)
	return nil
}

// establish performs one full connection attempt: fresh token, dial,
// hello/welcome handshake, then loop startup and membership replay.
func (s *Session) establish(ctx context.Context) error {
	token, err := s.cfg.Tokens.Token(ctx)
	if err != nil {
		if IsKind(err, KindAuth) {
			return err
		}
		return chatError(KindAuth, err, "fetching token")
	}
	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.SocketURL, token)
	if err != nil {
		return err
	}

	hello, err := NewFrame(FrameHello, "", HelloPayload{Token: token})
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteFrame(hello); err != nil {
		conn.Close()
		return err
	}
	frame, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		return err
	}
	switch frame.Type {
	case FrameWelcome:
		// Fall through to startup below.
	case FrameError:
		var payload ErrorPayload
		if decodeErr := frame.DecodePayload(&payload); decodeErr == nil && authErrorCode(payload.Code) {
			conn.Close()
			return chatError(KindAuth, nil, "server rejected token: %s", payload.Message)
		}
		conn.Close()
		return chatError(KindTransport, nil, "handshake rejected")
	default:
		conn.Close()
		return chatError(KindProtocol, nil, "expected welcome, got %s", frame.Type)
	}
	var welcome WelcomePayload
	if err := frame.DecodePayload(&welcome); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return chatError(KindTransport, nil, "session is closed")
	}
	s.connGen++
	gen := s.connGen
	s.conn = conn
	s.state = StateConnected
	s.attempt = 0
	s.sessionID = welcome.SessionID
	s.lastPong = s.cfg.Clock.Now()
	stop := make(chan struct{})
	s.heartbeatStop = stop
	s.mu.Unlock()

	s.logger.Info("connected", "session_id", welcome.SessionID)
	s.bus.publish(Event{Kind: EventConnection, Connection: &ConnectionEvent{State: StateConnected}})

	go s.readLoop(conn, gen)
	go s.heartbeatLoop(conn, gen, stop)

	// Replay membership and fill any gap accumulated while offline. A
	// write failure here kills the connection like any other: the
	// reconnect cycle replays every room from scratch, so no room is
	// left half-joined on a dead socket.
	for _, roomID := range s.rooms.list() {
		join, err := NewFrame(FrameJoin, roomID, nil)
		if err == nil {
			if err := conn.WriteFrame(join); err != nil {
				s.logger.Warn("join replay failed", "room", roomID, "error", err)
				s.connLost(gen, err)
				return nil
			}
		}
		go s.recovery.sync(s.ctx, roomID)
	}
	return nil
}

// connLost tears down the identified connection and starts the
// reconnect cycle. Idempotent per generation: only the first caller
// for a given gen acts, so the read loop, the heartbeat, and write
// failures can all report the same death.
func (s *Session) connLost(gen int, cause error) {
	s.mu.Lock()
	if s.closed || gen != s.connGen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.connGen++
	conn := s.conn
	s.conn = nil
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	s.mu.Unlock()

	conn.Close()
	s.logger.Warn("connection lost", "error", cause)
	s.presence.reset()
	s.scheduleReconnect(cause)
}

// scheduleReconnect arms the next reconnect attempt with exponential
// backoff, or gives up once the attempt cap is reached.
func (s *Session) scheduleReconnect(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.attempt++
	attempt := s.attempt
	if attempt > s.cfg.ReconnectAttempts {
		s.state = StateDisconnected
		s.mu.Unlock()
		s.logger.Error("reconnect attempts exhausted", "attempts", attempt-1, "error", cause)
		s.bus.publish(Event{Kind: EventError, Err: &ErrorEvent{
			Err: chatError(KindTransport, cause, "gave up after %d reconnect attempts", attempt-1),
		}})
		s.bus.publish(Event{Kind: EventConnection, Connection: &ConnectionEvent{State: StateDisconnected}})
		return
	}
	s.state = StateReconnecting
	delay := s.cfg.ReconnectBase << (attempt - 1)
	if delay > s.cfg.ReconnectCap {
		delay = s.cfg.ReconnectCap
	}
	s.reconnectTimer = s.cfg.Clock.AfterFunc(delay, s.reconnect)
	s.mu.Unlock()

	s.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	s.bus.publish(Event{Kind: EventConnection, Connection: &ConnectionEvent{
		State:   StateReconnecting,
		Attempt: attempt,
	}})
}

// reconnect runs one scheduled reconnect attempt.
func (s *Session) reconnect() {
	s.mu.Lock()
	if s.closed || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := s.establish(s.ctx)
	if err == nil {
		return
	}
	if IsKind(err, KindAuth) {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.logger.Error("reconnect rejected", "error", err)
		var chatErr *ChatError
		errors.As(err, &chatErr)
		s.bus.publish(Event{Kind: EventError, Err: &ErrorEvent{Err: chatErr}})
		s.bus.publish(Event{Kind: EventConnection, Connection: &ConnectionEvent{State: StateDisconnected}})
		return
	}
	s.scheduleReconnect(err)
}

// readLoop drains frames from one connection until it dies.
func (s *Session) readLoop(conn Transport, gen int) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if IsKind(err, KindProtocol) {
				// One bad frame does not kill the connection.
				s.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			s.connLost(gen, err)
			return
		}
		s.dispatch(conn, gen, frame)
	}
}

// dispatch routes one incoming frame. Malformed payloads are logged
// and dropped; the session keeps running.
func (s *Session) dispatch(conn Transport, gen int, frame Frame) {
	switch frame.Type {
	case FrameMessage:
		var msg Message
		if err := frame.DecodePayload(&msg); err != nil {
			s.logger.Warn("dropping malformed frame", "type", frame.Type, "error", err)
			return
		}
		if msg.RoomID == "" {
			msg.RoomID = frame.Room
		}
		if !s.rooms.contains(msg.RoomID) {
			return
		}
		s.recovery.observe(msg)
		s.tracker.ingest(msg)

	case FrameTyping:
		var payload TypingPayload
		if err := frame.DecodePayload(&payload); err != nil {
			s.logger.Warn("dropping malformed frame", "type", frame.Type, "error", err)
			return
		}
		if !s.rooms.contains(frame.Room) || payload.UserID == s.cfg.UserID {
			return
		}
		s.presence.observeTyping(frame.Room, payload.UserID, payload.Typing)

	case FramePresence:
		var payload PresencePayload
		if err := frame.DecodePayload(&payload); err != nil {
			s.logger.Warn("dropping malformed frame", "type", frame.Type, "error", err)
			return
		}
		if !s.rooms.contains(frame.Room) || payload.UserID == s.cfg.UserID {
			return
		}
		s.presence.observePresence(frame.Room, payload.UserID, payload.Online)

	case FramePong:
		s.mu.Lock()
		if gen == s.connGen {
			s.lastPong = s.cfg.Clock.Now()
		}
		s.mu.Unlock()

	case FramePing:
		pong, err := NewFrame(FramePong, "", nil)
		if err == nil {
			if err := conn.WriteFrame(pong); err != nil {
				s.connLost(gen, err)
			}
		}

	case FrameError:
		var payload ErrorPayload
		if err := frame.DecodePayload(&payload); err != nil {
			s.logger.Warn("dropping malformed frame", "type", frame.Type, "error", err)
			return
		}
		if authErrorCode(payload.Code) {
			// Token died mid-session. Reconnecting with the same token
			// cannot help, so surface and stop.
			s.fatalAuth(gen, payload)
			return
		}
		s.logger.Warn("server error frame", "code", payload.Code, "message", payload.Message)

	case FrameWelcome:
		// Duplicate welcome after the handshake; harmless.

	default:
		s.logger.Warn("dropping unknown frame", "type", frame.Type)
	}
}

// fatalAuth handles mid-session token rejection: tear the connection
// down without scheduling a retry.
func (s *Session) fatalAuth(gen int, payload ErrorPayload) {
	s.mu.Lock()
	if s.closed || gen != s.connGen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.connGen++
	conn := s.conn
	s.conn = nil
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	conn.Close()
	s.presence.reset()
	s.logger.Error("session terminated by server", "code", payload.Code, "message", payload.Message)
	s.bus.publish(Event{Kind: EventError, Err: &ErrorEvent{
		Err: chatError(KindAuth, nil, "server terminated session: %s", payload.Message),
	}})
	s.bus.publish(Event{Kind: EventConnection, Connection: &ConnectionEvent{State: StateDisconnected}})
}

// heartbeatLoop pings on the heartbeat interval and declares the
// connection dead when no pong has arrived within the timeout.
func (s *Session) heartbeatLoop(conn Transport, gen int, stop <-chan struct{}) {
	ticker := s.cfg.Clock.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			silent := s.cfg.Clock.Now().Sub(s.lastPong)
			s.mu.Unlock()
			if silent > s.cfg.HeartbeatTimeout {
				s.connLost(gen, chatError(KindTransport, nil, "no pong for %v", silent))
				return
			}
			ping, err := NewFrame(FramePing, "", nil)
			if err != nil {
				continue
			}
			if err := conn.WriteFrame(ping); err != nil {
				s.connLost(gen, err)
				return
			}
		}
	}
}

// currentConn snapshots the live connection, or nil when offline.
func (s *Session) currentConn() (Transport, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.connGen
}

// Join adds the session to a room. Membership is idempotent and
// accepted in any connection state: while offline it is recorded and
// replayed on the next connect. Every connected Join triggers a
// history pull for the room — rejoining an already-joined room sends
// no second join frame but still refreshes the timeline, so re-opening
// a backgrounded conversation picks up anything missed.
func (s *Session) Join(roomID string) {
	fresh := s.rooms.add(roomID)
	conn, gen := s.currentConn()
	if conn == nil {
		return
	}
	if fresh {
		join, err := NewFrame(FrameJoin, roomID, nil)
		if err == nil {
			if err := conn.WriteFrame(join); err != nil {
				s.connLost(gen, err)
				return
			}
		}
	}
	go s.recovery.sync(s.ctx, roomID)
}

// Leave removes the session from a room, discarding its timeline and
// soft state. An in-flight history pull for the room is abandoned.
func (s *Session) Leave(roomID string) {
	if !s.rooms.remove(roomID) {
		return
	}
	s.recovery.forget(roomID)
	s.tracker.dropRoom(roomID)
	s.presence.dropRoom(roomID)
	conn, gen := s.currentConn()
	if conn == nil {
		return
	}
	leave, err := NewFrame(FrameLeave, roomID, nil)
	if err == nil {
		if err := conn.WriteFrame(leave); err != nil {
			s.connLost(gen, err)
		}
	}
}

// Send delivers a message to a room with at-least-once semantics. The
// returned message is the optimistic pending copy, already published
// on the bus; the confirmed copy substitutes it when the server echo
// arrives, identified by the client temp ID. While the socket is down
// delivery falls back to the REST endpoint. If no confirmation arrives
// within the send timeout the message is marked failed and an error
// event names its temp ID; retrying is an explicit new Send.
func (s *Session) Send(roomID string, msgType MessageType, content string) (Message, error) {
	if !s.rooms.contains(roomID) {
		return Message{}, chatError(KindProtocol, nil, "send to room %s without joining", roomID)
	}
	tempID := uuid.NewString()
	msg := Message{
		ID:           tempID,
		RoomID:       roomID,
		SenderID:     s.cfg.UserID,
		SenderRole:   s.cfg.Role,
		Type:         msgType,
		Content:      content,
		Timestamp:    s.cfg.Clock.Now().UnixMilli(),
		ClientTempID: tempID,
		Status:       StatusPending,
	}
	s.tracker.stage(msg)

	conn, gen := s.currentConn()
	if conn != nil {
		frame, err := NewFrame(FrameSend, roomID, SendPayload{
			ClientTempID: tempID,
			Type:         msgType,
			Content:      content,
		})
		if err != nil {
			return msg, err
		}
		if err := conn.WriteFrame(frame); err == nil {
			return msg, nil
		}
		s.connLost(gen, chatError(KindTransport, nil, "send write failed"))
	}

	// Socket is down: deliver over REST. The temp ID keeps the
	// operation idempotent if a socket copy raced through anyway.
	go func() {
		confirmed, err := s.cfg.History.PostMessage(s.ctx, msg)
		if err != nil {
			// The confirmation timer will mark the message failed.
			s.logger.Warn("rest send failed", "room", roomID, "error", err)
			return
		}
		s.tracker.ingest(confirmed)
	}()
	return msg, nil
}

// SetTyping reports the local user's typing state for a room. Start
// signals are debounced; a stop is emitted automatically after
// inactivity. Best effort: delivery failures are ignored.
func (s *Session) SetTyping(roomID string, typing bool) {
	if !s.rooms.contains(roomID) {
		return
	}
	s.presence.setTyping(roomID, typing)
}

// sendTyping is the presence tracker's outgoing path.
func (s *Session) sendTyping(roomID string, typing bool) {
	conn, _ := s.currentConn()
	if conn == nil {
		return
	}
	frame, err := NewFrame(FrameTyping, roomID, TypingPayload{Typing: typing})
	if err != nil {
		return
	}
	if err := conn.WriteFrame(frame); err != nil {
		s.logger.Debug("typing frame dropped", "room", roomID, "error", err)
	}
}

// MarkRead records that the local user has read roomID up to and
// including messageID, over the socket when connected and over REST
// otherwise.
func (s *Session) MarkRead(ctx context.Context, roomID, messageID string) error {
	conn, _ := s.currentConn()
	if conn != nil {
		frame, err := NewFrame(FrameRead, roomID, ReadPayload{MessageID: messageID})
		if err != nil {
			return err
		}
		if err := conn.WriteFrame(frame); err == nil {
			return nil
		}
	}
	return s.cfg.History.MarkRead(ctx, roomID, messageID)
}

// Messages returns a copy of the room's current timeline, ordered by
// creation timestamp with no duplicate IDs.
func (s *Session) Messages(roomID string) []Message {
	return s.tracker.messages(roomID)
}

// OnlineUsers returns the peers currently considered online in a room.
func (s *Session) OnlineUsers(roomID string) []string {
	return s.presence.onlineUsers(roomID)
}

// JoinedRooms returns the rooms the session is currently a member of.
func (s *Session) JoinedRooms() []string {
	return s.rooms.list()
}

// Close shuts the session down: the connection is closed, every timer
// is cancelled, and background work is abandoned. The session cannot
// be reused after Close.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connGen++
	conn := s.conn
	s.conn = nil
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	s.tracker.close()
	s.presence.close()
	s.bus.publish(Event{Kind: EventConnection, Connection: &ConnectionEvent{State: StateDisconnected}})
	return nil
}
