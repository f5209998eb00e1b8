// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nimbleshop/livechat/lib/codec"
	"github.com/nimbleshop/livechat/messaging"
)

// chatServer is the in-memory hub: rooms, connected clients, and the
// REST history view over the same message store.
type chatServer struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	nextID  int
	lastTS  int64
	rooms   map[string]*room
	clients map[*client]struct{}
}

// room holds the confirmed message log and the last-read marker per
// user.
type room struct {
	messages []messaging.Message
	reads    map[string]string
}

// client is one connected websocket. Writes are serialized per client.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	userID  string
	role    messaging.Role
	rooms   map[string]struct{}
}

func newChatServer(logger *slog.Logger) *chatServer {
	return &chatServer{
		logger:  logger,
		rooms:   make(map[string]*room),
		clients: make(map[*client]struct{}),
	}
}

func (s *chatServer) routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/v1/socket", s.handleSocket)
	router.HandleFunc("/v1/rooms/{room}/messages", s.handleListMessages).Methods(http.MethodGet)
	router.HandleFunc("/v1/rooms/{room}/messages", s.handlePostMessage).Methods(http.MethodPost)
	router.HandleFunc("/v1/rooms/{room}/read", s.handleMarkRead).Methods(http.MethodPost)
	return router
}

// identity splits a bearer token into user ID and role. The mock has
// no identity provider; the token is the identity.
func identity(token string) (string, messaging.Role, bool) {
	if token == "" {
		return "", "", false
	}
	userID, suffix, _ := strings.Cut(token, ":")
	if userID == "" {
		return "", "", false
	}
	role := messaging.RoleCustomer
	if suffix == "agent" {
		role = messaging.RoleAgent
	}
	return userID, role, true
}

func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *chatServer) room(roomID string) *room {
	rm, ok := s.rooms[roomID]
	if !ok {
		rm = &room{reads: make(map[string]string)}
		s.rooms[roomID] = rm
	}
	return rm
}

// confirm assigns a server ID and a strictly increasing timestamp and
// appends the message to its room log. Caller holds s.mu.
func (s *chatServer) confirm(msg messaging.Message) messaging.Message {
	s.nextID++
	msg.ID = fmt.Sprintf("srv-%d", s.nextID)
	ts := time.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	msg.Timestamp = ts
	rm := s.room(msg.RoomID)
	rm.messages = append(rm.messages, msg)
	return msg
}

// findByTempID returns the already-confirmed message carrying the
// given idempotency key, if any. Caller holds s.mu.
func (s *chatServer) findByTempID(roomID, tempID string) (messaging.Message, bool) {
	if tempID == "" {
		return messaging.Message{}, false
	}
	for _, msg := range s.room(roomID).messages {
		if msg.ClientTempID == tempID {
			return msg, true
		}
	}
	return messaging.Message{}, false
}

// membersLocked returns the connected clients joined to a room.
// Caller holds s.mu.
func (s *chatServer) membersLocked(roomID string) []*client {
	var members []*client
	for c := range s.clients {
		if _, ok := c.rooms[roomID]; ok {
			members = append(members, c)
		}
	}
	return members
}

func (c *client) writeFrame(frame messaging.Frame) error {
	data, err := codec.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// broadcast sends a frame to every member of a room, optionally
// excluding one client. Dead connections are skipped; their read loop
// cleans them up.
func (s *chatServer) broadcast(roomID string, frame messaging.Frame, except *client) {
	s.mu.Lock()
	members := s.membersLocked(roomID)
	s.mu.Unlock()
	for _, member := range members {
		if member == except {
			continue
		}
		if err := member.writeFrame(frame); err != nil {
			s.logger.Debug("broadcast write failed", "user", member.userID, "error", err)
		}
	}
}

// --- websocket side ---

func (s *chatServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c, ok := s.handshake(conn, r)
	if !ok {
		return
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("client connected", "user", c.userID, "role", c.role)

	s.serveClient(c)

	s.mu.Lock()
	delete(s.clients, c)
	rooms := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
	}
	s.mu.Unlock()
	for _, roomID := range rooms {
		s.broadcastPresence(roomID, c, false)
	}
	s.logger.Info("client disconnected", "user", c.userID)
}

// handshake reads the hello frame and answers with welcome or an auth
// error. The token may also arrive via the Authorization header; the
// hello payload wins when both are present.
func (s *chatServer) handshake(conn *websocket.Conn, r *http.Request) (*client, bool) {
	frame, err := readFrame(conn)
	if err != nil || frame.Type != messaging.FrameHello {
		return nil, false
	}
	var hello messaging.HelloPayload
	if err := frame.DecodePayload(&hello); err != nil {
		return nil, false
	}
	token := hello.Token
	if token == "" {
		token = bearerToken(r)
	}
	userID, role, ok := identity(token)
	c := &client{conn: conn, rooms: make(map[string]struct{})}
	if !ok {
		reject, err := messaging.NewFrame(messaging.FrameError, "", messaging.ErrorPayload{
			Code:    messaging.ErrCodeAuthFailed,
			Message: "empty or malformed token",
		})
		if err == nil {
			c.writeFrame(reject)
		}
		return nil, false
	}
	c.userID = userID
	c.role = role
	welcome, err := messaging.NewFrame(messaging.FrameWelcome, "", messaging.WelcomePayload{
		SessionID: fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		UserID:    userID,
	})
	if err != nil || c.writeFrame(welcome) != nil {
		return nil, false
	}
	return c, true
}

func readFrame(conn *websocket.Conn) (messaging.Frame, error) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return messaging.Frame{}, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		var frame messaging.Frame
		if err := codec.Unmarshal(data, &frame); err != nil {
			return messaging.Frame{}, err
		}
		return frame, nil
	}
}

func (s *chatServer) serveClient(c *client) {
	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			return
		}
		switch frame.Type {
		case messaging.FrameJoin:
			s.handleJoin(c, frame.Room)
		case messaging.FrameLeave:
			s.handleLeave(c, frame.Room)
		case messaging.FrameSend:
			s.handleSend(c, frame)
		case messaging.FrameTyping:
			s.handleTyping(c, frame)
		case messaging.FrameRead:
			s.handleRead(c, frame)
		case messaging.FramePing:
			pong, err := messaging.NewFrame(messaging.FramePong, "", nil)
			if err == nil {
				c.writeFrame(pong)
			}
		default:
			s.logger.Warn("dropping frame", "type", frame.Type, "user", c.userID)
		}
	}
}

func (s *chatServer) handleJoin(c *client, roomID string) {
	if roomID == "" {
		return
	}
	s.mu.Lock()
	_, already := c.rooms[roomID]
	c.rooms[roomID] = struct{}{}
	members := s.membersLocked(roomID)
	s.mu.Unlock()
	if already {
		return
	}
	s.broadcastPresence(roomID, c, true)
	// Tell the joiner who is already here.
	for _, member := range members {
		if member == c {
			continue
		}
		frame, err := messaging.NewFrame(messaging.FramePresence, roomID, messaging.PresencePayload{
			UserID: member.userID,
			Online: true,
		})
		if err == nil {
			c.writeFrame(frame)
		}
	}
}

func (s *chatServer) handleLeave(c *client, roomID string) {
	s.mu.Lock()
	_, member := c.rooms[roomID]
	delete(c.rooms, roomID)
	s.mu.Unlock()
	if member {
		s.broadcastPresence(roomID, c, false)
	}
}

func (s *chatServer) broadcastPresence(roomID string, c *client, online bool) {
	frame, err := messaging.NewFrame(messaging.FramePresence, roomID, messaging.PresencePayload{
		UserID: c.userID,
		Online: online,
	})
	if err == nil {
		s.broadcast(roomID, frame, c)
	}
}

func (s *chatServer) handleSend(c *client, frame messaging.Frame) {
	var payload messaging.SendPayload
	if err := frame.DecodePayload(&payload); err != nil || frame.Room == "" {
		return
	}

	s.mu.Lock()
	confirmed, dup := s.findByTempID(frame.Room, payload.ClientTempID)
	if !dup {
		confirmed = s.confirm(messaging.Message{
			RoomID:       frame.Room,
			SenderID:     c.userID,
			SenderRole:   c.role,
			Type:         payload.Type,
			Content:      payload.Content,
			ClientTempID: payload.ClientTempID,
		})
	}
	s.mu.Unlock()

	out, err := messaging.NewFrame(messaging.FrameMessage, frame.Room, confirmed)
	if err != nil {
		return
	}
	if dup {
		// Redelivery of a known idempotency key: re-echo to the sender
		// only.
		c.writeFrame(out)
		return
	}
	s.broadcast(frame.Room, out, nil)
}

func (s *chatServer) handleTyping(c *client, frame messaging.Frame) {
	var payload messaging.TypingPayload
	if err := frame.DecodePayload(&payload); err != nil || frame.Room == "" {
		return
	}
	out, err := messaging.NewFrame(messaging.FrameTyping, frame.Room, messaging.TypingPayload{
		UserID: c.userID,
		Typing: payload.Typing,
	})
	if err == nil {
		s.broadcast(frame.Room, out, c)
	}
}

func (s *chatServer) handleRead(c *client, frame messaging.Frame) {
	var payload messaging.ReadPayload
	if err := frame.DecodePayload(&payload); err != nil || frame.Room == "" {
		return
	}
	s.mu.Lock()
	s.room(frame.Room).reads[c.userID] = payload.MessageID
	s.mu.Unlock()
}

// --- REST side ---

func (s *chatServer) authenticate(w http.ResponseWriter, r *http.Request) (string, messaging.Role, bool) {
	userID, role, ok := identity(bearerToken(r))
	if !ok {
		writeError(w, http.StatusUnauthorized, messaging.ErrCodeAuthFailed, "missing or malformed bearer token")
		return "", "", false
	}
	return userID, role, true
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *chatServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authenticate(w, r); !ok {
		return
	}
	roomID := mux.Vars(r)["room"]
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	s.mu.Lock()
	var out []messaging.Message
	for _, msg := range s.room(roomID).messages {
		if msg.Timestamp >= since {
			out = append(out, msg)
		}
	}
	s.mu.Unlock()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *chatServer) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	userID, role, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	roomID := mux.Vars(r)["room"]
	var body struct {
		ClientTempID string                `json:"clientTempId"`
		Type         messaging.MessageType `json:"type"`
		Content      string                `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed body")
		return
	}

	s.mu.Lock()
	confirmed, dup := s.findByTempID(roomID, body.ClientTempID)
	if !dup {
		confirmed = s.confirm(messaging.Message{
			RoomID:       roomID,
			SenderID:     userID,
			SenderRole:   role,
			Type:         body.Type,
			Content:      body.Content,
			ClientTempID: body.ClientTempID,
		})
	}
	s.mu.Unlock()

	if !dup {
		frame, err := messaging.NewFrame(messaging.FrameMessage, roomID, confirmed)
		if err == nil {
			s.broadcast(roomID, frame, nil)
		}
	}
	writeJSON(w, http.StatusOK, confirmed)
}

func (s *chatServer) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	roomID := mux.Vars(r)["room"]
	var body struct {
		MessageID string `json:"messageId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed body")
		return
	}
	s.mu.Lock()
	s.room(roomID).reads[userID] = body.MessageID
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}
