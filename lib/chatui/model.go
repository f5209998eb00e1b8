// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nimbleshop/livechat/messaging"
)

// SessionEventMsg wraps a session event for delivery through the
// bubbletea message loop.
type SessionEventMsg struct {
	Event messaging.Event
}

// errorFadeMsg clears the error notice from the status bar after a
// delay.
type errorFadeMsg struct{}

// errorFadeDelay is how long an error notice stays visible.
const errorFadeDelay = 5 * time.Second

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	statusStyle    = lipgloss.NewStyle().Faint(true).Padding(0, 1)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)
	typingStyle    = lipgloss.NewStyle().Faint(true).Italic(true).Padding(0, 1)
	selfStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	peerStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	systemStyle    = lipgloss.NewStyle().Faint(true)
	pendingStyle   = lipgloss.NewStyle().Faint(true)
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Strikethrough(true)
	connectedBadge = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render("●")
	offlineBadge   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("●")
	retryingBadge  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Render("●")
)

// Model is the bubbletea model for the chat view.
type Model struct {
	session *messaging.Session
	roomID  string
	userID  string

	viewport viewport.Model
	input    textinput.Model

	messages []messaging.Message
	typing   map[string]bool
	online   map[string]bool

	connState messaging.State
	attempt   int
	notice    string

	width  int
	height int
	ready  bool
}

// NewModel builds the chat view for one room on an existing session.
func NewModel(session *messaging.Session, roomID, userID string) *Model {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.Prompt = "> "
	input.Focus()
	return &Model{
		session:   session,
		roomID:    roomID,
		userID:    userID,
		input:     input,
		typing:    make(map[string]bool),
		online:    make(map[string]bool),
		connState: session.State(),
	}
}

func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		bodyHeight := msg.Height - 4
		if bodyHeight < 1 {
			bodyHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, bodyHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = bodyHeight
		}
		m.input.Width = msg.Width - 4
		m.refreshTimeline()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.session.SetTyping(m.roomID, false)
			if _, err := m.session.Send(m.roomID, messaging.MessageText, text); err != nil {
				return m.showError(err.Error())
			}
			return m, nil
		case tea.KeyPgUp:
			m.viewport.LineUp(5)
			return m, nil
		case tea.KeyPgDown:
			m.viewport.LineDown(5)
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if m.input.Value() != "" {
			m.session.SetTyping(m.roomID, true)
		}
		return m, cmd

	case SessionEventMsg:
		return m.applyEvent(msg.Event)

	case errorFadeMsg:
		m.notice = ""
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// applyEvent folds one session event into the view state.
func (m *Model) applyEvent(event messaging.Event) (tea.Model, tea.Cmd) {
	switch event.Kind {
	case messaging.EventMessage:
		if event.Message.Message.RoomID != m.roomID {
			return m, nil
		}
		m.refreshTimeline()
		return m, nil

	case messaging.EventTyping:
		if event.Typing.RoomID != m.roomID {
			return m, nil
		}
		if event.Typing.Typing {
			m.typing[event.Typing.UserID] = true
		} else {
			delete(m.typing, event.Typing.UserID)
		}
		return m, nil

	case messaging.EventPresence:
		if event.Presence.RoomID != m.roomID {
			return m, nil
		}
		if event.Presence.Online {
			m.online[event.Presence.UserID] = true
		} else {
			delete(m.online, event.Presence.UserID)
		}
		return m, nil

	case messaging.EventConnection:
		m.connState = event.Connection.State
		m.attempt = event.Connection.Attempt
		return m, nil

	case messaging.EventError:
		return m.showError(event.Err.Err.Error())
	}
	return m, nil
}

func (m *Model) showError(notice string) (tea.Model, tea.Cmd) {
	m.notice = notice
	return m, tea.Tick(errorFadeDelay, func(time.Time) tea.Msg {
		return errorFadeMsg{}
	})
}

// refreshTimeline re-reads the room timeline from the session and
// re-renders the viewport, keeping the view pinned to the newest
// message unless the user scrolled up.
func (m *Model) refreshTimeline() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.messages = m.session.Messages(m.roomID)
	var lines []string
	for _, msg := range m.messages {
		lines = append(lines, renderMessage(msg, m.userID))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) View() string {
	if !m.ready {
		return "loading…"
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%s %s", connBadge(m.connState), m.roomID)))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(typingStyle.Render(typingNotice(m.typing)))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	if m.notice != "" {
		b.WriteString(errorStyle.Render(m.notice))
	} else {
		b.WriteString(statusStyle.Render(statusLine(m.connState, m.attempt, len(m.online))))
	}
	return b.String()
}

// connBadge maps a connection state to its status dot.
func connBadge(state messaging.State) string {
	switch state {
	case messaging.StateConnected:
		return connectedBadge
	case messaging.StateConnecting, messaging.StateReconnecting:
		return retryingBadge
	default:
		return offlineBadge
	}
}

// statusLine renders the status bar text.
func statusLine(state messaging.State, attempt, online int) string {
	switch state {
	case messaging.StateConnected:
		if online == 1 {
			return "connected · 1 person online"
		}
		return fmt.Sprintf("connected · %d people online", online)
	case messaging.StateConnecting:
		return "connecting…"
	case messaging.StateReconnecting:
		return fmt.Sprintf("reconnecting (attempt %d)…", attempt)
	default:
		return "disconnected"
	}
}

// typingNotice renders the "X is typing" line for the users currently
// typing, or an empty placeholder to keep the layout stable.
func typingNotice(typing map[string]bool) string {
	if len(typing) == 0 {
		return " "
	}
	users := make([]string, 0, len(typing))
	for user := range typing {
		users = append(users, user)
	}
	sort.Strings(users)
	switch len(users) {
	case 1:
		return users[0] + " is typing…"
	case 2:
		return users[0] + " and " + users[1] + " are typing…"
	default:
		return "several people are typing…"
	}
}

// renderMessage formats one timeline entry. Own messages carry their
// delivery status: pending entries are dimmed, failed ones struck
// through with a retry hint.
func renderMessage(msg messaging.Message, selfID string) string {
	ts := msg.CreatedAt().Format("15:04")
	if msg.Type == messaging.MessageSystem {
		return systemStyle.Render(fmt.Sprintf("%s — %s", ts, msg.Content))
	}

	sender := msg.SenderID
	style := peerStyle
	if msg.SenderID == selfID {
		sender = "you"
		style = selfStyle
	}
	line := fmt.Sprintf("%s %s: %s", ts, style.Render(sender), msg.Content)

	switch msg.Status {
	case messaging.StatusPending:
		return pendingStyle.Render(line + " ⋯")
	case messaging.StatusFailed:
		return failedStyle.Render(line) + errorStyle.Render(" not delivered")
	default:
		return line
	}
}
