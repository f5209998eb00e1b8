// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session errors. The kind determines the
// propagation policy: transport and sync failures are retried
// internally and only become visible as state changes; auth rejection,
// retry exhaustion, and send timeouts are surfaced to observers.
type ErrorKind string

// Error kinds.
const (
	// KindTransport is a connect or reconnect failure. Retried
	// automatically up to the attempt cap, then surfaced.
	KindTransport ErrorKind = "transport"

	// KindAuth means the server rejected the bearer token. Never
	// retried automatically; the UI must force re-authentication and
	// call Connect again.
	KindAuth ErrorKind = "auth"

	// KindSendTimeout means no confirmation arrived for an outgoing
	// message within the send window. Surfaced per message; retry is
	// an explicit new Send.
	KindSendTimeout ErrorKind = "send_timeout"

	// KindSync is a history-pull failure. Retried on the next join or
	// reconnect trigger, never in a tight loop.
	KindSync ErrorKind = "sync"

	// KindProtocol is a malformed or unexpected server frame. The
	// offending frame is dropped; the session keeps running.
	KindProtocol ErrorKind = "protocol"
)

// ChatError is a classified session error. Callers extract it with
// errors.As or test for a kind with [IsKind]:
//
//	if messaging.IsKind(err, messaging.KindAuth) { ... }
type ChatError struct {
	// Kind classifies the error.
	Kind ErrorKind
	// Message is a human-readable description.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

func (e *ChatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("livechat: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("livechat: %s: %s", e.Kind, e.Message)
}

func (e *ChatError) Unwrap() error { return e.Err }

// IsKind reports whether err is (or wraps) a *ChatError with the given
// kind.
func IsKind(err error, kind ErrorKind) bool {
	var chatErr *ChatError
	if errors.As(err, &chatErr) {
		return chatErr.Kind == kind
	}
	return false
}

// chatError constructs a *ChatError wrapping err.
func chatError(kind ErrorKind, err error, format string, args ...any) *ChatError {
	return &ChatError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// APIError is a structured error response from the chat REST API.
// The server responds with a JSON body {"code": ..., "message": ...}
// on any 4xx/5xx status.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
	// Code is the machine-readable server error code (e.g.,
	// "room_not_found", "token_expired").
	Code string `json:"code"`
	// Message is the human-readable description from the server.
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// AuthFailure reports whether the response indicates a rejected or
// expired token rather than a transient server problem.
func (e *APIError) AuthFailure() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
