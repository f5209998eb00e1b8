// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// TokenSource supplies a bearer token for the chat backend. The
// session calls Token before every connection attempt and the API
// client calls it per request, so implementations backed by a refresh
// flow always hand out a current token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

var _ TokenSource = StaticToken("")

func (t StaticToken) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", chatError(KindAuth, nil, "no token configured")
	}
	return string(t), nil
}

// History is the REST side of the chat backend: the gap-recovery pull,
// the send fallback used when the socket is down, and read receipts.
type History interface {
	// MessagesSince returns confirmed messages in roomID with a
	// timestamp greater than or equal to since (Unix milliseconds),
	// ordered by timestamp ascending, at most limit of them. A limit
	// of zero means the server default. The bound is inclusive so a
	// paginated caller never loses messages that tie on timestamp at
	// a page boundary; callers dedup by message ID.
	MessagesSince(ctx context.Context, roomID string, since int64, limit int) ([]Message, error)

	// PostMessage delivers a message over REST and returns the
	// confirmed copy. The client temp ID in msg is the idempotency
	// key: resending the same key returns the original confirmation.
	PostMessage(ctx context.Context, msg Message) (Message, error)

	// MarkRead records that the caller has read roomID up to and
	// including messageID.
	MarkRead(ctx context.Context, roomID, messageID string) error
}

// APIClient talks to the chat REST API. Construct with NewAPIClient.
type APIClient struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

var _ History = (*APIClient)(nil)

// NewAPIClient returns a History backed by the REST API at baseURL.
// A nil httpClient means http.DefaultClient.
func NewAPIClient(baseURL string, tokens TokenSource, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &APIClient{baseURL: baseURL, tokens: tokens, client: httpClient}
}

func (c *APIClient) MessagesSince(ctx context.Context, roomID string, since int64, limit int) ([]Message, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/v1/rooms/%s/messages?%s", url.PathEscape(roomID), query.Encode())
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Messages {
		out.Messages[i].Status = StatusConfirmed
	}
	return out.Messages, nil
}

func (c *APIClient) PostMessage(ctx context.Context, msg Message) (Message, error) {
	body := struct {
		ClientTempID string      `json:"clientTempId"`
		Type         MessageType `json:"type"`
		Content      string      `json:"content"`
	}{
		ClientTempID: msg.ClientTempID,
		Type:         msg.Type,
		Content:      msg.Content,
	}
	path := fmt.Sprintf("/v1/rooms/%s/messages", url.PathEscape(msg.RoomID))
	var confirmed Message
	if err := c.doRequest(ctx, http.MethodPost, path, body, &confirmed); err != nil {
		return Message{}, err
	}
	confirmed.Status = StatusConfirmed
	return confirmed, nil
}

func (c *APIClient) MarkRead(ctx context.Context, roomID, messageID string) error {
	body := struct {
		MessageID string `json:"messageId"`
	}{MessageID: messageID}
	path := fmt.Sprintf("/v1/rooms/%s/read", url.PathEscape(roomID))
	return c.doRequest(ctx, http.MethodPost, path, body, nil)
}

// doRequest performs one authenticated JSON request. Error responses
// are decoded into *APIError so callers can inspect the server code
// and status.
func (c *APIClient) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("messaging: encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("messaging: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("messaging: fetching token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return chatError(KindTransport, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil || json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = "unknown"
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("messaging: decoding %s %s response: %w", method, path, err)
	}
	return nil
}
