// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package homeserver is a thin Matrix client-server API client for the
// handful of calls the bridge makes: sending messages, creating rooms,
// registering appservice users and joining/leaving rooms.
//
// The bridge sends with two kinds of credentials: the appservice token
// (impersonating the bot or any bridge-owned user via the user_id query
// parameter) and per-device access tokens obtained at registration. A
// mautrix.Client binds a single token, so this client takes the token per
// call instead.
package homeserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// Message is one outbound m.room.message. HTML is the formatted body; the
// plain-text fallback is derived from it. An empty AccessToken means the
// appservice token is used and Sender is impersonated via user_id.
type Message struct {
	RoomID      id.RoomID
	Sender      id.UserID
	HTML        string
	AccessToken string
}

// Client talks to a single homeserver with the bridge's appservice token
// as the default credential.
type Client struct {
	address string
	asToken string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a homeserver client. A zero timeout defaults to 30s.
func NewClient(address, asToken string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		address: address,
		asToken: asToken,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "homeserver").Logger(),
	}
}

// request performs one client-server API call and returns the HTTP status
// and response body. 429 responses become mautrix.MLimitExceeded; other
// non-2xx responses become the mautrix.RespError parsed from the body.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, payload any, accessToken string) (int, []byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	reqURL := c.address + "/_matrix/client/v3/" + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if accessToken == "" {
		accessToken = c.asToken
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	c.log.Trace().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("Homeserver request")

	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, respBody, mautrix.MLimitExceeded
	}
	if resp.StatusCode >= 400 {
		var respErr mautrix.RespError
		if json.Unmarshal(respBody, &respErr) != nil || respErr.ErrCode == "" {
			respErr = mautrix.RespError{ErrCode: mautrix.MUnknown.ErrCode, Err: string(respBody)}
		}
		return resp.StatusCode, respBody, respErr
	}
	return resp.StatusCode, respBody, nil
}

// SendMessage sends a text message to a room as the given identity.
func (c *Client) SendMessage(ctx context.Context, msg Message) error {
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          format.HTMLToText(msg.HTML),
		Format:        event.FormatHTML,
		FormattedBody: msg.HTML,
	}

	query := url.Values{}
	if msg.AccessToken == "" && msg.Sender != "" {
		query.Set("user_id", msg.Sender.String())
	}

	path := fmt.Sprintf("rooms/%s/send/m.room.message/%s",
		url.PathEscape(msg.RoomID.String()), "miot"+random.String(20))
	_, _, err := c.request(ctx, http.MethodPut, path, query, content, msg.AccessToken)
	return err
}

// CreateRoom creates a private direct room named after the device and
// invites the peer. The device's own access token is used so the device
// identity owns the room.
func (c *Client) CreateRoom(ctx context.Context, name string, invitee id.UserID, accessToken string) (int, *mautrix.RespCreateRoom, error) {
	payload := map[string]any{
		"invite":    []id.UserID{invitee},
		"name":      name,
		"preset":    "private_chat",
		"is_direct": true,
	}
	status, body, err := c.request(ctx, http.MethodPost, "createRoom", nil, payload, accessToken)
	if err != nil {
		return status, nil, err
	}
	var resp mautrix.RespCreateRoom
	if err := json.Unmarshal(body, &resp); err != nil {
		return status, nil, fmt.Errorf("parse createRoom response: %w", err)
	}
	return status, &resp, nil
}

// RegisterUser registers a new appservice-owned user on the homeserver.
func (c *Client) RegisterUser(ctx context.Context, username string) (int, *mautrix.RespRegister, error) {
	payload := map[string]any{
		"type":     "m.login.application_service",
		"username": username,
	}
	status, body, err := c.request(ctx, http.MethodPost, "register", nil, payload, "")
	if err != nil {
		return status, nil, err
	}
	var resp mautrix.RespRegister
	if err := json.Unmarshal(body, &resp); err != nil {
		return status, nil, fmt.Errorf("parse register response: %w", err)
	}
	return status, &resp, nil
}

// JoinRoom joins a room as the bridge bot.
func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID) (int, error) {
	path := fmt.Sprintf("rooms/%s/join", url.PathEscape(roomID.String()))
	status, _, err := c.request(ctx, http.MethodPost, path, nil, nil, "")
	return status, err
}

// LeaveRoom leaves a room as the bridge bot.
func (c *Client) LeaveRoom(ctx context.Context, roomID id.RoomID) (int, error) {
	path := fmt.Sprintf("rooms/%s/leave", url.PathEscape(roomID.String()))
	status, _, err := c.request(ctx, http.MethodPost, path, nil, nil, "")
	return status, err
}
