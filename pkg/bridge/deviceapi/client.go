// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package deviceapi talks to the HTTP API that every bridged IoT device
// exposes. Failures are reported inside the response envelope rather than
// as Go errors: an unreachable device must never abort event handling.
package deviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Error code OK means the call succeeded; CONN_ERR means the device could
// not be reached at all. Any other code is the HTTP status returned by the
// device.
const (
	CodeOK      = "OK"
	CodeConnErr = "CONN_ERR"
)

// Command is one entry of a device's published command catalog.
type Command struct {
	Name        string   `json:"name"`
	Alias       string   `json:"alias"`
	Description string   `json:"description"`
	Args        []string `json:"args"`
}

// Error is the error half of a device API response envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK reports whether the call the envelope belongs to succeeded.
func (e Error) OK() bool {
	return e.Code == CodeOK
}

// CommandsResponse is the envelope returned by ListCommands.
type CommandsResponse struct {
	Error    Error     `json:"error"`
	Response []Command `json:"response"`
}

// SendResponse is the envelope returned by SendCommand.
type SendResponse struct {
	Error    Error  `json:"error"`
	Response string `json:"response"`
}

// Client calls the device HTTP API at a per-device host URL.
type Client struct {
	http *http.Client
}

// NewClient creates a device API client. A zero timeout defaults to 10s;
// devices live on flaky home networks and must not hang the dispatcher.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Ping probes <host>/api/v1/ping and returns an error unless the device
// answers 200. Used by the register flow to verify a host before saving it.
func (c *Client) Ping(ctx context.Context, host string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/api/v1/ping", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping device: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping device: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// ListCommands fetches the command catalog from <host>/api/v1/commands.
func (c *Client) ListCommands(ctx context.Context, host string) *CommandsResponse {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/api/v1/commands", nil)
	if err != nil {
		return &CommandsResponse{Error: Error{Code: CodeConnErr, Message: err.Error()}}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &CommandsResponse{Error: Error{Code: CodeConnErr, Message: err.Error()}}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CommandsResponse{Error: Error{Code: CodeConnErr, Message: err.Error()}}
	}
	if resp.StatusCode != http.StatusOK {
		return &CommandsResponse{Error: Error{
			Code:    strconv.Itoa(resp.StatusCode),
			Message: string(body),
		}}
	}

	var commands []Command
	if err := json.Unmarshal(body, &commands); err != nil {
		return &CommandsResponse{Error: Error{Code: CodeConnErr, Message: err.Error()}}
	}
	return &CommandsResponse{Error: Error{Code: CodeOK}, Response: commands}
}

// SendCommand posts a command invocation to <host>/api/v1/command. The
// device's reply text is returned verbatim in the envelope.
func (c *Client) SendCommand(ctx context.Context, host, command string, args []string) *SendResponse {
	if args == nil {
		args = []string{}
	}
	payload, err := json.Marshal(map[string]any{
		"command": command,
		"args":    args,
	})
	if err != nil {
		return &SendResponse{Error: Error{Code: CodeConnErr, Message: err.Error()}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, host+"/api/v1/command", bytes.NewReader(payload))
	if err != nil {
		return &SendResponse{Error: Error{Code: CodeConnErr, Message: err.Error()}}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &SendResponse{Error: Error{Code: CodeConnErr, Message: err.Error()}}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &SendResponse{Error: Error{Code: CodeConnErr, Message: err.Error()}}
	}
	if resp.StatusCode != http.StatusOK {
		return &SendResponse{Error: Error{
			Code:    strconv.Itoa(resp.StatusCode),
			Message: string(body),
		}}
	}
	return &SendResponse{Error: Error{Code: CodeOK}, Response: string(body)}
}
