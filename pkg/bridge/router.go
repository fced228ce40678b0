// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-iot/pkg/bridge/homeserver"
	"github.com/aiku/mautrix-iot/pkg/bridge/store"
)

// CommandRouter forwards device-room messages to the owning device's
// command API. All replies are sent as the device's own Matrix identity
// with the device's own access token.
type CommandRouter struct {
	devices DeviceAPI
	hs      HomeserverAPI
	log     zerolog.Logger
}

// NewCommandRouter creates a router over the given device and homeserver
// clients.
func NewCommandRouter(devices DeviceAPI, hs HomeserverAPI, log zerolog.Logger) *CommandRouter {
	return &CommandRouter{
		devices: devices,
		hs:      hs,
		log:     log.With().Str("component", "router").Logger(),
	}
}

// HandleMessage dispatches one device-room message: "help" renders the
// device's command catalog, a catalog entry name invokes that command, and
// anything else gets the unknown-command reply.
func (cr *CommandRouter) HandleMessage(ctx context.Context, device *store.Entity, evt *event.Event) error {
	reply := func(html string) error {
		return cr.hs.SendMessage(ctx, homeserver.Message{
			RoomID:      evt.RoomID,
			Sender:      device.MatrixID,
			HTML:        html,
			AccessToken: device.AccessToken,
		})
	}

	catalog := cr.devices.ListCommands(ctx, device.Host)
	if !catalog.Error.OK() {
		cr.log.Warn().
			Str("device", device.Name).
			Str("code", catalog.Error.Code).
			Str("message", catalog.Error.Message).
			Msg("Failed to fetch device command catalog")
		return reply("Could not retrieve commands from device.")
	}

	fields := strings.Fields(evt.Content.AsMessage().Body)
	if len(fields) == 0 {
		return reply(unknownCommandMessage)
	}
	command, args := fields[0], fields[1:]

	if command == "help" {
		return reply(formatCommands(catalog.Response))
	}

	for _, entry := range catalog.Response {
		if entry.Name != command {
			continue
		}
		cr.log.Debug().
			Str("device", device.Name).
			Str("command", command).
			Strs("args", args).
			Msg("Forwarding command to device")
		resp := cr.devices.SendCommand(ctx, device.Host, command, args)
		if !resp.Error.OK() {
			msg := resp.Error.Message
			if msg == "" {
				msg = resp.Error.Code
			}
			return reply(msg)
		}
		return reply(resp.Response)
	}

	return reply(unknownCommandMessage)
}
