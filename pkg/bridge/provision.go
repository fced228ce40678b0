// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-iot/pkg/bridge/homeserver"
	"github.com/aiku/mautrix-iot/pkg/bridge/store"
)

// provisionDevice is the register flow's completion action: it registers a
// fresh appservice user for the device, stores the device entity with the
// returned access token, creates the private device room with the peer who
// ran the registration, and binds the two. Progress and failures are
// reported to the management room.
func (br *Bridge) provisionDevice(ctx context.Context, f *Flow) error {
	name := f.Results[stepDeviceName]
	host := f.Results[stepDeviceHost]

	bot, err := br.store.BotEntity(ctx)
	if err != nil {
		return err
	}
	notify := func(html string) error {
		return br.hs.SendMessage(ctx, homeserver.Message{
			RoomID: f.RoomID,
			Sender: bot.MatrixID,
			HTML:   html,
		})
	}

	username := br.cfg.Bridge.DeviceUserPrefix + uuid.NewString()
	status, resp, err := br.hs.RegisterUser(ctx, username)
	if errors.Is(err, mautrix.MLimitExceeded) {
		return err
	}
	if err != nil || status != http.StatusOK {
		var respErr mautrix.RespError
		errors.As(err, &respErr)
		var msg string
		switch {
		case status == http.StatusBadRequest || status == http.StatusForbidden:
			msg = fmt.Sprintf("❌  Unable to setup device: (%d) %s", status, respErr.Err)
		case status == http.StatusUnauthorized:
			msg = fmt.Sprintf("❌  Unable to setup device: (%d) Required more authentication information", status)
		default:
			msg = "❌  Unable to setup device"
		}
		br.log.Error().Err(err).Int("status", status).Str("device", name).
			Msg("Failed to register device user")
		return notify(msg)
	}

	deviceMXID := resp.UserID
	if deviceMXID == "" {
		deviceMXID = id.NewUserID(username, br.cfg.Homeserver.Domain)
	}
	device := &store.Entity{
		Name:        name,
		Host:        host,
		MatrixID:    deviceMXID,
		AccessToken: resp.AccessToken,
	}
	if err := br.store.CreateDevice(ctx, device); err != nil {
		br.log.Error().Err(err).Str("device", name).Msg("Failed to store device entity")
		return notify("❌  Unable to setup device")
	}
	br.log.Info().Str("device", name).Str("mxid", deviceMXID.String()).Msg("Registered device user")
	if err := notify(fmt.Sprintf("Registered user %s", deviceMXID)); err != nil {
		return err
	}

	status, roomResp, err := br.hs.CreateRoom(ctx, name, f.Sender, device.AccessToken)
	if errors.Is(err, mautrix.MLimitExceeded) {
		return err
	}
	if err != nil || status != http.StatusOK {
		var respErr mautrix.RespError
		errors.As(err, &respErr)
		br.log.Error().Err(err).Int("status", status).Str("device", name).
			Msg("Failed to create device room")
		return notify(fmt.Sprintf("❌ Could not create room with new device: %s", respErr.Err))
	}

	if err := br.store.BindDeviceRoom(ctx, device.ID, roomResp.RoomID, f.Sender); err != nil {
		br.log.Error().Err(err).Str("device", name).Msg("Failed to bind device room")
		return notify("❌  Unable to setup device")
	}

	return notify(fmt.Sprintf(
		`You can start chatting with the device at <a href="%s">%s</a>`,
		matrixToURL(string(roomResp.RoomID)), roomResp.RoomID))
}
