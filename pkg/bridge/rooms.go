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

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-iot/pkg/bridge/homeserver"
	"github.com/aiku/mautrix-iot/pkg/bridge/store"
)

// RoomResolver maps rooms to the entities that own them and maintains the
// bot's single management-room binding.
type RoomResolver struct {
	cfg   *Config
	store EntityStore
	hs    HomeserverAPI
	log   zerolog.Logger
}

// NewRoomResolver creates a resolver over the given store and homeserver.
func NewRoomResolver(cfg *Config, st EntityStore, hs HomeserverAPI, log zerolog.Logger) *RoomResolver {
	return &RoomResolver{
		cfg:   cfg,
		store: st,
		hs:    hs,
		log:   log.With().Str("component", "rooms").Logger(),
	}
}

// Resolve returns the entity bound to a room, or nil if the room is
// unknown. Resolution never creates ownership.
func (r *RoomResolver) Resolve(ctx context.Context, roomID id.RoomID) (*store.Entity, error) {
	return r.store.EntityForRoom(ctx, roomID)
}

// ClaimManagementRoom binds a room to the bot, replacing any previous
// binding.
func (r *RoomResolver) ClaimManagementRoom(ctx context.Context, roomID id.RoomID) error {
	r.log.Info().Str("room_id", roomID.String()).Msg("Claiming management room")
	return r.store.SetBotRoom(ctx, roomID)
}

// ReleaseManagementRoom drops the bot's room binding, if any.
func (r *RoomResolver) ReleaseManagementRoom(ctx context.Context) error {
	return r.store.DeleteBotRoom(ctx)
}

// HandleBotInvite runs the management-room bootstrap protocol for an
// invite membership event. The bot supports at most one active management
// room: an invite while one exists gets a pointer to the existing room and
// the new room is left again.
func (r *RoomResolver) HandleBotInvite(ctx context.Context, evt *event.Event) error {
	if evt.RoomID == "" {
		return fmt.Errorf("invite event without room_id: %w", mautrix.MBadJSON)
	}
	botMXID := r.cfg.BotMXID()
	if evt.GetStateKey() != botMXID.String() {
		return nil
	}

	status, err := r.hs.JoinRoom(ctx, evt.RoomID)
	if errors.Is(err, mautrix.MLimitExceeded) {
		return err
	}
	if status == http.StatusForbidden {
		r.log.Warn().Str("room_id", evt.RoomID.String()).Msg("Not allowed to join invited room")
	} else if err != nil {
		r.log.Warn().Err(err).Str("room_id", evt.RoomID.String()).Msg("Failed to join invited room")
	}

	bot, err := r.store.BotEntity(ctx)
	if err != nil {
		return err
	}
	if bot.RoomID != "" && bot.RoomID != evt.RoomID {
		html := fmt.Sprintf(`You already have private chat portal at <a href="%s">%s</a>`,
			matrixToURL(string(bot.RoomID)), bot.RoomID)
		if err := r.hs.SendMessage(ctx, homeserver.Message{
			RoomID: evt.RoomID,
			Sender: botMXID,
			HTML:   html,
		}); err != nil {
			return err
		}
		if _, err := r.hs.LeaveRoom(ctx, evt.RoomID); errors.Is(err, mautrix.MLimitExceeded) {
			return err
		}
		return nil
	}
	return r.ClaimManagementRoom(ctx, evt.RoomID)
}

// HandleRoomLeave runs the teardown protocol for a leave membership event
// in a room the bot occupies. The bot's own leave is ignored; anyone else
// leaving makes the bot leave too and, if the room was the management
// room, releases the binding.
func (r *RoomResolver) HandleRoomLeave(ctx context.Context, evt *event.Event) error {
	if evt.RoomID == "" {
		return fmt.Errorf("leave event without room_id: %w", mautrix.MBadJSON)
	}
	leaver := evt.GetStateKey()
	if leaver == "" {
		leaver = evt.Sender.String()
	}
	if leaver == r.cfg.BotMXID().String() {
		return nil
	}

	status, err := r.hs.LeaveRoom(ctx, evt.RoomID)
	if errors.Is(err, mautrix.MLimitExceeded) {
		return err
	}
	if err != nil {
		r.log.Warn().Err(err).Int("status", status).
			Str("room_id", evt.RoomID.String()).
			Msg("Failed to leave room after peer left")
	}

	bot, err := r.store.BotEntity(ctx)
	if err != nil {
		return err
	}
	if bot.RoomID == evt.RoomID {
		r.log.Info().Str("room_id", evt.RoomID.String()).Msg("Releasing management room")
		return r.ReleaseManagementRoom(ctx)
	}
	return nil
}
