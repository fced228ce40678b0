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
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-iot/pkg/bridge/deviceapi"
	"github.com/aiku/mautrix-iot/pkg/bridge/homeserver"
	"github.com/aiku/mautrix-iot/pkg/bridge/store"
)

// EntityStore is the persistence layer for entities and room bindings.
// Implemented by *store.Store.
type EntityStore interface {
	EntityForRoom(ctx context.Context, roomID id.RoomID) (*store.Entity, error)
	BotEntity(ctx context.Context) (*store.Entity, error)
	EntityByName(ctx context.Context, name string) (*store.Entity, error)
	Devices(ctx context.Context) ([]*store.Entity, error)
	CreateDevice(ctx context.Context, e *store.Entity) error
	BindDeviceRoom(ctx context.Context, entityID int64, roomID id.RoomID, peer id.UserID) error
	SetBotRoom(ctx context.Context, roomID id.RoomID) error
	DeleteBotRoom(ctx context.Context) error
}

// HomeserverAPI is the outbound Matrix client-server surface the bridge
// uses. Implemented by *homeserver.Client.
type HomeserverAPI interface {
	SendMessage(ctx context.Context, msg homeserver.Message) error
	CreateRoom(ctx context.Context, name string, invitee id.UserID, accessToken string) (int, *mautrix.RespCreateRoom, error)
	RegisterUser(ctx context.Context, username string) (int, *mautrix.RespRegister, error)
	JoinRoom(ctx context.Context, roomID id.RoomID) (int, error)
	LeaveRoom(ctx context.Context, roomID id.RoomID) (int, error)
}

// DeviceAPI is the outbound device HTTP surface. Implemented by
// *deviceapi.Client.
type DeviceAPI interface {
	Ping(ctx context.Context, host string) error
	ListCommands(ctx context.Context, host string) *deviceapi.CommandsResponse
	SendCommand(ctx context.Context, host, command string, args []string) *deviceapi.SendResponse
}

// flowKey identifies one conversation. Flows are kept per (room, sender)
// so concurrent management rooms or senders cannot clobber each other's
// state.
type flowKey struct {
	RoomID id.RoomID
	Sender id.UserID
}

// Bridge is the top-level event dispatcher: it classifies inbound
// appservice transactions and hands them to the room resolver, the
// conversation flows or the device command router.
type Bridge struct {
	cfg     *Config
	log     zerolog.Logger
	store   EntityStore
	hs      HomeserverAPI
	devices DeviceAPI

	rooms    *RoomResolver
	router   *CommandRouter
	retry    RetryPolicy
	validate *validator.Validate
	commands map[string]FlowFactory

	flowsMu sync.Mutex
	flows   map[flowKey]*Flow
}

// New wires up a bridge from its collaborators.
func New(cfg *Config, st EntityStore, hs HomeserverAPI, devices DeviceAPI, log zerolog.Logger) *Bridge {
	br := &Bridge{
		cfg:     cfg,
		log:     log.With().Str("component", "bridge").Logger(),
		store:   st,
		hs:      hs,
		devices: devices,
		retry: RetryPolicy{
			MaxAttempts: cfg.Appservice.RateLimitRetries,
			Interval:    time.Second,
			Log:         log,
		},
		validate: validator.New(),
		flows:    make(map[flowKey]*Flow),
	}
	br.rooms = NewRoomResolver(cfg, st, hs, log)
	br.router = NewCommandRouter(devices, hs, log)
	br.commands = br.flowCommands()
	return br
}

// HandleTransaction processes one inbound transaction. Only the first
// event is acted on; the remainder are logged and skipped, matching the
// upstream transaction semantics.
func (br *Bridge) HandleTransaction(ctx context.Context, txn *appservice.Transaction) error {
	if len(txn.Events) == 0 {
		return nil
	}
	if len(txn.Events) > 1 {
		br.log.Debug().Int("skipped", len(txn.Events)-1).Msg("Skipping extra events in transaction")
	}

	evt := txn.Events[0]
	if evt.Type.Type == "" {
		return nil
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		br.log.Debug().Err(err).Str("type", evt.Type.Type).Msg("Failed to parse event content")
	}

	switch evt.Type.Type {
	case event.StateMember.Type:
		switch evt.Content.AsMember().Membership {
		case event.MembershipInvite:
			return br.retry.Run(ctx, func() error {
				return br.rooms.HandleBotInvite(ctx, evt)
			})
		case event.MembershipLeave:
			return br.retry.Run(ctx, func() error {
				return br.rooms.HandleRoomLeave(ctx, evt)
			})
		}
		return nil
	case event.EventMessage.Type:
		return br.retry.Run(ctx, func() error {
			return br.handleMessage(ctx, evt)
		})
	}
	return nil
}

// handleMessage resolves room ownership and dispatches a message event to
// the management command path or the device command router.
func (br *Bridge) handleMessage(ctx context.Context, evt *event.Event) error {
	if evt.RoomID == "" {
		return fmt.Errorf("message event without room_id: %w", mautrix.MBadJSON)
	}
	if strings.HasPrefix(evt.Sender.String(), br.cfg.EchoPrefix()) {
		br.log.Trace().Str("sender", evt.Sender.String()).Msg("Ignoring message from bridge-owned user")
		return nil
	}

	entity, err := br.rooms.Resolve(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if entity == nil {
		// Nobody owns this room yet. If the bot can join it, it was
		// invited here and this becomes the management room; otherwise
		// the bridge does not know how to respond.
		status, err := br.hs.JoinRoom(ctx, evt.RoomID)
		if errors.Is(err, mautrix.MLimitExceeded) {
			return err
		}
		if status != http.StatusOK {
			br.log.Debug().
				Str("room_id", evt.RoomID.String()).
				Int("status", status).
				Msg("Message in unowned room the bot cannot join, dropping")
			return nil
		}
		if err := br.rooms.ClaimManagementRoom(ctx, evt.RoomID); err != nil {
			return err
		}
		entity, err = br.store.BotEntity(ctx)
		if err != nil {
			return err
		}
	}

	if entity.IsDevice {
		return br.router.HandleMessage(ctx, entity, evt)
	}
	return br.handleBotMessage(ctx, entity, evt)
}

// handleBotMessage drives the management-room conversation: a command
// word starts (or restarts) a flow, free text feeds the open flow, and
// anything else gets the unknown-command reply.
func (br *Bridge) handleBotMessage(ctx context.Context, bot *store.Entity, evt *event.Event) error {
	body := evt.Content.AsMessage().Body
	fields := strings.Fields(body)
	key := flowKey{RoomID: evt.RoomID, Sender: evt.Sender}

	reply := func(html string) error {
		return br.hs.SendMessage(ctx, homeserver.Message{
			RoomID: evt.RoomID,
			Sender: bot.MatrixID,
			HTML:   html,
		})
	}

	if len(fields) > 0 {
		if factory, ok := br.commands[fields[0]]; ok {
			f := factory(evt.RoomID, evt.Sender, fields[1:])
			br.setFlow(key, f)
			prompt := f.Prompt(ctx)
			err := reply(prompt)
			if f.Done {
				br.clearFlow(key)
			}
			return err
		}
	}

	if f := br.flow(key); f != nil && !f.Done {
		_, reason := f.Submit(ctx, body)
		if reason != "" {
			if err := reply(reason); err != nil {
				return err
			}
		}
		if f.Done {
			br.clearFlow(key)
			return nil
		}
		return reply(f.Prompt(ctx))
	}

	return reply(unknownCommandMessage)
}

func (br *Bridge) flow(key flowKey) *Flow {
	br.flowsMu.Lock()
	defer br.flowsMu.Unlock()
	return br.flows[key]
}

func (br *Bridge) setFlow(key flowKey, f *Flow) {
	br.flowsMu.Lock()
	defer br.flowsMu.Unlock()
	br.flows[key] = f
}

func (br *Bridge) clearFlow(key flowKey) {
	br.flowsMu.Lock()
	defer br.flowsMu.Unlock()
	delete(br.flows, key)
}
