// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-iot/pkg/bridge/deviceapi"
	"github.com/aiku/mautrix-iot/pkg/bridge/homeserver"
	"github.com/aiku/mautrix-iot/pkg/bridge/store"
)

const (
	testBotMXID   = id.UserID("@iot_bot:example.com")
	testMgmtRoom  = id.RoomID("!mgmt:example.com")
	testPeer      = id.UserID("@alice:example.com")
	testDevRoom   = id.RoomID("!dev:example.com")
	testDevToken  = "devtoken-abcdef"
	testHSToken   = "hstoken"
	testASToken   = "astoken"
	testDevMXID   = id.UserID("@iot_11111111:example.com")
	testDeviceURL = "http://device.local:35329"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Homeserver: HomeserverConfig{Address: "http://localhost:8008", Domain: "example.com"},
		Appservice: AppserviceConfig{
			BotUsername:      "iot_bot",
			ASToken:          testASToken,
			HSToken:          testHSToken,
			RateLimitRetries: 3,
		},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// fakeStore is an in-memory EntityStore.
type fakeStore struct {
	mu      sync.Mutex
	bot     *store.Entity
	devices []*store.Entity
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bot: &store.Entity{
			ID:       1,
			Name:     "iot_bot",
			MatrixID: testBotMXID,
			IsDevice: false,
		},
		nextID: 2,
	}
}

func (fs *fakeStore) EntityForRoom(_ context.Context, roomID id.RoomID) (*store.Entity, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.bot.RoomID == roomID && roomID != "" {
		return fs.bot, nil
	}
	for _, device := range fs.devices {
		if device.RoomID == roomID && roomID != "" {
			return device, nil
		}
	}
	return nil, nil
}

func (fs *fakeStore) BotEntity(context.Context) (*store.Entity, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.bot, nil
}

func (fs *fakeStore) EntityByName(_ context.Context, name string) (*store.Entity, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.bot.Name == name {
		return fs.bot, nil
	}
	for _, device := range fs.devices {
		if device.Name == name {
			return device, nil
		}
	}
	return nil, nil
}

func (fs *fakeStore) Devices(context.Context) ([]*store.Entity, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]*store.Entity(nil), fs.devices...), nil
}

func (fs *fakeStore) CreateDevice(_ context.Context, e *store.Entity) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, device := range fs.devices {
		if device.Name == e.Name {
			return fmt.Errorf("UNIQUE constraint failed: entities.name")
		}
	}
	e.ID = fs.nextID
	fs.nextID++
	e.IsDevice = true
	fs.devices = append(fs.devices, e)
	return nil
}

func (fs *fakeStore) BindDeviceRoom(_ context.Context, entityID int64, roomID id.RoomID, peer id.UserID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, device := range fs.devices {
		if device.ID == entityID {
			device.RoomID = roomID
			device.RoomPeer = peer
			return nil
		}
	}
	return fmt.Errorf("no device entity with id %d", entityID)
}

func (fs *fakeStore) SetBotRoom(_ context.Context, roomID id.RoomID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.bot.RoomID = roomID
	return nil
}

func (fs *fakeStore) DeleteBotRoom(context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.bot.RoomID = ""
	return nil
}

// fakeHomeserver records outbound calls and serves scripted responses.
type fakeHomeserver struct {
	mu       sync.Mutex
	messages []homeserver.Message
	joined   []id.RoomID
	left     []id.RoomID

	sendErrs       []error // popped per SendMessage call
	joinStatus     int
	joinErr        error
	leaveStatus    int
	registerStatus int
	registerResp   *mautrix.RespRegister
	registerErr    error
	createStatus   int
	createResp     *mautrix.RespCreateRoom
	createErr      error
}

func newFakeHomeserver() *fakeHomeserver {
	return &fakeHomeserver{
		joinStatus:     http.StatusOK,
		leaveStatus:    http.StatusOK,
		registerStatus: http.StatusOK,
		registerResp: &mautrix.RespRegister{
			UserID:      testDevMXID,
			AccessToken: testDevToken,
		},
		createStatus: http.StatusOK,
		createResp:   &mautrix.RespCreateRoom{RoomID: testDevRoom},
	}
}

func (fh *fakeHomeserver) SendMessage(_ context.Context, msg homeserver.Message) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if len(fh.sendErrs) > 0 {
		err := fh.sendErrs[0]
		fh.sendErrs = fh.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	fh.messages = append(fh.messages, msg)
	return nil
}

func (fh *fakeHomeserver) CreateRoom(context.Context, string, id.UserID, string) (int, *mautrix.RespCreateRoom, error) {
	return fh.createStatus, fh.createResp, fh.createErr
}

func (fh *fakeHomeserver) RegisterUser(context.Context, string) (int, *mautrix.RespRegister, error) {
	return fh.registerStatus, fh.registerResp, fh.registerErr
}

func (fh *fakeHomeserver) JoinRoom(_ context.Context, roomID id.RoomID) (int, error) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	fh.joined = append(fh.joined, roomID)
	return fh.joinStatus, fh.joinErr
}

func (fh *fakeHomeserver) LeaveRoom(_ context.Context, roomID id.RoomID) (int, error) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	fh.left = append(fh.left, roomID)
	return fh.leaveStatus, nil
}

func (fh *fakeHomeserver) sentMessages() []homeserver.Message {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return append([]homeserver.Message(nil), fh.messages...)
}

func (fh *fakeHomeserver) lastMessage(t *testing.T) homeserver.Message {
	t.Helper()
	msgs := fh.sentMessages()
	if len(msgs) == 0 {
		t.Fatal("no messages were sent")
	}
	return msgs[len(msgs)-1]
}

type sentCommand struct {
	Host    string
	Command string
	Args    []string
}

// fakeDeviceAPI serves a scripted command catalog.
type fakeDeviceAPI struct {
	mu       sync.Mutex
	pingErr  error
	catalog  *deviceapi.CommandsResponse
	sendResp *deviceapi.SendResponse
	sent     []sentCommand
}

func newFakeDeviceAPI() *fakeDeviceAPI {
	return &fakeDeviceAPI{
		catalog: &deviceapi.CommandsResponse{
			Error: deviceapi.Error{Code: deviceapi.CodeOK},
			Response: []deviceapi.Command{
				{Name: "on", Description: "Turn the device on", Args: []string{}},
				{Name: "off", Description: "Turn the device off", Args: []string{}},
			},
		},
		sendResp: &deviceapi.SendResponse{
			Error:    deviceapi.Error{Code: deviceapi.CodeOK},
			Response: "done",
		},
	}
}

func (fd *fakeDeviceAPI) Ping(context.Context, string) error {
	return fd.pingErr
}

func (fd *fakeDeviceAPI) ListCommands(context.Context, string) *deviceapi.CommandsResponse {
	return fd.catalog
}

func (fd *fakeDeviceAPI) SendCommand(_ context.Context, host, command string, args []string) *deviceapi.SendResponse {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.sent = append(fd.sent, sentCommand{Host: host, Command: command, Args: args})
	return fd.sendResp
}

func newTestBridge(t *testing.T) (*Bridge, *fakeStore, *fakeHomeserver, *fakeDeviceAPI) {
	t.Helper()
	fs := newFakeStore()
	fh := newFakeHomeserver()
	fd := newFakeDeviceAPI()
	br := New(testConfig(t), fs, fh, fd, zerolog.Nop())
	return br, fs, fh, fd
}

func messageEvent(roomID id.RoomID, sender id.UserID, body string) *event.Event {
	return &event.Event{
		Type:   event.EventMessage,
		RoomID: roomID,
		Sender: sender,
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
		},
	}
}

func memberEvent(roomID id.RoomID, sender id.UserID, stateKey string, membership event.Membership) *event.Event {
	return &event.Event{
		Type:     event.StateMember,
		RoomID:   roomID,
		Sender:   sender,
		StateKey: &stateKey,
		Content: event.Content{
			Parsed: &event.MemberEventContent{Membership: membership},
		},
	}
}

func transaction(events ...*event.Event) *appservice.Transaction {
	return &appservice.Transaction{Events: events}
}

// registerDevice drives the whole register flow through the bridge and
// returns the created device entity.
func registerDevice(t *testing.T, br *Bridge, fs *fakeStore, name string) *store.Entity {
	t.Helper()
	ctx := context.Background()
	fs.mu.Lock()
	fs.bot.RoomID = testMgmtRoom
	fs.mu.Unlock()

	steps := []string{"register", name, testDeviceURL}
	for _, input := range steps {
		err := br.HandleTransaction(ctx, transaction(messageEvent(testMgmtRoom, testPeer, input)))
		if err != nil {
			t.Fatalf("HandleTransaction(%q): %v", input, err)
		}
	}
	device, err := fs.EntityByName(ctx, name)
	if err != nil || device == nil {
		t.Fatalf("device %q not registered: %v", name, err)
	}
	return device
}
