// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// Step is one stage of a conversation flow. Prompt produces the text shown
// when the step becomes current; Validate checks the user's reply. Either
// may be nil. A Prompt may mark the flow done, which is how single-step
// flows render their one-shot output.
type Step struct {
	Name     string
	Prompt   func(ctx context.Context, f *Flow) string
	Validate func(ctx context.Context, f *Flow, input string) (bool, string)
}

// Flow is one in-progress conversation: an ordered step list, the inputs
// collected so far, and the room/sender it belongs to. Flows live only in
// memory for the lifetime of the process.
type Flow struct {
	RoomID  id.RoomID
	Sender  id.UserID
	Args    []string
	Results map[string]string
	Done    bool

	steps    []Step
	idx      int
	complete func(ctx context.Context, f *Flow)
}

func newFlow(roomID id.RoomID, sender id.UserID, args []string, steps []Step, complete func(ctx context.Context, f *Flow)) *Flow {
	return &Flow{
		RoomID:   roomID,
		Sender:   sender,
		Args:     args,
		Results:  make(map[string]string),
		steps:    steps,
		complete: complete,
	}
}

// Prompt renders the current step's prompt.
func (f *Flow) Prompt(ctx context.Context) string {
	if f.idx >= len(f.steps) || f.steps[f.idx].Prompt == nil {
		return ""
	}
	return f.steps[f.idx].Prompt(ctx, f)
}

// Submit feeds user input to the current step. A rejected input leaves the
// flow where it is and returns the rejection reason. An accepted input is
// recorded under the step's name and advances the flow; advancing past the
// last step runs the completion action and marks the flow done.
func (f *Flow) Submit(ctx context.Context, input string) (bool, string) {
	if f.Done || f.idx >= len(f.steps) {
		return false, ""
	}
	step := f.steps[f.idx]
	if step.Validate != nil {
		ok, reason := step.Validate(ctx, f, input)
		if !ok {
			return false, reason
		}
	}
	if step.Name != "" {
		f.Results[step.Name] = input
	}
	f.idx++
	if f.idx >= len(f.steps) {
		if f.complete != nil {
			f.complete(ctx, f)
		}
		f.Done = true
	}
	return true, ""
}

// FlowFactory builds a flow for one conversation.
type FlowFactory func(roomID id.RoomID, sender id.UserID, args []string) *Flow

// flowCommands is the fixed mapping from management-room command words to
// flow constructors.
func (br *Bridge) flowCommands() map[string]FlowFactory {
	return map[string]FlowFactory{
		"help":     br.newHelpFlow,
		"register": br.newRegisterFlow,
		"list":     br.newListFlow,
		"info":     br.newInfoFlow,
	}
}

func (br *Bridge) newHelpFlow(roomID id.RoomID, sender id.UserID, args []string) *Flow {
	steps := []Step{{
		Prompt: func(_ context.Context, f *Flow) string {
			f.Done = true
			return helpMessage
		},
	}}
	return newFlow(roomID, sender, args, steps, nil)
}

func (br *Bridge) newListFlow(roomID id.RoomID, sender id.UserID, args []string) *Flow {
	steps := []Step{{
		Prompt: func(ctx context.Context, f *Flow) string {
			f.Done = true
			devices, err := br.store.Devices(ctx)
			if err != nil {
				br.log.Error().Err(err).Msg("Failed to list devices")
				return "❌  Could not list registered devices."
			}
			if len(devices) == 0 {
				return noDevicesMessage
			}
			return formatDeviceList(devices)
		},
	}}
	return newFlow(roomID, sender, args, steps, nil)
}

func (br *Bridge) newInfoFlow(roomID id.RoomID, sender id.UserID, args []string) *Flow {
	steps := []Step{{
		Prompt: func(ctx context.Context, f *Flow) string {
			f.Done = true
			if len(f.Args) != 1 {
				return "❌  Provide a registered device name."
			}
			name := f.Args[0]
			device, err := br.store.EntityByName(ctx, name)
			if err != nil {
				br.log.Error().Err(err).Str("device", name).Msg("Failed to look up device")
				return "❌  Could not look up the device."
			}
			if device == nil || !device.IsDevice {
				return fmt.Sprintf("❌ There is no registered device with the name <strong> %s </strong>.", name)
			}
			return formatDeviceInfo(device)
		},
	}}
	return newFlow(roomID, sender, args, steps, nil)
}

const (
	stepDeviceName = "device_name"
	stepDeviceHost = "device_host"

	maxDeviceNameLength = 30
)

func (br *Bridge) newRegisterFlow(roomID id.RoomID, sender id.UserID, args []string) *Flow {
	steps := []Step{
		{
			Name: stepDeviceName,
			Prompt: func(context.Context, *Flow) string {
				return "What is the device name?"
			},
			Validate: func(ctx context.Context, _ *Flow, input string) (bool, string) {
				if len(input) > maxDeviceNameLength {
					return false, "❌  Device name too long (max 30 characters)"
				}
				existing, err := br.store.EntityByName(ctx, input)
				if err != nil {
					br.log.Error().Err(err).Msg("Failed to check device name")
					return false, "❌  Could not check the device name, try again"
				}
				if existing != nil {
					return false, "❌  Device with the same name already exists"
				}
				return true, ""
			},
		},
		{
			Name: stepDeviceHost,
			Prompt: func(context.Context, *Flow) string {
				return "What is the device host? (e.g. http://192.168.1.5:35329)"
			},
			Validate: func(ctx context.Context, _ *Flow, input string) (bool, string) {
				if err := br.validate.Var(input, "url"); err != nil {
					return false, "❌  Host is not a valid URL"
				}
				if err := br.devices.Ping(ctx, input); err != nil {
					br.log.Debug().Err(err).Str("host", input).Msg("Device ping failed")
					return false, "❌  Could not reach device"
				}
				if catalog := br.devices.ListCommands(ctx, input); !catalog.Error.OK() {
					return false, "❌  Could not fetch available commands"
				}
				return true, ""
			},
		},
	}
	complete := func(ctx context.Context, f *Flow) {
		if err := br.retry.Run(ctx, func() error {
			return br.provisionDevice(ctx, f)
		}); err != nil {
			br.log.Error().Err(err).Msg("Device provisioning failed")
		}
	}
	return newFlow(roomID, sender, args, steps, complete)
}
