// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge implements a Matrix appservice that bridges chat rooms to
// IoT devices over HTTP.
//
// The homeserver pushes event transactions to the appservice API. For each
// transaction the [Bridge] classifies the first event and dispatches it:
// membership events drive the [RoomResolver]'s management-room bootstrap
// and teardown, messages in the management room drive [Flow] conversations
// (help, register, list, info), and messages in a device room are forwarded
// to the device's command API by the [CommandRouter].
//
// # Room ownership
//
// Every known room is bound to exactly one entity: the single management
// bot or a registered device. The bot holds at most one management room at
// a time; a second invite gets a pointer to the existing room and is left
// again. Device rooms are private one-to-one chats between a device
// identity and the human who registered it.
//
// # Conversation flows
//
// A [Flow] is a short ordered list of [Step] values, each with a prompt and
// a validator. Flows are keyed by (room, sender), so multiple conversations
// can be open at once without clobbering each other. The register flow ends
// in a completion action that provisions the device: a fresh appservice
// user, a stored entity with the user's access token, and a private room
// with the registering peer.
//
// # Rate limiting
//
// Homeserver calls that fail with M_LIMIT_EXCEEDED are retried by
// [RetryPolicy] with a fixed sleep. Exhausted retries abandon the
// operation silently; everything the handlers do is a best-effort send.
package bridge
