// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix owns the persistent homeserver session: the reconnecting
// sync loop, the command router for inbound messages, and the dedup/delivery
// sink that drains the destination queue.
package matrix

import (
	"context"
	"errors"

	"maunium.net/go/mautrix/id"
)

// MessageEvent is an inbound room message as seen by the router.
type MessageEvent struct {
	RoomID  id.RoomID
	Sender  id.UserID
	Body    string
	EventID id.EventID
}

// MessageHandler receives decrypted room messages.
type MessageHandler func(ctx context.Context, evt MessageEvent)

// SyncHandler fires after every successful sync round-trip.
type SyncHandler func(ctx context.Context)

// Client is the narrow surface of the chat protocol this core consumes.
// The wire format, encryption and room-membership semantics live behind it;
// *BotClient implements it on mautrix and tests substitute a fake.
type Client interface {
	// Whoami validates the stored access token and returns our identity.
	Whoami(ctx context.Context) (id.UserID, error)
	// UserID returns the authenticated identity, empty before Whoami.
	UserID() id.UserID

	// Sync runs the receive loop until a failure or context cancellation.
	Sync(ctx context.Context) error

	// SendNotice renders body as markdown and sends it as an m.notice,
	// with plainBody as the fallback text when non-empty.
	SendNotice(ctx context.Context, room id.RoomID, body, plainBody string) error

	// ResolveRoom turns an alias or room ID string into a canonical room ID.
	ResolveRoom(ctx context.Context, destination string) (id.RoomID, error)
	JoinRoom(ctx context.Context, room id.RoomID) error
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)

	// TrustRoomDevices marks every unverified device of the room's members
	// as trusted so encrypted sends to them succeed.
	TrustRoomDevices(ctx context.Context, room id.RoomID) error

	SetAvatar(ctx context.Context, avatarURL string) error

	OnMessage(h MessageHandler)
	OnSync(h SyncHandler)

	Close(ctx context.Context) error
}

var (
	// ErrUnknownToken means the homeserver rejected the stored access
	// token. Fatal: retrying cannot help, the operator must re-login.
	ErrUnknownToken = errors.New("access token rejected by homeserver")

	// ErrUntrustedDevice means an encrypted send failed because a
	// recipient has unverified devices. Recoverable with one trust step.
	ErrUntrustedDevice = errors.New("recipient has unverified devices")
)

// IsFatalAuth reports whether err should terminate the process instead of
// triggering the reconnect path.
func IsFatalAuth(err error) bool {
	return errors.Is(err, ErrUnknownToken)
}

// UserFacingError is a domain error whose message may be echoed back into
// the chat room that triggered it. Anything else stays in the logs.
type UserFacingError interface {
	error
	UserMessage() string
}
