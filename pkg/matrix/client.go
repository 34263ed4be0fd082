// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	// cryptohelper stores olm sessions in sqlite.
	_ "github.com/mattn/go-sqlite3"

	"github.com/aiku/matrix-hookbot/pkg/config"
)

// abortSyncer makes sync failures surface to the caller of Sync instead of
// being retried inside the library, so the session driver owns the backoff.
type abortSyncer struct {
	*mautrix.DefaultSyncer
}

func (s *abortSyncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	return 0, err
}

// BotClient implements Client on maunium.net/go/mautrix with end-to-end
// encryption handled by cryptohelper. It is the only type in this module
// that touches the wire library.
type BotClient struct {
	cli    *mautrix.Client
	crypto *cryptohelper.CryptoHelper
	syncer *abortSyncer
	log    zerolog.Logger

	autoJoin  bool
	autotrust bool
	startTime time.Time

	msgHandlers  []MessageHandler
	syncHandlers []SyncHandler
}

var _ Client = (*BotClient)(nil)

// NewBotClient builds a client around stored credentials. The crypto state
// lives in a sqlite database under storagePath; its internal format belongs
// to the library.
func NewBotClient(homeserver string, creds *config.Credentials, storagePath string, autoJoin, autotrust bool, log zerolog.Logger) (*BotClient, error) {
	cli, err := mautrix.NewClient(homeserver, id.UserID(creds.UserID), creds.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("connect %q: %w", homeserver, err)
	}
	cli.DeviceID = id.DeviceID(creds.DeviceID)
	cli.Log = log.With().Str("component", "mautrix").Logger()

	c := &BotClient{
		cli:       cli,
		log:       log.With().Str("component", "matrix_client").Logger(),
		autoJoin:  autoJoin,
		autotrust: autotrust,
		startTime: time.Now(),
	}
	c.syncer = &abortSyncer{cli.Syncer.(*mautrix.DefaultSyncer)}
	cli.Syncer = c.syncer
	c.registerCallbacks()

	helper, err := cryptohelper.NewCryptoHelper(cli, []byte("matrix-hookbot"), filepath.Join(storagePath, "crypto.db"))
	if err != nil {
		return nil, fmt.Errorf("crypto store: %w", err)
	}
	c.crypto = helper
	return c, nil
}

// Init opens the crypto store and attaches it to the client. Must run once
// before Sync.
func (c *BotClient) Init(ctx context.Context) error {
	if err := c.crypto.Init(ctx); err != nil {
		return fmt.Errorf("init crypto: %w", mapMatrixError(err))
	}
	c.cli.Crypto = c.crypto
	return nil
}

func (c *BotClient) registerCallbacks() {
	c.syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.dispatchMessage(ctx, evt)
	})
	c.syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		c.handleMembership(ctx, evt)
	})
	c.syncer.OnSync(func(ctx context.Context, _ *mautrix.RespSync, _ string) bool {
		for _, h := range c.syncHandlers {
			h(ctx)
		}
		return true
	})
}

func (c *BotClient) dispatchMessage(ctx context.Context, evt *event.Event) {
	// Skip backlog replayed by the initial sync.
	if time.UnixMilli(evt.Timestamp).Before(c.startTime) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	msg := MessageEvent{
		RoomID:  evt.RoomID,
		Sender:  evt.Sender,
		Body:    content.Body,
		EventID: evt.ID,
	}
	for _, h := range c.msgHandlers {
		h(ctx, msg)
	}
}

// handleMembership joins rooms we are invited to and, when autotrust is on,
// trusts devices whenever we join a room. Only our own state events count;
// the invite section of a sync response carries other members' state too.
func (c *BotClient) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.cli.UserID) {
		return
	}
	content := evt.Content.AsMember()
	switch content.Membership {
	case event.MembershipInvite:
		if !c.autoJoin {
			return
		}
		c.log.Debug().Stringer("room_id", evt.RoomID).Stringer("sender", evt.Sender).Msg("Got invite")
		if err := c.JoinRoom(ctx, evt.RoomID); err != nil {
			c.log.Error().Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to join invited room")
		} else {
			c.log.Info().Stringer("room_id", evt.RoomID).Stringer("sender", evt.Sender).Msg("Joined room")
		}
	case event.MembershipJoin:
		if !c.autotrust {
			return
		}
		if err := c.TrustRoomDevices(ctx, evt.RoomID); err != nil {
			c.log.Warn().Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to trust devices after join")
		}
	}
}

func (c *BotClient) Whoami(ctx context.Context) (id.UserID, error) {
	resp, err := c.cli.Whoami(ctx)
	if err != nil {
		return "", mapMatrixError(err)
	}
	return resp.UserID, nil
}

func (c *BotClient) UserID() id.UserID {
	return c.cli.UserID
}

// Sync blocks in the receive loop. It returns the underlying failure so the
// session driver can classify it and apply its backoff.
func (c *BotClient) Sync(ctx context.Context) error {
	err := c.cli.SyncWithContext(ctx)
	if err != nil {
		return mapMatrixError(err)
	}
	return nil
}

func (c *BotClient) SendNotice(ctx context.Context, room id.RoomID, body, plainBody string) error {
	content := format.RenderMarkdown(body, true, false)
	content.MsgType = event.MsgNotice
	if plainBody != "" {
		content.Body = plainBody
	}
	_, err := c.cli.SendMessageEvent(ctx, room, event.EventMessage, &content)
	if err != nil {
		return mapMatrixError(err)
	}
	c.log.Debug().Stringer("room_id", room).Msg("Sent notice")
	return nil
}

func (c *BotClient) ResolveRoom(ctx context.Context, destination string) (id.RoomID, error) {
	if strings.HasPrefix(destination, "!") {
		return id.RoomID(destination), nil
	}
	resp, err := c.cli.ResolveAlias(ctx, id.RoomAlias(destination))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", destination, mapMatrixError(err))
	}
	return resp.RoomID, nil
}

func (c *BotClient) JoinRoom(ctx context.Context, room id.RoomID) error {
	_, err := c.cli.JoinRoomByID(ctx, room)
	if err != nil {
		return mapMatrixError(err)
	}
	return nil
}

func (c *BotClient) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := c.cli.JoinedRooms(ctx)
	if err != nil {
		return nil, mapMatrixError(err)
	}
	return resp.JoinedRooms, nil
}

// TrustRoomDevices marks every unset device of the room's members as
// verified. Our own devices are left alone.
func (c *BotClient) TrustRoomDevices(ctx context.Context, room id.RoomID) error {
	mach := c.crypto.Machine()
	if mach == nil {
		return nil
	}
	members, err := c.cli.JoinedMembers(ctx, room)
	if err != nil {
		return mapMatrixError(err)
	}
	for userID := range members.Joined {
		if userID == c.cli.UserID {
			continue
		}
		devices, err := mach.CryptoStore.GetDevices(ctx, userID)
		if err != nil {
			return fmt.Errorf("devices of %s: %w", userID, err)
		}
		for deviceID, device := range devices {
			if device.Trust != id.TrustStateUnset {
				continue
			}
			device.Trust = id.TrustStateVerified
			if err := mach.CryptoStore.PutDevice(ctx, userID, device); err != nil {
				return fmt.Errorf("trust %s/%s: %w", userID, deviceID, err)
			}
			c.log.Info().
				Stringer("user_id", userID).
				Stringer("device_id", deviceID).
				Msg("Trusting device")
		}
	}
	return nil
}

func (c *BotClient) SetAvatar(ctx context.Context, avatarURL string) error {
	uri, err := id.ParseContentURI(avatarURL)
	if err != nil {
		return fmt.Errorf("avatar %q: %w", avatarURL, err)
	}
	if err := c.cli.SetAvatarURL(ctx, uri); err != nil {
		return mapMatrixError(err)
	}
	return nil
}

func (c *BotClient) OnMessage(h MessageHandler) {
	c.msgHandlers = append(c.msgHandlers, h)
}

func (c *BotClient) OnSync(h SyncHandler) {
	c.syncHandlers = append(c.syncHandlers, h)
}

func (c *BotClient) Close(_ context.Context) error {
	if c.crypto != nil {
		if err := c.crypto.Close(); err != nil {
			return fmt.Errorf("close crypto store: %w", err)
		}
	}
	c.log.Info().Msg("Session closed")
	return nil
}

// Login performs a fresh password login and returns credentials to persist.
// Used only by --restore-login; the running bot always starts from the
// credentials file.
func Login(ctx context.Context, homeserver, userID, password, deviceName string, log zerolog.Logger) (*config.Credentials, error) {
	cli, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("connect %q: %w", homeserver, err)
	}
	cli.Log = log.With().Str("component", "mautrix").Logger()

	resp, err := cli.Login(ctx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypePassword,
		Identifier:               mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: userID},
		Password:                 password,
		InitialDeviceDisplayName: fmt.Sprintf("%s (%s)", deviceName, strings.ToLower(random.String(6))),
	})
	if err != nil {
		return nil, fmt.Errorf("login as %q: %w", userID, mapMatrixError(err))
	}
	log.Info().
		Stringer("user_id", resp.UserID).
		Stringer("device_id", resp.DeviceID).
		Msg("Logged in")
	return &config.Credentials{
		UserID:      string(resp.UserID),
		DeviceID:    string(resp.DeviceID),
		AccessToken: resp.AccessToken,
	}, nil
}

// mapMatrixError folds library errors into the package sentinels.
func mapMatrixError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MMissingToken) {
		return fmt.Errorf("%w: %v", ErrUnknownToken, err)
	}
	if isUntrustedDeviceError(err) {
		return fmt.Errorf("%w: %v", ErrUntrustedDevice, err)
	}
	return err
}

// isUntrustedDeviceError recognizes the olm machine refusing to share a
// session with unverified devices. The library reports this as a plain
// error, so the match is on the message.
func isUntrustedDeviceError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unverified") || strings.Contains(msg, "not trusted")
}
