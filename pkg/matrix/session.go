// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbot/pkg/config"
	"github.com/aiku/matrix-hookbot/pkg/notify"
)

// State is the session lifecycle phase, mostly for logs and tests.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateSyncing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateSyncing:
		return "syncing"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const farewellTimeout = 5 * time.Second

// Session drives the homeserver connection: it validates the token, runs
// the sync loop and reconnects with a fixed backoff. An invalid token
// terminates the whole process because retrying cannot fix it.
type Session struct {
	client  Client
	router  *Router
	queue   *notify.Queue
	cfg     config.MatrixConfig
	version string
	log     zerolog.Logger

	state     atomic.Int32
	wireOnce  sync.Once
	readyOnce sync.Once
}

var _ suture.Service = (*Session)(nil)

func NewSession(client Client, router *Router, queue *notify.Queue, cfg config.MatrixConfig, version string, log zerolog.Logger) *Session {
	return &Session{
		client:  client,
		router:  router,
		queue:   queue,
		cfg:     cfg,
		version: version,
		log:     log.With().Str("service", "session").Logger(),
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debug().Stringer("from", old).Stringer("to", st).Msg("Session state changed")
	}
}

// Serve implements suture.Service. It returns only on context cancellation
// or a fatal auth fault; transient sync failures are retried in place.
func (s *Session) Serve(ctx context.Context) error {
	s.wireOnce.Do(func() {
		s.client.OnMessage(s.router.Handle)
		s.client.OnSync(func(ctx context.Context) {
			s.readyOnce.Do(func() { s.afterFirstSync(ctx) })
		})
	})

	if err := s.authenticate(ctx); err != nil {
		return err
	}

	for {
		s.setState(StateSyncing)
		err := s.client.Sync(ctx)
		if ctx.Err() != nil {
			s.farewell()
			return ctx.Err()
		}
		if IsFatalAuth(err) {
			s.log.Error().Err(err).Msg("Access token revoked, shutting down")
			return fmt.Errorf("sync: %v: %w", err, suture.ErrTerminateSupervisorTree)
		}
		s.setState(StateDisconnected)
		s.log.Warn().Err(err).Dur("backoff", s.cfg.Backoff).Msg("Sync failed, reconnecting")
		if !s.sleep(ctx) {
			s.farewell()
			return ctx.Err()
		}
	}
}

// authenticate verifies the stored token with whoami, retrying transient
// failures with the same backoff as the sync loop.
func (s *Session) authenticate(ctx context.Context) error {
	s.setState(StateAuthenticating)
	for {
		userID, err := s.client.Whoami(ctx)
		if err == nil {
			s.log.Info().Stringer("user_id", userID).Msg("Authenticated")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsFatalAuth(err) {
			s.log.Error().Err(err).Msg("Stored credentials rejected, re-login required")
			return fmt.Errorf("whoami: %v: %w", err, suture.ErrTerminateSupervisorTree)
		}
		s.log.Warn().Err(err).Dur("backoff", s.cfg.Backoff).Msg("Whoami failed, retrying")
		if !s.sleep(ctx) {
			return ctx.Err()
		}
	}
}

// afterFirstSync finishes startup once the first sync has landed: admin
// room aliases resolve, joined rooms get trusted, the avatar is set and the
// startup notice goes out.
func (s *Session) afterFirstSync(ctx context.Context) {
	s.log.Info().Msg("Initial sync complete")

	admins := make([]id.RoomID, 0, len(s.cfg.AdminRooms))
	for _, dest := range s.cfg.AdminRooms {
		room, err := s.client.ResolveRoom(ctx, dest)
		if err != nil {
			s.log.Error().Err(err).Str("room", dest).Msg("Failed to resolve admin room")
			continue
		}
		admins = append(admins, room)
	}
	s.router.SetAdminRooms(admins)
	s.log.Info().Int("admin_rooms", len(admins)).Msg("Command authorization ready")

	if s.cfg.Autotrust {
		rooms, err := s.client.JoinedRooms(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to list joined rooms")
		} else {
			for _, room := range rooms {
				if err := s.client.TrustRoomDevices(ctx, room); err != nil {
					s.log.Warn().Err(err).Stringer("room_id", room).Msg("Failed to trust room devices")
				}
			}
		}
	}

	if s.cfg.Avatar != "" {
		if err := s.client.SetAvatar(ctx, s.cfg.Avatar); err != nil {
			s.log.Warn().Err(err).Msg("Failed to set avatar")
		}
	}

	it := notify.Intent{
		Room: s.cfg.DefaultRoom,
		Body: fmt.Sprintf("🤖 hookbot `%s` connected", s.version),
	}
	if err := s.queue.Enqueue(ctx, it); err != nil {
		s.log.Warn().Err(err).Msg("Failed to queue startup notice")
	}
}

// farewell posts a shutdown notice on clean exit. The run context is gone
// at this point, so the send gets its own short deadline. Best effort: if
// the session never got through its first sync there is nothing to say.
func (s *Session) farewell() {
	ready := true
	s.readyOnce.Do(func() { ready = false })
	if !ready {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), farewellTimeout)
	defer cancel()
	room, err := s.client.ResolveRoom(ctx, s.cfg.DefaultRoom)
	if err != nil {
		s.log.Debug().Err(err).Msg("Skipping farewell notice")
		return
	}
	if err := s.client.SendNotice(ctx, room, "🤖 hookbot signing off", ""); err != nil {
		s.log.Debug().Err(err).Msg("Failed to send farewell notice")
	}
}

// sleep waits one backoff period. Returns false when the context died.
func (s *Session) sleep(ctx context.Context) bool {
	t := time.NewTimer(s.cfg.Backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
