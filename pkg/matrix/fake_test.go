// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"strings"
	"sync"

	"maunium.net/go/mautrix/id"
)

type sentNotice struct {
	room      id.RoomID
	body      string
	plainBody string
}

// fakeClient scripts the homeserver side of a session. whoamiScript and
// syncScript are consumed one entry per call; an exhausted syncScript
// blocks until the context dies, like a healthy long-poll would.
type fakeClient struct {
	mu sync.Mutex

	userID       id.UserID
	whoamiScript []error
	syncScript   []func(ctx context.Context) error

	sendErrs []error // popped per SendNotice call, nil entries succeed
	sent     []sentNotice
	trusted  []id.RoomID
	joined   []id.RoomID
	avatar   string

	msgHandlers  []MessageHandler
	syncHandlers []SyncHandler
}

var _ Client = (*fakeClient)(nil)

func newFakeClient(userID id.UserID) *fakeClient {
	return &fakeClient{userID: userID}
}

func (f *fakeClient) Whoami(ctx context.Context) (id.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.whoamiScript) > 0 {
		err := f.whoamiScript[0]
		f.whoamiScript = f.whoamiScript[1:]
		if err != nil {
			return "", err
		}
	}
	return f.userID, nil
}

func (f *fakeClient) UserID() id.UserID { return f.userID }

func (f *fakeClient) Sync(ctx context.Context) error {
	f.mu.Lock()
	var step func(ctx context.Context) error
	if len(f.syncScript) > 0 {
		step = f.syncScript[0]
		f.syncScript = f.syncScript[1:]
	}
	f.mu.Unlock()
	if step != nil {
		return step(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeClient) SendNotice(_ context.Context, room id.RoomID, body, plainBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sentNotice{room: room, body: body, plainBody: plainBody})
	return nil
}

// ResolveRoom maps #alias:server to !alias:server so tests can tell
// resolution happened; room IDs pass through.
func (f *fakeClient) ResolveRoom(_ context.Context, destination string) (id.RoomID, error) {
	if strings.HasPrefix(destination, "!") {
		return id.RoomID(destination), nil
	}
	return id.RoomID("!" + strings.TrimPrefix(destination, "#")), nil
}

func (f *fakeClient) JoinRoom(_ context.Context, room id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, room)
	return nil
}

func (f *fakeClient) JoinedRooms(_ context.Context) ([]id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]id.RoomID(nil), f.joined...), nil
}

func (f *fakeClient) TrustRoomDevices(_ context.Context, room id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trusted = append(f.trusted, room)
	return nil
}

func (f *fakeClient) SetAvatar(_ context.Context, avatarURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avatar = avatarURL
	return nil
}

func (f *fakeClient) OnMessage(h MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgHandlers = append(f.msgHandlers, h)
}

func (f *fakeClient) OnSync(h SyncHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncHandlers = append(f.syncHandlers, h)
}

func (f *fakeClient) Close(context.Context) error { return nil }

func (f *fakeClient) fireSync(ctx context.Context) {
	f.mu.Lock()
	handlers := append([]SyncHandler(nil), f.syncHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ctx)
	}
}

func (f *fakeClient) sentNotices() []sentNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentNotice(nil), f.sent...)
}

func (f *fakeClient) trustedRooms() []id.RoomID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]id.RoomID(nil), f.trusted...)
}
