// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbot/pkg/config"
	"github.com/aiku/matrix-hookbot/pkg/notify"
)

func testMatrixConfig() config.MatrixConfig {
	return config.MatrixConfig{
		Homeserver:  "https://matrix.example.org",
		UserID:      string(botUser),
		DefaultRoom: "#alerts:example.org",
		AdminRooms:  []string{"#ops:example.org"},
		Autotrust:   true,
		Backoff:     5 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, client *fakeClient) (*Session, *Router, *notify.Queue) {
	t.Helper()
	queue := notify.NewQueue(16)
	router, err := NewRouter(client, queue, testCommands(), testPhrases(), nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	sess := NewSession(client, router, queue, testMatrixConfig(), "1.2.3", zerolog.Nop())
	return sess, router, queue
}

func TestSession_FatalOnRejectedToken(t *testing.T) {
	t.Parallel()
	client := newFakeClient(botUser)
	client.whoamiScript = []error{ErrUnknownToken}
	sess, _, _ := newTestSession(t, client)

	err := sess.Serve(context.Background())
	if !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		t.Fatalf("rejected token must stop the tree, got %v", err)
	}
}

func TestSession_RetriesTransientWhoami(t *testing.T) {
	t.Parallel()
	client := newFakeClient(botUser)
	client.whoamiScript = []error{errors.New("connection refused"), nil}
	sess, _, _ := newTestSession(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	client.syncScript = []func(context.Context) error{
		func(context.Context) error {
			cancel()
			return context.Canceled
		},
	}

	if err := sess.Serve(ctx); err != context.Canceled {
		t.Fatalf("serve: got %v", err)
	}
	if sess.State() != StateSyncing {
		t.Errorf("state after reaching sync: got %v", sess.State())
	}
}

// TestSession_ReconnectsAfterSyncFailure simulates one transient stream
// fault: exactly one backoff and one reconnect, and an intent queued before
// the fault is still there for the sink afterwards.
func TestSession_ReconnectsAfterSyncFailure(t *testing.T) {
	t.Parallel()
	client := newFakeClient(botUser)
	sess, _, queue := newTestSession(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	syncCalls := 0
	client.syncScript = []func(context.Context) error{
		func(ctx context.Context) error {
			syncCalls++
			if err := queue.Enqueue(ctx, notify.Intent{Room: "!r:example.org", Body: "queued before fault"}); err != nil {
				t.Errorf("enqueue: %v", err)
			}
			return errors.New("stream reset")
		},
		func(context.Context) error {
			syncCalls++
			cancel()
			return context.Canceled
		},
	}

	if err := sess.Serve(ctx); err != context.Canceled {
		t.Fatalf("serve: got %v", err)
	}
	if syncCalls != 2 {
		t.Errorf("sync attempts: got %d, want 2", syncCalls)
	}

	it, ok := queue.TryDequeue()
	if !ok {
		t.Fatal("intent queued before the fault was lost across the reconnect")
	}
	if it.Body != "queued before fault" {
		t.Errorf("surviving intent: got %+v", it)
	}
}

func TestSession_FatalWhenTokenRevokedMidSync(t *testing.T) {
	t.Parallel()
	client := newFakeClient(botUser)
	sess, _, _ := newTestSession(t, client)
	client.syncScript = []func(context.Context) error{
		func(context.Context) error { return ErrUnknownToken },
	}

	err := sess.Serve(context.Background())
	if !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		t.Fatalf("mid-sync token revocation must stop the tree, got %v", err)
	}
}

// TestSession_FirstSyncFinishesStartup drives one successful sync and
// checks the post-sync work: admin rooms become authorized, joined rooms
// get trusted and the startup notice is queued.
func TestSession_FirstSyncFinishesStartup(t *testing.T) {
	t.Parallel()
	client := newFakeClient(botUser)
	client.joined = []id.RoomID{"!alerts:example.org"}
	sess, router, queue := newTestSession(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	client.syncScript = []func(context.Context) error{
		func(ctx context.Context) error {
			client.fireSync(ctx)
			cancel()
			return context.Canceled
		},
	}

	if err := sess.Serve(ctx); err != context.Canceled {
		t.Fatalf("serve: got %v", err)
	}

	if !router.isAdminRoom("!ops:example.org") {
		t.Error("admin room alias was not resolved into the router")
	}
	if got := client.trustedRooms(); len(got) != 1 || got[0] != "!alerts:example.org" {
		t.Errorf("trusted rooms: got %v", got)
	}

	it, ok := queue.TryDequeue()
	if !ok {
		t.Fatal("startup notice not queued")
	}
	if it.Room != "#alerts:example.org" || !strings.Contains(it.Body, "1.2.3") {
		t.Errorf("startup notice: got %+v", it)
	}
}

// TestSession_FarewellOnlyAfterFirstSync checks the shutdown notice goes
// out on a clean stop, and only when the session actually came up.
func TestSession_FarewellOnlyAfterFirstSync(t *testing.T) {
	t.Parallel()

	// Came up, then stopped: farewell expected.
	client := newFakeClient(botUser)
	sess, _, _ := newTestSession(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	client.syncScript = []func(context.Context) error{
		func(ctx context.Context) error {
			client.fireSync(ctx)
			cancel()
			return context.Canceled
		},
	}
	if err := sess.Serve(ctx); err != context.Canceled {
		t.Fatalf("serve: got %v", err)
	}
	sent := client.sentNotices()
	if len(sent) != 1 || !strings.Contains(sent[0].body, "signing off") {
		t.Errorf("farewell: got %v", sent)
	}

	// Never synced: no farewell.
	client2 := newFakeClient(botUser)
	sess2, _, _ := newTestSession(t, client2)
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	client2.whoamiScript = []error{errors.New("down")}
	if err := sess2.Serve(ctx2); err == nil {
		t.Fatal("expected context error")
	}
	if got := client2.sentNotices(); len(got) != 0 {
		t.Errorf("farewell before first sync: got %v", got)
	}
}
