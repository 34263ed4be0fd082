// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/matrix-hookbot/pkg/notify"
)

func TestSink_DeliversAndResolvesAliases(t *testing.T) {
	t.Parallel()
	client := newFakeClient(botUser)
	sink := NewSink(client, notify.NewQueue(1), zerolog.Nop())

	sink.deliver(context.Background(), notify.Intent{Room: "#alerts:example.org", Body: "hello", PlainBody: "hello plain"})

	sent := client.sentNotices()
	if len(sent) != 1 {
		t.Fatalf("sent: got %d notices", len(sent))
	}
	if sent[0].room != "!alerts:example.org" {
		t.Errorf("alias not resolved: got %q", sent[0].room)
	}
	if sent[0].plainBody != "hello plain" {
		t.Errorf("plain body: got %q", sent[0].plainBody)
	}
}

func TestSink_SuppressRepeat(t *testing.T) {
	t.Parallel()
	client := newFakeClient(botUser)
	sink := NewSink(client, notify.NewQueue(1), zerolog.Nop())
	ctx := context.Background()

	it := notify.Intent{Room: "!r:example.org", Body: "▶️ Movie Night", SuppressRepeat: true}
	sink.deliver(ctx, it)
	sink.deliver(ctx, it)

	if got := len(client.sentNotices()); got != 1 {
		t.Errorf("repeated notice not suppressed: %d sends", got)
	}

	// A different body resets the comparison state.
	sink.deliver(ctx, notify.Intent{Room: "!r:example.org", Body: "⏹ stopped", SuppressRepeat: true})
	sink.deliver(ctx, it)
	if got := len(client.sentNotices()); got != 3 {
		t.Errorf("after body change: got %d sends, want 3", got)
	}
}

func TestSink_DuplicatesDeliveredWithoutSuppressFlag(t *testing.T) {
	t.Parallel()
	client := newFakeClient(botUser)
	sink := NewSink(client, notify.NewQueue(1), zerolog.Nop())
	ctx := context.Background()

	it := notify.Intent{Room: "!r:example.org", Body: "same"}
	sink.deliver(ctx, it)
	sink.deliver(ctx, it)

	if got := len(client.sentNotices()); got != 2 {
		t.Errorf("plain duplicates: got %d sends, want 2", got)
	}
}

func TestSink_TrustsAndRetriesOnce(t *testing.T) {
	t.Parallel()
	client := newFakeClient(botUser)
	client.sendErrs = []error{ErrUntrustedDevice, nil}
	sink := NewSink(client, notify.NewQueue(1), zerolog.Nop())

	sink.deliver(context.Background(), notify.Intent{Room: "!r:example.org", Body: "secret"})

	if got := len(client.sentNotices()); got != 1 {
		t.Fatalf("retry after trust: got %d delivered", got)
	}
	if got := client.trustedRooms(); len(got) != 1 || got[0] != "!r:example.org" {
		t.Errorf("trusted rooms: got %v", got)
	}
}

func TestSink_DropsAfterSecondFailure(t *testing.T) {
	t.Parallel()
	client := newFakeClient(botUser)
	client.sendErrs = []error{ErrUntrustedDevice, ErrUntrustedDevice, nil}
	sink := NewSink(client, notify.NewQueue(1), zerolog.Nop())

	sink.deliver(context.Background(), notify.Intent{Room: "!r:example.org", Body: "secret"})

	if got := len(client.sentNotices()); got != 0 {
		t.Errorf("expected drop after second failure, got %d delivered", got)
	}
	if got := len(client.trustedRooms()); got != 1 {
		t.Errorf("trust attempts: got %d, want exactly 1", got)
	}
}

func TestSink_ServeDrainsQueueOnShutdown(t *testing.T) {
	t.Parallel()
	client := newFakeClient(botUser)
	queue := notify.NewQueue(8)
	sink := NewSink(client, queue, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		if err := queue.Enqueue(ctx, notify.Intent{Room: "!r:example.org", Body: "msg"}); err != nil {
			t.Fatal(err)
		}
	}
	cancel()

	if err := sink.Serve(ctx); err != context.Canceled {
		t.Fatalf("serve: got %v", err)
	}
	// Dequeue may still hand out queued intents after cancellation, so the
	// split between loop and drain is unspecified. Total delivery is not.
	if got := len(client.sentNotices()); got != 3 {
		t.Errorf("drained deliveries: got %d, want 3", got)
	}
}
