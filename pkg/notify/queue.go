// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package notify carries outbound message intents from the webhook ingress
// (and command router replies) to the single delivery sink.
package notify

import (
	"context"
	"errors"
)

// Intent is a normalized outbound message, independent of the provider that
// triggered it. Room may be a human-readable alias (#room:server) or a
// canonical room ID (!id:server); resolution happens at delivery time.
type Intent struct {
	Room           string
	Body           string
	PlainBody      string
	SuppressRepeat bool
}

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("notify: queue closed")

// DefaultCapacity absorbs bursty provider traffic without blocking the
// HTTP request path.
const DefaultCapacity = 512

// Queue is the point-to-point conduit between many concurrent producers and
// exactly one consumer. It is the sole serialization point for outbound
// sends: because one goroutine drains it, the protocol connection never
// needs send-side locking. Order is FIFO per producer; no global order is
// guaranteed across racing producers.
type Queue struct {
	ch   chan Intent
	done chan struct{}
}

// NewQueue creates a queue with the given capacity. capacity <= 0 uses
// DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:   make(chan Intent, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue adds an intent. It waits only while the buffer is full and the
// context is live, so HTTP handlers stay responsive under bursts.
func (q *Queue) Enqueue(ctx context.Context, it Intent) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- it:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until an intent is available or the context is canceled.
// The second return value is false when no intent was read.
func (q *Queue) Dequeue(ctx context.Context) (Intent, bool) {
	select {
	case it := <-q.ch:
		return it, true
	case <-ctx.Done():
		return Intent{}, false
	}
}

// TryDequeue reads an intent without blocking. Used by the sink to drain
// leftovers during shutdown.
func (q *Queue) TryDequeue() (Intent, bool) {
	select {
	case it := <-q.ch:
		return it, true
	default:
		return Intent{}, false
	}
}

// Len reports the number of pending intents.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close rejects further producers. Pending intents remain readable.
func (q *Queue) Close() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}
