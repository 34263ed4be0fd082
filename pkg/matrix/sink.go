// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/aiku/matrix-hookbot/pkg/notify"
)

var (
	sinkDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookbot_notify_delivered_total",
		Help: "Notices delivered to the homeserver.",
	})
	sinkSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookbot_notify_suppressed_total",
		Help: "Notices skipped because they repeated the previous one.",
	})
	sinkDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookbot_notify_dropped_total",
		Help: "Notices dropped after a delivery failure.",
	})
)

const drainTimeout = 5 * time.Second

// Sink is the single consumer of the notify queue. Having exactly one
// sender serializes all outbound traffic without locking the client.
type Sink struct {
	client Client
	queue  *notify.Queue
	log    zerolog.Logger

	// last delivered body per destination, for SuppressRepeat intents.
	last map[string]string
}

var _ suture.Service = (*Sink)(nil)

func NewSink(client Client, queue *notify.Queue, log zerolog.Logger) *Sink {
	return &Sink{
		client: client,
		queue:  queue,
		log:    log.With().Str("service", "sink").Logger(),
		last:   make(map[string]string),
	}
}

// Serve implements suture.Service. On shutdown it drains whatever is
// already queued, best effort, before returning.
func (s *Sink) Serve(ctx context.Context) error {
	for {
		it, ok := s.queue.Dequeue(ctx)
		if !ok {
			s.drain()
			return ctx.Err()
		}
		s.deliver(ctx, it)
	}
}

// deliver sends one intent. A failure never takes the sink down; the
// intent is counted, logged and dropped.
func (s *Sink) deliver(ctx context.Context, it notify.Intent) {
	log := s.log.With().Str("room", it.Room).Logger()

	if it.SuppressRepeat && s.last[it.Room] == it.Body {
		sinkSuppressed.Inc()
		log.Debug().Msg("Suppressed repeated notice")
		return
	}

	room, err := s.client.ResolveRoom(ctx, it.Room)
	if err != nil {
		sinkDropped.Inc()
		log.Error().Err(err).Msg("Failed to resolve destination, dropping notice")
		return
	}

	err = s.client.SendNotice(ctx, room, it.Body, it.PlainBody)
	if errors.Is(err, ErrUntrustedDevice) {
		// New devices in the room block the encrypted send. Trust them
		// and retry exactly once; a second failure drops the notice.
		log.Info().Msg("Untrusted devices in room, trusting and retrying")
		if terr := s.client.TrustRoomDevices(ctx, room); terr != nil {
			log.Error().Err(terr).Msg("Failed to trust room devices")
		}
		err = s.client.SendNotice(ctx, room, it.Body, it.PlainBody)
	}
	if err != nil {
		sinkDropped.Inc()
		log.Error().Err(err).Msg("Failed to deliver notice, dropping")
		return
	}

	s.last[it.Room] = it.Body
	sinkDelivered.Inc()
	log.Debug().Msg("Delivered notice")
}

// drain flushes intents that were queued before shutdown began. It works
// on a fresh short-lived context because the run context is already dead.
func (s *Sink) drain() {
	pending := s.queue.Len()
	if pending == 0 {
		return
	}
	s.log.Info().Int("pending", pending).Msg("Draining queue before shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		if ctx.Err() != nil {
			s.log.Warn().Int("pending", s.queue.Len()).Msg("Drain timed out")
			return
		}
		it, ok := s.queue.TryDequeue()
		if !ok {
			return
		}
		s.deliver(ctx, it)
	}
}
