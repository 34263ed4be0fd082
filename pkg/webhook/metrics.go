// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookbot_webhook_requests_total",
		Help: "Webhook requests by provider and status code.",
	}, []string{"provider", "code"})

	intentsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookbot_webhook_intents_total",
		Help: "Message intents enqueued per provider.",
	}, []string{"provider"})
)
