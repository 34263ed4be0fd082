// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package healthcheck probes a running hookbot's liveness endpoint. It is
// what container health checks run, so it must need no config beyond the
// listen address.
package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const probeTimeout = 2 * time.Second

type ruokResponse struct {
	Ruok string `json:"ruok"`
}

// Probe hits GET {basePath}/ruok and returns nil only for a well-formed
// "iamok" answer.
func Probe(ctx context.Context, host string, port int, basePath string) error {
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	var out ruokResponse
	resp, err := resty.New().
		SetTimeout(probeTimeout).
		R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("http://%s:%d%s/ruok", host, port, basePath))
	if err != nil {
		return fmt.Errorf("ruok probe: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("ruok probe: status %d", resp.StatusCode())
	}
	if out.Ruok != "iamok" {
		return fmt.Errorf("ruok probe: unexpected answer %q", out.Ruok)
	}
	return nil
}
