// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package unfurl expands YouTube links found in ordinary room messages into
// a title plus a privacy-friendly Invidious link.
package unfurl

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const lookupTimeout = 5 * time.Second

// YouTube resolves video metadata through an Invidious instance.
type YouTube struct {
	http  *resty.Client
	ivURL string
	log   zerolog.Logger
}

func New(invidiousURL string, log zerolog.Logger) *YouTube {
	return &YouTube{
		http:  resty.New().SetBaseURL(invidiousURL).SetTimeout(lookupTimeout),
		ivURL: strings.TrimRight(invidiousURL, "/"),
		log:   log.With().Str("component", "unfurl").Logger(),
	}
}

type videoResponse struct {
	Title string `json:"title"`
}

// Unfurl scans the message for the first recognizable video link. All
// failures are swallowed: an unfurl is decoration, never an error the room
// should see.
func (y *YouTube) Unfurl(ctx context.Context, body string) (string, bool) {
	if y.ivURL == "" {
		return "", false
	}
	for _, word := range strings.Fields(body) {
		videoID, ok := videoIDFromWord(word)
		if !ok {
			continue
		}
		var out videoResponse
		resp, err := y.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/api/v1/videos/" + videoID)
		if err != nil || resp.IsError() || out.Title == "" {
			y.log.Warn().Err(err).Str("video_id", videoID).Msg("Unfurl lookup failed")
			return "", false
		}
		reply := fmt.Sprintf("🎥 %s | [YouBahn](%s/watch?v=%s)", out.Title, y.ivURL, videoID)
		return reply, true
	}
	return "", false
}

// videoIDFromWord recognizes youtube.com watch URLs and youtu.be short links.
func videoIDFromWord(word string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(word))
	if err != nil {
		return "", false
	}
	host := u.Hostname()
	switch {
	case host == "youtube.com" || strings.HasSuffix(host, ".youtube.com"):
		if v := u.Query().Get("v"); v != "" {
			return v, true
		}
	case host == "youtu.be":
		if id := strings.Trim(u.Path, "/"); id != "" {
			return id, true
		}
	}
	return "", false
}
