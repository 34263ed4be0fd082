// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package webhook

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/aiku/matrix-hookbot/pkg/notify"
)

// normalizer turns one provider payload into zero or more message intents.
// Room is left empty; the pipeline fills in the resolved destination.
// A nil error with no intents means the event type is deliberately ignored.
type normalizer func(raw []byte) ([]notify.Intent, error)

type incomingPayload struct {
	Text   string `json:"text"`
	Prefix string `json:"prefix"`
}

// normalizeIncoming handles the generic webhook: the text, optionally
// tagged with a prefix, posted verbatim in monospace.
func normalizeIncoming(raw []byte) ([]notify.Intent, error) {
	var p incomingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("incoming payload: %w", err)
	}
	if p.Text == "" {
		return nil, nil
	}
	body := p.Text
	if p.Prefix != "" {
		body = fmt.Sprintf("[%s] %s", p.Prefix, p.Text)
	}
	return []notify.Intent{{Body: "`" + body + "`", PlainBody: body}}, nil
}

type radarrPayload struct {
	EventType string `json:"eventType"`
	Movie     struct {
		Title string `json:"title"`
		Year  int    `json:"year"`
	} `json:"movie"`
}

func normalizeRadarr(raw []byte) ([]notify.Intent, error) {
	var p radarrPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("radarr payload: %w", err)
	}
	switch p.EventType {
	case "Test":
		return []notify.Intent{{Body: "`radarr test ok`"}}, nil
	case "Grab", "Download":
		return []notify.Intent{{Body: fmt.Sprintf("📁 %s (%d)", p.Movie.Title, p.Movie.Year)}}, nil
	default:
		return nil, nil
	}
}

type jellyfinPayload struct {
	NotificationType     string `json:"NotificationType"`
	Name                 string `json:"Name"`
	Year                 int    `json:"Year"`
	SeriesName           string `json:"SeriesName"`
	NotificationUsername string `json:"NotificationUsername"`
	ClientName           string `json:"ClientName"`
}

func (p jellyfinPayload) itemName() string {
	if p.SeriesName != "" {
		return fmt.Sprintf("%s: %s", p.SeriesName, p.Name)
	}
	if p.Year != 0 {
		return fmt.Sprintf("%s (%d)", p.Name, p.Year)
	}
	return p.Name
}

// normalizeJellyfin handles media-server events. Playback and session
// events fire repeatedly for one continuous activity, so they carry the
// suppress flag and collapse at the sink.
func normalizeJellyfin(raw []byte) ([]notify.Intent, error) {
	var p jellyfinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("jellyfin payload: %w", err)
	}
	switch p.NotificationType {
	case "ItemAdded":
		return []notify.Intent{{Body: "📺 " + p.itemName()}}, nil
	case "PlaybackStart":
		body := fmt.Sprintf("▶️ %s is playing %s", p.NotificationUsername, p.itemName())
		return []notify.Intent{{Body: body, SuppressRepeat: true}}, nil
	case "SessionStart":
		body := fmt.Sprintf("👤 %s connected from %s", p.NotificationUsername, p.ClientName)
		return []notify.Intent{{Body: body, SuppressRepeat: true}}, nil
	default:
		return nil, nil
	}
}

type grafanaPayload struct {
	Status  string `json:"status"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func normalizeGrafana(raw []byte) ([]notify.Intent, error) {
	var p grafanaPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("grafana payload: %w", err)
	}
	marker := "🚨"
	if p.Status == "resolved" {
		marker = "✅"
	}
	body := fmt.Sprintf("%s %s", marker, p.Title)
	if p.Message != "" {
		body = fmt.Sprintf("%s: %s", body, p.Message)
	}
	return []notify.Intent{{Body: body}}, nil
}
