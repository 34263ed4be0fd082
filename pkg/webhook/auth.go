// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package webhook

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

// TokenHeader is the custom header carrying the webhook token.
const TokenHeader = "Webhook-Token"

// bodyEnvelope is the slice of the JSON body the shared pipeline cares
// about; provider payloads are decoded separately by their normalizer.
type bodyEnvelope struct {
	Token string `json:"token"`
	Room  string `json:"room"`
}

// extractToken picks the request token by carrier priority: Basic-Auth
// password, Webhook-Token header, JSON body token, URL path segment. The
// first carrier present wins even if a later one would disagree.
func extractToken(r *http.Request, body bodyEnvelope) (string, bool) {
	if _, pass, ok := r.BasicAuth(); ok && pass != "" {
		return pass, true
	}
	if h := r.Header.Get(TokenHeader); h != "" {
		return h, true
	}
	if body.Token != "" {
		return body.Token, true
	}
	if t := chi.URLParam(r, "token"); t != "" {
		return t, true
	}
	return "", false
}

// authorize resolves the request token to its configured default
// destination. ok is false when no carrier holds a known token.
func (s *Server) authorize(r *http.Request, raw []byte) (dest string, ok bool) {
	var body bodyEnvelope
	// A non-JSON body just means the body carriers are absent; whether
	// that is an error is the provider normalizer's call.
	_ = json.Unmarshal(raw, &body)

	token, found := extractToken(r, body)
	if !found {
		return "", false
	}
	// Map lookup, not string comparison, so timing reveals nothing.
	dest, ok = s.tokens[token]
	if !ok {
		return "", false
	}
	if room := r.URL.Query().Get("room"); room != "" {
		return room, true
	}
	if body.Room != "" {
		return body.Room, true
	}
	return dest, true
}
