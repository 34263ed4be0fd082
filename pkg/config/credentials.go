// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/goccy/go-json"
)

// Credentials is the stored Matrix session written after a successful
// password login and reused on every later start.
type Credentials struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	AccessToken string `json:"access_token"`
}

// ErrNoCredentials means the credentials file does not exist yet; the
// operator has to run with --restore-login first.
var ErrNoCredentials = errors.New("no stored credentials found")

// ReadCredentials loads the credentials file.
func ReadCredentials(path string) (*Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("read credentials %q: %w", path, err)
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %q: %w", path, err)
	}
	if creds.UserID == "" || creds.DeviceID == "" || creds.AccessToken == "" {
		return nil, fmt.Errorf("credentials %q: missing field", path)
	}
	return &creds, nil
}

// WriteCredentials persists the credentials with owner-only permissions.
func WriteCredentials(path string, creds *Credentials) error {
	raw, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write credentials %q: %w", path, err)
	}
	return nil
}

// CredentialsExist reports whether a credentials file is already present.
func CredentialsExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
