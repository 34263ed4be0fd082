// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config loads the hookbot configuration from a YAML file with
// HOOKBOT_* environment overrides, and manages the stored Matrix
// credentials file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full process configuration. Precedence: env > file > defaults.
type Config struct {
	Matrix   MatrixConfig      `koanf:"matrix"`
	Webhook  WebhookConfig     `koanf:"webhook"`
	Notflix  NotflixConfig     `koanf:"notflix"`
	Commands map[string]string `koanf:"commands"`
	Phrases  map[string]string `koanf:"phrases"`
	Logging  LoggingConfig     `koanf:"logging"`

	CredentialsPath string `koanf:"credentials_path"`
	StoragePath     string `koanf:"storage_path"`
	QueueSize       int    `koanf:"queue_size"`
}

// MatrixConfig describes the homeserver session.
type MatrixConfig struct {
	Homeserver  string        `koanf:"homeserver"`
	UserID      string        `koanf:"user_id"`
	DeviceName  string        `koanf:"device_name"`
	Avatar      string        `koanf:"avatar"`
	DefaultRoom string        `koanf:"default_room"`
	AdminRooms  []string      `koanf:"admin_rooms"`
	Autotrust   bool          `koanf:"autotrust"`
	Backoff     time.Duration `koanf:"backoff"`
}

// WebhookConfig describes the HTTP ingress.
type WebhookConfig struct {
	Host      string            `koanf:"host"`
	Port      int               `koanf:"port"`
	BasePath  string            `koanf:"base_path"`
	Tokens    map[string]string `koanf:"tokens"`     // token -> default destination
	RateLimit int               `koanf:"rate_limit"` // requests per minute per IP, 0 disables
}

// Addr returns the listen address.
func (w WebhookConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// NotflixConfig holds the outbound metadata service settings.
type NotflixConfig struct {
	TheMovieDBAPIKey     string `koanf:"themoviedb_api_key"`
	RadarrURL            string `koanf:"radarr_url"`
	RadarrAPIKey         string `koanf:"radarr_api_key"`
	RadarrRootFolder     string `koanf:"radarr_root_folder"`
	RadarrQualityProfile int    `koanf:"radarr_quality_profile"`
	InvidiousURL         string `koanf:"invidious_url"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level   string `koanf:"level"`
	Format  string `koanf:"format"` // "console" or "json"
	Logfile string `koanf:"logfile"`
}

// ConfigError aborts startup; nothing downstream runs on a bad config.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

func defaults() *Config {
	return &Config{
		Matrix: MatrixConfig{
			DeviceName: "hookbot",
			Autotrust:  true,
			Backoff:    10 * time.Second,
		},
		Webhook: WebhookConfig{
			Host:      "0.0.0.0",
			Port:      8321,
			BasePath:  "/_webhook",
			RateLimit: 120,
		},
		Commands: map[string]string{
			"!ruok":   "ruok",
			"!whoami": "whoami",
			"!add":    "add",
		},
		Phrases: map[string]string{
			"are you alive?": "no im a `robot`",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		QueueSize: 512,
	}
}

// envMappings translates HOOKBOT_* environment variables to config paths.
// Only mapped keys are honored so unrelated environment noise cannot leak
// into the configuration.
var envMappings = map[string]string{
	"matrix_homeserver":   "matrix.homeserver",
	"matrix_user_id":      "matrix.user_id",
	"matrix_device_name":  "matrix.device_name",
	"matrix_avatar":       "matrix.avatar",
	"matrix_default_room": "matrix.default_room",
	"matrix_autotrust":    "matrix.autotrust",
	"matrix_backoff":      "matrix.backoff",

	"webhook_host":       "webhook.host",
	"webhook_port":       "webhook.port",
	"webhook_base_path":  "webhook.base_path",
	"webhook_rate_limit": "webhook.rate_limit",

	"themoviedb_api_key":     "notflix.themoviedb_api_key",
	"radarr_url":             "notflix.radarr_url",
	"radarr_api_key":         "notflix.radarr_api_key",
	"radarr_root_folder":     "notflix.radarr_root_folder",
	"radarr_quality_profile": "notflix.radarr_quality_profile",
	"invidious_url":          "notflix.invidious_url",

	"credentials_path": "credentials_path",
	"storage_path":     "storage_path",
	"queue_size":       "queue_size",

	"log_level":   "logging.level",
	"log_format":  "logging.format",
	"log_logfile": "logging.logfile",
}

// EnvPrefix is stripped from override variables (HOOKBOT_LOG_LEVEL etc).
const EnvPrefix = "HOOKBOT_"

// Load reads the config file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, configErrorf("config file %q: %v", path, err)
	}

	envProvider := env.Provider(EnvPrefix, ".", func(key string) string {
		key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		if mapped, ok := envMappings[key]; ok {
			return mapped
		}
		return ""
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, configErrorf("environment overrides: %v", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, configErrorf("config file %q: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields nothing can run without.
func (c *Config) Validate() error {
	required := []struct {
		key, val string
	}{
		{"matrix.homeserver", c.Matrix.Homeserver},
		{"matrix.user_id", c.Matrix.UserID},
		{"matrix.default_room", c.Matrix.DefaultRoom},
		{"credentials_path", c.CredentialsPath},
		{"storage_path", c.StoragePath},
	}
	for _, r := range required {
		if r.val == "" {
			return configErrorf("required in config: %q", r.key)
		}
	}
	if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
		return configErrorf("webhook.port out of range: %d", c.Webhook.Port)
	}
	if !strings.HasPrefix(c.Webhook.BasePath, "/") {
		return configErrorf("webhook.base_path must start with '/': %q", c.Webhook.BasePath)
	}
	if c.Matrix.Backoff <= 0 {
		c.Matrix.Backoff = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	return nil
}
