// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// BuildLogger constructs the process logger. debug forces trace-level output
// regardless of the configured level. When a logfile is configured it is
// rotated by lumberjack and written in addition to stderr.
func BuildLogger(cfg LoggingConfig, debug bool) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), configErrorf("logging.level %q: %v", cfg.Level, err)
	}
	if debug {
		level = zerolog.DebugLevel
	}

	var stderr io.Writer = os.Stderr
	if cfg.Format != "json" {
		stderr = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	}

	writer := stderr
	if cfg.Logfile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.Logfile,
			MaxSize:    20, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
		}
		writer = zerolog.MultiLevelWriter(stderr, rotated)
	}

	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), nil
}
