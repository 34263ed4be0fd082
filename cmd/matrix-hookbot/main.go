// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-hookbot bridges provider webhooks into Matrix rooms and
// answers a small set of chat commands from its admin rooms.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
	"golang.org/x/term"

	"github.com/aiku/matrix-hookbot/pkg/config"
	"github.com/aiku/matrix-hookbot/pkg/healthcheck"
	"github.com/aiku/matrix-hookbot/pkg/matrix"
	"github.com/aiku/matrix-hookbot/pkg/movies"
	"github.com/aiku/matrix-hookbot/pkg/notify"
	"github.com/aiku/matrix-hookbot/pkg/unfurl"
	"github.com/aiku/matrix-hookbot/pkg/webhook"
)

// These are filled at build time with -ldflags.
var (
	Version   = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath   string
	debug        bool
	restoreLogin bool
)

func main() {
	root := &cobra.Command{
		Use:           "matrix-hookbot",
		Short:         "Webhook to Matrix notification bridge",
		Version:       fmt.Sprintf("%s (%s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "print debug output")
	root.Flags().BoolVarP(&restoreLogin, "restore-login", "r", false, "log in with a password and store fresh credentials")

	root.AddCommand(&cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running instance's liveness endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return healthcheck.Probe(cmd.Context(), cfg.Webhook.Host, cfg.Webhook.Port, cfg.Webhook.BasePath)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "matrix-hookbot: %v\n", err)
		var ce *config.ConfigError
		if errors.As(err, &ce) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := config.BuildLogger(cfg.Logging, debug)
	if err != nil {
		return err
	}
	log.Info().
		Str("version", Version).
		Str("user_id", cfg.Matrix.UserID).
		Msg("matrix-hookbot starting")

	if restoreLogin {
		return doRestoreLogin(ctx, cfg, log)
	}
	return runDaemon(ctx, cfg, log)
}

// doRestoreLogin performs an interactive password login and writes the
// credentials file the daemon starts from.
func doRestoreLogin(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if config.CredentialsExist(cfg.CredentialsPath) && !confirm("credentials already exist, overwrite?") {
		return errors.New("keeping existing credentials")
	}

	fmt.Fprintf(os.Stderr, "password for %s: ", cfg.Matrix.UserID)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	creds, err := matrix.Login(ctx, cfg.Matrix.Homeserver, cfg.Matrix.UserID, string(password), cfg.Matrix.DeviceName, log)
	if err != nil {
		return err
	}
	if err := config.WriteCredentials(cfg.CredentialsPath, creds); err != nil {
		return err
	}
	log.Info().Str("path", cfg.CredentialsPath).Msg("Credentials stored")
	return nil
}

func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "y")
}

// runDaemon wires the queue, the three services and the supervisor, then
// blocks until the context dies or a fatal fault stops the tree.
func runDaemon(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	creds, err := config.ReadCredentials(cfg.CredentialsPath)
	if err != nil {
		if errors.Is(err, config.ErrNoCredentials) {
			return fmt.Errorf("%w; run with --restore-login first", err)
		}
		return err
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		return fmt.Errorf("storage path: %w", err)
	}

	bot, err := matrix.NewBotClient(cfg.Matrix.Homeserver, creds, cfg.StoragePath, true, cfg.Matrix.Autotrust, log)
	if err != nil {
		return err
	}
	if err := bot.Init(ctx); err != nil {
		return err
	}

	queue := notify.NewQueue(cfg.QueueSize)

	var adder matrix.MovieAdder
	if cfg.Notflix.TheMovieDBAPIKey != "" && cfg.Notflix.RadarrURL != "" {
		adder = movies.New(cfg.Notflix, log)
	}
	var unfurler matrix.Unfurler
	if cfg.Notflix.InvidiousURL != "" {
		unfurler = unfurl.New(cfg.Notflix.InvidiousURL, log)
	}

	router, err := matrix.NewRouter(bot, queue, cfg.Commands, cfg.Phrases, adder, unfurler, log)
	if err != nil {
		return err
	}
	session := matrix.NewSession(bot, router, queue, cfg.Matrix, Version, log)
	sink := matrix.NewSink(bot, queue, log)
	server := webhook.NewServer(cfg.Webhook, queue, log)

	sup := suture.New("hookbot", suture.Spec{
		EventHook: supervisorEventHook(log),
	})
	sup.Add(server)
	sup.Add(sink)
	sup.Add(session)

	err = sup.Serve(ctx)
	queue.Close()
	if cerr := bot.Close(context.Background()); cerr != nil {
		log.Warn().Err(cerr).Msg("Client close failed")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("matrix-hookbot stopped")
	return nil
}

// supervisorEventHook routes suture's restart chatter into the process
// logger, leveled by severity.
func supervisorEventHook(log zerolog.Logger) suture.EventHook {
	slog := log.With().Str("component", "supervisor").Logger()
	return func(e suture.Event) {
		evt := slog.Info()
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
			evt = slog.Error()
		case suture.EventTypeServiceTerminate, suture.EventTypeBackoff:
			evt = slog.Warn()
		}
		evt.Interface("details", e.Map()).Msg(e.String())
	}
}
