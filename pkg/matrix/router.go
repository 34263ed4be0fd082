// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbot/pkg/notify"
)

// CommandHandler runs one chat command. args excludes the command word.
// The returned string is posted back to the room; empty means no reply.
type CommandHandler func(ctx context.Context, evt MessageEvent, args []string) (string, error)

// MovieAdder queues a movie for download from a chat-supplied URL.
type MovieAdder interface {
	AddByURL(ctx context.Context, rawURL string) (string, error)
}

// Unfurler expands recognized links in ordinary messages into a reply.
// ok is false when the message contains nothing to expand.
type Unfurler interface {
	Unfurl(ctx context.Context, body string) (reply string, ok bool)
}

// Router dispatches inbound room messages: commands first, then canned
// phrases, then the link unfurler. Replies go through the notify queue so
// the sink stays the only sender.
type Router struct {
	client   Client
	queue    *notify.Queue
	unfurler Unfurler
	log      zerolog.Logger

	commands map[string]CommandHandler
	phrases  map[string]string

	mu         sync.RWMutex
	adminRooms map[id.RoomID]struct{}
}

// NewRouter wires the configured command words to built-in handlers.
// commands maps a command word ("!add") to a handler name ("add"); an
// unknown handler name is a startup error. phrases maps a full message
// (case-insensitive) to a canned reply.
func NewRouter(client Client, queue *notify.Queue, commands, phrases map[string]string, movies MovieAdder, unfurler Unfurler, log zerolog.Logger) (*Router, error) {
	r := &Router{
		client:     client,
		queue:      queue,
		unfurler:   unfurler,
		log:        log.With().Str("component", "router").Logger(),
		commands:   make(map[string]CommandHandler, len(commands)),
		phrases:    make(map[string]string, len(phrases)),
		adminRooms: make(map[id.RoomID]struct{}),
	}

	builtins := map[string]CommandHandler{
		"ruok":   r.handleRuok,
		"whoami": r.handleWhoami,
		"add":    r.makeAddHandler(movies),
	}
	for word, name := range commands {
		h, ok := builtins[name]
		if !ok {
			return nil, fmt.Errorf("command %q: unknown handler %q", word, name)
		}
		r.commands[word] = h
	}
	for phrase, reply := range phrases {
		r.phrases[strings.ToLower(strings.TrimSpace(phrase))] = reply
	}
	return r, nil
}

// SetAdminRooms replaces the set of rooms whose members may run commands.
// Called once the aliases from the config have been resolved.
func (r *Router) SetAdminRooms(rooms []id.RoomID) {
	next := make(map[id.RoomID]struct{}, len(rooms))
	for _, room := range rooms {
		next[room] = struct{}{}
	}
	r.mu.Lock()
	r.adminRooms = next
	r.mu.Unlock()
}

func (r *Router) isAdminRoom(room id.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adminRooms[room]
	return ok
}

// Handle is the message callback registered on the client. A leading word
// that matches no command word is not an error: the message falls through
// to the unfurler, then to the phrase table.
func (r *Router) Handle(ctx context.Context, evt MessageEvent) {
	if evt.Sender == r.client.UserID() {
		return
	}
	body := strings.TrimSpace(evt.Body)
	if body == "" {
		return
	}

	fields := strings.Fields(body)
	if handler, ok := r.commands[fields[0]]; ok {
		r.runCommand(ctx, evt, fields, handler)
		return
	}

	if r.unfurler != nil {
		if reply, ok := r.unfurler.Unfurl(ctx, evt.Body); ok {
			r.reply(ctx, evt.RoomID, reply)
			return
		}
	}

	if reply, ok := r.phrases[strings.ToLower(body)]; ok {
		r.reply(ctx, evt.RoomID, reply)
	}
}

func (r *Router) runCommand(ctx context.Context, evt MessageEvent, fields []string, handler CommandHandler) {
	// Commands only run from admin rooms. Anything else is dropped without
	// a reply so the bot gives strangers nothing to probe.
	if !r.isAdminRoom(evt.RoomID) {
		r.log.Warn().
			Str("command", fields[0]).
			Stringer("room_id", evt.RoomID).
			Stringer("sender", evt.Sender).
			Msg("Command from non-admin room dropped")
		return
	}

	log := r.log.With().Str("command", fields[0]).Stringer("sender", evt.Sender).Logger()
	log.Info().Msg("Running command")

	reply, err := handler(ctx, evt, fields[1:])
	if err != nil {
		var ufe UserFacingError
		if errors.As(err, &ufe) {
			log.Warn().Err(err).Msg("Command failed")
			r.reply(ctx, evt.RoomID, ufe.UserMessage())
			return
		}
		log.Error().Err(err).Msg("Command failed")
		return
	}
	if reply != "" {
		r.reply(ctx, evt.RoomID, reply)
	}
}

func (r *Router) reply(ctx context.Context, room id.RoomID, body string) {
	err := r.queue.Enqueue(ctx, notify.Intent{Room: string(room), Body: body})
	if err != nil {
		r.log.Error().Err(err).Stringer("room_id", room).Msg("Failed to queue reply")
	}
}

func (r *Router) handleRuok(_ context.Context, _ MessageEvent, _ []string) (string, error) {
	return "`iamok`", nil
}

func (r *Router) handleWhoami(_ context.Context, evt MessageEvent, _ []string) (string, error) {
	return fmt.Sprintf("i am: `%s` and you are: `%s`", r.client.UserID(), evt.Sender), nil
}

func (r *Router) makeAddHandler(movies MovieAdder) CommandHandler {
	return func(ctx context.Context, _ MessageEvent, args []string) (string, error) {
		if movies == nil {
			return "movie adding is not configured", nil
		}
		if len(args) == 0 {
			return "url is missing", nil
		}
		return movies.AddByURL(ctx, args[0])
	}
}
