// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package webhook is the HTTP ingress: it authenticates provider callbacks,
// normalizes their payloads into message intents and enqueues them for the
// delivery sink. It never talks to the homeserver itself.
package webhook

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/aiku/matrix-hookbot/pkg/config"
	"github.com/aiku/matrix-hookbot/pkg/notify"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

type errorResponse struct {
	Reason string `json:"reason"`
	Status int    `json:"status"`
}

// Server is the webhook ingress service.
type Server struct {
	cfg    config.WebhookConfig
	queue  *notify.Queue
	tokens map[string]string
	log    zerolog.Logger
	router chi.Router
}

var _ suture.Service = (*Server)(nil)

func NewServer(cfg config.WebhookConfig, queue *notify.Queue, log zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		queue:  queue,
		tokens: cfg.Tokens,
		log:    log.With().Str("service", "webhook").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	if cfg.RateLimit > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))
	}

	r.Route(cfg.BasePath, func(r chi.Router) {
		r.Get("/ruok", s.handleRuok)
		r.Post("/incoming", s.provider("incoming", normalizeIncoming))
		r.Post("/incoming/{token}", s.provider("incoming", normalizeIncoming))
		r.Post("/radarr", s.provider("radarr", normalizeRadarr))
		r.Post("/jellyfin", s.provider("jellyfin", normalizeJellyfin))
		r.Post("/jellyfin/{token}", s.provider("jellyfin", normalizeJellyfin))
		r.Post("/grafana", s.provider("grafana", normalizeGrafana))
	})
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve implements suture.Service. A bind failure is treated like a bad
// config and takes the process down.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %v: %w", s.cfg.Addr(), err, suture.ErrTerminateSupervisorTree)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info().Str("addr", s.cfg.Addr()).Str("base_path", s.cfg.BasePath).Msg("Webhook listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("Webhook shutdown not clean")
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

// provider builds the shared pipeline for one endpoint: read, authenticate,
// normalize, enqueue, respond.
func (s *Server) provider(name string, normalize normalizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			s.respondError(w, r, name, http.StatusBadRequest, "body unreadable")
			return
		}

		dest, ok := s.authorize(r, raw)
		if !ok {
			s.respondError(w, r, name, http.StatusForbidden, "forbidden")
			return
		}

		intents, err := normalize(raw)
		if err != nil {
			s.log.Warn().Err(err).Str("provider", name).Msg("Malformed payload")
			s.respondError(w, r, name, http.StatusBadRequest, "malformed payload")
			return
		}

		for _, it := range intents {
			if it.Room == "" {
				it.Room = dest
			}
			if err := s.queue.Enqueue(r.Context(), it); err != nil {
				s.log.Error().Err(err).Str("provider", name).Msg("Failed to enqueue intent")
				s.respondError(w, r, name, http.StatusInternalServerError, "queue unavailable")
				return
			}
			intentsEnqueued.WithLabelValues(name).Inc()
		}

		requestsTotal.WithLabelValues(name, "200").Inc()
		s.respondJSON(w, http.StatusOK, "ok")
	}
}

// handleRuok is the liveness probe. No auth, always 200.
func (s *Server) handleRuok(w http.ResponseWriter, _ *http.Request) {
	requestsTotal.WithLabelValues("ruok", "200").Inc()
	s.respondJSON(w, http.StatusOK, map[string]string{"ruok": "iamok"})
}

func (s *Server) respondError(w http.ResponseWriter, _ *http.Request, provider string, status int, reason string) {
	requestsTotal.WithLabelValues(provider, strconv.Itoa(status)).Inc()
	s.respondJSON(w, status, errorResponse{Reason: reason, Status: status})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("Failed to write response")
	}
}

// accessLog logs every request with a generated id, leveled by status, and
// converts handler panics into a generic 500 so one bad payload cannot take
// the ingress down.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().
					Interface("panic", rec).
					Str("request_id", reqID).
					Str("path", r.URL.Path).
					Msg("Handler panicked")
				if ww.Status() == 0 {
					s.respondJSON(ww, http.StatusInternalServerError,
						errorResponse{Reason: "internal error", Status: http.StatusInternalServerError})
				}
			}

			evt := s.log.Info()
			switch {
			case ww.Status() >= 500:
				evt = s.log.Error()
			case ww.Status() >= 400:
				evt = s.log.Warn()
			case r.URL.Path == s.cfg.BasePath+"/ruok":
				evt = s.log.Debug()
			}
			evt.
				Str("request_id", reqID).
				Str("remote", r.RemoteAddr).
				Str("method", r.Method).
				Str("path", r.URL.RequestURI()).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("Request")
		}()

		next.ServeHTTP(ww, r)
	})
}
