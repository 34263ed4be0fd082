// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package movies implements the !add command path: an IMDB URL is looked up
// on TheMovieDB and the match is queued for download on Radarr.
package movies

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/aiku/matrix-hookbot/pkg/config"
)

const (
	tmdbBaseURL   = "https://api.themoviedb.org/3"
	posterBaseURL = "https://www.themoviedb.org/t/p/w1280"

	defaultQualityProfile = 4 // HD-1080p
	requestTimeout        = 10 * time.Second
)

var imdbIDPattern = regexp.MustCompile(`^tt\d+$`)

// LookupError is a per-command fault whose user message goes back to the
// room that issued the command. The wrapped detail stays in the logs.
type LookupError struct {
	detail string
	user   string
}

func (e *LookupError) Error() string       { return e.detail }
func (e *LookupError) UserMessage() string { return e.user }

func lookupErrorf(user, format string, args ...any) *LookupError {
	return &LookupError{detail: fmt.Sprintf(format, args...), user: user}
}

// Client talks to TheMovieDB and Radarr. Both upstreams sit behind one
// circuit breaker so a dead metadata service stops burning command latency.
type Client struct {
	tmdb    *resty.Client
	radarr  *resty.Client
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	cfg     config.NotflixConfig
	log     zerolog.Logger
}

func New(cfg config.NotflixConfig, log zerolog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:    "notflix",
		Timeout: 30 * time.Second,
	})
	return &Client{
		tmdb:    resty.New().SetBaseURL(tmdbBaseURL).SetTimeout(requestTimeout),
		radarr:  resty.New().SetBaseURL(cfg.RadarrURL).SetTimeout(requestTimeout),
		breaker: breaker,
		cfg:     cfg,
		log:     log.With().Str("component", "movies").Logger(),
	}
}

type movieInfo struct {
	TmdbID      int    `json:"id"`
	Title       string `json:"title"`
	ReleaseDate string `json:"release_date"`
	PosterPath  string `json:"poster_path"`
}

func (m movieInfo) year() string {
	year, _, _ := strings.Cut(m.ReleaseDate, "-")
	return year
}

type findResponse struct {
	MovieResults []movieInfo       `json:"movie_results"`
	TVResults    []json.RawMessage `json:"tv_results"`
}

// AddByURL resolves an IMDB URL into a movie and adds it to Radarr.
// The returned string is the chat reply.
func (c *Client) AddByURL(ctx context.Context, rawURL string) (string, error) {
	imdbID, err := imdbIDFromURL(rawURL)
	if err != nil {
		return "", err
	}
	info, err := c.findByIMDB(ctx, imdbID)
	if err != nil {
		return "", err
	}
	if err := c.radarrAdd(ctx, imdbID, info); err != nil {
		return "", err
	}
	c.log.Info().Str("imdb_id", imdbID).Str("title", info.Title).Msg("Movie queued for download")
	return fmt.Sprintf("%s (%s) | [poster](%s%s)", info.Title, info.year(), posterBaseURL, info.PosterPath), nil
}

// imdbIDFromURL extracts the ttNNN id from an imdb.com title URL.
func imdbIDFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.HasSuffix(u.Hostname(), "imdb.com") {
		return "", lookupErrorf("that does not look like an imdb url", "parse %q: not an imdb url", rawURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "title" || !imdbIDPattern.MatchString(parts[1]) {
		return "", lookupErrorf("that does not look like an imdb title url", "parse %q: no title id", rawURL)
	}
	return parts[1], nil
}

func (c *Client) findByIMDB(ctx context.Context, imdbID string) (*movieInfo, error) {
	var out findResponse
	resp, err := c.breaker.Execute(func() (*resty.Response, error) {
		return c.tmdb.R().
			SetContext(ctx).
			SetQueryParam("api_key", c.cfg.TheMovieDBAPIKey).
			SetQueryParam("external_source", "imdb_id").
			SetResult(&out).
			Get("/find/" + imdbID)
	})
	if err != nil {
		return nil, fmt.Errorf("themoviedb find %q: %w", imdbID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("themoviedb find %q: status %d", imdbID, resp.StatusCode())
	}
	if len(out.MovieResults) == 0 {
		if len(out.TVResults) > 0 {
			return nil, lookupErrorf("that is a tv show, i can only add movies",
				"find %q: tv results only", imdbID)
		}
		return nil, lookupErrorf(fmt.Sprintf("no results for `%s`", imdbID),
			"find %q: no results", imdbID)
	}
	if len(out.MovieResults) > 1 {
		c.log.Warn().Str("imdb_id", imdbID).Msg("Multiple results, using the first")
	}
	return &out.MovieResults[0], nil
}

type radarrAddRequest struct {
	ImdbID           string `json:"imdbId"`
	TmdbID           int    `json:"tmdbId"`
	Title            string `json:"title"`
	QualityProfileID int    `json:"qualityProfileId"`
	RootFolderPath   string `json:"rootFolderPath"`
	Monitored        bool   `json:"monitored"`
	AddOptions       struct {
		SearchForMovie bool `json:"searchForMovie"`
	} `json:"addOptions"`
}

func (c *Client) radarrAdd(ctx context.Context, imdbID string, info *movieInfo) error {
	profile := c.cfg.RadarrQualityProfile
	if profile == 0 {
		profile = defaultQualityProfile
	}
	body := radarrAddRequest{
		ImdbID:           imdbID,
		TmdbID:           info.TmdbID,
		Title:            info.Title,
		QualityProfileID: profile,
		RootFolderPath:   c.cfg.RadarrRootFolder,
		Monitored:        true,
	}
	body.AddOptions.SearchForMovie = true

	resp, err := c.breaker.Execute(func() (*resty.Response, error) {
		return c.radarr.R().
			SetContext(ctx).
			SetQueryParam("apikey", c.cfg.RadarrAPIKey).
			SetBody(body).
			Post("/movie")
	})
	if err != nil {
		return fmt.Errorf("radarr add %q: %w", info.Title, err)
	}
	switch resp.StatusCode() {
	case 201:
		return nil
	case 400:
		// Radarr answers 400 when the movie already exists in the library.
		return lookupErrorf(fmt.Sprintf("`%s` is already in the library", info.Title),
			"radarr add %q: status 400", info.Title)
	default:
		return fmt.Errorf("radarr add %q: status %d", info.Title, resp.StatusCode())
	}
}
