// SPDX-License-Identifier: MIT

// Package resolver locates the concrete HLS playlist behind a bare
// stream base URL.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/camtuner/camtuner/internal/ffmpeg"
	"github.com/camtuner/camtuner/internal/log"
	"github.com/camtuner/camtuner/internal/registry"
)

// ErrExhausted indicates none of the known playlist variants answered.
var ErrExhausted = errors.New("no playlist found at source")

// variants are tried in order against the base URL.
var variants = []string{"/index.m3u8", "/master.m3u8", "/playlist.m3u8"}

// Resolver probes HLS base URLs for a concrete playlist path. It runs at
// channel add and edit time, never during tuning.
type Resolver struct {
	client *http.Client
	logger zerolog.Logger
}

// New creates a resolver. A nil client gets a default with a 10 second
// timeout.
func New(client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{client: client, logger: log.WithComponent("resolver")}
}

// Resolve returns the playable playlist URL for an HLS channel. A
// locator that already names a .m3u8 file is returned untouched; a bare
// base URL is expanded with the known variant paths until one serves a
// playlist.
func (r *Resolver) Resolve(ctx context.Context, ch registry.Channel) (string, error) {
	raw := ch.Source.Locator
	if raw == "" {
		return "", fmt.Errorf("channel %d has no source url", ch.ID)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("channel %d source url: %w", ch.ID, err)
	}
	if strings.HasSuffix(strings.ToLower(u.Path), ".m3u8") {
		return raw, nil
	}

	// variants extend the path; query string and fragment stay in place
	basePath := strings.TrimRight(u.Path, "/")
	for _, variant := range variants {
		cu := *u
		cu.Path = basePath + variant
		cu.RawPath = ""
		candidate := cu.String()
		ok, err := r.check(ctx, ch, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			r.logger.Debug().
				Str("event", "resolver.attempt_failed").
				Int(log.FieldChannelID, ch.ID).
				Str("url", candidate).
				Err(err).
				Msg("playlist variant not reachable")
			continue
		}
		if ok {
			r.logger.Info().
				Str("event", "resolver.resolved").
				Int(log.FieldChannelID, ch.ID).
				Str("url", candidate).
				Msg("playlist resolved")
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s under %s", ErrExhausted, strings.Join(variants, ", "), raw)
}

// check fetches a candidate URL and reports whether it serves an HLS
// playlist.
func (r *Resolver) check(ctx context.Context, ch registry.Channel, target string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", ffmpeg.UserAgent)
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}
	if ch.Username != "" {
		req.SetBasicAuth(ch.Username, ch.Password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "mpegurl") {
		return true, nil
	}
	head := make([]byte, 16)
	n, _ := io.ReadFull(resp.Body, head)
	return strings.HasPrefix(string(head[:n]), "#EXTM3U"), nil
}
