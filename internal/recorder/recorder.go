// SPDX-License-Identifier: MIT

// Package recorder captures live channel streams into MPEG-TS files.
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/camtuner/camtuner/internal/log"
	"github.com/camtuner/camtuner/internal/orchestrator"
	"github.com/camtuner/camtuner/internal/registry"
)

// Recording describes one capture, active or just finished.
type Recording struct {
	ID        string    `json:"id"`
	ChannelID int       `json:"channel_id"`
	Channel   string    `json:"channel"`
	Path      string    `json:"path"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
	Bytes     int64     `json:"bytes"`
	Active    bool      `json:"active"`
}

type capture struct {
	mu     sync.Mutex
	info   Recording
	stream *orchestrator.Stream
	file   *os.File
	done   chan struct{}
}

// Recorder holds a session reference per active capture, so a recording
// keeps the channel's process alive independently of watching clients.
type Recorder struct {
	orch   *orchestrator.Orchestrator
	dir    string
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*capture
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// New creates a recorder writing into dir.
func New(orch *orchestrator.Orchestrator, dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	return &Recorder{
		orch:   orch,
		dir:    dir,
		logger: log.WithComponent("recorder"),
		active: make(map[string]*capture),
	}, nil
}

// Start begins capturing the channel. The returned recording id is used
// to stop it later; a recording also ends by itself when the channel's
// session fails permanently.
func (r *Recorder) Start(ctx context.Context, ch registry.Channel) (Recording, error) {
	stream, err := r.orch.Acquire(ctx, ch)
	if err != nil {
		return Recording{}, err
	}

	id := uuid.NewString()
	name := unsafeChars.ReplaceAllString(strings.TrimSpace(ch.Name), "_")
	if name == "" {
		name = fmt.Sprintf("channel-%d", ch.ID)
	}
	path := filepath.Join(r.dir, fmt.Sprintf("%s-%s-%s.ts",
		name, time.Now().UTC().Format("20060102-150405"), id[:8]))

	f, err := os.Create(path) // #nosec G304 -- path is assembled from the configured dir
	if err != nil {
		stream.Release()
		return Recording{}, fmt.Errorf("create recording file: %w", err)
	}

	c := &capture{
		info: Recording{
			ID:        id,
			ChannelID: ch.ID,
			Channel:   ch.Name,
			Path:      path,
			StartedAt: time.Now().UTC(),
			Active:    true,
		},
		stream: stream,
		file:   f,
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.active[id] = c
	r.mu.Unlock()

	r.logger.Info().
		Str("event", "recording.started").
		Str("recording_id", id).
		Int(log.FieldChannelID, ch.ID).
		Str("path", path).
		Msg("recording started")

	go r.pump(c)
	return c.snapshot(), nil
}

// pump copies stream chunks to the file until the stream ends.
func (r *Recorder) pump(c *capture) {
	defer close(c.done)
	for chunk := range c.stream.Chunks() {
		n, err := c.file.Write(chunk)
		c.mu.Lock()
		c.info.Bytes += int64(n)
		c.mu.Unlock()
		if err != nil {
			r.logger.Error().Err(err).
				Str("event", "recording.write_failed").
				Str("recording_id", c.info.ID).
				Msg("stopping recording after write error")
			break
		}
	}
	if err := c.file.Close(); err != nil {
		r.logger.Warn().Err(err).
			Str("event", "recording.close_failed").
			Str("recording_id", c.info.ID).
			Msg("closing recording file")
	}
	c.mu.Lock()
	c.info.Active = false
	c.info.StoppedAt = time.Now().UTC()
	c.mu.Unlock()
}

// Stop ends a recording and returns its final state.
func (r *Recorder) Stop(id string) (Recording, error) {
	r.mu.Lock()
	c, ok := r.active[id]
	if ok {
		delete(r.active, id)
	}
	r.mu.Unlock()
	if !ok {
		return Recording{}, fmt.Errorf("recording %s not found", id)
	}

	c.stream.Release()
	<-c.done

	info := c.snapshot()
	r.logger.Info().
		Str("event", "recording.stopped").
		Str("recording_id", id).
		Int64("bytes", info.Bytes).
		Msg("recording stopped")
	return info, nil
}

// List returns all active recordings ordered by start time.
func (r *Recorder) List() []Recording {
	r.mu.Lock()
	out := make([]Recording, 0, len(r.active))
	for _, c := range r.active {
		out = append(out, c.snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown stops all active recordings.
func (r *Recorder) Shutdown(ctx context.Context) error {
	for _, rec := range r.List() {
		if _, err := r.Stop(rec.ID); err != nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (c *capture) snapshot() Recording {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}
