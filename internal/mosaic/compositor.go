// SPDX-License-Identifier: MIT

// Package mosaic composes multiple member channels into a single tiled
// video stream.
package mosaic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/camtuner/camtuner/internal/ffmpeg"
	"github.com/camtuner/camtuner/internal/log"
	"github.com/camtuner/camtuner/internal/orchestrator"
	"github.com/camtuner/camtuner/internal/registry"
)

// TileStatus reports whether one mosaic tile is fed by its live member
// or by a placeholder.
type TileStatus struct {
	ChannelID int  `json:"channel_id"`
	Live      bool `json:"live"`
}

// Compositor builds the process invocation for mosaic channels. Member
// channels are retained through the orchestrator and fed to the mosaic
// process over the local tuner endpoint, so one member process serves
// direct tunes and mosaics alike and the member's source is opened
// exactly once.
type Compositor struct {
	reg             *registry.Registry
	serviceProvider string
	ffmpegBin       string
	loopbackBase    string
	memberBudget    time.Duration
	logger          zerolog.Logger

	mu    sync.Mutex
	orch  *orchestrator.Orchestrator
	tiles map[int][]TileStatus
}

// New creates a compositor. loopbackBase is the local tuner address the
// mosaic process reads member streams from. Bind must be called before
// the first BuildSpec.
func New(reg *registry.Registry, serviceProvider, ffmpegBin, loopbackBase string, memberBudget time.Duration) *Compositor {
	if memberBudget <= 0 {
		memberBudget = 10 * time.Second
	}
	return &Compositor{
		reg:             reg,
		serviceProvider: serviceProvider,
		ffmpegBin:       ffmpegBin,
		loopbackBase:    loopbackBase,
		memberBudget:    memberBudget,
		logger:          log.WithComponent("mosaic"),
		tiles:           make(map[int][]TileStatus),
	}
}

// Bind attaches the orchestrator used to retain member sessions. The
// compositor and orchestrator reference each other, so binding happens
// after both exist.
func (c *Compositor) Bind(orch *orchestrator.Orchestrator) {
	c.mu.Lock()
	c.orch = orch
	c.mu.Unlock()
}

// Tiles returns the per-tile state of the mosaic's current composition.
func (c *Compositor) Tiles(channelID int) ([]TileStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tiles, ok := c.tiles[channelID]
	if !ok {
		return nil, false
	}
	out := make([]TileStatus, len(tiles))
	copy(out, tiles)
	return out, true
}

// BuildSpec resolves the mosaic's members, retains a session for each,
// waits for them to come up within the member budget and assembles the
// composition command. Members that never reach running are replaced by
// a placeholder tile; the mosaic degrades rather than fails.
func (c *Compositor) BuildSpec(ctx context.Context, ch registry.Channel) (orchestrator.ProcessSpec, func(), error) {
	c.mu.Lock()
	orch := c.orch
	c.mu.Unlock()
	if orch == nil {
		return orchestrator.ProcessSpec{}, nil, fmt.Errorf("compositor not bound to an orchestrator")
	}

	members, err := c.reg.ResolveMembers(ch.ID)
	if err != nil {
		return orchestrator.ProcessSpec{}, nil, err
	}

	refs := make([]*orchestrator.Stream, 0, len(members))
	release := func() {
		for _, ref := range refs {
			ref.Release()
		}
		c.mu.Lock()
		delete(c.tiles, ch.ID)
		c.mu.Unlock()
	}
	for _, m := range members {
		ref, err := orch.Retain(ctx, m)
		if err != nil {
			release()
			return orchestrator.ProcessSpec{}, nil, fmt.Errorf("retain member %d: %w", m.ID, err)
		}
		refs = append(refs, ref)
	}

	// give every member the same window to come up
	waitCtx, cancel := context.WithTimeout(ctx, c.memberBudget)
	defer cancel()
	live := make([]bool, len(members))
	var g errgroup.Group
	for i := range members {
		i := i
		g.Go(func() error {
			live[i] = refs[i].WaitRunning(waitCtx) == nil
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		release()
		return orchestrator.ProcessSpec{}, nil, ctx.Err()
	}

	tiles := make([]TileStatus, len(members))
	inputs := make([][]string, len(members))
	for i, m := range members {
		tiles[i] = TileStatus{ChannelID: m.ID, Live: live[i]}
		if live[i] {
			inputs[i] = ffmpeg.LoopbackInputArgs(c.loopbackBase, m.ID)
		} else {
			inputs[i] = ffmpeg.PlaceholderInputArgs()
			c.logger.Warn().
				Str("event", "mosaic.member_down").
				Int(log.FieldChannelID, ch.ID).
				Int("member_id", m.ID).
				Msg("member not running, composing placeholder tile")
		}
	}
	c.mu.Lock()
	c.tiles[ch.ID] = tiles
	c.mu.Unlock()

	c.logger.Info().
		Str("event", "mosaic.composed").
		Int(log.FieldChannelID, ch.ID).
		Int("members", len(members)).
		Int("live", countLive(tiles)).
		Msg("mosaic composition built")

	spec := orchestrator.ProcessSpec{
		Binary: c.ffmpegBin,
		Args:   ffmpeg.MosaicArgs(c.serviceProvider, ch, inputs),
	}
	return spec, release, nil
}

func countLive(tiles []TileStatus) int {
	n := 0
	for _, t := range tiles {
		if t.Live {
			n++
		}
	}
	return n
}
