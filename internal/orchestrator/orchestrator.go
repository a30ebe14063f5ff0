// SPDX-License-Identifier: MIT

// Package orchestrator supervises one external transcode process per
// actively tuned channel.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/camtuner/camtuner/internal/ffmpeg"
	"github.com/camtuner/camtuner/internal/log"
	"github.com/camtuner/camtuner/internal/metrics"
	"github.com/camtuner/camtuner/internal/registry"
)

// SpecFunc builds the process invocation for a channel. The returned
// cleanup (may be nil) runs once the process attempt ends; mosaics use
// it to drop member session references.
type SpecFunc func(ctx context.Context, ch registry.Channel) (ProcessSpec, func(), error)

// Config tunes the supervision behaviour.
type Config struct {
	BackoffBase   time.Duration // first restart delay, doubled per failure
	BackoffMax    time.Duration // restart delay cap
	MaxRestarts   int           // failures before the session is terminal
	HealthyReset  time.Duration // sustained running time that zeroes restartCount
	WarmupTimeout time.Duration // max wait for first process output
	IdleGrace     time.Duration // linger after the last consumer detaches
	StopGrace     time.Duration // SIGINT-to-kill escalation window
	ChunkSize     int           // TS chunk size forwarded to consumers
	ProbeRate     rate.Limit    // on-demand health probes per second
	ProbeBurst    int
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.HealthyReset <= 0 {
		c.HealthyReset = 2 * time.Minute
	}
	if c.WarmupTimeout <= 0 {
		c.WarmupTimeout = 3 * time.Second
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = 5 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1316
	}
	if c.ProbeRate <= 0 {
		c.ProbeRate = rate.Every(2 * time.Second)
	}
	if c.ProbeBurst <= 0 {
		c.ProbeBurst = 4
	}
	return c
}

// clock abstracts time for deterministic tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Orchestrator owns the session table. Sessions are created on first
// tune, shared via reference counting and torn down after an idle grace
// period or a terminal failure.
type Orchestrator struct {
	cfg          Config
	runner       Runner
	prober       Prober
	specFn       SpecFunc
	clock        clock
	probeLimiter *rate.Limiter
	logger       zerolog.Logger

	mu       sync.Mutex
	sessions map[int]*Session
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock substitutes the time source, for tests.
func WithClock(c clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// New creates an orchestrator.
func New(cfg Config, runner Runner, prober Prober, specFn SpecFunc, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:          cfg,
		runner:       runner,
		prober:       prober,
		specFn:       specFn,
		clock:        realClock{},
		probeLimiter: rate.NewLimiter(cfg.ProbeRate, cfg.ProbeBurst),
		logger:       log.WithComponent("orchestrator"),
		sessions:     make(map[int]*Session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Acquire attaches a byte-stream consumer to the channel's session,
// creating and starting the session if none is active.
func (o *Orchestrator) Acquire(ctx context.Context, ch registry.Channel) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess := o.ensure(ch)
	st := &Stream{sess: sess, ch: make(chan []byte, 64)}
	sess.attach(st)
	return st, nil
}

// Retain takes a reference on the channel's session without consuming
// bytes. Mosaics retain their members this way so a member process is
// shared between a direct tune and a mosaic tune.
func (o *Orchestrator) Retain(ctx context.Context, ch registry.Channel) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess := o.ensure(ch)
	st := &Stream{sess: sess}
	sess.attach(st)
	return st, nil
}

// WaitRunning blocks until the stream's session reaches running.
func (st *Stream) WaitRunning(ctx context.Context) error {
	return st.sess.WaitRunning(ctx)
}

// Info returns a snapshot of the stream's session.
func (st *Stream) Info() Info {
	return st.sess.Snapshot()
}

func (o *Orchestrator) ensure(ch registry.Channel) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s, ok := o.sessions[ch.ID]; ok {
		ending := false
		select {
		case <-s.done:
			ending = true
		default:
			ending = s.Terminal()
		}
		if !ending {
			return s
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		o:         o,
		channel:   ch,
		state:     StateIdle,
		streams:   make(map[*Stream]struct{}),
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	s.logger = o.logger.With().
		Str(log.FieldSessionID, s.ID).
		Int(log.FieldChannelID, ch.ID).
		Logger()
	o.sessions[ch.ID] = s
	metrics.SessionsActive.Inc()

	s.logger.Info().
		Str("event", "session.created").
		Str("kind", string(ch.Source.Kind)).
		Msg("stream session created")

	go s.run(ctx)
	return s
}

// remove drops a finished session from the table. The gauge is paired
// with the Inc in ensure, so it is decremented even when the table slot
// was already taken over by a replacement session.
func (o *Orchestrator) remove(s *Session) {
	o.mu.Lock()
	if cur, ok := o.sessions[s.ChannelID]; ok && cur == s {
		delete(o.sessions, s.ChannelID)
	}
	o.mu.Unlock()
	metrics.SessionsActive.Dec()
}

// Invalidate stops any active session for the channel. Used when a
// channel definition is edited or deleted.
func (o *Orchestrator) Invalidate(channelID int) {
	o.mu.Lock()
	s := o.sessions[channelID]
	o.mu.Unlock()
	if s != nil {
		s.cancel()
	}
}

// SessionFor returns a snapshot of the channel's session, if any.
func (o *Orchestrator) SessionFor(channelID int) (Info, bool) {
	o.mu.Lock()
	s := o.sessions[channelID]
	o.mu.Unlock()
	if s == nil {
		return Info{}, false
	}
	return s.Snapshot(), true
}

// Sessions lists snapshots of all active sessions ordered by channel id.
func (o *Orchestrator) Sessions() []Info {
	o.mu.Lock()
	out := make([]Info, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.Snapshot())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// HealthCheck probes a channel's source without starting a session. It
// is rate limited and never retried; probing a mosaic is the caller's
// job (probe a member instead).
func (o *Orchestrator) HealthCheck(ctx context.Context, ch registry.Channel) (ProbeReport, error) {
	if ch.IsMosaic() {
		return ProbeReport{}, fmt.Errorf("channel %d is a mosaic; probe a member channel", ch.ID)
	}
	if !o.probeLimiter.Allow() {
		return ProbeReport{}, ErrProbeThrottled
	}

	target := ffmpeg.AuthURL(ch)
	headers := ffmpeg.MergedHeaders(ch)

	var report ProbeReport
	for _, transport := range ffmpeg.ProbeTransports(target) {
		report = o.prober.Probe(ctx, target, transport, headers)
		metrics.ObserveProbe(report.OK, report.Duration)
		if report.OK {
			return report, nil
		}
	}
	return report, nil
}

// needsWarmup reports whether the channel gets a pre-flight probe before
// being declared usable. HLS sources do; RTSP cameras are skipped so a
// probe does not exhaust their single client session.
func (o *Orchestrator) needsWarmup(ch registry.Channel) bool {
	return ch.Source.Kind == registry.KindHLS
}

// Shutdown stops every session and waits for their supervision loops.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	all := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		all = append(all, s)
	}
	o.mu.Unlock()

	for _, s := range all {
		s.cancel()
	}
	for _, s := range all {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
