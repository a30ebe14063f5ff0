// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/camtuner/camtuner/internal/ffmpeg"
	"github.com/camtuner/camtuner/internal/log"
	"github.com/camtuner/camtuner/internal/metrics"
	"github.com/camtuner/camtuner/internal/registry"
)

// State is the observable lifecycle state of a stream session.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateWarming  State = "warming_up"
	StateRunning  State = "running"
	StateFailed   State = "failed"
	StateBackoff  State = "backoff"
	StateStopping State = "stopping"
)

// Info is a point-in-time snapshot of a session for status listings.
type Info struct {
	ID              string    `json:"id"`
	ChannelID       int       `json:"channel_id"`
	State           State     `json:"state"`
	RestartCount    int       `json:"restart_count"`
	Consumers       int       `json:"consumers"`
	LastFailure     time.Time `json:"last_failure,omitzero"`
	BackoffDeadline time.Time `json:"backoff_deadline,omitzero"`
}

// Stream is one consumer's attachment to a session. Chunks delivers
// MPEG-TS chunks until the session ends; Release detaches the consumer.
type Stream struct {
	sess *Session
	ch   chan []byte
}

// Chunks returns the consumer's chunk channel. It is closed when the
// session stops or fails permanently.
func (st *Stream) Chunks() <-chan []byte { return st.ch }

// Release detaches the consumer. The session keeps running for other
// consumers and lingers for the idle grace period afterwards.
func (st *Stream) Release() { st.sess.release(st) }

// Session supervises exactly one external transcode process for one
// channel. The process handle is owned here and never shared.
type Session struct {
	ID        string
	ChannelID int

	o       *Orchestrator
	channel registry.Channel
	logger  zerolog.Logger

	mu              sync.Mutex
	state           State
	terminal        bool
	restartCount    int
	runningSince    time.Time
	lastFailure     time.Time
	lastErr         error
	backoffDeadline time.Time
	refs            int
	streams         map[*Stream]struct{}
	changed         chan struct{}
	idleTimer       *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Terminal reports whether the session exhausted its restart budget.
func (s *Session) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:              s.ID,
		ChannelID:       s.ChannelID,
		State:           s.state,
		RestartCount:    s.restartCount,
		Consumers:       s.refs,
		LastFailure:     s.lastFailure,
		BackoffDeadline: s.backoffDeadline,
	}
}

// WaitRunning blocks until the session reaches running, the session ends,
// or ctx expires.
func (s *Session) WaitRunning(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, terminal := s.state, s.terminal
		changed := s.changed
		s.mu.Unlock()

		if state == StateRunning {
			return nil
		}
		if terminal {
			return s.terminalErr()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return s.terminalErr()
		case <-changed:
		}
	}
}

// terminalErr reports why the session is gone, wrapping the last
// recorded failure cause when one exists.
func (s *Session) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr != nil {
		return fmt.Errorf("%w: %w", ErrSessionTerminal, s.lastErr)
	}
	return ErrSessionTerminal
}

// noteFailure records the cause of the most recent attempt failure.
func (s *Session) noteFailure(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	s.transitionLocked(to)
	s.mu.Unlock()
}

// transitionLocked records a state change and wakes waiters.
func (s *Session) transitionLocked(to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})

	metrics.RecordTransition(string(to))
	s.logger.Debug().
		Str("event", "session.transition").
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Msg("session state changed")
}

func (s *Session) attach(st *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	if st.ch != nil {
		s.streams[st] = struct{}{}
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Session) release(st *Stream) {
	s.mu.Lock()
	if st.ch != nil {
		if _, ok := s.streams[st]; ok {
			delete(s.streams, st)
			close(st.ch)
		}
	}
	s.refs--
	last := s.refs <= 0
	if last && s.idleTimer == nil {
		s.idleTimer = time.AfterFunc(s.o.cfg.IdleGrace, func() {
			s.stopIfIdle()
		})
	}
	s.mu.Unlock()
}

// stopIfIdle stops the session if no consumer re-attached during the
// grace period.
func (s *Session) stopIfIdle() {
	s.mu.Lock()
	idle := s.refs <= 0
	s.mu.Unlock()
	if idle {
		s.logger.Info().
			Str("event", "session.idle_stop").
			Int(log.FieldChannelID, s.ChannelID).
			Msg("no consumers left, stopping session")
		s.cancel()
	}
}

// broadcast fans a chunk out to all attached consumers. Slow consumers
// drop chunks rather than stalling the pump.
func (s *Session) broadcast(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.streams {
		select {
		case st.ch <- chunk:
		default:
		}
	}
	metrics.StreamBytes.Add(float64(len(chunk)))
}

// closeStreams ends every attached consumer stream. Refs are untouched;
// consumers still call Release.
func (s *Session) closeStreamsLocked() {
	for st := range s.streams {
		close(st.ch)
		delete(s.streams, st)
	}
}

// run is the supervision loop: spawn, warm up, pump, back off, repeat.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.o.remove(s)
	defer func() {
		s.mu.Lock()
		s.closeStreamsLocked()
		s.transitionLocked(StateIdle)
		s.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		s.transition(StateStarting)

		spec, cleanup, err := s.o.specFn(ctx, s.channel)
		if err != nil {
			s.noteFailure(err)
			s.logger.Error().Err(err).
				Str("event", "session.spec_failed").
				Msg("cannot build process invocation")
			if !s.backoff(ctx, "spec") {
				return
			}
			continue
		}

		proc, err := s.o.runner.Start(ctx, spec)
		if err != nil {
			if cleanup != nil {
				cleanup()
			}
			s.noteFailure(fmt.Errorf("%w: %w", ErrSourceUnreachable, err))
			s.logger.Warn().Err(err).
				Str("event", "session.spawn_failed").
				Msg("transcode process failed to start")
			if !s.backoff(ctx, "spawn") {
				return
			}
			continue
		}

		reason := s.attempt(ctx, proc)
		if cleanup != nil {
			cleanup()
		}
		if ctx.Err() != nil {
			return
		}
		if !s.backoff(ctx, reason) {
			return
		}
	}
}

// attempt drives one process lifetime and returns the failure reason.
func (s *Session) attempt(ctx context.Context, proc Process) string {
	chunks := make(chan []byte, 16)
	go pump(proc.Stdout(), s.o.cfg.ChunkSize, chunks)

	stop := func() {
		s.transition(StateStopping)
		proc.Terminate(s.o.cfg.StopGrace)
		for range chunks {
			// drain until the pump sees EOF
		}
		_ = proc.Wait()
	}

	// starting -> warming on first output bytes or the warm-up timeout
	var first []byte
	warmTimer := time.NewTimer(s.o.cfg.WarmupTimeout)
	defer warmTimer.Stop()
	select {
	case <-ctx.Done():
		stop()
		return "stopped"
	case chunk, ok := <-chunks:
		if !ok {
			_ = proc.Wait()
			s.noteFailure(ErrSourceUnreachable)
			return "no_output"
		}
		first = chunk
	case <-warmTimer.C:
	}

	s.transition(StateWarming)
	if s.o.needsWarmup(s.channel) {
		report := s.o.prober.Probe(ctx, warmupTarget(s.channel), "", warmupHeaders(s.channel))
		metrics.ObserveProbe(report.OK, report.Duration)
		if !report.OK {
			s.noteFailure(fmt.Errorf("%w: %s", ErrProbeFailed, report.Detail))
			s.logger.Warn().
				Str("event", "session.probe_failed").
				Str("detail", report.Detail).
				Msg("warm-up probe failed")
			// surfaced immediately: attached consumers see the stream
			// end instead of silently waiting out a retry
			s.mu.Lock()
			s.closeStreamsLocked()
			s.mu.Unlock()
			stop()
			return "probe"
		}
	}

	s.mu.Lock()
	s.runningSince = s.o.clock.Now()
	s.lastErr = nil
	s.transitionLocked(StateRunning)
	s.mu.Unlock()

	if first != nil {
		s.broadcast(first)
	}
	for {
		select {
		case <-ctx.Done():
			stop()
			return "stopped"
		case chunk, ok := <-chunks:
			if !ok {
				err := proc.Wait()
				s.noteFailure(ErrProcessCrashed)
				s.logger.Warn().Err(err).
					Str("event", "session.process_exit").
					Msg("transcode process exited")
				return "crash"
			}
			s.broadcast(chunk)
		}
	}
}

// backoff applies the exponential restart delay. It returns false when
// the session is done for good (terminal or stopped).
func (s *Session) backoff(ctx context.Context, reason string) bool {
	now := s.o.clock.Now()

	s.mu.Lock()
	if !s.runningSince.IsZero() && now.Sub(s.runningSince) >= s.o.cfg.HealthyReset {
		s.restartCount = 0
	}
	s.runningSince = time.Time{}
	s.lastFailure = now
	s.transitionLocked(StateFailed)

	if s.restartCount >= s.o.cfg.MaxRestarts {
		s.terminal = true
		s.closeStreamsLocked()
		s.mu.Unlock()
		s.logger.Error().
			Str("event", "session.terminal").
			Int(log.FieldChannelID, s.ChannelID).
			Int("restarts", s.restartCount).
			Msg("restart budget exhausted, giving up until next tune")
		return false
	}

	delay := backoffDelay(s.o.cfg.BackoffBase, s.o.cfg.BackoffMax, s.restartCount)
	s.restartCount++
	s.backoffDeadline = now.Add(delay)
	s.transitionLocked(StateBackoff)
	s.mu.Unlock()

	metrics.RecordRestart(reason)
	s.logger.Info().
		Str("event", "session.backoff").
		Int(log.FieldChannelID, s.ChannelID).
		Dur("delay", delay).
		Str("reason", reason).
		Msg("scheduling restart")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoffDelay computes base * 2^n, capped.
func backoffDelay(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// pump reads fixed-size chunks from the process output into out until
// EOF, then closes out.
func pump(r io.Reader, chunkSize int, out chan<- []byte) {
	defer close(out)
	if chunkSize <= 0 {
		chunkSize = 1316
	}
	for {
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			out <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}

func warmupTarget(ch registry.Channel) string {
	return ch.Source.Locator
}

func warmupHeaders(ch registry.Channel) string {
	return ffmpeg.MergedHeaders(ch)
}
