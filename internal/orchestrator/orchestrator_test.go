// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/camtuner/camtuner/internal/metrics"
	"github.com/camtuner/camtuner/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeProcess is a scriptable Process backed by an in-memory pipe.
type fakeProcess struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}
	err  error
	once sync.Once
}

func newFakeProcess() *fakeProcess {
	pr, pw := io.Pipe()
	return &fakeProcess{pr: pr, pw: pw, done: make(chan struct{})}
}

func (p *fakeProcess) Stdout() io.Reader { return p.pr }

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Terminate(time.Duration) { p.exit(nil) }

// exit ends the process: closes stdout and unblocks Wait.
func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		_ = p.pw.Close()
		close(p.done)
	})
}

func (p *fakeProcess) emit(t *testing.T, b []byte) {
	t.Helper()
	if _, err := p.pw.Write(b); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("emit: %v", err)
	}
}

// chanRunner hands each started process to the test over a channel so
// the test drives process lifetimes explicitly.
type chanRunner struct {
	procs  chan *fakeProcess
	starts atomic.Int32
}

func newChanRunner() *chanRunner {
	return &chanRunner{procs: make(chan *fakeProcess, 16)}
}

func (r *chanRunner) Start(_ context.Context, _ ProcessSpec) (Process, error) {
	r.starts.Add(1)
	p := newFakeProcess()
	r.procs <- p
	return p, nil
}

func (r *chanRunner) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-r.procs:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no process started within deadline")
		return nil
	}
}

// failRunner always fails to spawn.
type failRunner struct {
	starts atomic.Int32
}

func (r *failRunner) Start(context.Context, ProcessSpec) (Process, error) {
	r.starts.Add(1)
	return nil, errors.New("ffmpeg: executable file not found")
}

type probeCall struct {
	target    string
	transport string
}

// fakeProber records calls and returns scripted outcomes in order,
// repeating the last one once the script runs out.
type fakeProber struct {
	mu      sync.Mutex
	calls   []probeCall
	results []bool
}

func (p *fakeProber) Probe(_ context.Context, target, transport, _ string) ProbeReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.calls)
	p.calls = append(p.calls, probeCall{target: target, transport: transport})
	ok := true
	if len(p.results) > 0 {
		if n < len(p.results) {
			ok = p.results[n]
		} else {
			ok = p.results[len(p.results)-1]
		}
	}
	report := ProbeReport{OK: ok, Target: target, Transport: transport, Duration: 5 * time.Millisecond}
	if !ok {
		report.Detail = "connection refused"
	}
	return report
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func testConfig() Config {
	return Config{
		BackoffBase:   time.Millisecond,
		BackoffMax:    4 * time.Millisecond,
		MaxRestarts:   2,
		HealthyReset:  time.Minute,
		WarmupTimeout: 200 * time.Millisecond,
		IdleGrace:     20 * time.Millisecond,
		StopGrace:     10 * time.Millisecond,
		ChunkSize:     4,
		ProbeRate:     rate.Inf,
	}
}

func passthroughSpec(ctx context.Context, ch registry.Channel) (ProcessSpec, func(), error) {
	return ProcessSpec{Binary: "ffmpeg", Args: []string{"-i", ch.Source.Locator}}, nil, nil
}

func rtspChannel(id int) registry.Channel {
	return registry.Channel{
		ID:   id,
		Name: fmt.Sprintf("Camera %d", id),
		Source: registry.Source{
			Kind:    registry.KindRTSP,
			Locator: fmt.Sprintf("rtsp://cam-%d.local:554/stream1", id),
		},
	}
}

func hlsChannel(id int) registry.Channel {
	return registry.Channel{
		ID:   id,
		Name: fmt.Sprintf("Feed %d", id),
		Source: registry.Source{
			Kind:    registry.KindHLS,
			Locator: fmt.Sprintf("https://feeds.example/%d/index.m3u8", id),
		},
	}
}

func waitGone(t *testing.T, o *Orchestrator, channelID int) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := o.SessionFor(channelID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "session for channel %d never went away", channelID)
}

func TestAcquireDeliversChunksAndStopsWhenIdle(t *testing.T) {
	runner := newChanRunner()
	o := New(testConfig(), runner, &fakeProber{}, passthroughSpec, WithClock(newFakeClock()))

	st, err := o.Acquire(context.Background(), rtspChannel(101))
	require.NoError(t, err)

	proc := runner.next(t)
	proc.emit(t, []byte("abcdefgh"))

	require.NoError(t, st.WaitRunning(context.Background()))

	info, ok := o.SessionFor(101)
	require.True(t, ok)
	assert.Equal(t, StateRunning, info.State)
	assert.Equal(t, 1, info.Consumers)

	select {
	case chunk := <-st.Chunks():
		assert.Equal(t, []byte("abcd"), chunk)
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk delivered")
	}

	st.Release()
	waitGone(t, o, 101)
	assert.Equal(t, int32(1), runner.starts.Load())
}

func TestConsumersShareOneSession(t *testing.T) {
	runner := newChanRunner()
	o := New(testConfig(), runner, &fakeProber{}, passthroughSpec)

	a, err := o.Acquire(context.Background(), rtspChannel(101))
	require.NoError(t, err)
	b, err := o.Acquire(context.Background(), rtspChannel(101))
	require.NoError(t, err)

	proc := runner.next(t)
	proc.emit(t, []byte("abcdefgh"))
	require.NoError(t, a.WaitRunning(context.Background()))

	assert.Equal(t, a.Info().ID, b.Info().ID)
	assert.Equal(t, int32(1), runner.starts.Load())
	assert.Equal(t, 2, a.Info().Consumers)

	// first release keeps the process alive
	a.Release()
	time.Sleep(50 * time.Millisecond)
	_, ok := o.SessionFor(101)
	assert.True(t, ok)

	b.Release()
	waitGone(t, o, 101)
}

func TestWarmupProbeOnlyForHLS(t *testing.T) {
	t.Run("hls is probed", func(t *testing.T) {
		runner := newChanRunner()
		prober := &fakeProber{}
		o := New(testConfig(), runner, prober, passthroughSpec)

		st, err := o.Acquire(context.Background(), hlsChannel(102))
		require.NoError(t, err)
		runner.next(t).emit(t, []byte("abcdefgh"))
		require.NoError(t, st.WaitRunning(context.Background()))

		assert.Equal(t, 1, prober.callCount())

		st.Release()
		waitGone(t, o, 102)
	})

	t.Run("rtsp is not probed", func(t *testing.T) {
		runner := newChanRunner()
		prober := &fakeProber{}
		o := New(testConfig(), runner, prober, passthroughSpec)

		st, err := o.Acquire(context.Background(), rtspChannel(103))
		require.NoError(t, err)
		runner.next(t).emit(t, []byte("abcdefgh"))
		require.NoError(t, st.WaitRunning(context.Background()))

		assert.Zero(t, prober.callCount())

		st.Release()
		waitGone(t, o, 103)
	})
}

func TestFailedWarmupProbeEndsConsumerStream(t *testing.T) {
	runner := newChanRunner()
	prober := &fakeProber{results: []bool{false}}
	o := New(testConfig(), runner, prober, passthroughSpec)

	st, err := o.Acquire(context.Background(), hlsChannel(102))
	require.NoError(t, err)

	// first output arrives but the probe rejects the source
	runner.next(t).emit(t, []byte("abcdefgh"))

	select {
	case _, open := <-st.Chunks():
		assert.False(t, open, "stream should be closed after a failed probe")
	case <-time.After(2 * time.Second):
		t.Fatal("stream never closed")
	}

	// backoff continues behind the scenes; drain the restarts until the
	// session gives up
	for i := 0; i < 2; i++ {
		runner.next(t).emit(t, []byte("abcdefgh"))
	}
	st.Release()
	waitGone(t, o, 102)
}

func TestTerminalAfterRestartBudget(t *testing.T) {
	runner := &failRunner{}
	o := New(testConfig(), runner, &fakeProber{}, passthroughSpec)

	st, err := o.Acquire(context.Background(), rtspChannel(101))
	require.NoError(t, err)

	select {
	case _, open := <-st.Chunks():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("stream never closed")
	}

	st.Release()
	waitGone(t, o, 101)

	// restart budget of 2 means three spawn attempts in total
	assert.Equal(t, int32(3), runner.starts.Load())
}

func TestHealthyRunResetsRestartBudget(t *testing.T) {
	runner := newChanRunner()
	clk := newFakeClock()
	o := New(testConfig(), runner, &fakeProber{}, passthroughSpec, WithClock(clk))

	st, err := o.Acquire(context.Background(), rtspChannel(101))
	require.NoError(t, err)

	// first process crashes right after going healthy
	p1 := runner.next(t)
	p1.emit(t, []byte("abcdefgh"))
	require.NoError(t, st.WaitRunning(context.Background()))
	p1.exit(errors.New("exit status 1"))

	// second process runs past the healthy-reset horizon before crashing
	p2 := runner.next(t)
	p2.emit(t, []byte("abcdefgh"))
	require.NoError(t, st.WaitRunning(context.Background()))
	info, ok := o.SessionFor(101)
	require.True(t, ok)
	assert.Equal(t, 1, info.RestartCount)

	clk.Advance(2 * time.Minute)
	p2.exit(errors.New("exit status 1"))

	// third process: the counter was reset before the second crash counted
	p3 := runner.next(t)
	p3.emit(t, []byte("abcdefgh"))
	require.NoError(t, st.WaitRunning(context.Background()))
	info, ok = o.SessionFor(101)
	require.True(t, ok)
	assert.Equal(t, 1, info.RestartCount)

	st.Release()
	waitGone(t, o, 101)
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	prev := time.Duration(0)
	for _, tc := range tests {
		got := backoffDelay(base, max, tc.n)
		assert.Equal(t, tc.want, got, "n=%d", tc.n)
		assert.GreaterOrEqual(t, got, prev, "delay must never shrink")
		prev = got
	}
}

func TestInvalidateStopsSession(t *testing.T) {
	runner := newChanRunner()
	o := New(testConfig(), runner, &fakeProber{}, passthroughSpec)

	st, err := o.Acquire(context.Background(), rtspChannel(101))
	require.NoError(t, err)
	runner.next(t).emit(t, []byte("abcdefgh"))
	require.NoError(t, st.WaitRunning(context.Background()))

	o.Invalidate(101)

	// chunks broadcast before the invalidation may still be buffered;
	// the channel must close once they are drained
	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-st.Chunks():
			open = ok
		case <-deadline:
			t.Fatal("stream never closed after invalidation")
		}
	}
	st.Release()
	waitGone(t, o, 101)
}

func TestReplacedTerminalSessionBalancesGauge(t *testing.T) {
	runner := newChanRunner()
	o := New(testConfig(), runner, &fakeProber{}, passthroughSpec)
	before := testutil.ToFloat64(metrics.SessionsActive)

	// a terminal session whose supervision loop has not yet removed
	// itself from the table when the next tune arrives
	stale := &Session{
		ID:        "stale",
		ChannelID: 101,
		o:         o,
		channel:   rtspChannel(101),
		state:     StateFailed,
		terminal:  true,
		streams:   make(map[*Stream]struct{}),
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
		cancel:    func() {},
	}
	o.mu.Lock()
	o.sessions[101] = stale
	o.mu.Unlock()
	metrics.SessionsActive.Inc()

	st, err := o.Acquire(context.Background(), rtspChannel(101))
	require.NoError(t, err)
	runner.next(t).emit(t, []byte("abcdefgh"))
	require.NoError(t, st.WaitRunning(context.Background()))

	// the displaced loop exits after losing its table slot
	o.remove(stale)

	st.Release()
	waitGone(t, o, 101)
	assert.Equal(t, before, testutil.ToFloat64(metrics.SessionsActive))
}

func TestHealthCheck(t *testing.T) {
	t.Run("rtsp tries tcp then udp", func(t *testing.T) {
		prober := &fakeProber{results: []bool{false, true}}
		o := New(testConfig(), newChanRunner(), prober, passthroughSpec)

		report, err := o.HealthCheck(context.Background(), rtspChannel(101))
		require.NoError(t, err)
		assert.True(t, report.OK)
		require.Len(t, prober.calls, 2)
		assert.Equal(t, "tcp", prober.calls[0].transport)
		assert.Equal(t, "udp", prober.calls[1].transport)
	})

	t.Run("all transports failing reports the last attempt", func(t *testing.T) {
		prober := &fakeProber{results: []bool{false}}
		o := New(testConfig(), newChanRunner(), prober, passthroughSpec)

		report, err := o.HealthCheck(context.Background(), rtspChannel(101))
		require.NoError(t, err)
		assert.False(t, report.OK)
		assert.Equal(t, "udp", report.Transport)
		assert.NotEmpty(t, report.Detail)
	})

	t.Run("throttled", func(t *testing.T) {
		cfg := testConfig()
		cfg.ProbeRate = rate.Every(time.Hour)
		cfg.ProbeBurst = 1
		o := New(cfg, newChanRunner(), &fakeProber{}, passthroughSpec)

		_, err := o.HealthCheck(context.Background(), hlsChannel(102))
		require.NoError(t, err)
		_, err = o.HealthCheck(context.Background(), hlsChannel(102))
		assert.ErrorIs(t, err, ErrProbeThrottled)
	})

	t.Run("mosaic rejected", func(t *testing.T) {
		o := New(testConfig(), newChanRunner(), &fakeProber{}, passthroughSpec)
		mosaic := registry.Channel{
			ID:     110,
			Name:   "Quad",
			Source: registry.Source{Kind: registry.KindMosaic, Members: []int{101, 102}},
		}
		_, err := o.HealthCheck(context.Background(), mosaic)
		require.Error(t, err)
	})
}

func TestShutdownStopsEverything(t *testing.T) {
	runner := newChanRunner()
	o := New(testConfig(), runner, &fakeProber{}, passthroughSpec)

	a, err := o.Acquire(context.Background(), rtspChannel(101))
	require.NoError(t, err)
	b, err := o.Acquire(context.Background(), rtspChannel(104))
	require.NoError(t, err)

	runner.next(t).emit(t, []byte("abcdefgh"))
	runner.next(t).emit(t, []byte("abcdefgh"))
	require.NoError(t, a.WaitRunning(context.Background()))
	require.NoError(t, b.WaitRunning(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	assert.Empty(t, o.Sessions())
	a.Release()
	b.Release()
}
