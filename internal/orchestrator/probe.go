// SPDX-License-Identifier: MIT

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/camtuner/camtuner/internal/ffmpeg"
	"github.com/camtuner/camtuner/internal/telemetry"
)

// ProbeReport is the structured outcome of a source probe.
type ProbeReport struct {
	OK         bool          `json:"ok"`
	Target     string        `json:"target"`
	Transport  string        `json:"transport,omitempty"`
	Codec      string        `json:"codec,omitempty"`
	Resolution string        `json:"resolution,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Duration   time.Duration `json:"duration_ms"`
}

// Prober checks a source URL without starting a full session.
type Prober interface {
	Probe(ctx context.Context, target, transport, headers string) ProbeReport
}

// FFprobeProber shells out to ffprobe with an explicit timeout. A probe
// that does not finish in time counts as failed and is not retried.
type FFprobeProber struct {
	path    string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewFFprobeProber returns a Prober backed by the ffprobe binary.
func NewFFprobeProber(path string, timeout time.Duration, logger zerolog.Logger) *FFprobeProber {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &FFprobeProber{path: path, timeout: timeout, logger: logger}
}

func (p *FFprobeProber) Probe(ctx context.Context, target, transport, headers string) ProbeReport {
	tracer := telemetry.Tracer("camtuner.orchestrator")
	ctx, span := tracer.Start(ctx, "probe", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String(telemetry.ProbeTargetKey, target),
		attribute.Int64(telemetry.ProbeTimeoutKey, p.timeout.Milliseconds()),
	)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	report := ProbeReport{Target: target, Transport: transport}

	binary, err := resolveBinary(p.path)
	if err != nil {
		report.Detail = err.Error()
		report.Duration = time.Since(start)
		return report
	}

	args := ffmpeg.ProbeArgs(target, transport, headers)
	// #nosec G204 -- binary is resolved above and args are assembled internally
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	report.Duration = time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		report.Detail = fmt.Sprintf("probe timed out after %s", p.timeout)
		return report
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		if len(detail) > 400 {
			detail = detail[:400]
		}
		report.Detail = detail
		return report
	}

	report.OK = true
	report.Codec, report.Resolution = parseProbeStreams(stdout.Bytes())
	return report
}

func parseProbeStreams(data []byte) (codec, resolution string) {
	var out struct {
		Streams []struct {
			CodecName string `json:"codec_name"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(data, &out); err != nil || len(out.Streams) == 0 {
		return "", ""
	}
	s := out.Streams[0]
	if s.Width > 0 && s.Height > 0 {
		resolution = fmt.Sprintf("%dx%d", s.Width, s.Height)
	}
	return s.CodecName, resolution
}
