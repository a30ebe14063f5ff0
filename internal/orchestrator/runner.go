// SPDX-License-Identifier: MIT

package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/camtuner/camtuner/internal/telemetry"
)

// ProcessSpec describes one external transcode process launch.
type ProcessSpec struct {
	Binary string
	Args   []string
}

// Process is an owned handle on a running external process. Exactly one
// session owns a Process; only that session may terminate it.
type Process interface {
	// Stdout is the live output of the process.
	Stdout() io.Reader
	// Wait blocks until the process exits and returns its exit error.
	Wait() error
	// Terminate asks the process to stop, escalating to a kill after
	// the grace period.
	Terminate(grace time.Duration)
}

// Runner starts external processes. The production implementation shells
// out; tests substitute a fake backend.
type Runner interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Terminate(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = p.cmd.Process.Kill()
		return
	}
	proc := p.cmd.Process
	time.AfterFunc(grace, func() {
		_ = proc.Kill()
	})
}

// ExecRunner launches real processes via os/exec and forwards their
// stderr to the log at debug level.
type ExecRunner struct {
	logger zerolog.Logger
}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

func (r *ExecRunner) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	binary, err := resolveBinary(spec.Binary)
	if err != nil {
		return nil, err
	}

	_, span := telemetry.Tracer("camtuner.orchestrator").
		Start(ctx, "process.start", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("process.binary", filepath.Base(binary)))
	defer span.End()

	// #nosec G204 -- binary is resolved above and args are assembled internally
	cmd := exec.CommandContext(ctx, binary, spec.Args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", filepath.Base(binary), err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			r.logger.Debug().
				Str("process", filepath.Base(binary)).
				Str("stderr", scanner.Text()).
				Msg("process output")
		}
	}()

	return &execProcess{cmd: cmd, stdout: stdout}, nil
}

// resolveBinary accepts either an absolute path or a bare name resolved
// via PATH.
func resolveBinary(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty binary name")
	}
	if filepath.IsAbs(name) {
		return filepath.Clean(name), nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("locate %s: %w", name, err)
	}
	return path, nil
}
