// SPDX-License-Identifier: MIT

package orchestrator

import "errors"

var (
	// ErrSourceUnreachable indicates the external process could not be
	// spawned or never produced output.
	ErrSourceUnreachable = errors.New("source unreachable")

	// ErrProbeFailed indicates the warm-up probe did not confirm a
	// usable stream.
	ErrProbeFailed = errors.New("probe failed")

	// ErrProcessCrashed indicates the external process exited
	// unexpectedly.
	ErrProcessCrashed = errors.New("transcode process crashed")

	// ErrSessionTerminal indicates the session exhausted its restart
	// budget; a fresh tune request starts over.
	ErrSessionTerminal = errors.New("session failed permanently")

	// ErrProbeThrottled indicates the on-demand probe rate limit was hit.
	ErrProbeThrottled = errors.New("probe rate limit exceeded")
)
