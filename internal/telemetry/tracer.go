// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry tracing utilities.
//
// The daemon emits spans through the otel API only; wiring an exporter is
// the operator's concern (the global provider defaults to a no-op).
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for consistent tracing across the application.
const (
	StreamChannelKey   = "stream.channel"
	StreamSessionKey   = "stream.session"
	StreamTransportKey = "stream.transport"

	ProbeTargetKey  = "probe.target"
	ProbeTimeoutKey = "probe.timeout_ms"

	ErrorTypeKey = "error.type"
)

// Tracer returns a tracer for the given name.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
