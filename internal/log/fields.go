// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	FieldRequestID = "request_id"
	FieldSessionID = "session_id"
	FieldChannelID = "channel_id"

	FieldEvent     = "event"
	FieldComponent = "component"

	FieldOldState = "old_state"
	FieldNewState = "new_state"

	FieldSource    = "source"
	FieldTransport = "transport"
)
