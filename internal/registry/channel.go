// SPDX-License-Identifier: MIT

// Package registry owns channel identity, display order and renumbering.
package registry

// SourceKind discriminates the channel source variant.
type SourceKind string

const (
	KindRTSP   SourceKind = "rtsp"
	KindHLS    SourceKind = "hls"
	KindMosaic SourceKind = "mosaic"
)

// Transport selects the RTSP transport. Ignored for HLS sources.
type Transport string

const (
	TransportAuto Transport = "auto"
	TransportTCP  Transport = "tcp"
	TransportUDP  Transport = "udp"
)

// AuthMode selects how credentials are delivered to the source.
type AuthMode string

const (
	AuthAuto        AuthMode = "auto"
	AuthHeaderBasic AuthMode = "header-basic"
)

// Channel number bounds match what tuner clients accept as guide numbers.
const (
	MinChannelID = 1
	MaxChannelID = 99999

	MinMosaicMembers = 2
	MaxMosaicMembers = 4
)

// Source is a tagged variant over SourceKind. Locator is set for RTSP and
// HLS channels; Members is set only for mosaics and references other
// channels by id.
type Source struct {
	Kind    SourceKind
	Locator string
	Members []int
}

// Guide holds guide-facing metadata. Opaque to the orchestrator.
type Guide struct {
	TvgID string
	Logo  string
	Title string
	Desc  string
}

// Channel is the central lineup entity. ID is the externally stable guide
// number; it changes only through the slot-takeover swap.
type Channel struct {
	ID             int
	Name           string
	Source         Source
	Transport      Transport
	Username       string
	Password       string
	AuthMode       AuthMode
	Headers        map[string]string
	TranscodeAudio bool
	Guide          Guide
}

// IsMosaic reports whether the channel is a composed mosaic.
func (c Channel) IsMosaic() bool {
	return c.Source.Kind == KindMosaic
}

// clone returns a deep copy so snapshots never alias registry state.
func (c Channel) clone() Channel {
	out := c
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	if c.Source.Members != nil {
		out.Source.Members = append([]int(nil), c.Source.Members...)
	}
	return out
}

func normalizeTransport(t Transport) Transport {
	switch t {
	case TransportTCP, TransportUDP:
		return t
	default:
		return TransportAuto
	}
}

func normalizeAuthMode(m AuthMode) AuthMode {
	if m == AuthHeaderBasic {
		return m
	}
	return AuthAuto
}
