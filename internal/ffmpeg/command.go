// SPDX-License-Identifier: MIT

// Package ffmpeg assembles argument lists for the external transcode and
// probe processes. It never runs anything itself.
package ffmpeg

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/camtuner/camtuner/internal/registry"
)

// UserAgent is presented to sources. Some camera firmwares only behave
// with a player-looking agent string.
const UserAgent = "LibVLC/3.0.20 (LIVE555 Streaming Media v2021.12.30)"

// Tile geometry for mosaic composition: 640x360 tiles on a 1280x720 canvas.
const (
	tileWidth  = 640
	tileHeight = 360
)

// AuthURL injects channel credentials into an rtsp:// locator when the
// URL does not already embed any. HTTP(S) sources authenticate via
// headers instead.
func AuthURL(ch registry.Channel) string {
	raw := ch.Source.Locator
	u, err := url.Parse(raw)
	if err != nil || !strings.HasPrefix(strings.ToLower(u.Scheme), "rtsp") {
		return raw
	}
	if u.User != nil || (ch.Username == "" && ch.Password == "") {
		return raw
	}
	u.User = url.UserPassword(ch.Username, ch.Password)
	return u.String()
}

// MergedHeaders renders the extra request headers for a channel in the
// CRLF-joined form ffmpeg's -headers option expects.
func MergedHeaders(ch registry.Channel) string {
	var lines []string
	if ch.AuthMode == registry.AuthHeaderBasic {
		token := base64.StdEncoding.EncodeToString([]byte(ch.Username + ":" + ch.Password))
		lines = append(lines, "Authorization: Basic "+token)
	}
	keys := make([]string, 0, len(ch.Headers))
	for k := range ch.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ch.Headers[k])
	}
	return strings.Join(lines, "\r\n")
}

// InputArgs builds the per-input flags up to and including -i for one
// source channel.
func InputArgs(ch registry.Channel) []string {
	var args []string
	locator := strings.ToLower(ch.Source.Locator)
	if strings.HasPrefix(locator, "rtsp://") {
		switch ch.Transport {
		case registry.TransportTCP:
			args = append(args, "-rtsp_transport", "tcp", "-rtsp_flags", "prefer_tcp")
		case registry.TransportUDP:
			args = append(args, "-rtsp_transport", "udp")
		}
	}
	// quick lock-on for live sources
	args = append(args,
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-analyzeduration", "100000",
		"-probesize", "32768",
		"-user_agent", UserAgent,
	)
	if hdr := MergedHeaders(ch); hdr != "" {
		args = append(args, "-headers", hdr)
	}
	args = append(args, "-i", AuthURL(ch))
	return args
}

func audioArgs(transcode bool) []string {
	if transcode {
		return []string{"-c:a", "aac", "-ar", "44100", "-ac", "2", "-b:a", "128k"}
	}
	return []string{"-c:a", "copy"}
}

func muxArgs(serviceProvider, serviceName string) []string {
	return []string{
		"-flush_packets", "1",
		"-muxpreload", "0", "-muxdelay", "0",
		"-mpegts_flags", "+initial_discontinuity+resend_headers",
		"-pat_period", "0.2",
		"-metadata", "service_provider=" + serviceProvider,
		"-metadata", "service_name=" + serviceName,
		"-f", "mpegts", "pipe:1",
	}
}

// StreamArgs builds the full argument list for a single-source channel.
// Video is copied with an annex-b bitstream filter inserting AUDs, which
// keeps most DVR demuxers happy without a re-encode.
func StreamArgs(serviceProvider string, ch registry.Channel) []string {
	args := []string{"-nostats", "-loglevel", "error"}
	args = append(args, InputArgs(ch)...)
	args = append(args,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", "copy",
		"-bsf:v", "h264_mp4toannexb,h264_metadata=aud=insert",
	)
	args = append(args, audioArgs(ch.TranscodeAudio)...)
	args = append(args, muxArgs(serviceProvider, ch.Name)...)
	return args
}

// MosaicLayout returns the xstack filter graph and its output label for
// n tiles (2-4).
func MosaicLayout(n int) (filter string, out string) {
	if n > registry.MaxMosaicMembers {
		n = registry.MaxMosaicMembers
	}
	chains := make([]string, 0, n+1)
	labels := make([]string, 0, n)
	for i := 0; i < n; i++ {
		chains = append(chains, fmt.Sprintf(
			"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(%d-iw)/2:(%d-ih)/2:black,setsar=1[v%d]",
			i, tileWidth, tileHeight, tileWidth, tileHeight, tileWidth, tileHeight, i))
		labels = append(labels, fmt.Sprintf("[v%d]", i))
	}
	var layout string
	switch n {
	case 2:
		layout = "0_0|640_0"
	case 3:
		layout = "0_0|640_0|0_360"
	default:
		layout = "0_0|640_0|0_360|640_360"
	}
	chains = append(chains, fmt.Sprintf("%sxstack=inputs=%d:layout=%s:fill=black[vout]",
		strings.Join(labels, ""), n, layout))
	return strings.Join(chains, ";"), "[vout]"
}

// LoopbackInputArgs reads a member channel back through the local tuner
// endpoint. The mosaic consumes the member's already running shared
// session instead of opening the member's source a second time, which
// matters for cameras that only accept a single client.
func LoopbackInputArgs(base string, channelID int) []string {
	return []string{
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-analyzeduration", "100000",
		"-probesize", "32768",
		"-f", "mpegts",
		"-i", fmt.Sprintf("%s/auto/v%d", strings.TrimRight(base, "/"), channelID),
	}
}

// PlaceholderInputArgs is the lavfi colour source standing in for a
// mosaic member that never reached running. The mosaic degrades tile by
// tile instead of failing outright.
func PlaceholderInputArgs() []string {
	return []string{
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=0x202020:s=%dx%d:r=25", tileWidth, tileHeight),
	}
}

// MosaicArgs builds the argument list for a composed mosaic channel.
// inputs holds one per-input argument group per tile, already including
// -i (live member or placeholder). Audio is taken from the first input.
func MosaicArgs(serviceProvider string, mosaic registry.Channel, inputs [][]string) []string {
	args := []string{"-nostats", "-loglevel", "error"}
	for _, in := range inputs {
		args = append(args, in...)
	}
	filter, vout := MosaicLayout(len(inputs))
	args = append(args,
		"-filter_complex", filter,
		"-map", vout,
		"-map", "0:a:0?",
	)
	// mosaic always re-encodes video; tiles come from distinct sources
	args = append(args,
		"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency",
		"-g", "60", "-keyint_min", "60",
		"-pix_fmt", "yuv420p",
	)
	args = append(args, audioArgs(mosaic.TranscodeAudio)...)
	args = append(args,
		"-max_muxing_queue_size", "1024",
	)
	args = append(args, muxArgs(serviceProvider, mosaic.Name)...)
	return args
}

// ProbeArgs builds the ffprobe invocation for a health check against a
// source URL over the given RTSP transport ("tcp", "udp") or "" for HTTP.
func ProbeArgs(target, transport, headers string) []string {
	args := []string{"-v", "error", "-user_agent", UserAgent}
	switch transport {
	case "tcp":
		args = append(args, "-rtsp_transport", "tcp", "-rtsp_flags", "prefer_tcp")
	case "udp":
		args = append(args, "-rtsp_transport", "udp")
	}
	if headers != "" {
		args = append(args, "-headers", headers)
	}
	args = append(args,
		"-i", target,
		"-show_streams",
		"-select_streams", "v:0",
		"-of", "json",
	)
	return args
}

// ProbeTransports returns the transports to try for a URL: RTSP sources
// get a TCP then UDP attempt, HTTP sources a single plain one.
func ProbeTransports(target string) []string {
	if strings.HasPrefix(strings.ToLower(target), "rtsp://") {
		return []string{"tcp", "udp"}
	}
	return []string{""}
}
