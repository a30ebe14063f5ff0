// SPDX-License-Identifier: MIT

package playlist

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camtuner/camtuner/internal/registry"
)

func TestFromChannels(t *testing.T) {
	channels := []registry.Channel{
		{
			ID:    101,
			Name:  "Front Door",
			Guide: registry.Guide{TvgID: "cam.101", Logo: "https://img.example/front.png"},
			Source: registry.Source{
				Kind:    registry.KindRTSP,
				Locator: "rtsp://cam-1.local/stream1",
			},
		},
		{
			ID:     110,
			Name:   "Quad View",
			Source: registry.Source{Kind: registry.KindMosaic, Members: []int{101, 102}},
		},
	}

	items := FromChannels(channels, "http://gateway.local:5004")
	require.Len(t, items, 2)

	assert.Equal(t, "http://gateway.local:5004/auto/v101", items[0].URL)
	assert.Equal(t, "Cameras", items[0].Group)
	assert.Equal(t, 101, items[0].TvgChNo)
	assert.Equal(t, "cam.101", items[0].TvgID)

	assert.Equal(t, "Mosaics", items[1].Group)
	assert.Equal(t, "cam.110", items[1].TvgID)
}

func TestWriteM3U(t *testing.T) {
	items := []Item{
		{Name: "Front Door", TvgID: "cam.101", TvgChNo: 101, TvgLogo: "https://img.example/front.png", Group: "Cameras", URL: "http://gateway.local:5004/auto/v101"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteM3U(&buf, items, "http://gateway.local:5004/xmltv"))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, `#EXTM3U x-tvg-url="http://gateway.local:5004/xmltv"`, lines[0])
	assert.Equal(t, `#EXTINF:-1 tvg-chno="101" tvg-id="cam.101" tvg-logo="https://img.example/front.png" group-title="Cameras",Front Door`, lines[1])
	assert.Equal(t, "http://gateway.local:5004/auto/v101", lines[2])
}

func TestWriteM3UWithoutGuideURL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteM3U(&buf, nil, ""))
	assert.Equal(t, "#EXTM3U\n", buf.String())
}
