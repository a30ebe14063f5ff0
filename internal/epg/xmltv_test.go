// SPDX-License-Identifier: MIT

package epg

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camtuner/camtuner/internal/registry"
)

func testChannels() []registry.Channel {
	return []registry.Channel{
		{
			ID:   101,
			Name: "Front Door",
			Guide: registry.Guide{
				TvgID: "cam.101",
				Logo:  "https://img.example/front.png",
				Title: "Front Door Live",
				Desc:  "Entrance camera",
			},
		},
		{
			ID:   102,
			Name: "Garage",
		},
	}
}

func TestBuildGrid(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 34, 56, 0, time.UTC)
	tv := Build(testChannels(), 2, 30, now)

	require.Len(t, tv.Channels, 2)
	assert.Equal(t, "cam.101", tv.Channels[0].ID)
	require.NotNil(t, tv.Channels[0].Icon)
	assert.Equal(t, "https://img.example/front.png", tv.Channels[0].Icon.Src)
	assert.Equal(t, "cam.102", tv.Channels[1].ID, "missing tvg id falls back to the channel number")
	assert.Nil(t, tv.Channels[1].Icon)

	// 2 hours of 30 minute slots for each of the 2 channels
	require.Len(t, tv.Programs, 8)

	first := tv.Programs[0]
	assert.Equal(t, "20250601120000 +0000", first.Start, "grid starts at the top of the hour")
	assert.Equal(t, "20250601123000 +0000", first.Stop)
	assert.Equal(t, "cam.101", first.Channel)
	assert.Equal(t, "Front Door Live", first.Title.Value)
	assert.Equal(t, "Entrance camera", first.Desc)

	last := tv.Programs[3]
	assert.Equal(t, "20250601140000 +0000", last.Stop, "grid ends exactly at the horizon")

	// channel without guide metadata gets name-derived programmes
	garage := tv.Programs[4]
	assert.Equal(t, "Garage", garage.Title.Value)
	assert.Contains(t, garage.Desc, "Garage")
}

func TestClamping(t *testing.T) {
	tests := []struct {
		name        string
		hours, slot int
		wantH       int
		wantS       int
	}{
		{"defaults", 0, 0, DefaultHours, DefaultSlot},
		{"below minimum", -3, 1, MinHours, MinSlot},
		{"above maximum", 500, 999, MaxHours, MaxSlot},
		{"in range", 48, 15, 48, 15},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wantH, ClampHours(tc.hours))
			assert.Equal(t, tc.wantS, ClampSlot(tc.slot))
		})
	}
}

func TestGuideIDNormalization(t *testing.T) {
	ch := registry.Channel{ID: 101, Guide: registry.Guide{TvgID: "  front   door cam "}}
	assert.Equal(t, "front.door.cam", GuideID(ch))
}

func TestWriteProducesValidXMLTV(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tv := Build(testChannels(), 1, 60, now)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, tv))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "<?xml version="))
	assert.Contains(t, out, `<tv generator-info-name="camtuner">`)
	assert.Contains(t, out, `<channel id="cam.101">`)
	assert.Contains(t, out, `<display-name>Front Door</display-name>`)
	assert.Contains(t, out, `<programme start="20250601120000 +0000"`)
}
