// SPDX-License-Identifier: MIT

// Package epg generates a synthetic XMLTV guide for camera channels.
package epg

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	unorm "golang.org/x/text/unicode/norm"

	"github.com/camtuner/camtuner/internal/registry"
)

type TV struct {
	XMLName   xml.Name    `xml:"tv"`
	Generator string      `xml:"generator-info-name,attr,omitempty"`
	Channels  []Channel   `xml:"channel"`
	Programs  []Programme `xml:"programme"`
}

type Channel struct {
	ID          string   `xml:"id,attr"`
	DisplayName []string `xml:"display-name"`
	Icon        *Icon    `xml:"icon,omitempty"`
}

type Icon struct {
	Src string `xml:"src,attr"`
}

type Programme struct {
	Start   string `xml:"start,attr"`
	Stop    string `xml:"stop,attr"`
	Channel string `xml:"channel,attr"`
	Title   Title  `xml:"title"`
	Desc    string `xml:"desc,omitempty"`
}

type Title struct {
	Lang  string `xml:"lang,attr,omitempty"`
	Value string `xml:",chardata"`
}

// timeLayout is the XMLTV timestamp format; the guide is always UTC.
const timeLayout = "20060102150405 +0000"

const (
	MinHours = 1
	MaxHours = 168
	MinSlot  = 5
	MaxSlot  = 240

	DefaultHours = 24
	DefaultSlot  = 60
)

var space = regexp.MustCompile(`\s+`)

// normalize makes a string safe for use as an XMLTV channel id.
func normalize(s string) string {
	s = unorm.NFC.String(strings.TrimSpace(s))
	s = space.ReplaceAllString(s, ".")
	return s
}

// ClampHours bounds the guide horizon.
func ClampHours(h int) int {
	if h == 0 {
		return DefaultHours
	}
	if h < MinHours {
		return MinHours
	}
	if h > MaxHours {
		return MaxHours
	}
	return h
}

// ClampSlot bounds the per-programme slot length in minutes.
func ClampSlot(m int) int {
	if m == 0 {
		return DefaultSlot
	}
	if m < MinSlot {
		return MinSlot
	}
	if m > MaxSlot {
		return MaxSlot
	}
	return m
}

// GuideID returns the XMLTV channel id for a channel.
func GuideID(ch registry.Channel) string {
	if ch.Guide.TvgID != "" {
		return normalize(ch.Guide.TvgID)
	}
	return fmt.Sprintf("cam.%d", ch.ID)
}

// Build generates the guide for a channel snapshot. Cameras have no real
// schedule, so each channel gets identical repeating slots starting at
// the top of the current hour.
func Build(channels []registry.Channel, hours, slotMinutes int, now time.Time) *TV {
	hours = ClampHours(hours)
	slot := time.Duration(ClampSlot(slotMinutes)) * time.Minute
	start := now.UTC().Truncate(time.Hour)
	end := start.Add(time.Duration(hours) * time.Hour)

	tv := &TV{
		Generator: "camtuner",
		Channels:  make([]Channel, 0, len(channels)),
		Programs:  []Programme{},
	}
	for _, ch := range channels {
		id := GuideID(ch)
		xc := Channel{ID: id, DisplayName: []string{ch.Name}}
		if ch.Guide.Logo != "" {
			xc.Icon = &Icon{Src: ch.Guide.Logo}
		}
		tv.Channels = append(tv.Channels, xc)

		title := ch.Guide.Title
		if title == "" {
			title = ch.Name
		}
		desc := ch.Guide.Desc
		if desc == "" {
			desc = fmt.Sprintf("Live view from %s", ch.Name)
		}
		for t := start; t.Before(end); t = t.Add(slot) {
			stop := t.Add(slot)
			if stop.After(end) {
				stop = end
			}
			tv.Programs = append(tv.Programs, Programme{
				Start:   t.Format(timeLayout),
				Stop:    stop.Format(timeLayout),
				Channel: id,
				Title:   Title{Value: title},
				Desc:    desc,
			})
		}
	}
	return tv
}

// Write encodes the guide as an XMLTV document.
func Write(w io.Writer, tv *TV) error {
	out, err := xml.MarshalIndent(tv, "", "  ")
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
