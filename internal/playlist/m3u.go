// SPDX-License-Identifier: MIT

// Package playlist renders the channel lineup as an extended M3U file.
package playlist

import (
	"bytes"
	"fmt"
	"io"

	"github.com/camtuner/camtuner/internal/epg"
	"github.com/camtuner/camtuner/internal/registry"
)

type Item struct {
	Name    string
	TvgID   string
	TvgChNo int
	TvgLogo string
	Group   string
	URL     string
}

// FromChannels maps a registry snapshot onto playlist items. baseURL is
// the externally reachable address of this service; mosaics are grouped
// separately from plain cameras.
func FromChannels(channels []registry.Channel, baseURL string) []Item {
	items := make([]Item, 0, len(channels))
	for _, ch := range channels {
		group := "Cameras"
		if ch.IsMosaic() {
			group = "Mosaics"
		}
		items = append(items, Item{
			Name:    ch.Name,
			TvgID:   epg.GuideID(ch),
			TvgChNo: ch.ID,
			TvgLogo: ch.Guide.Logo,
			Group:   group,
			URL:     fmt.Sprintf("%s/auto/v%d", baseURL, ch.ID),
		})
	}
	return items
}

// WriteM3U writes the playlist. epgURL, when set, is advertised in the
// header so players fetch the matching XMLTV guide.
func WriteM3U(w io.Writer, items []Item, epgURL string) error {
	buf := &bytes.Buffer{}
	if epgURL != "" {
		buf.WriteString(fmt.Sprintf("#EXTM3U x-tvg-url=%q\n", epgURL))
	} else {
		buf.WriteString("#EXTM3U\n")
	}
	for _, it := range items {
		buf.WriteString(fmt.Sprintf(
			`#EXTINF:-1 tvg-chno="%d" tvg-id="%s" tvg-logo="%s" group-title="%s",%s`+"\n",
			it.TvgChNo, it.TvgID, it.TvgLogo, it.Group, it.Name,
		))
		buf.WriteString(it.URL + "\n")
	}
	_, err := io.Copy(w, buf)
	return err
}
