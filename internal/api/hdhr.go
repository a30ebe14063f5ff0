// SPDX-License-Identifier: MIT

package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/camtuner/camtuner/internal/log"
)

// Identity is the emulated tuner's advertised identity.
type Identity struct {
	FriendlyName string
	DeviceID     string
	TunerCount   int
	BaseURL      string
}

func (i Identity) withDefaults() Identity {
	if i.FriendlyName == "" {
		i.FriendlyName = "camtuner"
	}
	if i.DeviceID == "" {
		i.DeviceID = DeviceIDFromHostname()
	}
	if i.TunerCount == 0 {
		i.TunerCount = 4
	}
	return i
}

// DeviceIDFromHostname derives a stable 8-hex-digit device id from the
// machine's hostname, so the DVR re-recognises the tuner across
// restarts without any configuration.
func DeviceIDFromHostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "camtuner"
	}
	sum := sha256.Sum256([]byte(host))
	return strings.ToUpper(hex.EncodeToString(sum[:4]))
}

type discoverResponse struct {
	FriendlyName    string `json:"FriendlyName"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	TunerCount      int    `json:"TunerCount"`
}

type lineupStatus struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	writeJSON(w, http.StatusOK, discoverResponse{
		FriendlyName:    s.identity.FriendlyName,
		Manufacturer:    "Silicondust",
		ModelNumber:     "HDTC-2US",
		FirmwareName:    "hdhomeruntc_atsc",
		FirmwareVersion: "20170930",
		DeviceID:        s.identity.DeviceID,
		DeviceAuth:      "camtuner",
		BaseURL:         base,
		LineupURL:       base + "/lineup.json",
		TunerCount:      s.identity.TunerCount,
	})

	logger := log.WithComponentFromContext(r.Context(), "hdhr")
	logger.Debug().
		Str("event", "hdhr.discover").
		Str("device_id", s.identity.DeviceID).
		Msg("discovery request served")
}

func (s *Server) handleLineup(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	channels := s.reg.Snapshot()
	lineup := make([]lineupEntry, 0, len(channels))
	for _, ch := range channels {
		lineup = append(lineup, lineupEntry{
			GuideNumber: fmt.Sprintf("%d", ch.ID),
			GuideName:   ch.Name,
			URL:         fmt.Sprintf("%s/auto/v%d", base, ch.ID),
		})
	}
	writeJSON(w, http.StatusOK, lineup)
}

// handleLineupPost answers the DVR's channel scan request. There is
// nothing to scan; the lineup is always current.
func (s *Server) handleLineupPost(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("scan") == "start" {
		logger := log.WithComponentFromContext(r.Context(), "hdhr")
		logger.Info().
			Str("event", "hdhr.scan").
			Msg("channel scan requested, lineup is already current")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLineupStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, lineupStatus{
		ScanInProgress: 0,
		ScanPossible:   1,
		Source:         "Cable",
		SourceList:     []string{"Cable"},
	})
}

type deviceXML struct {
	XMLName     xml.Name       `xml:"root"`
	XMLNS       string         `xml:"xmlns,attr"`
	SpecVersion deviceXMLSpec  `xml:"specVersion"`
	URLBase     string         `xml:"URLBase"`
	Device      deviceXMLInner `xml:"device"`
}

type deviceXMLSpec struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

type deviceXMLInner struct {
	DeviceType   string `xml:"deviceType"`
	FriendlyName string `xml:"friendlyName"`
	Manufacturer string `xml:"manufacturer"`
	ModelName    string `xml:"modelName"`
	ModelNumber  string `xml:"modelNumber"`
	SerialNumber string `xml:"serialNumber"`
	UDN          string `xml:"UDN"`
}

// handleDeviceXML serves the UPnP device description some DVRs fetch
// during tuner discovery.
func (s *Server) handleDeviceXML(w http.ResponseWriter, r *http.Request) {
	doc := deviceXML{
		XMLNS:       "urn:schemas-upnp-org:device-1-0",
		SpecVersion: deviceXMLSpec{Major: 1},
		URLBase:     s.baseURL(r),
		Device: deviceXMLInner{
			DeviceType:   "urn:schemas-upnp-org:device:MediaServer:1",
			FriendlyName: s.identity.FriendlyName,
			Manufacturer: "Silicondust",
			ModelName:    "HDTC-2US",
			ModelNumber:  "HDTC-2US",
			UDN:          "uuid:" + s.identity.DeviceID,
		},
	}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(doc); err != nil {
		s.logger.Error().Err(err).Msg("encode device.xml")
	}
}
