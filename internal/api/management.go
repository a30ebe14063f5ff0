// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/camtuner/camtuner/internal/log"
	"github.com/camtuner/camtuner/internal/registry"
)

// channelJSON is the wire form of a channel. Passwords are accepted on
// input but never echoed back.
type channelJSON struct {
	ID             int               `json:"id,omitempty"`
	Name           string            `json:"name"`
	Kind           string            `json:"kind,omitempty"`
	URL            string            `json:"url,omitempty"`
	Sources        []int             `json:"sources,omitempty"`
	Transport      string            `json:"transport,omitempty"`
	Username       string            `json:"username,omitempty"`
	Password       string            `json:"password,omitempty"`
	AuthMode       string            `json:"auth_mode,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TranscodeAudio bool              `json:"transcode_audio,omitempty"`
	TvgID          string            `json:"tvg_id,omitempty"`
	TvgLogo        string            `json:"tvg_logo,omitempty"`
	EPGTitle       string            `json:"epg_title,omitempty"`
	EPGDesc        string            `json:"epg_desc,omitempty"`

	// State mirrors the live session state in listings; never an input.
	State string `json:"state,omitempty"`
}

func (c channelJSON) toChannel() (registry.Channel, error) {
	if c.URL != "" && len(c.Sources) > 0 {
		return registry.Channel{}, fmt.Errorf("url and sources are mutually exclusive")
	}
	ch := registry.Channel{
		ID:             c.ID,
		Name:           c.Name,
		Transport:      registry.Transport(c.Transport),
		Username:       c.Username,
		Password:       c.Password,
		AuthMode:       registry.AuthMode(c.AuthMode),
		Headers:        c.Headers,
		TranscodeAudio: c.TranscodeAudio,
		Guide: registry.Guide{
			TvgID: c.TvgID,
			Logo:  c.TvgLogo,
			Title: c.EPGTitle,
			Desc:  c.EPGDesc,
		},
	}
	switch {
	case len(c.Sources) > 0:
		ch.Source = registry.Source{Kind: registry.KindMosaic, Members: c.Sources}
	case strings.HasPrefix(strings.ToLower(c.URL), "rtsp://"):
		ch.Source = registry.Source{Kind: registry.KindRTSP, Locator: c.URL}
	default:
		ch.Source = registry.Source{Kind: registry.KindHLS, Locator: c.URL}
	}
	return ch, nil
}

func toChannelJSON(ch registry.Channel) channelJSON {
	out := channelJSON{
		ID:             ch.ID,
		Name:           ch.Name,
		Kind:           string(ch.Source.Kind),
		Transport:      string(ch.Transport),
		Username:       ch.Username,
		AuthMode:       string(ch.AuthMode),
		Headers:        ch.Headers,
		TranscodeAudio: ch.TranscodeAudio,
		TvgID:          ch.Guide.TvgID,
		TvgLogo:        ch.Guide.Logo,
		EPGTitle:       ch.Guide.Title,
		EPGDesc:        ch.Guide.Desc,
	}
	if ch.IsMosaic() {
		out.Sources = ch.Source.Members
	} else {
		out.URL = ch.Source.Locator
	}
	return out
}

// prepare resolves HLS base URLs to a concrete playlist before the
// channel is stored, so tune requests never pay the discovery cost.
func (s *Server) prepare(r *http.Request, ch registry.Channel) (registry.Channel, error) {
	if ch.Source.Kind != registry.KindHLS {
		return ch, nil
	}
	resolved, err := s.res.Resolve(r.Context(), ch)
	if err != nil {
		return registry.Channel{}, err
	}
	ch.Source.Locator = resolved
	return ch, nil
}

func (s *Server) saveConfig(r *http.Request) {
	if err := s.persist(); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).
			Str("event", "config.persist_failed").
			Msg("channel change not persisted")
	}
}

func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	channels := s.reg.Snapshot()
	out := make([]channelJSON, 0, len(channels))
	for _, ch := range channels {
		cj := toChannelJSON(ch)
		if info, ok := s.orch.SessionFor(ch.ID); ok {
			cj.State = string(info.State)
		}
		out = append(out, cj)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromPath(r)
	if !ok {
		writeError(w, registry.ErrChannelNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toChannelJSON(ch))
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var in channelJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	ch, err := in.toChannel()
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid_channel", err.Error())
		return
	}
	if ch, err = s.prepare(r, ch); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.reg.Add(ch)
	if err != nil {
		writeError(w, err)
		return
	}
	s.saveConfig(r)
	writeJSON(w, http.StatusCreated, toChannelJSON(created))
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.channelFromPath(r)
	if !ok {
		writeError(w, registry.ErrChannelNotFound)
		return
	}
	var in channelJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	ch, err := in.toChannel()
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid_channel", err.Error())
		return
	}
	// a password omitted on update keeps the stored one
	if ch.Password == "" {
		ch.Password = existing.Password
	}
	if ch, err = s.prepare(r, ch); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.reg.Update(existing.ID, ch)
	if err != nil {
		writeError(w, err)
		return
	}
	// drop any live session built from the old definition
	s.orch.Invalidate(existing.ID)
	s.saveConfig(r)
	writeJSON(w, http.StatusOK, toChannelJSON(updated))
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromPath(r)
	if !ok {
		writeError(w, registry.ErrChannelNotFound)
		return
	}
	if err := s.reg.Delete(ch.ID); err != nil {
		writeError(w, err)
		return
	}
	s.orch.Invalidate(ch.ID)
	s.saveConfig(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenumber(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromPath(r)
	if !ok {
		writeError(w, registry.ErrChannelNotFound)
		return
	}
	var in struct {
		To int `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := s.reg.Renumber(ch.ID, in.To); err != nil {
		writeError(w, err)
		return
	}
	// both slots may have live sessions bound to the old numbering
	s.orch.Invalidate(ch.ID)
	s.orch.Invalidate(in.To)
	s.saveConfig(r)
	s.handleListChannels(w, r)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromPath(r)
	if !ok {
		writeError(w, registry.ErrChannelNotFound)
		return
	}
	var in struct {
		Position int `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	// the occupant of the target position is displaced to ch's old id,
	// so its live session is bound to the wrong number after the swap
	displaced := 0
	if lineup := s.reg.Snapshot(); in.Position >= 0 && in.Position < len(lineup) {
		displaced = lineup[in.Position].ID
	}
	if err := s.reg.Move(ch.ID, in.Position); err != nil {
		writeError(w, err)
		return
	}
	s.orch.Invalidate(ch.ID)
	if displaced != 0 && displaced != ch.ID {
		s.orch.Invalidate(displaced)
	}
	s.saveConfig(r)
	s.handleListChannels(w, r)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	s.handleDiag(w, r)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Sessions())
}

func (s *Server) handleListRecordings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.List())
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ChannelID int `json:"channel_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	ch, ok := s.reg.Get(in.ChannelID)
	if !ok {
		writeError(w, registry.ErrChannelNotFound)
		return
	}
	rec, err := s.rec.Start(r.Context(), ch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.rec.Stop(chi.URLParam(r, "recording"))
	if err != nil {
		writeErrorMsg(w, http.StatusNotFound, "recording_not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
