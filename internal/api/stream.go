// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/camtuner/camtuner/internal/epg"
	"github.com/camtuner/camtuner/internal/log"
	"github.com/camtuner/camtuner/internal/metrics"
	"github.com/camtuner/camtuner/internal/playlist"
	"github.com/camtuner/camtuner/internal/registry"
)

func (s *Server) channelFromPath(r *http.Request) (registry.Channel, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		return registry.Channel{}, false
	}
	ch, ok := s.reg.Get(id)
	return ch, ok
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
}

// handleTuneHead lets the DVR validate the stream URL without spinning
// up a transcode process.
func (s *Server) handleTuneHead(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.channelFromPath(r); !ok {
		http.NotFound(w, r)
		return
	}
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
}

// handleTune streams the channel as MPEG-TS until the client hangs up.
func (s *Server) handleTune(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "tune")

	ch, ok := s.channelFromPath(r)
	if !ok {
		metrics.RecordTune(false)
		http.NotFound(w, r)
		return
	}

	stream, err := s.orch.Acquire(r.Context(), ch)
	if err != nil {
		metrics.RecordTune(false)
		writeError(w, err)
		return
	}
	defer stream.Release()

	if err := stream.WaitRunning(r.Context()); err != nil {
		if r.Context().Err() != nil {
			// client gave up while the stream was starting
			metrics.RecordTune(false)
			return
		}
		logger.Warn().Err(err).
			Int(log.FieldChannelID, ch.ID).
			Str("event", "tune.failed").
			Msg("channel never reached running")
		metrics.RecordTune(false)
		writeError(w, err)
		return
	}

	metrics.RecordTune(true)
	logger.Info().
		Int(log.FieldChannelID, ch.ID).
		Str("event", "tune.start").
		Str("kind", string(ch.Source.Kind)).
		Msg("client tuned in")

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for {
		select {
		case <-r.Context().Done():
			logger.Info().
				Int(log.FieldChannelID, ch.ID).
				Str("event", "tune.disconnect").
				Msg("client disconnected")
			return
		case chunk, open := <-stream.Chunks():
			if !open {
				logger.Info().
					Int(log.FieldChannelID, ch.ID).
					Str("event", "tune.stream_ended").
					Msg("stream ended")
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) handleM3U(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	items := playlist.FromChannels(s.reg.Snapshot(), base)

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	if err := playlist.WriteM3U(w, items, base+"/xmltv"); err != nil {
		s.logger.Error().Err(err).Msg("write m3u")
	}
}

func (s *Server) handleXMLTV(w http.ResponseWriter, r *http.Request) {
	hours := s.epg.Hours
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			hours = n
		}
	}
	slot := s.epg.SlotMinutes
	if v := r.URL.Query().Get("slot"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			slot = n
		}
	}

	tv := epg.Build(s.reg.Snapshot(), hours, slot, time.Now())
	w.Header().Set("Content-Type", "application/xml")
	if err := epg.Write(w, tv); err != nil {
		s.logger.Error().Err(err).Msg("write xmltv")
	}
}

// handleDiag probes a channel's source on demand. A mosaic is diagnosed
// through its first member.
func (s *Server) handleDiag(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromPath(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if ch.IsMosaic() {
		members, err := s.reg.ResolveMembers(ch.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		ch = members[0]
	}

	report, err := s.orch.HealthCheck(r.Context(), ch)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if !report.OK {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, report)
}
