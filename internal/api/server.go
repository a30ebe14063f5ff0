// SPDX-License-Identifier: MIT

// Package api exposes the tuner emulation surface and the management
// REST API.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/camtuner/camtuner/internal/log"
	"github.com/camtuner/camtuner/internal/mosaic"
	"github.com/camtuner/camtuner/internal/orchestrator"
	"github.com/camtuner/camtuner/internal/recorder"
	"github.com/camtuner/camtuner/internal/registry"
	"github.com/camtuner/camtuner/internal/resolver"
)

// EPGDefaults carries the guide generation defaults from configuration.
type EPGDefaults struct {
	Hours       int
	SlotMinutes int
}

// Server wires all gateway components behind one router.
type Server struct {
	reg      *registry.Registry
	orch     *orchestrator.Orchestrator
	comp     *mosaic.Compositor
	res      *resolver.Resolver
	rec      *recorder.Recorder
	identity Identity
	epg      EPGDefaults
	persist  func() error
	logger   zerolog.Logger
}

// New creates the server. persist is called after every successful
// channel mutation; nil disables persistence.
func New(reg *registry.Registry, orch *orchestrator.Orchestrator, comp *mosaic.Compositor,
	res *resolver.Resolver, rec *recorder.Recorder, identity Identity, epg EPGDefaults,
	persist func() error) *Server {
	identity = identity.withDefaults()
	if epg.Hours == 0 {
		epg.Hours = 24
	}
	if epg.SlotMinutes == 0 {
		epg.SlotMinutes = 60
	}
	if persist == nil {
		persist = func() error { return nil }
	}
	return &Server{
		reg:      reg,
		orch:     orch,
		comp:     comp,
		res:      res,
		rec:      rec,
		identity: identity,
		epg:      epg,
		persist:  persist,
		logger:   log.WithComponent("api"),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestID)
	r.Use(accessLog)

	// tuner emulation surface
	r.Get("/discover.json", s.handleDiscover)
	r.Get("/lineup.json", s.handleLineup)
	r.Post("/lineup.json", s.handleLineupPost)
	r.Get("/lineup_status.json", s.handleLineupStatus)
	r.Get("/device.xml", s.handleDeviceXML)
	r.Get("/auto/v{channel}", s.handleTune)
	r.Head("/auto/v{channel}", s.handleTuneHead)

	// player integration
	r.Get("/m3u", s.handleM3U)
	r.Get("/xmltv", s.handleXMLTV)
	r.Get("/diag/{channel}", s.handleDiag)

	// operations
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// management API
	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

		r.Get("/channels", s.handleListChannels)
		r.Post("/channels", s.handleCreateChannel)
		r.Get("/channels/{channel}", s.handleGetChannel)
		r.Put("/channels/{channel}", s.handleUpdateChannel)
		r.Delete("/channels/{channel}", s.handleDeleteChannel)
		r.Post("/channels/{channel}/renumber", s.handleRenumber)
		r.Post("/channels/{channel}/move", s.handleMove)
		r.Post("/channels/{channel}/probe", s.handleProbe)

		r.Get("/sessions", s.handleSessions)

		r.Get("/recordings", s.handleListRecordings)
		r.Post("/recordings", s.handleStartRecording)
		r.Delete("/recordings/{recording}", s.handleStopRecording)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"channels": s.reg.Len(),
		"sessions": len(s.orch.Sessions()),
	})
}

// baseURL returns the externally visible address of this service, from
// configuration or the incoming request.
func (s *Server) baseURL(r *http.Request) string {
	if s.identity.BaseURL != "" {
		return s.identity.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
