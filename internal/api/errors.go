// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/camtuner/camtuner/internal/orchestrator"
	"github.com/camtuner/camtuner/internal/registry"
	"github.com/camtuner/camtuner/internal/resolver"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMsg(w http.ResponseWriter, code int, kind, detail string) {
	writeJSON(w, code, map[string]string{"error": kind, "detail": detail})
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		renumberErr *registry.RenumberConflictError
		memberErr   *registry.InvalidMosaicReferenceError
		mosaicErr   *registry.MosaicReferenceError
	)
	switch {
	case errors.Is(err, registry.ErrChannelNotFound):
		writeErrorMsg(w, http.StatusNotFound, "channel_not_found", err.Error())
	case errors.Is(err, registry.ErrDuplicateID):
		writeErrorMsg(w, http.StatusConflict, "duplicate_id", err.Error())
	case errors.As(err, &renumberErr):
		writeErrorMsg(w, http.StatusConflict, "renumber_conflict", err.Error())
	case errors.As(err, &memberErr):
		writeErrorMsg(w, http.StatusUnprocessableEntity, "invalid_mosaic_reference", err.Error())
	case errors.As(err, &mosaicErr):
		writeErrorMsg(w, http.StatusConflict, "mosaic_reference", err.Error())
	case errors.Is(err, resolver.ErrExhausted):
		writeErrorMsg(w, http.StatusUnprocessableEntity, "resolver_exhausted", err.Error())
	case errors.Is(err, orchestrator.ErrProbeThrottled):
		w.Header().Set("Retry-After", "2")
		writeErrorMsg(w, http.StatusTooManyRequests, "probe_throttled", err.Error())
	case errors.Is(err, orchestrator.ErrSessionTerminal):
		writeErrorMsg(w, http.StatusBadGateway, "source_unavailable", err.Error())
	default:
		writeErrorMsg(w, http.StatusBadRequest, "bad_request", err.Error())
	}
}
