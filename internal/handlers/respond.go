package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/otcheredev/dicom-viewer-core/internal/cache"
	"github.com/otcheredev/dicom-viewer-core/internal/dicomweb"
	"github.com/otcheredev/dicom-viewer-core/internal/hangingprotocol"
	"github.com/otcheredev/dicom-viewer-core/internal/scheduler"
	"github.com/otcheredev/dicom-viewer-core/internal/services"
	"github.com/rs/zerolog/log"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, cache.ErrUnknownStudy),
		errors.Is(err, hangingprotocol.ErrUnknownProtocol),
		errors.Is(err, hangingprotocol.ErrUnknownStage),
		errors.Is(err, services.ErrUnboundKey):
		return http.StatusNotFound
	case errors.Is(err, hangingprotocol.ErrNoProtocol),
		errors.Is(err, hangingprotocol.ErrNoDisplaySets),
		errors.Is(err, services.ErrNoActiveStudy),
		errors.Is(err, scheduler.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case dicomweb.IsParse(err), dicomweb.IsTransient(err):
		return http.StatusBadGateway
	}
	// The archive's own 401 or 403 is passed through.
	var authErr *dicomweb.AuthorizationError
	if errors.As(err, &authErr) {
		if authErr.StatusCode == http.StatusUnauthorized {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	}
	var reqErr *dicomweb.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.StatusCode == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error, msg string) {
	status := statusFor(err)
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).Int("status", status).Msg(msg)
	writeJSON(w, status, errorResponse{Error: msg + ": " + err.Error()})
}
