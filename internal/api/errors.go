// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/scriptglance/recorder/internal/backend"
	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/log"
	"github.com/scriptglance/recorder/internal/recorder"
)

// errorResponse is the body of every non-2xx answer.
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind, msg string) {
	writeJSON(w, code, errorResponse{
		Error:     kind,
		Message:   msg,
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, http.StatusBadRequest, "bad_request", msg)
}

// errorStatus maps a domain error to an HTTP status and error kind.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrUploadInFlight):
		return http.StatusConflict, "upload_in_flight"
	case errors.Is(err, model.ErrRecordingActive):
		return http.StatusConflict, "recording_active"
	case errors.Is(err, model.ErrMissingChunks):
		return http.StatusUnprocessableEntity, "missing_chunks"
	case errors.Is(err, model.ErrMissingMetadata):
		return http.StatusUnprocessableEntity, "missing_metadata"
	case errors.Is(err, model.ErrCleanup):
		return http.StatusInternalServerError, "cleanup_failed"
	case errors.Is(err, model.ErrUpload):
		return http.StatusBadGateway, "upload_failed"
	case errors.Is(err, backend.ErrRejected):
		return http.StatusBadGateway, "backend_rejected"
	case errors.Is(err, backend.ErrBadResponse):
		return http.StatusBadGateway, "backend_bad_response"
	case errors.Is(err, backend.ErrUnavailable):
		return http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, recorder.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, model.ErrStorage):
		return http.StatusInternalServerError, "storage_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeDomainError logs err and answers with its mapped status.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, event string, err error) {
	code, kind := errorStatus(err)
	logger := log.WithContext(r.Context(), s.logger)
	ev := logger.Warn()
	if code >= http.StatusInternalServerError {
		ev = logger.Error()
	}
	ev.Err(err).Str(log.FieldEvent, event).Int(log.FieldStatus, code).Msg("request failed")
	writeError(w, r, code, kind, model.UserMessage(err))
}
