// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/log"
)

type uploadsResponse struct {
	NotUploadedCount int                    `json:"not_uploaded_count"`
	Uploading        bool                   `json:"uploading"`
	Entries          []model.UploadingVideo `json:"entries"`
}

func (s *Server) uploadsSnapshot() uploadsResponse {
	entries := s.deps.Uploads.Entries()
	if entries == nil {
		entries = []model.UploadingVideo{}
	}
	return uploadsResponse{
		NotUploadedCount: s.deps.Uploads.NotUploadedCount(),
		Uploading:        s.deps.Uploads.Uploading(),
		Entries:          entries,
	}
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.uploadsSnapshot())
}

func (s *Server) handleReloadUploads(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Uploads.Reload(r.Context()); err != nil {
		s.writeDomainError(w, r, "api.uploads_reload_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.uploadsSnapshot())
}

// handleRunUploads starts UploadAll detached from the request; progress is
// visible through the event stream and the uploads listing.
func (s *Server) handleRunUploads(w http.ResponseWriter, r *http.Request) {
	logger := log.WithContext(r.Context(), s.logger)
	ctx := log.ContextWithRequestID(s.runCtx, log.RequestIDFromContext(r.Context()))

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		summary, err := s.deps.Uploads.UploadAll(ctx)
		if err != nil {
			logger.Error().Err(err).Str(log.FieldEvent, "api.upload_run_failed").Msg("background upload run failed")
			return
		}
		logger.Info().
			Str(log.FieldEvent, "api.upload_run_done").
			Int("attempted", summary.Attempted).
			Int("failed", summary.Failed).
			Msg("background upload run finished")
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleUploadOne(w http.ResponseWriter, r *http.Request) {
	// Video ids contain ':' which clients may percent-encode.
	videoID, err := url.PathUnescape(chi.URLParam(r, "videoID"))
	if err != nil {
		writeBadRequest(w, r, "invalid video id")
		return
	}
	if _, err := model.ParseVideoID(videoID); err != nil {
		writeBadRequest(w, r, "invalid video id")
		return
	}
	if err := s.deps.Uploads.UploadOne(r.Context(), videoID); err != nil {
		s.writeDomainError(w, r, "api.upload_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.uploadsSnapshot())
}

// presentationID parses the {id} route parameter.
func presentationID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) handleUnsentCount(w http.ResponseWriter, r *http.Request) {
	id, ok := presentationID(r)
	if !ok {
		writeBadRequest(w, r, "invalid presentation id")
		return
	}
	n, err := s.deps.Uploads.CountForPresentation(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, "api.unsent_count_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleStartPresentation(w http.ResponseWriter, r *http.Request) {
	id, ok := presentationID(r)
	if !ok {
		writeBadRequest(w, r, "invalid presentation id")
		return
	}
	if s.deps.Starter == nil {
		writeError(w, r, http.StatusServiceUnavailable, "backend_not_configured", "no backend URL configured")
		return
	}
	startID, err := s.deps.Starter.StartVideoRecording(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, "api.presentation_start_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"presentation_start_id": startID})
}
