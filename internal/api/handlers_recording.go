// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/scriptglance/recorder/internal/recorder"
)

const maxSignalsBody = 64 << 10

type recordingResponse struct {
	IsRecording bool             `json:"is_recording"`
	VideoID     string           `json:"video_id,omitempty"`
	State       string           `json:"state"`
	Signals     recorder.Signals `json:"signals"`
}

func (s *Server) recordingSnapshot() recordingResponse {
	return recordingResponse{
		IsRecording: s.deps.Recorder.IsRecording(),
		VideoID:     s.deps.Recorder.VideoID(),
		State:       string(s.deps.Recorder.State()),
		Signals:     s.deps.Recorder.Signals(),
	}
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recordingSnapshot())
}

// handlePutRecording applies a full signal snapshot. Fields left out are
// zero, which reads as "not enabled" or "not identified".
func (s *Server) handlePutRecording(w http.ResponseWriter, r *http.Request) {
	var sig recorder.Signals
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSignalsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sig); err != nil {
		writeBadRequest(w, r, "invalid signals: "+err.Error())
		return
	}
	if sig.MaxRecordingSeconds < 0 {
		writeBadRequest(w, r, "max_recording_seconds must be >= 0")
		return
	}
	if err := s.deps.Recorder.Update(r.Context(), sig); err != nil {
		s.writeDomainError(w, r, "api.recording_update_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.recordingSnapshot())
}
