// SPDX-License-Identifier: MIT

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scriptglance/recorder/internal/backend"
	"github.com/scriptglance/recorder/internal/capture"
	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/health"
	"github.com/scriptglance/recorder/internal/notify"
	"github.com/scriptglance/recorder/internal/recorder"
	"github.com/scriptglance/recorder/internal/uploadqueue"
)

type fakeRecorder struct {
	mu      sync.Mutex
	signals recorder.Signals
	err     error
}

func (f *fakeRecorder) Update(_ context.Context, sig recorder.Signals) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.signals = sig
	return nil
}

func (f *fakeRecorder) IsRecording() bool { return f.VideoID() != "" }

func (f *fakeRecorder) VideoID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.signals.ShouldRecord() {
		return ""
	}
	return f.signals.VideoID()
}

func (f *fakeRecorder) State() capture.State {
	if f.IsRecording() {
		return capture.StateRecording
	}
	return capture.StateIdle
}

func (f *fakeRecorder) Signals() recorder.Signals {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signals
}

type fakeUploads struct {
	entries   []model.UploadingVideo
	uploadErr error
	reloads   int
	ran       chan struct{}
	uploaded  []string
	counts    map[int64]int
}

func (f *fakeUploads) Reload(context.Context) error { f.reloads++; return nil }

func (f *fakeUploads) UploadOne(_ context.Context, id string) error {
	f.uploaded = append(f.uploaded, id)
	return f.uploadErr
}

func (f *fakeUploads) UploadAll(context.Context) (uploadqueue.Summary, error) {
	close(f.ran)
	return uploadqueue.Summary{Attempted: 1, Succeeded: 1}, nil
}

func (f *fakeUploads) NotUploadedCount() int { return len(f.entries) }

func (f *fakeUploads) Uploading() bool { return false }

func (f *fakeUploads) Entries() []model.UploadingVideo { return f.entries }

func (f *fakeUploads) CountForPresentation(_ context.Context, id int64) (int, error) {
	return f.counts[id], nil
}

type fakeStarter struct {
	id  string
	err error
}

func (f fakeStarter) StartVideoRecording(context.Context, int64) (string, error) {
	return f.id, f.err
}

type apiHarness struct {
	srv     *Server
	handler http.Handler
	rec     *fakeRecorder
	uploads *fakeUploads
	bus     *notify.Bus
}

func newAPI(t *testing.T, starter Starter) *apiHarness {
	t.Helper()
	h := &apiHarness{
		rec:     &fakeRecorder{},
		uploads: &fakeUploads{ran: make(chan struct{}), counts: map[int64]int{7: 2}},
		bus:     notify.NewBus(),
	}
	h.srv = New(Deps{
		Recorder: h.rec,
		Uploads:  h.uploads,
		Starter:  starter,
		Events:   h.bus,
		Health:   health.NewManager("test"),
	}, Options{Logger: zerolog.Nop(), Keepalive: time.Hour})
	h.handler = h.srv.Handler()
	t.Cleanup(func() {
		_ = h.srv.Close(context.Background())
		h.bus.Close()
	})
	return h
}

func (h *apiHarness) do(method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	h.handler.ServeHTTP(rec, req)
	return rec
}

var startDate = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestListUploads(t *testing.T) {
	h := newAPI(t, nil)
	h.uploads.entries = []model.UploadingVideo{{VideoID: "1_2_x", Status: model.StatusPending}}

	rec := h.do(http.MethodGet, "/api/v1/uploads", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body uploadsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.NotUploadedCount)
	assert.Len(t, body.Entries, 1)
}

func TestListUploads_EmptyIsArray(t *testing.T) {
	h := newAPI(t, nil)

	rec := h.do(http.MethodGet, "/api/v1/uploads", "")
	assert.Contains(t, rec.Body.String(), `"entries":[]`)
}

func TestReloadUploads(t *testing.T) {
	h := newAPI(t, nil)

	rec := h.do(http.MethodPost, "/api/v1/uploads/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.uploads.reloads)
}

func TestRunUploads_RunsInBackground(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newAPI(t, nil)

	rec := h.do(http.MethodPost, "/api/v1/uploads/run", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-h.uploads.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("upload run did not start")
	}
	require.NoError(t, h.srv.Close(context.Background()))
}

func TestUploadOne(t *testing.T) {
	h := newAPI(t, nil)
	id := model.NewVideoID(7, 3, startDate)

	rec := h.do(http.MethodPost, "/api/v1/uploads/"+strings.ReplaceAll(id, ":", "%3A"), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{id}, h.uploads.uploaded)
}

func TestUploadOne_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"in flight", fmt.Errorf("%w: x", model.ErrUploadInFlight), http.StatusConflict, "upload_in_flight"},
		{"missing chunks", fmt.Errorf("%w: x", model.ErrMissingChunks), http.StatusUnprocessableEntity, "missing_chunks"},
		{"missing metadata", fmt.Errorf("%w: x", model.ErrMissingMetadata), http.StatusUnprocessableEntity, "missing_metadata"},
		{"still recording", fmt.Errorf("%w: x", model.ErrRecordingActive), http.StatusConflict, "recording_active"},
		{"cleanup", fmt.Errorf("%w: %w", model.ErrCleanup, model.ErrStorage), http.StatusInternalServerError, "cleanup_failed"},
		{"backend", &model.UploadError{StatusCode: 413, Message: "Video too large"}, http.StatusBadGateway, "upload_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAPI(t, nil)
			h.uploads.uploadErr = tt.err

			rec := h.do(http.MethodPost, "/api/v1/uploads/"+model.NewVideoID(7, 3, startDate), "")
			assert.Equal(t, tt.code, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.kind, body.Error)
			assert.Equal(t, model.UserMessage(tt.err), body.Message)
			assert.NotEmpty(t, body.RequestID)
		})
	}
}

func TestUploadOne_InvalidID(t *testing.T) {
	h := newAPI(t, nil)

	rec := h.do(http.MethodPost, "/api/v1/uploads/not-a-video", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.uploads.uploaded)
}

func TestUnsentCount(t *testing.T) {
	h := newAPI(t, nil)

	rec := h.do(http.MethodGet, "/api/v1/presentations/7/unsent", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":2}`, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/v1/presentations/abc/unsent", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartPresentation(t *testing.T) {
	h := newAPI(t, fakeStarter{id: "ps-9"})

	rec := h.do(http.MethodPost, "/api/v1/presentations/7/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"presentation_start_id":"ps-9"}`, rec.Body.String())
}

func TestStartPresentation_Errors(t *testing.T) {
	h := newAPI(t, nil)
	rec := h.do(http.MethodPost, "/api/v1/presentations/7/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h = newAPI(t, fakeStarter{err: &backend.APIError{Sentinel: backend.ErrUnavailable, Operation: "start"}})
	rec = h.do(http.MethodPost, "/api/v1/presentations/7/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "backend_unavailable")

	h = newAPI(t, fakeStarter{err: &backend.APIError{Sentinel: backend.ErrRejected, Operation: "start", StatusCode: 404}})
	rec = h.do(http.MethodPost, "/api/v1/presentations/7/start", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPutRecording(t *testing.T) {
	h := newAPI(t, nil)
	body := `{"enabled":true,"allowed":true,"presentation_id":7,"part_id":3,` +
		`"part_name":"Intro","presentation_start_date":"2024-05-01T10:00:00Z"}`

	rec := h.do(http.MethodPut, "/api/v1/recording", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp recordingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.IsRecording)
	assert.Equal(t, model.NewVideoID(7, 3, startDate), resp.VideoID)
	assert.Equal(t, "recording", resp.State)

	rec = h.do(http.MethodGet, "/api/v1/recording", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_recording":true`)
}

func TestPutRecording_RejectsBadBodies(t *testing.T) {
	h := newAPI(t, nil)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPut, "/api/v1/recording", `{"enabled":`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPut, "/api/v1/recording", `{"recording":true}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPut, "/api/v1/recording", `{"max_recording_seconds":-5}`).Code)
}

func TestPutRecording_ClosedController(t *testing.T) {
	h := newAPI(t, nil)
	h.rec.err = recorder.ErrClosed

	rec := h.do(http.MethodPut, "/api/v1/recording", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthEndpointsAndMetrics(t *testing.T) {
	h := newAPI(t, nil)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/readyz", "").Code)

	rec := h.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sgr_http_request_duration_seconds")
}

func TestEvents_StreamsPublishedEvents(t *testing.T) {
	h := newAPI(t, nil)
	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	h.bus.Publish(notify.Event{Kind: notify.KindRecordingStarted, VideoID: "7_3_x"})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "id: 1", lines[0])
	assert.Equal(t, "event: recording.started", lines[1])

	var ev notify.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &ev))
	assert.Equal(t, "7_3_x", ev.VideoID)
}

func TestEvents_EndsWhenBusCloses(t *testing.T) {
	h := newAPI(t, nil)
	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	h.bus.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not end after the bus closed")
	}
}
