// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptglance/recorder/internal/domain/recordings/model"
)

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		BaseURL:       srv.URL + "/api/",
		Token:         "secret",
		MaxTries:      3,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestStartVideoRecording_Success(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/presentations/10/video-recording/start", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"presentation_start_id":"ps-42"}`)
	}))

	id, err := c.StartVideoRecording(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "ps-42", id)
}

func TestStartVideoRecording_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"presentation_start_id":"ps-1"}`)
	}))

	id, err := c.StartVideoRecording(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "ps-1", id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStartVideoRecording_GivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.StartVideoRecording(context.Background(), 1)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStartVideoRecording_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"message":"Not the presentation owner"}`)
	}))

	_, err := c.StartVideoRecording(context.Background(), 1)
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "Not the presentation owner", apiErr.Message)
}

func TestStartVideoRecording_MalformedResponse(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))

	_, err := c.StartVideoRecording(context.Background(), 1)
	assert.ErrorIs(t, err, ErrBadResponse)
}

func writeVideo(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "video.webm")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestUploadVideo_SendsMultipartForm(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/presentations/10/videos", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "Intro", r.FormValue("part_name"))
		assert.Equal(t, "2", r.FormValue("part_order"))
		assert.Equal(t, "2024-01-01T00:00:00Z", r.FormValue("start_date"))
		assert.Equal(t, "ps-1", r.FormValue("presentation_start_id"))

		file, header, err := r.FormFile("video")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		assert.Equal(t, "10_2_2024-01-01T00:00:00Z.webm", header.Filename)
		assert.Equal(t, "video/webm", header.Header.Get("Content-Type"))
		data, err := io.ReadAll(file)
		assert.NoError(t, err)
		assert.Equal(t, "webm-bytes", string(data))
		w.WriteHeader(http.StatusCreated)
	}))

	err := c.UploadVideo(context.Background(), model.VideoUpload{
		VideoID:             "10_2_2024-01-01T00:00:00Z",
		PresentationID:      10,
		PartName:            "Intro",
		PartOrder:           2,
		StartDate:           start,
		PresentationStartID: "ps-1",
		Path:                writeVideo(t, "webm-bytes"),
		Size:                10,
	})
	require.NoError(t, err)
}

func TestUploadVideo_ErrorMessageFromBackend(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":"Part not found"}`)
	}))

	err := c.UploadVideo(context.Background(), model.VideoUpload{PresentationID: 1, Path: writeVideo(t, "x")})
	require.ErrorIs(t, err, model.ErrUpload)
	var upErr *model.UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusUnprocessableEntity, upErr.StatusCode)
	assert.Equal(t, "Part not found", model.UserMessage(err))
}

func TestUploadVideo_GenericMessageWithoutBody(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := c.UploadVideo(context.Background(), model.VideoUpload{PresentationID: 1, Path: writeVideo(t, "x")})
	require.ErrorIs(t, err, model.ErrUpload)
	assert.Equal(t, model.DefaultUploadErrorMessage, model.UserMessage(err))
	assert.Equal(t, int32(1), calls.Load(), "uploads are not retried by the client")
}

func TestUploadVideo_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	c, err := New(Config{BaseURL: base})
	require.NoError(t, err)

	err = c.UploadVideo(context.Background(), model.VideoUpload{PresentationID: 1, Path: writeVideo(t, "x")})
	assert.ErrorIs(t, err, model.ErrUpload)
}

func TestUploadVideo_MissingFile(t *testing.T) {
	c := newClient(t, http.NotFoundHandler())
	err := c.UploadVideo(context.Background(), model.VideoUpload{Path: filepath.Join(t.TempDir(), "gone.webm")})
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorIs(t, err, model.ErrUpload)
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"message":"quota exceeded"}`, "quota exceeded"},
		{`{"error":" bad token "}`, "bad token"},
		{`{"detail":[{"loc":["body"]}],"error":"fallback"}`, "fallback"},
		{`{"detail":[{"loc":["body"]}]}`, ""},
		{`not json`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorMessage([]byte(tt.body)), tt.body)
	}
}

func TestNew_RejectsInvalidBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: ""})
	assert.Error(t, err)
}
