// SPDX-License-Identifier: MIT

// Package backend is the client of the ScriptGlance REST API: it opens
// presentation recording sessions and receives finished videos.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/log"
	"github.com/scriptglance/recorder/internal/platform/httpx"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultUploadTimeout = 30 * time.Minute
	defaultMaxTries      = 3
	maxErrorBody         = 64 << 10
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds the JSON calls. Uploads use UploadTimeout.
	Timeout       time.Duration
	UploadTimeout time.Duration
	// MaxTries bounds StartVideoRecording attempts.
	MaxTries      uint
	RetryInterval time.Duration
	Transport     http.RoundTripper
	Logger        *zerolog.Logger
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	base          string
	token         string
	http          *http.Client
	timeout       time.Duration
	uploadTimeout time.Duration
	maxTries      uint
	retryInterval time.Duration
	logger        zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = defaultMaxTries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	transport := cfg.Transport
	if transport == nil {
		transport = httpx.NewTransport(0)
	}
	logger := log.WithComponent("backend")
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str(log.FieldComponent, "backend").Logger()
	}

	return &Client{
		base:          strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		http:          &http.Client{Transport: otelhttp.NewTransport(transport)},
		timeout:       cfg.Timeout,
		uploadTimeout: cfg.UploadTimeout,
		maxTries:      cfg.MaxTries,
		retryInterval: cfg.RetryInterval,
		logger:        logger,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

type startResponse struct {
	PresentationStartID string `json:"presentation_start_id"`
}

// StartVideoRecording opens a recording session for a presentation and
// returns its id. Transport failures and 5xx answers are retried.
func (c *Client) StartVideoRecording(ctx context.Context, presentationID int64) (string, error) {
	const op = "start video recording"
	path := "/presentations/" + strconv.FormatInt(presentationID, 10) + "/video-recording/start"
	logger := log.WithContext(ctx, c.logger)

	attempt := 0
	call := func() (string, error) {
		attempt++
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := c.newRequest(ctx, http.MethodPost, path, nil)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		res, err := c.http.Do(req)
		if err != nil {
			logger.Warn().Err(err).
				Str(log.FieldEvent, "backend.start_retry").
				Int("attempt", attempt).
				Msg("start video recording failed")
			return "", &APIError{Sentinel: ErrUnavailable, Operation: op, Err: err}
		}
		defer res.Body.Close()

		if res.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
			apiErr := &APIError{Operation: op, StatusCode: res.StatusCode, Message: errorMessage(body)}
			if res.StatusCode >= 500 {
				apiErr.Sentinel = ErrUnavailable
				logger.Warn().Err(apiErr).
					Str(log.FieldEvent, "backend.start_retry").
					Int("attempt", attempt).
					Msg("start video recording failed")
				return "", apiErr
			}
			apiErr.Sentinel = ErrRejected
			return "", backoff.Permanent(apiErr)
		}

		var out startResponse
		if err := json.NewDecoder(io.LimitReader(res.Body, maxErrorBody)).Decode(&out); err != nil {
			return "", backoff.Permanent(&APIError{Sentinel: ErrBadResponse, Operation: op, StatusCode: res.StatusCode, Err: err})
		}
		if out.PresentationStartID == "" {
			return "", backoff.Permanent(&APIError{Sentinel: ErrBadResponse, Operation: op, StatusCode: res.StatusCode, Message: "missing presentation_start_id"})
		}
		return out.PresentationStartID, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 10 * c.retryInterval
	id, err := backoff.Retry(ctx, call, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return "", err
	}
	logger.Info().
		Str(log.FieldEvent, "backend.recording_started").
		Int64(log.FieldPresentationID, presentationID).
		Str(log.FieldPresentationStartID, id).
		Msg("presentation recording session opened")
	return id, nil
}

var (
	quoteEscaper      = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")
	errUploadFinished = errors.New("upload request finished")
)

// UploadVideo streams one finished recording as multipart form data. It is
// never retried here; the upload queue decides when to try again.
func (c *Client) UploadVideo(ctx context.Context, v model.VideoUpload) error {
	f, err := os.Open(v.Path)
	if err != nil {
		return &model.UploadError{Message: "Recording file is unavailable", Err: err}
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	path := "/presentations/" + strconv.FormatInt(v.PresentationID, 10) + "/videos"
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	req, err := c.newRequest(ctx, http.MethodPost, path, pr)
	if err != nil {
		return &model.UploadError{Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	written := make(chan struct{})
	go func() {
		defer close(written)
		pw.CloseWithError(writeUploadForm(mw, f, v))
	}()

	res, err := c.http.Do(req)
	// Unblocks the form writer if the transport stopped reading early.
	pr.CloseWithError(errUploadFinished)
	<-written
	if err != nil {
		return &model.UploadError{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &model.UploadError{StatusCode: res.StatusCode, Message: errorMessage(body)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBody))

	l := log.WithContext(ctx, c.logger)
	l.Info().
		Str(log.FieldEvent, "backend.video_uploaded").
		Str(log.FieldVideoID, v.VideoID).
		Int64(log.FieldBytes, v.Size).
		Int(log.FieldStatus, res.StatusCode).
		Msg("video accepted by backend")
	return nil
}

func writeUploadForm(mw *multipart.Writer, video io.Reader, v model.VideoUpload) error {
	fields := [][2]string{
		{"part_name", v.PartName},
		{"part_order", strconv.Itoa(v.PartOrder)},
		{"start_date", v.StartDate.UTC().Format(time.RFC3339)},
		{"presentation_start_id", v.PresentationStartID},
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename="%s.webm"`, quoteEscaper.Replace(v.VideoID)))
	h.Set("Content-Type", "video/webm")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, video); err != nil {
		return err
	}
	return mw.Close()
}
