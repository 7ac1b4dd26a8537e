// SPDX-License-Identifier: MIT

// Package api serves the agent's local HTTP API: upload queue control,
// recording signals, an event stream and the probe endpoints.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/scriptglance/recorder/internal/api/middleware"
	"github.com/scriptglance/recorder/internal/capture"
	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/health"
	"github.com/scriptglance/recorder/internal/log"
	"github.com/scriptglance/recorder/internal/notify"
	"github.com/scriptglance/recorder/internal/recorder"
	"github.com/scriptglance/recorder/internal/uploadqueue"
)

// Recorder is the lifecycle controller surface. *recorder.Controller
// implements it.
type Recorder interface {
	Update(ctx context.Context, sig recorder.Signals) error
	IsRecording() bool
	VideoID() string
	State() capture.State
	Signals() recorder.Signals
}

// Uploads is the upload queue surface. *uploadqueue.Manager implements it.
type Uploads interface {
	Reload(ctx context.Context) error
	UploadOne(ctx context.Context, videoID string) error
	UploadAll(ctx context.Context) (uploadqueue.Summary, error)
	NotUploadedCount() int
	Uploading() bool
	Entries() []model.UploadingVideo
	CountForPresentation(ctx context.Context, presentationID int64) (int, error)
}

// Starter registers a presentation start with the backend.
type Starter interface {
	StartVideoRecording(ctx context.Context, presentationID int64) (string, error)
}

// Events hands out event stream subscriptions.
type Events interface {
	Subscribe(buffer int) *notify.Subscription
}

// Deps are the collaborators the API serves. Starter may be nil when no
// backend is configured.
type Deps struct {
	Recorder Recorder
	Uploads  Uploads
	Starter  Starter
	Events   Events
	Health   *health.Manager
}

// Options tune the router.
type Options struct {
	Logger         zerolog.Logger
	TracingService string
	RateLimit      int
	RateWindow     time.Duration
	// Keepalive is the event stream comment interval.
	Keepalive time.Duration
}

const defaultKeepalive = 15 * time.Second

// Server owns the router and the background upload runs it starts.
type Server struct {
	deps      Deps
	opts      Options
	logger    zerolog.Logger
	keepalive time.Duration

	runCtx    context.Context
	runCancel context.CancelFunc
	runs      sync.WaitGroup
}

func New(deps Deps, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	keepalive := opts.Keepalive
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	return &Server{
		deps:      deps,
		opts:      opts,
		logger:    opts.Logger.With().Str(log.FieldComponent, "api").Logger(),
		keepalive: keepalive,
		runCtx:    ctx,
		runCancel: cancel,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	middleware.ApplyStack(r, middleware.StackConfig{
		Logger:         s.opts.Logger,
		EnableMetrics:  true,
		TracingService: s.opts.TracingService,
		RateLimit:      s.opts.RateLimit,
		RateWindow:     s.opts.RateWindow,
	})

	if s.deps.Health != nil {
		r.Get("/healthz", s.deps.Health.ServeHealth)
		r.Get("/readyz", s.deps.Health.ServeReady)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.Get("/", s.handleListUploads)
			r.Post("/reload", s.handleReloadUploads)
			r.Post("/run", s.handleRunUploads)
			r.Post("/{videoID}", s.handleUploadOne)
		})
		r.Route("/presentations/{id}", func(r chi.Router) {
			r.Get("/unsent", s.handleUnsentCount)
			r.Post("/start", s.handleStartPresentation)
		})
		r.Get("/recording", s.handleGetRecording)
		r.Put("/recording", s.handlePutRecording)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Close cancels background upload runs and waits for them to return.
func (s *Server) Close(ctx context.Context) error {
	s.runCancel()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
