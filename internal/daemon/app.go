// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptglance/recorder/internal/api"
	"github.com/scriptglance/recorder/internal/archive"
	"github.com/scriptglance/recorder/internal/backend"
	"github.com/scriptglance/recorder/internal/capture"
	"github.com/scriptglance/recorder/internal/chunkstore"
	"github.com/scriptglance/recorder/internal/config"
	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/health"
	"github.com/scriptglance/recorder/internal/infra/media/ffmpeg"
	"github.com/scriptglance/recorder/internal/log"
	"github.com/scriptglance/recorder/internal/notify"
	"github.com/scriptglance/recorder/internal/recorder"
	"github.com/scriptglance/recorder/internal/telemetry"
	"github.com/scriptglance/recorder/internal/uploadqueue"
)

// App is the assembled agent.
type App struct {
	Manager    *Manager
	Store      chunkstore.Store
	Bus        *notify.Bus
	Uploads    *uploadqueue.Manager
	Controller *recorder.Controller

	holder  *config.Holder
	refresh chan struct{}
	logger  zerolog.Logger
}

// OpenStore opens the configured chunk store and logs any consistency
// problems the backend reports.
func OpenStore(ctx context.Context, cfg config.Config) (chunkstore.Store, error) {
	store, err := chunkstore.Open(cfg.Store.Backend, cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	if v, ok := store.(chunkstore.Verifier); ok {
		problems, err := v.Verify(ctx)
		logger := log.WithComponent("daemon")
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldEvent, "daemon.store_verify_failed").Msg("chunk store verification failed")
		}
		for _, p := range problems {
			logger.Warn().Str(log.FieldEvent, "daemon.store_inconsistent").Str("problem", p).Msg("chunk store inconsistency")
		}
	}
	return store, nil
}

// NewBackend returns the backend client, or nil without a base URL.
func NewBackend(cfg config.Config) (*backend.Client, error) {
	if cfg.Backend.BaseURL == "" {
		return nil, nil
	}
	return backend.New(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout,
	})
}

func ffmpegConfig(cfg config.Config) ffmpeg.Config {
	return ffmpeg.Config{
		BinPath:          cfg.Capture.FFmpegBin,
		VideoInputFormat: cfg.Capture.VideoInputFormat,
		AudioInputFormat: cfg.Capture.AudioInputFormat,
		AudioDevice:      cfg.Capture.AudioDevice,
	}
}

// NewUploadQueue assembles the upload queue with the backend, the ffmpeg
// repairer and the optional archive. active names the video being recorded
// and may be nil when nothing records in this process.
func NewUploadQueue(cfg config.Config, store chunkstore.Store, client *backend.Client, active func() string, onStatus func(model.UploadingVideo)) (*uploadqueue.Manager, error) {
	var uploader uploadqueue.Uploader = noBackend{}
	if client != nil {
		uploader = client
	}
	var archivers []uploadqueue.Archiver
	if cfg.Archive.Enabled {
		a, err := archive.NewMinIO(archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		archivers = append(archivers, a)
	}
	return uploadqueue.New(uploadqueue.Options{
		Store:          store,
		Uploader:       uploader,
		Repairer:       ffmpeg.NewRemuxer(ffmpegConfig(cfg)),
		Archivers:      archivers,
		SpoolDir:       cfg.SpoolDir(),
		OnStatusChange: onStatus,
		Active:         active,
	})
}

// Build assembles every component from the holder's current configuration.
// On error everything opened so far is released.
func Build(ctx context.Context, holder *config.Holder) (app *App, err error) {
	cfg := holder.Get()
	logger := log.WithComponent("daemon")

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.LogService,
		ServiceVersion: cfg.Version,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	cleanup = append(cleanup, func() { _ = tp.Shutdown(context.Background()) })

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { _ = store.Close() })

	client, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}

	bus := notify.NewBus()
	app = &App{
		Store:   store,
		Bus:     bus,
		holder:  holder,
		refresh: make(chan struct{}, 1),
		logger:  logger,
	}

	// The controller is built below; until then nothing records.
	activeVideo := func() string {
		if app.Controller == nil {
			return ""
		}
		return app.Controller.VideoID()
	}
	app.Uploads, err = NewUploadQueue(cfg, store, client, activeVideo, uploadStatusPublisher(bus))
	if err != nil {
		return nil, err
	}

	var logo image.Image
	if cfg.Capture.WatermarkLogo != "" {
		if logo, err = capture.LoadLogo(cfg.Capture.WatermarkLogo); err != nil {
			return nil, err
		}
	}
	ff := ffmpegConfig(cfg)
	sessionOpts := capture.Options{
		Devices:     ffmpeg.NewDevices(ff),
		Encoders:    ffmpeg.NewEncoderFactory(ff),
		Store:       store,
		Logo:        logo,
		StopTimeout: cfg.Capture.StopTimeout,
	}
	app.Controller = recorder.New(recorder.Options{
		Orders: store,
		Sessions: func(hooks capture.Hooks) recorder.Session {
			return capture.NewSession(sessionOpts, hooks)
		},
		Callbacks:           recorderCallbacks(bus, app.requestRefresh),
		StopTimeout:         cfg.Capture.StopTimeout + 5*time.Second,
		MaxRecordingSeconds: cfg.Recording.MaxRecordingSeconds,
		Timeslice:           cfg.Capture.Timeslice,
		BitsPerSecond:       cfg.Capture.BitsPerSecond,
	})

	hm := health.NewManager(cfg.Version)
	hm.RegisterChecker(health.NewStoreChecker(store))
	hm.RegisterChecker(health.NewBinaryChecker("ffmpeg", cfg.Capture.FFmpegBin))
	hm.RegisterChecker(health.NewDirChecker("data_dir", cfg.DataDir))

	deps := api.Deps{
		Recorder: app.Controller,
		Uploads:  app.Uploads,
		Events:   bus,
		Health:   hm,
	}
	if client != nil {
		deps.Starter = client
	}
	tracing := ""
	if cfg.Telemetry.Enabled {
		tracing = cfg.LogService
	}
	apiServer := api.New(deps, api.Options{
		Logger:         log.Base(),
		TracingService: tracing,
		RateLimit:      cfg.RateLimit.Requests,
		RateWindow:     cfg.RateLimit.Window,
	})

	app.Manager, err = NewManager(ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		MaxConnections: cfg.MaxConnections,
	}, apiServer.Handler())
	if err != nil {
		return nil, err
	}

	// Hooks run newest first: the recorder flushes its last chunks before
	// the store closes.
	m := app.Manager
	m.RegisterShutdownHook("telemetry", tp.Shutdown)
	m.RegisterShutdownHook("chunk_store", func(context.Context) error { return store.Close() })
	m.RegisterShutdownHook("api_runs", apiServer.Close)
	m.RegisterShutdownHook("recorder", app.Controller.Close)
	m.OnServerShutdown(bus.Close)

	m.RegisterWorker("queue_refresher", app.refreshLoop)
	m.RegisterWorker("config_watcher", app.watchConfig)
	if cfg.Upload.RunOnStart {
		m.RegisterWorker("initial_upload", app.initialUpload)
	}

	if err := app.Uploads.Reload(ctx); err != nil {
		return nil, err
	}
	logger.Info().
		Str(log.FieldEvent, "daemon.built").
		Str("store_backend", cfg.Store.Backend).
		Bool("backend_configured", client != nil).
		Bool("archive", cfg.Archive.Enabled).
		Int("not_uploaded", app.Uploads.NotUploadedCount()).
		Msg("agent assembled")
	return app, nil
}

// Run serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.Manager.Start(ctx)
}

func (a *App) requestRefresh() {
	select {
	case a.refresh <- struct{}{}:
	default:
	}
}

// refreshLoop rebuilds the upload queue after recordings end. Requests
// arriving during a reload collapse into one follow-up.
func (a *App) refreshLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.refresh:
			if err := a.Uploads.Reload(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn().Err(err).Str(log.FieldEvent, "daemon.queue_refresh_failed").Msg("upload queue refresh failed")
			}
		}
	}
}

// watchConfig applies hot-reloadable settings until ctx ends.
func (a *App) watchConfig(ctx context.Context) error {
	changes := make(chan config.Config, 1)
	a.holder.RegisterListener(changes)
	if err := a.holder.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).Str(log.FieldEvent, "daemon.config_watch_failed").Msg("config hot reload disabled")
	}
	defer a.holder.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg := <-changes:
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg config.Config) {
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		a.logger.Warn().Err(err).Str("level", cfg.LogLevel).Msg("ignoring invalid log level")
	}
	a.Controller.SetMaxRecordingSeconds(cfg.Recording.MaxRecordingSeconds)
}

func (a *App) initialUpload(ctx context.Context) error {
	summary, err := a.Uploads.UploadAll(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn().Err(err).Str(log.FieldEvent, "daemon.initial_upload_failed").Msg("startup upload run failed")
		return nil
	}
	a.logger.Info().
		Str(log.FieldEvent, "daemon.initial_upload_done").
		Int("attempted", summary.Attempted).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("startup upload run finished")
	return nil
}
