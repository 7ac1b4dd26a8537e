// SPDX-License-Identifier: MIT

// Package uploadqueue turns the stored chunks of each finished recording into
// one uploaded video. The queue is a cache of the chunk store: it can be
// rebuilt at any time and chunks are deleted only after a successful upload.
package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/scriptglance/recorder/internal/chunkstore"
	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/log"
	"github.com/scriptglance/recorder/internal/metrics"
	"github.com/scriptglance/recorder/internal/telemetry"
)

// Options wire a Manager.
type Options struct {
	Store     chunkstore.Store
	Uploader  Uploader
	Repairer  Repairer
	Archivers []Archiver
	SpoolDir  string
	// OnStatusChange observes every queue entry status change. It runs
	// without the queue lock held.
	OnStatusChange func(model.UploadingVideo)
	// Active returns the video id the capture session is writing, or "".
	// That video is never listed or uploaded.
	Active func() string
	Logger *zerolog.Logger
}

// Summary reports one UploadAll run.
type Summary struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Manager holds the upload queue.
type Manager struct {
	store     chunkstore.Store
	uploader  Uploader
	repairer  Repairer
	archivers []Archiver
	spoolDir  string
	onStatus  func(model.UploadingVideo)
	active    func() string
	logger    zerolog.Logger
	tracer    trace.Tracer

	mu       sync.Mutex
	entries  []model.UploadingVideo
	inflight map[string]struct{}
	// uploaded holds videos the backend accepted whose chunks are still
	// stored. They are retried with a delete only.
	uploaded map[string]struct{}

	runs    singleflight.Group
	running atomic.Bool
}

func New(opts Options) (*Manager, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("uploadqueue: store is required")
	case opts.Uploader == nil:
		return nil, errors.New("uploadqueue: uploader is required")
	case opts.Repairer == nil:
		return nil, errors.New("uploadqueue: repairer is required")
	case opts.SpoolDir == "":
		return nil, errors.New("uploadqueue: spool dir is required")
	}
	logger := log.WithComponent("uploadqueue")
	if opts.Logger != nil {
		logger = opts.Logger.With().Str(log.FieldComponent, "uploadqueue").Logger()
	}
	return &Manager{
		store:     opts.Store,
		uploader:  opts.Uploader,
		repairer:  opts.Repairer,
		archivers: opts.Archivers,
		spoolDir:  opts.SpoolDir,
		onStatus:  opts.OnStatusChange,
		active:    opts.Active,
		logger:    logger,
		tracer:    telemetry.Tracer("uploadqueue"),
		inflight:  make(map[string]struct{}),
		uploaded:  make(map[string]struct{}),
	}, nil
}

// Reload rebuilds the queue from the chunk store. Only complete recordings
// are listed: the video being recorded and videos without a metadata record
// are left out. Entries currently being uploaded keep their uploading status.
func (m *Manager) Reload(ctx context.Context) error {
	var candidates []*model.Chunk
	seen := make(map[string]struct{})
	active := m.activeVideo()
	for c, err := range m.store.ScanHeaders(ctx) {
		if err != nil {
			return fmt.Errorf("reload upload queue: %w", err)
		}
		if _, ok := seen[c.VideoID]; ok || c.VideoID == active {
			continue
		}
		seen[c.VideoID] = struct{}{}
		candidates = append(candidates, c)
	}

	entries := make([]model.UploadingVideo, 0, len(candidates))
	for _, c := range candidates {
		md, err := m.store.GetMetadata(ctx, c.VideoID)
		if err != nil {
			return fmt.Errorf("reload upload queue: %w", err)
		}
		if md == nil {
			m.logger.Debug().
				Str(log.FieldEvent, "uploadqueue.skip_without_metadata").
				Str(log.FieldVideoID, c.VideoID).
				Msg("chunks without metadata are not uploadable")
			continue
		}
		entries = append(entries, model.NewUploadingVideo(c))
	}

	m.mu.Lock()
	for i := range entries {
		id := entries[i].VideoID
		if _, busy := m.inflight[id]; busy {
			entries[i].Status = model.StatusUploading
		} else if _, ok := m.uploaded[id]; ok {
			entries[i].Status = model.StatusError
			entries[i].Error = model.UserMessage(model.ErrCleanup)
		}
	}
	m.entries = entries
	pending := m.notUploadedLocked()
	m.mu.Unlock()

	metrics.SetNotUploaded(pending)
	m.logger.Debug().
		Str(log.FieldEvent, "uploadqueue.reloaded").
		Int("videos", len(entries)).
		Msg("upload queue rebuilt from chunk store")
	return nil
}

// UploadOne uploads a single video. Only one upload per video runs at a time
// and the video being recorded is refused.
func (m *Manager) UploadOne(ctx context.Context, videoID string) error {
	if active := m.activeVideo(); active != "" && videoID == active {
		return fmt.Errorf("%w: %s", model.ErrRecordingActive, videoID)
	}
	m.mu.Lock()
	if _, busy := m.inflight[videoID]; busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrUploadInFlight, videoID)
	}
	m.inflight[videoID] = struct{}{}
	changed, ok := m.setStatusLocked(videoID, model.StatusUploading, "")
	m.mu.Unlock()
	if ok {
		m.notifyStatus(changed)
	}

	defer func() {
		m.mu.Lock()
		delete(m.inflight, videoID)
		m.mu.Unlock()
	}()

	ctx = log.ContextWithVideoID(ctx, videoID)
	ctx, span := m.tracer.Start(ctx, "uploadqueue.upload",
		trace.WithAttributes(attribute.String(telemetry.VideoIDKey, videoID)))
	defer span.End()

	logger := log.WithContext(ctx, m.logger)
	started := time.Now()
	err := m.upload(ctx, span, videoID)
	elapsed := time.Since(started)

	result := "success"
	switch {
	case errors.Is(err, model.ErrMissingChunks):
		result = "missing_chunks"
	case errors.Is(err, model.ErrMissingMetadata):
		result = "missing_metadata"
	case errors.Is(err, model.ErrCleanup):
		result = "cleanup_failed"
	case err != nil:
		result = "error"
	}
	metrics.ObserveUpload(result, elapsed)

	status, msg := model.StatusSuccess, ""
	if err != nil {
		status, msg = model.StatusError, model.UserMessage(err)
	}
	m.mu.Lock()
	changed, ok = m.setStatusLocked(videoID, status, msg)
	pending := m.notUploadedLocked()
	m.mu.Unlock()
	metrics.SetNotUploaded(pending)
	if ok {
		m.notifyStatus(changed)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		span.SetAttributes(telemetry.ErrorAttributes(result)...)
		logger.Error().Err(err).
			Str(log.FieldEvent, "uploadqueue.upload_failed").
			Dur("elapsed", elapsed).
			Msg("video upload failed")
		return err
	}
	logger.Info().
		Str(log.FieldEvent, "uploadqueue.uploaded").
		Dur("elapsed", elapsed).
		Msg("video uploaded")
	return nil
}

func (m *Manager) upload(ctx context.Context, span trace.Span, videoID string) error {
	logger := log.WithContext(ctx, m.logger)

	m.mu.Lock()
	_, deleteOnly := m.uploaded[videoID]
	m.mu.Unlock()
	if deleteOnly {
		logger.Info().
			Str(log.FieldEvent, "uploadqueue.cleanup_retry").
			Msg("video already uploaded, removing stored chunks")
		return m.cleanup(ctx, videoID)
	}

	chunks, err := chunkstore.Collect(m.store.IterateByVideoID(ctx, videoID))
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return fmt.Errorf("%w: %s", model.ErrMissingChunks, videoID)
	}
	md, err := m.store.GetMetadata(ctx, videoID)
	if err != nil {
		return err
	}
	if md == nil {
		return fmt.Errorf("%w: %s", model.ErrMissingMetadata, videoID)
	}
	slices.SortFunc(chunks, func(a, b *model.Chunk) int { return a.ChunkOrder - b.ChunkOrder })
	if chunks[0].ChunkOrder != 0 {
		logger.Warn().
			Str(log.FieldEvent, "uploadqueue.missing_header_chunk").
			Int(log.FieldChunkOrder, chunks[0].ChunkOrder).
			Msg("first stored chunk is not the container header")
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].ChunkOrder != chunks[i-1].ChunkOrder+1 {
			logger.Warn().
				Str(log.FieldEvent, "uploadqueue.order_gap").
				Int("after", chunks[i-1].ChunkOrder).
				Int(log.FieldChunkOrder, chunks[i].ChunkOrder).
				Msg("gap in stored chunk orders")
		}
	}

	entry := m.ensureEntry(chunks[0])
	span.SetAttributes(telemetry.VideoAttributes(entry.VideoID, entry.PresentationID, entry.PresentationStartID, entry.PartOrder)...)

	raw, size, err := m.spool(ctx, chunks)
	if err != nil {
		return fmt.Errorf("spool chunks: %w", err)
	}
	defer removeQuietly(raw)

	fixed := repairedPath(raw)
	if err := m.repairer.Repair(ctx, raw, fixed); err != nil {
		return fmt.Errorf("repair container: %w", err)
	}
	defer removeQuietly(fixed)
	if info, err := os.Stat(fixed); err == nil {
		size = info.Size()
	}
	span.SetAttributes(telemetry.UploadAttributes(len(chunks), size, string(model.StatusUploading))...)

	payload := entry.UploadFor(fixed, size)
	if err := m.uploader.UploadVideo(ctx, payload); err != nil {
		return err
	}

	m.archive(ctx, payload)

	m.mu.Lock()
	m.uploaded[videoID] = struct{}{}
	m.mu.Unlock()
	return m.cleanup(ctx, videoID)
}

// cleanup deletes the chunks of an uploaded video. On failure the video stays
// marked as uploaded so the next attempt does not send it again.
func (m *Manager) cleanup(ctx context.Context, videoID string) error {
	if err := m.store.DeleteVideo(ctx, videoID); err != nil {
		return fmt.Errorf("%w: %w", model.ErrCleanup, err)
	}
	m.mu.Lock()
	delete(m.uploaded, videoID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) archive(ctx context.Context, v model.VideoUpload) {
	for _, a := range m.archivers {
		if err := a.Archive(ctx, v); err != nil {
			metrics.ArchiveFailed()
			l := log.WithContext(ctx, m.logger)
			l.Warn().Err(err).
				Str(log.FieldEvent, "uploadqueue.archive_failed").
				Str("archiver", a.Name()).
				Msg("archive copy failed")
		}
	}
}

// UploadAll uploads every pending or failed entry in queue order, then
// reloads the queue. Concurrent callers share a single run. The video being
// recorded is skipped.
func (m *Manager) UploadAll(ctx context.Context) (Summary, error) {
	v, err, _ := m.runs.Do("upload-all", func() (any, error) {
		return m.uploadAll(ctx)
	})
	summary, _ := v.(Summary)
	return summary, err
}

func (m *Manager) uploadAll(ctx context.Context) (Summary, error) {
	m.running.Store(true)
	defer m.running.Store(false)

	active := m.activeVideo()
	m.mu.Lock()
	var ids []string
	for _, e := range m.entries {
		if e.Status.Retryable() && e.VideoID != active {
			ids = append(ids, e.VideoID)
		}
	}
	m.mu.Unlock()

	var summary Summary
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		err := m.UploadOne(ctx, id)
		if errors.Is(err, model.ErrUploadInFlight) || errors.Is(err, model.ErrRecordingActive) {
			continue
		}
		summary.Attempted++
		if err != nil {
			summary.Failed++
			continue
		}
		summary.Succeeded++
	}

	m.logger.Info().
		Str(log.FieldEvent, "uploadqueue.run_complete").
		Int("attempted", summary.Attempted).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("upload run finished")
	return summary, m.Reload(ctx)
}

// NotUploadedCount is the number of entries that have not been uploaded.
func (m *Manager) NotUploadedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notUploadedLocked()
}

// Uploading reports whether an UploadAll run or any single upload is in
// progress.
func (m *Manager) Uploading() bool {
	if m.running.Load() {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight) > 0
}

// Entries returns a copy of the queue.
func (m *Manager) Entries() []model.UploadingVideo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

// CountForPresentation reports how many recordings of a presentation are
// still stored locally.
func (m *Manager) CountForPresentation(ctx context.Context, presentationID int64) (int, error) {
	return m.store.CountDistinctVideoIDs(ctx, presentationID)
}

func (m *Manager) activeVideo() string {
	if m.active == nil {
		return ""
	}
	return m.active()
}

func (m *Manager) notUploadedLocked() int {
	n := 0
	for _, e := range m.entries {
		if e.Status != model.StatusSuccess {
			n++
		}
	}
	return n
}

func (m *Manager) setStatusLocked(videoID string, status model.UploadStatus, msg string) (model.UploadingVideo, bool) {
	for i := range m.entries {
		if m.entries[i].VideoID == videoID {
			m.entries[i].Status = status
			m.entries[i].Error = msg
			return m.entries[i], true
		}
	}
	return model.UploadingVideo{}, false
}

func (m *Manager) notifyStatus(e model.UploadingVideo) {
	if m.onStatus != nil {
		m.onStatus(e)
	}
}

// ensureEntry returns the queue entry of a video, adding one from the chunk
// when UploadOne is called for a video the queue has not loaded yet.
func (m *Manager) ensureEntry(c *model.Chunk) model.UploadingVideo {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.VideoID == c.VideoID {
			return e
		}
	}
	e := model.NewUploadingVideo(c)
	e.Status = model.StatusUploading
	m.entries = append(m.entries, e)
	return e
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		l := log.WithComponent("uploadqueue")
		l.Debug().Err(err).Str(log.FieldPath, path).Msg("remove spool file")
	}
}
