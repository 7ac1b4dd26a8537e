// SPDX-License-Identifier: MIT

// Package capture owns one camera and microphone recording at a time: it
// acquires the devices, composites the watermark, drives the encoder and
// persists every encoded segment as an ordered chunk.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/scriptglance/recorder/internal/chunkstore"
	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/fsm"
	"github.com/scriptglance/recorder/internal/log"
	"github.com/scriptglance/recorder/internal/metrics"
)

const defaultStopTimeout = 10 * time.Second

var (
	errStopTimeout  = errors.New("encoder did not confirm stop in time")
	errStreamEnded  = errors.New("capture stream ended")
	errEventsClosed = errors.New("encoder event channel closed without stop")
)

// Config is the identity snapshot and tuning of one recording run. The
// identity fields are copied at start and never re-read.
type Config struct {
	VideoID               string
	PresentationID        int64
	PartID                int64
	PartName              string
	PartOrder             int
	PresentationStartID   string
	PresentationStartDate time.Time

	Premium       bool
	StartOrder    int
	Timeslice     time.Duration
	BitsPerSecond int
	Constraints   Constraints
}

func (c Config) withDefaults() Config {
	if c.Timeslice <= 0 {
		c.Timeslice = DefaultTimeslice
	}
	if c.BitsPerSecond <= 0 {
		c.BitsPerSecond = DefaultBitsPerSecond
	}
	if c.Constraints == (Constraints{}) {
		c.Constraints = DefaultConstraints()
	}
	if c.StartOrder < 0 {
		c.StartOrder = 0
	}
	return c
}

// Hooks are invoked synchronously by the session. They must not block and
// must not call Stop.
type Hooks struct {
	OnStateChange func(from, to State)
	// OnChunk receives the header of a chunk after it is durable.
	OnChunk func(c model.Chunk)
	OnError func(err error)
	// OnStopped fires exactly once per run that left Idle.
	OnStopped func(videoID string, reason StopReason, err error)
}

// Options wires a Session to its collaborators.
type Options struct {
	Devices     Devices
	Encoders    EncoderFactory
	Store       chunkstore.Store
	Logo        image.Image
	StopTimeout time.Duration
	Now         func() time.Time
	Logger      *zerolog.Logger
}

// Session runs at most one recording at a time.
type Session struct {
	opts    Options
	hooks   Hooks
	machine *fsm.Machine[State, Event]
	logger  zerolog.Logger

	mu     sync.Mutex
	active *run
}

// NewSession returns an idle session.
func NewSession(opts Options, hooks Hooks) *Session {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logo == nil {
		opts.Logo = DefaultLogo()
	}
	logger := log.WithComponent("capture")
	if opts.Logger != nil {
		logger = opts.Logger.With().Str(log.FieldComponent, "capture").Logger()
	}

	s := &Session{
		opts:    opts,
		hooks:   hooks,
		machine: newMachine(),
		logger:  logger,
	}
	s.machine.Observe(func(from, to State, ev Event) {
		s.logger.Debug().
			Str(log.FieldEvent, "capture.transition").
			Str(log.FieldOldState, string(from)).
			Str(log.FieldNewState, string(to)).
			Str("trigger", string(ev)).
			Msg("capture state changed")
		if from != to && s.hooks.OnStateChange != nil {
			s.hooks.OnStateChange(from, to)
		}
	})
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.machine.State() }

// VideoID returns the video of the active run, or "".
func (s *Session) VideoID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.cfg.VideoID
}

// Start begins a run asynchronously. It returns false without side effects
// when a run is already in progress.
func (s *Session) Start(cfg Config) bool {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		s.logger.Debug().
			Str(log.FieldEvent, "capture.start_ignored").
			Str(log.FieldVideoID, cfg.VideoID).
			Msg("session busy, start ignored")
		return false
	}
	r := &run{
		s:      s,
		cfg:    cfg,
		stopCh: make(chan StopReason, 1),
		done:   make(chan struct{}),
		next:   cfg.StartOrder,
		logger: s.logger.With().Str(log.FieldVideoID, cfg.VideoID).Logger(),
	}
	s.active = r
	s.mu.Unlock()

	if _, err := s.machine.Fire(context.Background(), EventStartRequested); err != nil {
		s.logger.Error().Err(err).Str(log.FieldEvent, "capture.start_rejected").Msg("cannot start session")
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		close(r.done)
		return false
	}

	go r.loop()
	return true
}

// Stop requests the active run to stop and waits until the encoder has
// confirmed and every track is released. Calling Stop on an idle session is a
// no-op; calling it while a stop is pending only waits, the first reason wins.
func (s *Session) Stop(ctx context.Context, reason StopReason) error {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()
	if r == nil {
		return nil
	}

	select {
	case r.stopCh <- reason:
	default:
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the current run ends, or nil when idle.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.done
}

type acquisition struct {
	stream   Stream
	encoder  Encoder
	settings TrackSettings
	mime     string
	err      error
}

// run is the state of one Idle→…→Idle cycle. All fields are owned by the
// loop goroutine.
type run struct {
	s      *Session
	cfg    Config
	stopCh chan StopReason
	done   chan struct{}
	logger zerolog.Logger

	cancelAcq context.CancelFunc
	acqCh     chan acquisition

	stream    Stream
	encoder   Encoder
	events    <-chan EncoderEvent
	pumpStop  context.CancelFunc
	pumpDone  chan struct{}
	stopTimer *time.Timer

	startedAt     time.Time
	next          int
	storageFailed bool
	counted       bool
	finished      bool

	reason StopReason
	err    error
}

func (r *run) state() State { return r.s.machine.State() }

func (r *run) fire(ev Event) {
	if _, err := r.s.machine.Fire(context.Background(), ev); err != nil {
		r.logger.Error().Err(err).Str(log.FieldEvent, "capture.fsm_error").Msg("unexpected transition")
	}
}

func (r *run) loop() {
	defer r.close()

	r.startedAt = r.s.opts.Now()
	var acqCtx context.Context
	acqCtx, r.cancelAcq = context.WithCancel(context.Background())
	acqCh := make(chan acquisition, 1)
	r.acqCh = acqCh
	go func() { acqCh <- r.s.acquire(acqCtx, r.cfg) }()

	for !r.finished {
		var timeout <-chan time.Time
		if r.stopTimer != nil {
			timeout = r.stopTimer.C
		}

		select {
		case res := <-r.acqCh:
			r.acqCh = nil
			r.onAcquired(res)
		case reason := <-r.stopCh:
			r.requestStop(reason, nil)
		case ev, ok := <-r.events:
			if !ok {
				r.events = nil
				r.onEncoderStopped(errEventsClosed)
				continue
			}
			switch ev := ev.(type) {
			case SegmentReady:
				r.persist(ev.Data)
			case Stopped:
				r.events = nil
				r.onEncoderStopped(ev.Err)
			}
		case <-r.pumpDone:
			r.pumpDone = nil
			if r.state() == StateRecording {
				r.requestStop(StopEncoderError, errStreamEnded)
			}
		case <-timeout:
			r.logger.Error().
				Str(log.FieldEvent, "capture.stop_timeout").
				Dur("timeout", r.s.opts.StopTimeout).
				Msg("encoder did not confirm stop, forcing release")
			if r.err == nil {
				r.err = errStopTimeout
			}
			if r.events != nil {
				// A late encoder must not block on a channel nobody reads.
				go drainEvents(r.events)
				r.events = nil
			}
			r.confirmStop()
		}
	}
}

func (r *run) onAcquired(res acquisition) {
	r.cancelAcq()

	if res.err != nil {
		switch r.state() {
		case StateAcquiring:
			r.fire(EventAcquisitionFailed)
			r.reason = StopAcquisitionFailed
			if errors.Is(res.err, model.ErrStorage) {
				r.reason = StopStorageError
			}
			r.err = res.err
			r.logger.Error().Err(res.err).Str(log.FieldEvent, "capture.acquisition_failed").Msg("media acquisition failed")
			r.s.notifyError(res.err)
		default:
			// Stopped while acquiring; the failure is moot.
			r.logger.Debug().Err(res.err).Str(log.FieldEvent, "capture.acquisition_aborted").Msg("acquisition aborted by stop")
			r.fire(EventStopConfirmed)
		}
		r.finished = true
		return
	}

	r.stream = res.stream
	r.encoder = res.encoder
	r.events = res.encoder.Events()

	if r.state() == StateStopping {
		// Stop arrived while the devices were opening: release at once.
		r.logger.Info().Str(log.FieldEvent, "capture.release_late_stream").Msg("stream acquired after stop, releasing")
		r.halt()
		return
	}

	r.fire(EventAcquisitionSucceeded)
	r.counted = true
	metrics.SessionStarted()

	comp := NewCompositor(r.s.opts.Logo, r.cfg.Premium)
	limiter := rate.NewLimiter(rate.Limit(r.cfg.Constraints.MaxFrameRate), 2)
	var ctx context.Context
	ctx, r.pumpStop = context.WithCancel(context.Background())
	r.pumpDone = make(chan struct{})
	go pump(ctx, r.stream, r.encoder, comp, limiter, r.pumpDone, r.logger)

	r.logger.Info().
		Str(log.FieldEvent, "capture.recording").
		Str(log.FieldCodec, res.mime).
		Str(log.FieldResolution, fmt.Sprintf("%dx%d", res.settings.Width, res.settings.Height)).
		Float64(log.FieldFPS, res.settings.FrameRate).
		Int(log.FieldChunkOrder, r.next).
		Bool("premium", r.cfg.Premium).
		Msg("recording started")
}

// requestStop moves the run to Stopping. A run already stopping keeps its
// first reason and is not stopped a second time.
func (r *run) requestStop(reason StopReason, cause error) {
	switch r.state() {
	case StateAcquiring:
		r.fire(EventStopRequested)
		r.reason, r.err = reason, cause
		r.cancelAcq()
		r.armStopTimer()
	case StateRecording:
		if reason == StopStorageError {
			r.fire(EventStorageFailed)
		} else {
			r.fire(EventStopRequested)
		}
		r.reason, r.err = reason, cause
		r.logger.Info().Str(log.FieldEvent, "capture.stopping").Str(log.FieldReason, string(reason)).Msg("stopping recording")
		r.halt()
	default:
		r.logger.Debug().
			Str(log.FieldEvent, "capture.stop_pending").
			Str(log.FieldReason, string(reason)).
			Msg("stop already in progress")
	}
}

// halt releases the tracks and asks the encoder to flush.
func (r *run) halt() {
	if r.pumpStop != nil {
		r.pumpStop()
	}
	if r.stream != nil {
		if err := r.stream.Stop(); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldEvent, "capture.stream_stop_failed").Msg("failed to release tracks")
		}
	}
	if r.encoder != nil {
		if err := r.encoder.Stop(); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldEvent, "capture.encoder_stop_failed").Msg("failed to stop encoder")
		}
	}
	r.armStopTimer()
}

func (r *run) armStopTimer() {
	if r.stopTimer == nil {
		r.stopTimer = time.NewTimer(r.s.opts.StopTimeout)
	}
}

func (r *run) persist(data []byte) {
	if len(data) == 0 || r.storageFailed {
		return
	}
	r.fire(EventSegmentReady)

	c := &model.Chunk{
		VideoID:               r.cfg.VideoID,
		ChunkOrder:            r.next,
		PartID:                r.cfg.PartID,
		PartName:              r.cfg.PartName,
		PartOrder:             r.cfg.PartOrder,
		PresentationID:        r.cfg.PresentationID,
		PresentationStartID:   r.cfg.PresentationStartID,
		PresentationStartDate: r.cfg.PresentationStartDate,
		StartedAt:             r.startedAt,
		Size:                  len(data),
		Data:                  data,
	}

	if err := r.s.opts.Store.Put(context.Background(), c); err != nil {
		// The counter is not advanced: nothing past the last durable
		// chunk is ever assigned an order.
		r.storageFailed = true
		metrics.ChunkWriteFailed()
		r.logger.Error().Err(err).
			Str(log.FieldEvent, "capture.chunk_write_failed").
			Int(log.FieldChunkOrder, c.ChunkOrder).
			Msg("failed to persist chunk")
		r.s.notifyError(err)
		if r.state() == StateRecording {
			r.requestStop(StopStorageError, err)
		}
		return
	}

	r.next++
	metrics.ChunkWritten(len(data))
	r.logger.Debug().
		Str(log.FieldEvent, "capture.chunk_written").
		Int(log.FieldChunkOrder, c.ChunkOrder).
		Int(log.FieldBytes, c.Size).
		Msg("chunk persisted")
	if r.s.hooks.OnChunk != nil {
		r.s.hooks.OnChunk(c.Header())
	}
}

func (r *run) onEncoderStopped(err error) {
	r.encoder = nil
	if r.state() == StateRecording {
		if err == nil {
			err = errors.New("encoder stopped unexpectedly")
		}
		r.logger.Error().Err(err).Str(log.FieldEvent, "capture.encoder_failed").Msg("encoder stopped while recording")
		r.requestStop(StopEncoderError, err)
		r.s.notifyError(err)
	} else if err != nil && !errors.Is(err, errEventsClosed) {
		r.logger.Warn().Err(err).Str(log.FieldEvent, "capture.encoder_stop_error").Msg("encoder reported error on stop")
	}
	r.confirmStop()
}

// confirmStop completes Stopping→Idle once the encoder is done.
func (r *run) confirmStop() {
	if r.pumpStop != nil {
		r.pumpStop()
	}
	if r.stream != nil {
		_ = r.stream.Stop()
	}
	if r.pumpDone != nil {
		<-r.pumpDone
		r.pumpDone = nil
	}
	if r.acqCh != nil {
		// Acquisition never answered; release whatever it eventually yields.
		go releaseAcquisition(r.acqCh)
		r.acqCh = nil
	}
	r.fire(EventStopConfirmed)
	r.finished = true
}

func (r *run) close() {
	if r.stopTimer != nil {
		r.stopTimer.Stop()
	}
	if r.cancelAcq != nil {
		r.cancelAcq()
	}
	if r.counted {
		metrics.SessionStopped(string(r.reason))
	}

	r.logger.Info().
		Str(log.FieldEvent, "capture.stopped").
		Str(log.FieldReason, string(r.reason)).
		Int("chunks", r.next-r.cfg.StartOrder).
		AnErr("cause", r.err).
		Msg("recording stopped")

	if r.s.hooks.OnStopped != nil {
		r.s.hooks.OnStopped(r.cfg.VideoID, r.reason, r.err)
	}

	r.s.mu.Lock()
	r.s.active = nil
	r.s.mu.Unlock()
	close(r.done)
}

func (s *Session) notifyError(err error) {
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}

func releaseAcquisition(ch <-chan acquisition) {
	res := <-ch
	if res.err != nil {
		return
	}
	_ = res.stream.Stop()
	discardEncoder(res.encoder, defaultStopTimeout)
}

// acquire opens the first camera, builds the encoder and writes the video
// metadata record.
func (s *Session) acquire(ctx context.Context, cfg Config) acquisition {
	cams, err := s.opts.Devices.EnumerateCameras(ctx)
	if err != nil {
		return acquisition{err: acquisitionErr("enumerate cameras", err)}
	}
	if len(cams) == 0 {
		return acquisition{err: fmt.Errorf("%w: no camera found", model.ErrMediaAcquisition)}
	}

	stream, err := s.opts.Devices.Open(ctx, cams[0], cfg.Constraints)
	if err != nil {
		return acquisition{err: acquisitionErr("open "+cams[0].ID, err)}
	}

	settings := stream.Settings()
	if settings.Width <= 0 || settings.Height <= 0 {
		settings.Width, settings.Height = cfg.Constraints.IdealWidth, cfg.Constraints.IdealHeight
	}
	if settings.FrameRate <= 0 {
		settings.FrameRate = cfg.Constraints.IdealFrameRate
	}

	enc, mime, err := s.newEncoder(ctx, cfg, settings, stream.Audio())
	if err != nil {
		_ = stream.Stop()
		return acquisition{err: acquisitionErr("construct encoder", err)}
	}

	audio := stream.Audio()
	md := &model.VideoMetadata{
		VideoID:    cfg.VideoID,
		Width:      settings.Width,
		Height:     settings.Height,
		Codec:      mime,
		FrameRate:  settings.FrameRate,
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		CreatedAt:  s.opts.Now().UTC(),
	}
	if err := s.opts.Store.PutMetadata(ctx, md); err != nil {
		_ = stream.Stop()
		discardEncoder(enc, s.opts.StopTimeout)
		return acquisition{err: err}
	}

	return acquisition{stream: stream, encoder: enc, settings: settings, mime: mime}
}

// newEncoder prefers VP9 and falls back to VP8 when construction fails.
func (s *Session) newEncoder(ctx context.Context, cfg Config, ts TrackSettings, audio AudioSource) (Encoder, string, error) {
	ec := EncoderConfig{
		Width:         ts.Width,
		Height:        ts.Height,
		FrameRate:     ts.FrameRate,
		BitsPerSecond: cfg.BitsPerSecond,
		Timeslice:     cfg.Timeslice,
		Audio:         audio,
	}

	var errs []error
	for i, mime := range []string{MimeVP9, MimeVP8} {
		ec.MimeType = mime
		enc, err := s.opts.Encoders.NewEncoder(ctx, ec)
		if err == nil {
			if i > 0 {
				metrics.CodecFallback()
			}
			return enc, mime, nil
		}
		s.logger.Warn().Err(err).
			Str(log.FieldEvent, "capture.codec_unavailable").
			Str(log.FieldCodec, mime).
			Msg("encoder construction failed")
		errs = append(errs, err)
	}
	return nil, "", errors.Join(errs...)
}

func acquisitionErr(op string, err error) error {
	if errors.Is(err, model.ErrMediaAcquisition) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", model.ErrMediaAcquisition, op, err)
}

// discardEncoder stops an encoder nobody will read from and drains it.
func discardEncoder(enc Encoder, timeout time.Duration) {
	_ = enc.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	events := enc.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, stopped := ev.(Stopped); stopped {
				return
			}
		case <-deadline.C:
			return
		}
	}
}

// drainEvents discards encoder events until the encoder reports its exit.
// Late segments of a run already released are dropped.
func drainEvents(events <-chan EncoderEvent) {
	for ev := range events {
		if _, stopped := ev.(Stopped); stopped {
			return
		}
	}
}

// pump moves frames from the stream through the compositor into the encoder.
// Frames above the limiter's rate are dropped.
func pump(ctx context.Context, stream Stream, enc Encoder, comp *Compositor, limiter *rate.Limiter, done chan<- struct{}, logger zerolog.Logger) {
	defer close(done)

	frames := stream.Frames()
	dropped := 0
	defer func() {
		if dropped > 0 {
			logger.Debug().Str(log.FieldEvent, "capture.frames_dropped").Int("dropped", dropped).Msg("frames above rate cap dropped")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if !limiter.Allow() {
				dropped++
				continue
			}
			out := comp.Compose(f.Image)
			if err := enc.WriteFrame(Frame{Image: out, PTS: f.PTS}); err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Str(log.FieldEvent, "capture.write_frame_failed").Msg("encoder rejected frame")
				}
				return
			}
		}
	}
}
