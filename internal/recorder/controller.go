// SPDX-License-Identifier: MIT

// Package recorder translates UI signals (navigation, entitlement, identity)
// into capture session starts and stops, and enforces the recording time cap
// for users without premium.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptglance/recorder/internal/capture"
	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/log"
)

// ErrClosed is returned by Update after Close.
var ErrClosed = errors.New("recorder closed")

// Signals is the full snapshot of inputs. Every Update replaces the previous
// snapshot.
type Signals struct {
	Enabled               bool      `json:"enabled"`
	Allowed               bool      `json:"allowed"`
	Premium               bool      `json:"premium"`
	MaxRecordingSeconds   int       `json:"max_recording_seconds"`
	PresentationID        int64     `json:"presentation_id"`
	PartID                int64     `json:"part_id"`
	PartName              string    `json:"part_name"`
	PartOrder             int       `json:"part_order"`
	PresentationStartDate time.Time `json:"presentation_start_date"`
	PresentationStartID   string    `json:"presentation_start_id"`
}

func (s Signals) identityComplete() bool {
	return s.PresentationID > 0 && s.PartID > 0 && !s.PresentationStartDate.IsZero()
}

// ShouldRecord reports whether the snapshot asks for an active recording.
func (s Signals) ShouldRecord() bool {
	return s.Enabled && s.Allowed && s.identityComplete()
}

// VideoID is the deterministic identity of the snapshot, or "" when the
// identity is incomplete.
func (s Signals) VideoID() string {
	if !s.identityComplete() {
		return ""
	}
	return model.NewVideoID(s.PresentationID, s.PartID, s.PresentationStartDate)
}

// Session is the capture surface the controller drives. *capture.Session
// implements it.
type Session interface {
	Start(cfg capture.Config) bool
	Stop(ctx context.Context, reason capture.StopReason) error
	State() capture.State
}

// SessionFactory builds the session with the controller's hooks installed.
type SessionFactory func(hooks capture.Hooks) Session

// OrderSource reports the highest stored chunk order of a video.
type OrderSource interface {
	LastChunkOrder(ctx context.Context, videoID string) (int, bool, error)
}

// Callbacks surface lifecycle events to the caller. Each is optional.
type Callbacks struct {
	OnStateChange           func(from, to capture.State)
	OnStarted               func(videoID string)
	OnChunk                 func(c model.Chunk)
	OnError                 func(err error)
	OnAutoStoppedByDuration func(videoID string)
	OnRecordingStopped      func(videoID string, reason capture.StopReason)
}

// Options configure a Controller.
type Options struct {
	Orders    OrderSource
	Sessions  SessionFactory
	Clock     Clock
	Callbacks Callbacks
	// StopTimeout bounds how long a forced stop waits for the hardware.
	StopTimeout time.Duration
	// MaxRecordingSeconds caps non-premium sessions whose snapshot leaves
	// the cap at zero.
	MaxRecordingSeconds int
	Timeslice           time.Duration
	BitsPerSecond       int
	Logger              *zerolog.Logger
}

// Controller owns one capture session and decides when it runs.
type Controller struct {
	orders  OrderSource
	session Session
	clock   Clock
	cb      Callbacks
	stopTTL time.Duration
	logger  zerolog.Logger

	timeslice     time.Duration
	bitsPerSecond int
	defaultMax    atomic.Int64

	// opMu serializes Update, Close and the duration timer so a new session
	// never starts before the previous one released the hardware.
	opMu sync.Mutex

	mu          sync.Mutex
	signals     Signals
	active      string
	timer       Timer
	recorded    map[string]struct{}
	recordedFor time.Time
	closed      bool
}

// New builds a controller and its session.
func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 15 * time.Second
	}
	logger := log.WithComponent("recorder")
	if opts.Logger != nil {
		logger = opts.Logger.With().Str(log.FieldComponent, "recorder").Logger()
	}

	c := &Controller{
		orders:   opts.Orders,
		clock:    opts.Clock,
		cb:       opts.Callbacks,
		stopTTL:  opts.StopTimeout,
		logger:   logger,
		recorded: make(map[string]struct{}),

		timeslice:     opts.Timeslice,
		bitsPerSecond: opts.BitsPerSecond,
	}
	c.defaultMax.Store(int64(opts.MaxRecordingSeconds))
	c.session = opts.Sessions(capture.Hooks{
		OnStateChange: c.cb.OnStateChange,
		OnChunk:       c.cb.OnChunk,
		OnError:       c.onSessionError,
		OnStopped:     c.onSessionStopped,
	})
	return c
}

// Update applies a signal snapshot. It returns once any required stop has
// completed and any required start has been issued.
func (c *Controller) Update(ctx context.Context, sig Signals) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.signals = sig
	if !sig.PresentationStartDate.Equal(c.recordedFor) {
		// A new presentation run: every part may be recorded again.
		c.recorded = make(map[string]struct{})
		c.recordedFor = sig.PresentationStartDate
	}
	active := c.active
	c.mu.Unlock()

	videoID := sig.VideoID()
	if active != "" {
		var reason capture.StopReason
		switch {
		case !sig.Enabled || !sig.Allowed:
			reason = capture.StopDisabled
		case videoID != active:
			reason = capture.StopIdentityChanged
		}
		if reason == "" {
			return nil
		}
		if err := c.stopActive(ctx, reason); err != nil {
			return err
		}
	}

	if !sig.ShouldRecord() {
		return nil
	}
	return c.start(ctx, sig, videoID)
}

func (c *Controller) start(ctx context.Context, sig Signals, videoID string) error {
	c.mu.Lock()
	_, done := c.recorded[videoID]
	c.mu.Unlock()
	if done {
		c.logger.Debug().
			Str(log.FieldEvent, "recorder.already_recorded").
			Str(log.FieldVideoID, videoID).
			Msg("video already recorded in this presentation run")
		return nil
	}

	startOrder := 0
	last, found, err := c.orders.LastChunkOrder(ctx, videoID)
	if err != nil {
		c.onSessionError(err)
		return fmt.Errorf("resume order: %w", err)
	}
	if found {
		startOrder = last + 1
	}

	cfg := capture.Config{
		VideoID:               videoID,
		PresentationID:        sig.PresentationID,
		PartID:                sig.PartID,
		PartName:              sig.PartName,
		PartOrder:             sig.PartOrder,
		PresentationStartID:   sig.PresentationStartID,
		PresentationStartDate: sig.PresentationStartDate,
		Premium:               sig.Premium,
		StartOrder:            startOrder,
		Timeslice:             c.timeslice,
		BitsPerSecond:         c.bitsPerSecond,
	}
	maxSeconds := sig.MaxRecordingSeconds
	if maxSeconds == 0 {
		maxSeconds = int(c.defaultMax.Load())
	}
	// The run is published before Start: a session that fails fast calls
	// onSessionStopped before Start returns.
	c.mu.Lock()
	c.recorded[videoID] = struct{}{}
	c.active = videoID
	if !sig.Premium && maxSeconds > 0 {
		limit := time.Duration(maxSeconds) * time.Second
		c.timer = c.clock.AfterFunc(limit, func() { c.onDurationElapsed(videoID) })
	}
	c.mu.Unlock()

	started := c.session.Start(cfg)

	c.mu.Lock()
	running := c.active == videoID
	if !started {
		delete(c.recorded, videoID)
		if running {
			c.clearActiveLocked()
		}
	}
	c.mu.Unlock()
	if !started {
		c.logger.Warn().
			Str(log.FieldEvent, "recorder.start_rejected").
			Str(log.FieldVideoID, videoID).
			Msg("session is not idle")
		return nil
	}
	if !running {
		c.logger.Debug().
			Str(log.FieldEvent, "recorder.ended_during_start").
			Str(log.FieldVideoID, videoID).
			Msg("session run ended before start returned")
		return nil
	}

	c.logger.Info().
		Str(log.FieldEvent, "recorder.started").
		Str(log.FieldVideoID, videoID).
		Int(log.FieldChunkOrder, startOrder).
		Bool("resumed", found).
		Bool("premium", sig.Premium).
		Int("max_recording_seconds", maxSeconds).
		Msg("recording session started")
	if c.cb.OnStarted != nil {
		c.cb.OnStarted(videoID)
	}
	return nil
}

// stopActive stops the session and waits for the hardware. Callers hold opMu.
func (c *Controller) stopActive(ctx context.Context, reason capture.StopReason) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.stopTTL)
	defer cancel()
	if err := c.session.Stop(ctx, reason); err != nil {
		c.logger.Error().Err(err).
			Str(log.FieldEvent, "recorder.stop_failed").
			Str(log.FieldReason, string(reason)).
			Msg("session did not stop in time")
		return fmt.Errorf("stop session: %w", err)
	}
	return nil
}

func (c *Controller) onDurationElapsed(videoID string) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	current := c.active == videoID && !c.closed
	c.timer = nil
	c.mu.Unlock()
	if !current {
		return
	}

	c.logger.Info().
		Str(log.FieldEvent, "recorder.max_duration").
		Str(log.FieldVideoID, videoID).
		Msg("recording time cap reached")
	_ = c.stopActive(context.Background(), capture.StopMaxDuration)
}

func (c *Controller) clearActiveLocked() {
	c.active = ""
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) onSessionError(err error) {
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

// onSessionStopped runs once per session run on the session goroutine.
func (c *Controller) onSessionStopped(videoID string, reason capture.StopReason, err error) {
	c.mu.Lock()
	if c.active == videoID {
		c.clearActiveLocked()
	}
	c.mu.Unlock()

	c.logger.Info().
		Str(log.FieldEvent, "recorder.stopped").
		Str(log.FieldVideoID, videoID).
		Str(log.FieldReason, string(reason)).
		AnErr("cause", err).
		Msg("recording session stopped")

	switch reason {
	case capture.StopMaxDuration:
		if c.cb.OnAutoStoppedByDuration != nil {
			c.cb.OnAutoStoppedByDuration(videoID)
		}
	case capture.StopAcquisitionFailed, capture.StopStorageError, capture.StopEncoderError:
		// Already surfaced through OnError.
	default:
		if c.cb.OnRecordingStopped != nil {
			c.cb.OnRecordingStopped(videoID, reason)
		}
	}
}

// Close stops any active session unconditionally.
func (c *Controller) Close(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.stopActive(ctx, capture.StopTeardown)
}

// SetMaxRecordingSeconds changes the default cap for sessions started
// afterwards. A running session keeps its timer.
func (c *Controller) SetMaxRecordingSeconds(n int) {
	c.defaultMax.Store(int64(n))
}

// IsRecording reports whether a session is capturing.
func (c *Controller) IsRecording() bool {
	return c.session.State() == capture.StateRecording
}

// VideoID returns the video being recorded, or "".
func (c *Controller) VideoID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// State returns the session lifecycle state.
func (c *Controller) State() capture.State { return c.session.State() }

// Signals returns the last applied snapshot.
func (c *Controller) Signals() Signals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signals
}
