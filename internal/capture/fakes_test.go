// SPDX-License-Identifier: MIT

package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"

	"github.com/scriptglance/recorder/internal/chunkstore"
	"github.com/scriptglance/recorder/internal/domain/recordings/model"
)

type fakeStream struct {
	frames   chan Frame
	once     sync.Once
	stops    atomic.Int32
	settings TrackSettings
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames:   make(chan Frame, 128),
		settings: TrackSettings{DeviceID: "cam0", Width: 640, Height: 360, FrameRate: 30},
	}
}

func (s *fakeStream) Frames() <-chan Frame { return s.frames }
func (s *fakeStream) Audio() AudioSource {
	return AudioSource{InputFormat: "pulse", Device: "default", SampleRate: 48000, Channels: 2}
}
func (s *fakeStream) Settings() TrackSettings { return s.settings }
func (s *fakeStream) Stop() error {
	s.stops.Add(1)
	s.once.Do(func() { close(s.frames) })
	return nil
}

func (s *fakeStream) released() bool { return s.stops.Load() > 0 }

type fakeDevices struct {
	cams    []DeviceInfo
	enumErr error
	openErr error
	// gate, when set, holds Open until closed regardless of ctx.
	gate chan struct{}

	mu      sync.Mutex
	streams []*fakeStream
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{cams: []DeviceInfo{{ID: "cam0", Label: "Integrated Camera"}}}
}

func (d *fakeDevices) EnumerateCameras(ctx context.Context) ([]DeviceInfo, error) {
	return d.cams, d.enumErr
}

func (d *fakeDevices) Open(ctx context.Context, dev DeviceInfo, c Constraints) (Stream, error) {
	if d.gate != nil {
		<-d.gate
	}
	if d.openErr != nil {
		return nil, d.openErr
	}
	s := newFakeStream()
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDevices) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.streams) {
		return nil
	}
	return d.streams[i]
}

type fakeEncoder struct {
	cfg    EncoderConfig
	events chan EncoderEvent
	// ignoreStop simulates an encoder that never confirms.
	ignoreStop bool

	mu      sync.Mutex
	closed  bool
	stops   atomic.Int32
	written atomic.Int32
	last    atomic.Pointer[image.RGBA]
}

func (e *fakeEncoder) WriteFrame(f Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("encoder closed")
	}
	e.written.Add(1)
	e.last.Store(f.Image)
	return nil
}

func (e *fakeEncoder) Events() <-chan EncoderEvent { return e.events }

func (e *fakeEncoder) Stop() error {
	e.stops.Add(1)
	if e.ignoreStop {
		return nil
	}
	e.finish(nil)
	return nil
}

// emit queues one segment; ignored after the encoder stopped.
func (e *fakeEncoder) emit(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.events <- SegmentReady{Data: data}
	}
}

// finish emits Stopped and closes the event channel once.
func (e *fakeEncoder) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.events <- Stopped{Err: err}
	close(e.events)
}

type fakeEncoders struct {
	fail       map[string]error
	ignoreStop bool

	mu       sync.Mutex
	encoders []*fakeEncoder
}

func (f *fakeEncoders) NewEncoder(ctx context.Context, cfg EncoderConfig) (Encoder, error) {
	if err := f.fail[cfg.MimeType]; err != nil {
		return nil, err
	}
	e := &fakeEncoder{cfg: cfg, events: make(chan EncoderEvent, 64), ignoreStop: f.ignoreStop}
	f.mu.Lock()
	f.encoders = append(f.encoders, e)
	f.mu.Unlock()
	return e, nil
}

func (f *fakeEncoders) encoder(i int) *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.encoders) {
		return nil
	}
	return f.encoders[i]
}

// failingStore fails every Put after the first okPuts.
type failingStore struct {
	chunkstore.Store
	okPuts int32
	puts   atomic.Int32
}

func (s *failingStore) Put(ctx context.Context, c *model.Chunk) error {
	if s.puts.Add(1) > s.okPuts {
		return errors.Join(model.ErrStorage, errors.New("quota exceeded"))
	}
	return s.Store.Put(ctx, c)
}

type stopRecord struct {
	videoID string
	reason  StopReason
	err     error
}

// recorder captures hook invocations.
type recorder struct {
	mu     sync.Mutex
	errs   []error
	stops  []stopRecord
	chunks []model.Chunk
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnChunk: func(c model.Chunk) {
			r.mu.Lock()
			r.chunks = append(r.chunks, c)
			r.mu.Unlock()
		},
		OnStopped: func(videoID string, reason StopReason, err error) {
			r.mu.Lock()
			r.stops = append(r.stops, stopRecord{videoID, reason, err})
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() ([]error, []stopRecord, []model.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...), append([]stopRecord(nil), r.stops...), append([]model.Chunk(nil), r.chunks...)
}
