// SPDX-License-Identifier: MIT

package capture

import (
	"context"
	"errors"
	"image"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scriptglance/recorder/internal/chunkstore"
	"github.com/scriptglance/recorder/internal/domain/recordings/model"
)

var startDate = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		VideoID:               model.NewVideoID(10, 2, startDate),
		PresentationID:        10,
		PartID:                2,
		PartName:              "Intro",
		PartOrder:             1,
		PresentationStartID:   "ps-1",
		PresentationStartDate: startDate,
	}
}

type harness struct {
	devices  *fakeDevices
	encoders *fakeEncoders
	store    chunkstore.Store
	rec      *recorder
	session  *Session
}

func newHarness(t *testing.T, mutate func(*harness)) *harness {
	t.Helper()
	h := &harness{
		devices:  newFakeDevices(),
		encoders: &fakeEncoders{},
		store:    chunkstore.NewMemoryStore(),
		rec:      &recorder{},
	}
	if mutate != nil {
		mutate(h)
	}
	h.session = NewSession(Options{
		Devices:     h.devices,
		Encoders:    h.encoders,
		Store:       h.store,
		StopTimeout: 200 * time.Millisecond,
	}, h.rec.hooks())
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.State() == want },
		2*time.Second, 5*time.Millisecond, "state %s not reached", want)
}

func (h *harness) storedOrders(t *testing.T, videoID string) []int {
	t.Helper()
	chunks, err := chunkstore.Collect(h.store.IterateByVideoID(context.Background(), videoID))
	require.NoError(t, err)
	orders := make([]int, 0, len(chunks))
	for _, c := range chunks {
		orders = append(orders, c.ChunkOrder)
	}
	sort.Ints(orders)
	return orders
}

func stopCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSession_PersistsSegmentsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, nil)
	cfg := testConfig()

	require.True(t, h.session.Start(cfg))
	h.waitState(t, StateRecording)
	assert.Equal(t, cfg.VideoID, h.session.VideoID())

	enc := h.encoders.encoder(0)
	for _, seg := range []string{"a", "b", "c"} {
		enc.emit([]byte(seg))
	}
	require.Eventually(t, func() bool {
		_, _, chunks := h.rec.snapshot()
		return len(chunks) == 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.session.Stop(stopCtx(t), StopUser))
	assert.Equal(t, StateIdle, h.session.State())
	assert.Empty(t, h.session.VideoID())

	assert.Equal(t, []int{0, 1, 2}, h.storedOrders(t, cfg.VideoID))

	chunks, err := chunkstore.Collect(h.store.IterateByVideoID(context.Background(), cfg.VideoID))
	require.NoError(t, err)
	for _, c := range chunks {
		assert.Equal(t, int64(10), c.PresentationID)
		assert.Equal(t, "ps-1", c.PresentationStartID)
		assert.Equal(t, "Intro", c.PartName)
		assert.Equal(t, c.ChunkOrder == 0, c.IsFirstChunk())
	}

	md, err := h.store.GetMetadata(context.Background(), cfg.VideoID)
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, MimeVP9, md.Codec)
	assert.Equal(t, 640, md.Width)
	assert.Equal(t, 48000, md.SampleRate)

	errs, stops, hookChunks := h.rec.snapshot()
	assert.Empty(t, errs)
	require.Len(t, stops, 1)
	assert.Equal(t, StopUser, stops[0].reason)
	assert.NoError(t, stops[0].err)
	for _, c := range hookChunks {
		assert.Nil(t, c.Data, "hooks receive headers only")
	}

	assert.True(t, h.devices.stream(0).released())
	assert.Equal(t, int32(1), enc.stops.Load())
	assert.Equal(t, DefaultTimeslice, enc.cfg.Timeslice)
	assert.Equal(t, DefaultBitsPerSecond, enc.cfg.BitsPerSecond)
	assert.True(t, enc.cfg.Audio.Present(), "audio goes straight to the encoder")
}

func TestSession_ResumesFromStartOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, nil)
	cfg := testConfig()
	cfg.StartOrder = 5

	require.True(t, h.session.Start(cfg))
	h.waitState(t, StateRecording)
	enc := h.encoders.encoder(0)
	enc.emit([]byte("x"))
	enc.emit([]byte("y"))
	require.Eventually(t, func() bool {
		_, _, chunks := h.rec.snapshot()
		return len(chunks) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.session.Stop(stopCtx(t), StopUser))

	assert.Equal(t, []int{5, 6}, h.storedOrders(t, cfg.VideoID))
}

func TestSession_EmptySegmentsGetNoOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, nil)
	cfg := testConfig()

	require.True(t, h.session.Start(cfg))
	h.waitState(t, StateRecording)
	enc := h.encoders.encoder(0)
	enc.emit(nil)
	enc.emit([]byte("x"))
	require.NoError(t, h.session.Stop(stopCtx(t), StopUser))

	assert.Equal(t, []int{0}, h.storedOrders(t, cfg.VideoID))
}

func TestSession_NoCameraIsAcquisitionError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, func(h *harness) { h.devices.cams = nil })

	require.True(t, h.session.Start(testConfig()))
	require.Eventually(t, func() bool {
		_, stops, _ := h.rec.snapshot()
		return len(stops) == 1
	}, 2*time.Second, 5*time.Millisecond)

	errs, stops, _ := h.rec.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], model.ErrMediaAcquisition)
	assert.Equal(t, StopAcquisitionFailed, stops[0].reason)
	h.waitState(t, StateIdle)

	md, err := h.store.GetMetadata(context.Background(), testConfig().VideoID)
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestSession_PermissionDeniedIsAcquisitionError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	denied := errors.New("permission denied")
	h := newHarness(t, func(h *harness) { h.devices.openErr = denied })

	require.True(t, h.session.Start(testConfig()))
	require.Eventually(t, func() bool {
		errs, _, _ := h.rec.snapshot()
		return len(errs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	errs, _, _ := h.rec.snapshot()
	assert.ErrorIs(t, errs[0], model.ErrMediaAcquisition)
	assert.ErrorIs(t, errs[0], denied)
	require.NoError(t, h.session.Stop(stopCtx(t), StopUser))
	assert.Equal(t, StateIdle, h.session.State())
}

func TestSession_FallsBackToVP8(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, func(h *harness) {
		h.encoders.fail = map[string]error{MimeVP9: errors.New("vp9 unsupported")}
	})
	cfg := testConfig()

	require.True(t, h.session.Start(cfg))
	h.waitState(t, StateRecording)
	require.NoError(t, h.session.Stop(stopCtx(t), StopUser))

	md, err := h.store.GetMetadata(context.Background(), cfg.VideoID)
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, MimeVP8, md.Codec)
}

func TestSession_NoCodecReleasesStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, func(h *harness) {
		h.encoders.fail = map[string]error{
			MimeVP9: errors.New("vp9 unsupported"),
			MimeVP8: errors.New("vp8 unsupported"),
		}
	})

	require.True(t, h.session.Start(testConfig()))
	require.Eventually(t, func() bool {
		_, stops, _ := h.rec.snapshot()
		return len(stops) == 1
	}, 2*time.Second, 5*time.Millisecond)

	errs, _, _ := h.rec.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], model.ErrMediaAcquisition)
	assert.True(t, h.devices.stream(0).released())
}

func TestSession_SecondStartIsIgnored(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, nil)

	require.True(t, h.session.Start(testConfig()))
	h.waitState(t, StateRecording)
	assert.False(t, h.session.Start(testConfig()))
	require.NoError(t, h.session.Stop(stopCtx(t), StopUser))

	h.encoders.mu.Lock()
	assert.Len(t, h.encoders.encoders, 1)
	h.encoders.mu.Unlock()
}

func TestSession_StopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, nil)

	require.NoError(t, h.session.Stop(stopCtx(t), StopUser), "stop on idle is a no-op")

	require.True(t, h.session.Start(testConfig()))
	h.waitState(t, StateRecording)

	var wg sync.WaitGroup
	for _, reason := range []StopReason{StopUser, StopDisabled, StopTeardown} {
		wg.Add(1)
		go func(r StopReason) {
			defer wg.Done()
			assert.NoError(t, h.session.Stop(stopCtx(t), r))
		}(reason)
	}
	wg.Wait()
	require.NoError(t, h.session.Stop(stopCtx(t), StopUser))

	_, stops, _ := h.rec.snapshot()
	assert.Len(t, stops, 1)
	assert.Equal(t, int32(1), h.encoders.encoder(0).stops.Load(), "hardware stopped once")
}

func TestSession_StopDuringAcquisitionReleasesLateStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	gate := make(chan struct{})
	h := newHarness(t, func(h *harness) { h.devices.gate = gate })

	require.True(t, h.session.Start(testConfig()))
	assert.Equal(t, StateAcquiring, h.session.State())

	stopped := make(chan error, 1)
	go func() { stopped <- h.session.Stop(stopCtx(t), StopDisabled) }()
	h.waitState(t, StateStopping)
	close(gate)

	require.NoError(t, <-stopped)
	assert.Equal(t, StateIdle, h.session.State())
	assert.True(t, h.devices.stream(0).released())
	assert.Equal(t, int32(1), h.encoders.encoder(0).stops.Load())

	errs, stops, _ := h.rec.snapshot()
	assert.Empty(t, errs)
	require.Len(t, stops, 1)
	assert.Equal(t, StopDisabled, stops[0].reason)
}

func TestSession_StorageFailureStopsSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, func(h *harness) {
		h.store = &failingStore{Store: chunkstore.NewMemoryStore(), okPuts: 1}
	})
	cfg := testConfig()

	require.True(t, h.session.Start(cfg))
	h.waitState(t, StateRecording)
	enc := h.encoders.encoder(0)
	enc.emit([]byte("ok"))
	enc.emit([]byte("boom"))
	enc.emit([]byte("late"))

	require.Eventually(t, func() bool {
		_, stops, _ := h.rec.snapshot()
		return len(stops) == 1
	}, 2*time.Second, 5*time.Millisecond)

	errs, stops, _ := h.rec.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], model.ErrStorage)
	assert.Equal(t, StopStorageError, stops[0].reason)
	assert.ErrorIs(t, stops[0].err, model.ErrStorage)
	assert.Equal(t, []int{0}, h.storedOrders(t, cfg.VideoID))
	h.waitState(t, StateIdle)
}

func TestSession_EncoderCrashStopsSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, nil)

	require.True(t, h.session.Start(testConfig()))
	h.waitState(t, StateRecording)
	crash := errors.New("ffmpeg exited with status 1")
	h.encoders.encoder(0).finish(crash)

	require.Eventually(t, func() bool {
		_, stops, _ := h.rec.snapshot()
		return len(stops) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, stops, _ := h.rec.snapshot()
	assert.Equal(t, StopEncoderError, stops[0].reason)
	assert.ErrorIs(t, stops[0].err, crash)
	assert.True(t, h.devices.stream(0).released())
	h.waitState(t, StateIdle)
}

func TestSession_StopTimeoutForcesIdle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, func(h *harness) { h.encoders.ignoreStop = true })

	require.True(t, h.session.Start(testConfig()))
	h.waitState(t, StateRecording)
	require.NoError(t, h.session.Stop(stopCtx(t), StopUser))

	_, stops, _ := h.rec.snapshot()
	require.Len(t, stops, 1)
	assert.ErrorIs(t, stops[0].err, errStopTimeout)
	assert.True(t, h.devices.stream(0).released())

	// The encoder exits eventually and releases the drain.
	h.encoders.encoder(0).finish(nil)
}

func TestSession_LateEncoderOutputIsDrainedAfterStopTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, func(h *harness) { h.encoders.ignoreStop = true })
	cfg := testConfig()

	require.True(t, h.session.Start(cfg))
	h.waitState(t, StateRecording)
	require.NoError(t, h.session.Stop(stopCtx(t), StopUser))
	assert.Equal(t, StateIdle, h.session.State())

	// The encoder wakes up long after the release and flushes more segments
	// than its event buffer holds.
	enc := h.encoders.encoder(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 2 * cap(enc.events) {
			enc.emit([]byte("late"))
		}
		enc.finish(nil)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("encoder blocked on its event channel")
	}

	assert.Empty(t, h.storedOrders(t, cfg.VideoID), "segments of a released run are not stored")
}

func TestSession_FramesAreCompositedAndRateCapped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, nil)

	require.True(t, h.session.Start(testConfig()))
	h.waitState(t, StateRecording)

	stream := h.devices.stream(0)
	for i := 0; i < 100; i++ {
		stream.frames <- Frame{Image: image.NewRGBA(image.Rect(0, 0, 64, 36)), PTS: time.Duration(i) * time.Millisecond}
	}
	enc := h.encoders.encoder(0)
	require.Eventually(t, func() bool { return enc.written.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.session.Stop(stopCtx(t), StopUser))

	assert.Less(t, enc.written.Load(), int32(100), "burst above the frame cap is dropped")
	last := enc.last.Load()
	require.NotNil(t, last)
	assert.Equal(t, image.Pt(64, 36), last.Bounds().Size())
}

func TestSession_StreamEndStopsSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, nil)

	require.True(t, h.session.Start(testConfig()))
	h.waitState(t, StateRecording)
	_ = h.devices.stream(0).Stop()

	require.Eventually(t, func() bool {
		_, stops, _ := h.rec.snapshot()
		return len(stops) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, stops, _ := h.rec.snapshot()
	assert.Equal(t, StopEncoderError, stops[0].reason)
	assert.ErrorIs(t, stops[0].err, errStreamEnded)
}
