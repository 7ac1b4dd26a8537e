// SPDX-License-Identifier: MIT

package capture

import (
	"context"
	"image"
	"time"
)

// Container MIME types in preference order.
const (
	MimeVP9 = "video/webm;codecs=vp9,opus"
	MimeVP8 = "video/webm;codecs=vp8,opus"
)

// Fixed recording parameters.
const (
	DefaultTimeslice     = 2000 * time.Millisecond
	DefaultBitsPerSecond = 6_000_000
)

// DeviceInfo identifies a video input device.
type DeviceInfo struct {
	ID    string
	Label string
}

// Constraints are the requested capture parameters. Ideal values are a
// preference, Max values a hard cap.
type Constraints struct {
	IdealWidth      int
	IdealHeight     int
	MaxWidth        int
	MaxHeight       int
	IdealFrameRate  float64
	MaxFrameRate    float64
	AudioChannels   int
	AudioSampleRate int
}

// DefaultConstraints: 720p ideal, 1080p max, 30/60 fps, 48 kHz stereo.
func DefaultConstraints() Constraints {
	return Constraints{
		IdealWidth:      1280,
		IdealHeight:     720,
		MaxWidth:        1920,
		MaxHeight:       1080,
		IdealFrameRate:  30,
		MaxFrameRate:    60,
		AudioChannels:   2,
		AudioSampleRate: 48000,
	}
}

// TrackSettings are the parameters the device actually delivers.
type TrackSettings struct {
	DeviceID   string
	Width      int
	Height     int
	FrameRate  float64
	SampleRate int
	Channels   int
}

// Frame is one decoded video frame.
type Frame struct {
	Image *image.RGBA
	PTS   time.Duration
}

// AudioSource describes the microphone track. It is handed to the encoder
// untouched; audio never passes through the compositor. A zero value means
// no audio track.
type AudioSource struct {
	InputFormat string
	Device      string
	SampleRate  int
	Channels    int
}

func (a AudioSource) Present() bool { return a.Device != "" }

// Stream is an acquired camera and microphone pair.
type Stream interface {
	// Frames is closed when the stream stops or the device goes away.
	Frames() <-chan Frame
	Audio() AudioSource
	Settings() TrackSettings
	// Stop releases every track. Idempotent.
	Stop() error
}

// Devices enumerates and opens capture devices.
type Devices interface {
	EnumerateCameras(ctx context.Context) ([]DeviceInfo, error)
	Open(ctx context.Context, dev DeviceInfo, c Constraints) (Stream, error)
}

// EncoderConfig configures one encoder instance.
type EncoderConfig struct {
	MimeType      string
	Width         int
	Height        int
	FrameRate     float64
	BitsPerSecond int
	Timeslice     time.Duration
	Audio         AudioSource
}

// EncoderEvent is SegmentReady or Stopped.
type EncoderEvent interface {
	encoderEvent()
}

// SegmentReady carries one timeslice of encoded container bytes.
type SegmentReady struct {
	Data []byte
}

// Stopped is the last event an encoder emits. Err is nil on a clean stop.
type Stopped struct {
	Err error
}

func (SegmentReady) encoderEvent() {}
func (Stopped) encoderEvent()      {}

// Encoder turns frames into container segments.
type Encoder interface {
	WriteFrame(f Frame) error
	// Events delivers segments and is closed after Stopped.
	Events() <-chan EncoderEvent
	// Stop asks the encoder to flush. It does not wait; completion is
	// signalled by a Stopped event.
	Stop() error
}

// EncoderFactory constructs encoders. NewEncoder fails when the requested
// MIME type is not supported.
type EncoderFactory interface {
	NewEncoder(ctx context.Context, cfg EncoderConfig) (Encoder, error)
}
