// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptglance/recorder/internal/capture"
	"github.com/scriptglance/recorder/internal/log"
	"github.com/scriptglance/recorder/internal/procgroup"
)

// ErrNoFrames is returned when a camera process starts but delivers nothing
// before the start timeout.
var ErrNoFrames = errors.New("camera produced no frames")

// Devices opens cameras by running ffmpeg as a raw RGBA frame source.
type Devices struct {
	cfg    Config
	logger zerolog.Logger
}

var _ capture.Devices = (*Devices)(nil)

func NewDevices(cfg Config) *Devices {
	cfg = cfg.withDefaults()
	return &Devices{cfg: cfg, logger: cfg.logger("ffmpeg.camera")}
}

// EnumerateCameras lists v4l2 device nodes. Other input formats have no
// portable enumeration and report a single default device.
func (d *Devices) EnumerateCameras(ctx context.Context) ([]capture.DeviceInfo, error) {
	if d.cfg.VideoInputFormat != "v4l2" {
		return []capture.DeviceInfo{{ID: "0", Label: d.cfg.VideoInputFormat + " default"}}, nil
	}

	paths, err := filepath.Glob(d.cfg.DeviceGlob)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", d.cfg.DeviceGlob, err)
	}
	sort.Strings(paths)

	devices := make([]capture.DeviceInfo, 0, len(paths))
	for _, p := range paths {
		devices = append(devices, capture.DeviceInfo{ID: p, Label: v4l2Name(p)})
	}
	return devices, nil
}

func v4l2Name(devPath string) string {
	// #nosec G304 -- sysfs path derived from a globbed device node
	b, err := os.ReadFile(filepath.Join("/sys/class/video4linux", filepath.Base(devPath), "name"))
	if err != nil {
		return filepath.Base(devPath)
	}
	return strings.TrimSpace(string(b))
}

// Open starts the capture process and waits for the first frame.
func (d *Devices) Open(ctx context.Context, dev capture.DeviceInfo, c capture.Constraints) (capture.Stream, error) {
	if d.cfg.VideoInputFormat == "v4l2" {
		// Surface permission problems before ffmpeg hides them in stderr.
		f, err := os.OpenFile(dev.ID, os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", dev.ID, err)
		}
		_ = f.Close()
	}

	settings := capture.TrackSettings{
		DeviceID:  dev.ID,
		Width:     clampDim(c.IdealWidth, c.MaxWidth),
		Height:    clampDim(c.IdealHeight, c.MaxHeight),
		FrameRate: c.IdealFrameRate,
	}
	if settings.FrameRate <= 0 {
		settings.FrameRate = 30
	}
	if c.MaxFrameRate > 0 && settings.FrameRate > c.MaxFrameRate {
		settings.FrameRate = c.MaxFrameRate
	}

	args := d.cameraArgs(dev, settings)
	// #nosec G204 -- BinPath is trusted from config; args are built internally
	cmd := exec.Command(d.cfg.BinPath, args...)
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start failed: %w", err)
	}

	s := &cameraStream{
		cmd:      cmd,
		settings: settings,
		audio:    d.audioSource(c),
		frames:   make(chan capture.Frame, 4),
		first:    make(chan struct{}),
		quit:     make(chan struct{}),
		ended:    make(chan struct{}),
		waitCh:   make(chan error, 1),
		grace:    d.cfg.KillTimeout,
		logger:   d.logger.With().Str(log.FieldDevice, dev.ID).Int("pid", cmd.Process.Pid).Logger(),
	}
	go s.tail.consume(stderr, s.logger)
	go s.readFrames(stdout)

	timer := time.NewTimer(d.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case <-s.first:
		d.logger.Info().
			Str(log.FieldEvent, "camera.opened").
			Str(log.FieldDevice, dev.ID).
			Str(log.FieldResolution, fmt.Sprintf("%dx%d", settings.Width, settings.Height)).
			Float64(log.FieldFPS, settings.FrameRate).
			Msg("camera stream started")
		return s, nil
	case <-s.ended:
		if s.exitErr != nil {
			return nil, withStderr(fmt.Errorf("%w: %w", ErrNoFrames, s.exitErr), &s.tail)
		}
		return nil, withStderr(ErrNoFrames, &s.tail)
	case <-timer.C:
		_ = s.Stop()
		return nil, withStderr(ErrNoFrames, &s.tail)
	case <-ctx.Done():
		_ = s.Stop()
		return nil, ctx.Err()
	}
}

func (d *Devices) cameraArgs(dev capture.DeviceInfo, s capture.TrackSettings) []string {
	fps := strconv.FormatFloat(s.FrameRate, 'f', -1, 64)
	size := fmt.Sprintf("%dx%d", s.Width, s.Height)
	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-f", d.cfg.VideoInputFormat,
		"-framerate", fps,
		"-video_size", size,
		"-i", dev.ID,
		// The device may pick a nearby mode; scale so frames match Settings.
		"-vf", fmt.Sprintf("scale=%d:%d", s.Width, s.Height),
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	}
	return args
}

func (d *Devices) audioSource(c capture.Constraints) capture.AudioSource {
	if d.cfg.AudioDevice == "" || d.cfg.AudioInputFormat == "" {
		return capture.AudioSource{}
	}
	return capture.AudioSource{
		InputFormat: d.cfg.AudioInputFormat,
		Device:      d.cfg.AudioDevice,
		SampleRate:  c.AudioSampleRate,
		Channels:    c.AudioChannels,
	}
}

func clampDim(ideal, max int) int {
	if max > 0 && ideal > max {
		return max
	}
	return ideal
}

// cameraStream reads fixed-size RGBA frames from the ffmpeg stdout pipe.
type cameraStream struct {
	cmd      *exec.Cmd
	settings capture.TrackSettings
	audio    capture.AudioSource
	frames   chan capture.Frame
	first    chan struct{}
	quit     chan struct{}
	ended    chan struct{}
	waitCh   chan error
	exitErr  error
	grace    time.Duration
	tail     stderrTail
	logger   zerolog.Logger

	stopOnce sync.Once
	stopErr  error
}

func (s *cameraStream) Frames() <-chan capture.Frame    { return s.frames }
func (s *cameraStream) Audio() capture.AudioSource      { return s.audio }
func (s *cameraStream) Settings() capture.TrackSettings { return s.settings }

func (s *cameraStream) readFrames(stdout io.Reader) {
	defer func() {
		close(s.frames)
		err := s.cmd.Wait()
		s.exitErr = err
		s.waitCh <- err
		close(s.ended)
	}()

	frameSize := s.settings.Width * s.settings.Height * 4
	interval := time.Duration(float64(time.Second) / s.settings.FrameRate)
	for n := 0; ; n++ {
		img := image.NewRGBA(image.Rect(0, 0, s.settings.Width, s.settings.Height))
		if _, err := io.ReadFull(stdout, img.Pix[:frameSize]); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn().Err(err).Str(log.FieldEvent, "camera.read_failed").Msg("frame read failed")
			}
			return
		}
		if n == 0 {
			close(s.first)
		}
		select {
		case s.frames <- capture.Frame{Image: img, PTS: time.Duration(n) * interval}:
		case <-s.quit:
			return
		}
	}
}

// Stop terminates the camera process. Idempotent.
func (s *cameraStream) Stop() error {
	s.stopOnce.Do(func() {
		close(s.quit)
		err := procgroup.Terminate(s.cmd, s.waitCh, s.grace)
		// A terminated camera exits with a signal status; that is the
		// expected outcome of Stop.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
		s.stopErr = err
		s.logger.Debug().Str(log.FieldEvent, "camera.released").Msg("camera process stopped")
	})
	return s.stopErr
}
