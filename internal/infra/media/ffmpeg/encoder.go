// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptglance/recorder/internal/capture"
	"github.com/scriptglance/recorder/internal/log"
	"github.com/scriptglance/recorder/internal/metrics"
	"github.com/scriptglance/recorder/internal/procgroup"
)

// ErrUnsupportedCodec is returned by NewEncoder when the binary cannot encode
// the requested MIME type.
var ErrUnsupportedCodec = errors.New("unsupported codec")

var videoEncoders = map[string]string{
	"vp9": "libvpx-vp9",
	"vp8": "libvpx",
}

var audioEncoders = map[string]string{
	"opus":   "libopus",
	"vorbis": "libvorbis",
}

// EncoderFactory builds ffmpeg WebM encoders fed with raw RGBA on stdin.
type EncoderFactory struct {
	cfg    Config
	logger zerolog.Logger
}

var _ capture.EncoderFactory = (*EncoderFactory)(nil)

func NewEncoderFactory(cfg Config) *EncoderFactory {
	cfg = cfg.withDefaults()
	return &EncoderFactory{cfg: cfg, logger: cfg.logger("ffmpeg.encoder")}
}

// codecsFor maps `video/webm;codecs=vp9,opus` to ffmpeg encoder names.
func codecsFor(mime string) (video, audio string, err error) {
	base, params, _ := strings.Cut(mime, ";")
	if strings.TrimSpace(strings.ToLower(base)) != "video/webm" {
		return "", "", fmt.Errorf("%w: container %q", ErrUnsupportedCodec, base)
	}
	params = strings.TrimSpace(params)
	list, ok := strings.CutPrefix(params, "codecs=")
	if !ok {
		return "", "", fmt.Errorf("%w: no codecs in %q", ErrUnsupportedCodec, mime)
	}
	for _, c := range strings.Split(strings.Trim(list, `"`), ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if enc, ok := videoEncoders[c]; ok && video == "" {
			video = enc
			continue
		}
		if enc, ok := audioEncoders[c]; ok && audio == "" {
			audio = enc
			continue
		}
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, c)
	}
	if video == "" {
		return "", "", fmt.Errorf("%w: no video codec in %q", ErrUnsupportedCodec, mime)
	}
	return video, audio, nil
}

// NewEncoder checks the binary supports the requested codecs and starts the
// encoder process.
func (f *EncoderFactory) NewEncoder(ctx context.Context, cfg capture.EncoderConfig) (capture.Encoder, error) {
	video, audio, err := codecsFor(cfg.MimeType)
	if err != nil {
		return nil, err
	}
	available, err := Encoders(ctx, f.cfg.BinPath)
	if err != nil {
		return nil, err
	}
	for _, enc := range []string{video, audio} {
		if enc != "" && !available[enc] {
			return nil, fmt.Errorf("%w: ffmpeg built without %s", ErrUnsupportedCodec, enc)
		}
	}

	args := encoderArgs(cfg, video, audio)
	// #nosec G204 -- BinPath is trusted from config; args are built internally
	cmd := exec.Command(f.cfg.BinPath, args...)
	procgroup.Set(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
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

	e := &encoder{
		cmd:       cmd,
		stdin:     stdin,
		events:    make(chan capture.EncoderEvent, 16),
		frameSize: cfg.Width * cfg.Height * 4,
		timeslice: cfg.Timeslice,
		grace:     f.cfg.KillTimeout,
		logger: f.logger.With().
			Str(log.FieldCodec, cfg.MimeType).
			Int("pid", cmd.Process.Pid).
			Logger(),
	}
	go e.tail.consume(stderr, e.logger)
	go e.run(stdout)

	e.logger.Info().
		Str(log.FieldEvent, "encoder.started").
		Str(log.FieldResolution, fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)).
		Int("bits_per_second", cfg.BitsPerSecond).
		Msg("encoder started")
	return e, nil
}

func encoderArgs(cfg capture.EncoderConfig, video, audio string) []string {
	fps := strconv.FormatFloat(cfg.FrameRate, 'f', -1, 64)
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-framerate", fps,
		"-i", "pipe:0",
	}

	withAudio := audio != "" && cfg.Audio.Present()
	if withAudio {
		args = append(args, "-f", cfg.Audio.InputFormat)
		if cfg.Audio.SampleRate > 0 {
			args = append(args, "-sample_rate", strconv.Itoa(cfg.Audio.SampleRate))
		}
		if cfg.Audio.Channels > 0 {
			args = append(args, "-channels", strconv.Itoa(cfg.Audio.Channels))
		}
		args = append(args, "-i", cfg.Audio.Device)
	}

	args = append(args, "-map", "0:v:0")
	if withAudio {
		args = append(args, "-map", "1:a:0")
	}

	args = append(args,
		"-c:v", video,
		"-b:v", strconv.Itoa(cfg.BitsPerSecond),
		"-deadline", "realtime",
		"-cpu-used", "8",
		"-pix_fmt", "yuv420p",
	)
	if video == "libvpx-vp9" {
		args = append(args, "-row-mt", "1")
	}
	if withAudio {
		args = append(args, "-c:a", audio, "-b:a", "128k")
	}

	args = append(args,
		"-f", "webm",
		"-cluster_time_limit", strconv.FormatInt(cfg.Timeslice.Milliseconds(), 10),
		"-live", "1",
		"pipe:1",
	)
	return args
}

type encoder struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	events    chan capture.EncoderEvent
	frameSize int
	timeslice time.Duration
	grace     time.Duration
	tail      stderrTail
	logger    zerolog.Logger

	mu       sync.Mutex
	stopping bool
	killer   *time.Timer
}

func (e *encoder) Events() <-chan capture.EncoderEvent { return e.events }

func (e *encoder) WriteFrame(f capture.Frame) error {
	if f.Image == nil {
		return nil
	}
	if len(f.Image.Pix) < e.frameSize {
		return fmt.Errorf("frame has %d bytes, want %d", len(f.Image.Pix), e.frameSize)
	}
	e.mu.Lock()
	stopping := e.stopping
	e.mu.Unlock()
	if stopping {
		return io.ErrClosedPipe
	}
	_, err := e.stdin.Write(f.Image.Pix[:e.frameSize])
	return err
}

// Stop closes stdin so ffmpeg flushes the last cluster and exits. If it has
// not exited after the grace period the process group is killed.
func (e *encoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return nil
	}
	e.stopping = true
	e.killer = time.AfterFunc(e.grace, func() {
		e.logger.Warn().Str(log.FieldEvent, "encoder.kill").Dur("grace", e.grace).Msg("encoder did not exit after stdin close")
		err := procgroup.Kill(e.cmd, syscall.SIGKILL)
		result := "sent"
		if err != nil {
			result = "error"
		}
		metrics.IncProcTerminate("SIGKILL", result)
	})
	return e.stdin.Close()
}

// run cuts stdout into timeslice segments and reports the process exit.
func (e *encoder) run(stdout io.Reader) {
	defer close(e.events)

	readErr := segment(stdout, e.timeslice, func(b []byte) {
		e.events <- capture.SegmentReady{Data: b}
	})
	if readErr != nil {
		e.logger.Warn().Err(readErr).Str(log.FieldEvent, "encoder.read_failed").Msg("encoder output read failed")
	}

	err := e.cmd.Wait()
	e.mu.Lock()
	requested := e.stopping
	if e.killer != nil {
		e.killer.Stop()
	}
	e.mu.Unlock()

	if err == nil {
		metrics.IncProcWait("exit0")
	} else {
		metrics.IncProcWait("exit_nonzero")
	}
	if err != nil && !requested {
		err = withStderr(fmt.Errorf("encoder exited: %w", err), &e.tail)
	}
	e.logger.Debug().Err(err).Str(log.FieldEvent, "encoder.exited").Bool("requested", requested).Msg("encoder process exited")
	e.events <- capture.Stopped{Err: err}
}

// segment reads r until EOF and emits the bytes accumulated during each
// interval. The remainder is emitted at EOF.
func segment(r io.Reader, every time.Duration, emit func([]byte)) error {
	type read struct {
		data []byte
		err  error
	}
	reads := make(chan read)
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				reads <- read{data: append([]byte(nil), buf[:n]...)}
			}
			if err != nil {
				reads <- read{err: err}
				return
			}
		}
	}()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var pending []byte
	flush := func() {
		if len(pending) > 0 {
			emit(pending)
			pending = nil
		}
	}
	for {
		select {
		case rd := <-reads:
			if rd.err != nil {
				flush()
				if errors.Is(rd.err, io.EOF) {
					return nil
				}
				return rd.err
			}
			pending = append(pending, rd.data...)
		case <-ticker.C:
			flush()
		}
	}
}
