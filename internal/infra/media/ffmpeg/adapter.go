// SPDX-License-Identifier: MIT

// Package ffmpeg implements the capture ports and the upload repair step on
// top of a local ffmpeg binary. Every ffmpeg process runs in its own process
// group so stopping it also reaps its children.
package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptglance/recorder/internal/log"
)

const (
	defaultKillTimeout  = 5 * time.Second
	defaultStartTimeout = 5 * time.Second
	encoderProbeTimeout = 5 * time.Second
	stderrTailLines     = 20
)

// Config carries the settings shared by every ffmpeg-backed component.
type Config struct {
	BinPath string
	// VideoInputFormat is the ffmpeg demuxer for cameras (v4l2, avfoundation, dshow).
	VideoInputFormat string
	// AudioInputFormat is the ffmpeg demuxer for microphones (pulse, alsa, ...).
	AudioInputFormat string
	AudioDevice      string
	// DeviceGlob lists camera device nodes for v4l2.
	DeviceGlob   string
	KillTimeout  time.Duration
	StartTimeout time.Duration
	Logger       *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BinPath) == "" {
		c.BinPath = "ffmpeg"
	}
	if c.VideoInputFormat == "" {
		c.VideoInputFormat = "v4l2"
	}
	if c.DeviceGlob == "" {
		c.DeviceGlob = "/dev/video*"
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = defaultKillTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	return c
}

func (c Config) logger(component string) zerolog.Logger {
	if c.Logger != nil {
		return c.Logger.With().Str(log.FieldComponent, component).Logger()
	}
	return log.WithComponent(component)
}

// encoderProbe caches `ffmpeg -encoders` per binary.
type encoderProbe struct {
	once sync.Once
	list map[string]bool
	err  error
}

var (
	probeMu sync.Mutex
	probes  = map[string]*encoderProbe{}
)

// Encoders returns the set of encoder names the binary was built with.
func Encoders(ctx context.Context, bin string) (map[string]bool, error) {
	probeMu.Lock()
	p, ok := probes[bin]
	if !ok {
		p = &encoderProbe{}
		probes[bin] = p
	}
	probeMu.Unlock()

	p.once.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, encoderProbeTimeout)
		defer cancel()
		// #nosec G204 -- bin is trusted from config
		out, err := exec.CommandContext(ctx, bin, "-hide_banner", "-encoders").Output()
		if err != nil {
			p.err = fmt.Errorf("ffmpeg -encoders: %w", err)
			return
		}
		p.list = parseEncoders(string(out))
	})
	return p.list, p.err
}

// parseEncoders reads the table printed by `ffmpeg -encoders`:
//
//	V....D libvpx-vp9           libvpx VP9 (codec vp9)
func parseEncoders(out string) map[string]bool {
	found := make(map[string]bool)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || len(fields[0]) != 6 || fields[1] == "=" {
			continue
		}
		switch fields[0][0] {
		case 'V', 'A', 'S':
			found[fields[1]] = true
		}
	}
	return found
}

// stderrTail keeps the last lines of a process's stderr for error messages.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
}

func (t *stderrTail) consume(r io.Reader, logger zerolog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		logger.Debug().Str(log.FieldEvent, "ffmpeg.stderr").Msg(line)
		t.mu.Lock()
		t.lines = append(t.lines, line)
		if len(t.lines) > stderrTailLines {
			t.lines = t.lines[len(t.lines)-stderrTailLines:]
		}
		t.mu.Unlock()
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

func withStderr(err error, tail *stderrTail) error {
	if err == nil {
		return nil
	}
	if s := strings.TrimSpace(tail.String()); s != "" {
		return fmt.Errorf("%w (stderr: %s)", err, s)
	}
	return err
}
