// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptglance/recorder/internal/log"
	"github.com/scriptglance/recorder/internal/procgroup"
)

const defaultRemuxTimeout = 2 * time.Minute

// Remuxer rewrites a concatenated WebM stream into a seekable file with a
// correct duration header. Live WebM output carries no duration; players
// show the upload as unseekable without this pass.
type Remuxer struct {
	cfg     Config
	Timeout time.Duration
	logger  zerolog.Logger
}

func NewRemuxer(cfg Config) *Remuxer {
	cfg = cfg.withDefaults()
	return &Remuxer{cfg: cfg, Timeout: defaultRemuxTimeout, logger: cfg.logger("ffmpeg.remux")}
}

func remuxArgs(src, dst string) []string {
	return []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-y",
		"-fflags", "+genpts",
		"-i", src,
		"-map", "0",
		"-c", "copy",
		"-f", "webm",
		dst,
	}
}

// Repair remuxes src into dst without re-encoding.
func (r *Remuxer) Repair(ctx context.Context, src, dst string) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	start := time.Now()
	// #nosec G204 -- BinPath is trusted from config; paths are spool files we created
	cmd := exec.CommandContext(ctx, r.cfg.BinPath, remuxArgs(src, dst)...)
	procgroup.Set(cmd)
	cmd.Cancel = func() error {
		return procgroup.Kill(cmd, syscall.SIGKILL)
	}
	cmd.WaitDelay = r.cfg.KillTimeout

	out, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("remux %s: %w (output: %s)", src, err, string(out))
	}

	info, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("remux output: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("remux %s: empty output", src)
	}

	r.logger.Debug().
		Str(log.FieldEvent, "remux.done").
		Str(log.FieldPath, dst).
		Int64(log.FieldBytes, info.Size()).
		Dur("took", time.Since(start)).
		Msg("container duration repaired")
	return nil
}
