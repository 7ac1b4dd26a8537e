// SPDX-License-Identifier: MIT

// Package procgroup runs helper processes (ffmpeg) in their own process group
// so that stopping a capture also reaps every child the helper spawned.
package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/scriptglance/recorder/internal/log"
	"github.com/scriptglance/recorder/internal/metrics"
)

// ErrKillFailed is returned when a process survives SIGKILL past the timeout.
var ErrKillFailed = errors.New("kill operation failed")

// Terminate stops the process group of cmd: SIGTERM, wait up to grace for
// waitCh, then SIGKILL. It always drains waitCh and returns its error.
// Safe to call on nil or never-started commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	logger := log.WithComponent("procgroup")
	pid := cmd.Process.Pid

	metrics.IncProcTerminate("SIGTERM", signalResult(Kill(cmd, syscall.SIGTERM)))

	select {
	case err := <-waitCh:
		if err == nil {
			metrics.IncProcWait("exit0")
		} else {
			metrics.IncProcWait("exit_nonzero")
		}
		return err
	case <-time.After(grace):
	}

	logger.Warn().
		Str("event", "procgroup.sigkill").
		Int("pid", pid).
		Dur("grace", grace).
		Msg("SIGTERM grace period exceeded, sending SIGKILL to process group")
	metrics.IncProcTerminate("SIGKILL", signalResult(Kill(cmd, syscall.SIGKILL)))

	err := <-waitCh
	if err == nil {
		metrics.IncProcWait("forced_exit0")
	} else {
		metrics.IncProcWait("forced_error")
	}
	return err
}

func signalResult(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return "esrch"
	default:
		return "error"
	}
}
