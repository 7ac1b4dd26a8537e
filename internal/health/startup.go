// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/scriptglance/recorder/internal/config"
	"github.com/scriptglance/recorder/internal/log"
)

// PerformStartupChecks prepares the data directories and verifies the
// environment before the daemon opens its store.
func PerformStartupChecks(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	for _, dir := range []string{cfg.DataDir, cfg.StorePath(), cfg.SpoolDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
		if err := writableDir(dir); err != nil {
			return fmt.Errorf("data directory check failed: %w", err)
		}
	}
	logger.Info().Str(log.FieldPath, cfg.DataDir).Msg("data directories are writable")

	if err := checkListenAddr(cfg.ListenAddr); err != nil {
		return err
	}

	checkEnvironment(logger, cfg)
	return nil
}

func checkListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	return nil
}

// checkEnvironment only warns: the agent can still queue and upload
// without a capture toolchain or a backend URL.
func checkEnvironment(logger zerolog.Logger, cfg config.Config) {
	if _, err := exec.LookPath(cfg.Capture.FFmpegBin); err != nil {
		logger.Warn().Err(err).Str("ffmpeg", cfg.Capture.FFmpegBin).Msg("ffmpeg not found; recording will fail to start")
	}
	if cfg.Backend.BaseURL == "" {
		logger.Warn().Msg("backend base URL not configured; uploads are disabled")
	}
	if strings.EqualFold(cfg.Store.Backend, "memory") {
		logger.Warn().
			Str("store_backend", cfg.Store.Backend).
			Msg("in-memory chunk store; recordings are lost on restart")
	}

	tempDir := filepath.Clean(os.TempDir())
	dataDir := filepath.Clean(cfg.DataDir)
	if tempDir != "." && (dataDir == tempDir || strings.HasPrefix(dataDir, tempDir+string(filepath.Separator))) {
		logger.Warn().
			Str("data_dir", cfg.DataDir).
			Msg("data directory is under temp; pending recordings may be lost on reboot")
	}
}
