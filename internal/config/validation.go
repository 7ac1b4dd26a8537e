// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

var (
	validBackends  = []string{"badger", "sqlite", "memory"}
	validExporters = []string{"grpc", "http"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate reports every invalid field at once.
func Validate(cfg Config) error {
	var errs []error

	if strings.TrimSpace(cfg.DataDir) == "" {
		errs = append(errs, errors.New("data_dir: must not be empty"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil || cfg.LogLevel == "" {
		errs = append(errs, fmt.Errorf("log_level: invalid level %q", cfg.LogLevel))
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr: %w", err))
	}
	if cfg.MaxConnections < 0 {
		errs = append(errs, errors.New("max_connections: must be >= 0"))
	}

	if !oneOf(cfg.Store.Backend, validBackends) {
		errs = append(errs, fmt.Errorf("store.backend: %q is not one of %s", cfg.Store.Backend, strings.Join(validBackends, ", ")))
	}

	if cfg.Capture.FFmpegBin == "" {
		errs = append(errs, errors.New("capture.ffmpeg_bin: must not be empty"))
	}
	if cfg.Capture.StopTimeout <= 0 {
		errs = append(errs, errors.New("capture.stop_timeout: must be positive"))
	}
	if cfg.Capture.Timeslice <= 0 {
		errs = append(errs, errors.New("capture.timeslice: must be positive"))
	}
	if cfg.Capture.BitsPerSecond <= 0 {
		errs = append(errs, errors.New("capture.bits_per_second: must be positive"))
	}

	if cfg.Recording.MaxRecordingSeconds < 0 {
		errs = append(errs, errors.New("recording.max_recording_seconds: must be >= 0"))
	}

	if cfg.Backend.BaseURL != "" {
		u, err := url.Parse(cfg.Backend.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("backend.base_url: %q is not an http(s) URL", cfg.Backend.BaseURL))
		}
	}
	if cfg.Backend.Timeout <= 0 {
		errs = append(errs, errors.New("backend.timeout: must be positive"))
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.Endpoint == "" {
			errs = append(errs, errors.New("archive.endpoint: required when archive is enabled"))
		}
		if cfg.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket: required when archive is enabled"))
		}
	}

	if cfg.Telemetry.Enabled && !oneOf(cfg.Telemetry.Exporter, validExporters) {
		errs = append(errs, fmt.Errorf("telemetry.exporter: %q is not one of %s", cfg.Telemetry.Exporter, strings.Join(validExporters, ", ")))
	}
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		errs = append(errs, errors.New("telemetry.sampling_rate: must be within [0, 1]"))
	}

	if cfg.RateLimit.Requests < 0 {
		errs = append(errs, errors.New("rate_limit.requests: must be >= 0"))
	}
	if cfg.RateLimit.Requests > 0 && cfg.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window: must be positive when requests is set"))
	}

	return errors.Join(errs...)
}
