// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence.
type Loader struct {
	configPath string
	version    string
	// ConsumedEnvKeys records every environment key the loader read.
	ConsumedEnvKeys map[string]struct{}
}

func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// ConfigPath is the YAML file the loader reads, or "".
func (l *Loader) ConfigPath() string { return l.configPath }

func (l *Loader) envString(key string, cur *string) {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	*cur = ParseString(EnvPrefix+key, *cur)
}

func (l *Loader) envInt(key string, cur *int) {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	*cur = ParseInt(EnvPrefix+key, *cur)
}

func (l *Loader) envBool(key string, cur *bool) {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	*cur = ParseBool(EnvPrefix+key, *cur)
}

func (l *Loader) envFloat(key string, cur *float64) {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	*cur = ParseFloat(EnvPrefix+key, *cur)
}

// Load applies defaults, then the file, then the environment, and validates
// the result.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes YAML strictly over cfg. Unknown keys are fatal so a typo
// never silently falls back to a default.
func loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *Config) {
	l.envString("DATA_DIR", &cfg.DataDir)
	l.envString("LOG_LEVEL", &cfg.LogLevel)
	l.envString("LOG_SERVICE", &cfg.LogService)
	l.envString("LISTEN_ADDR", &cfg.ListenAddr)
	l.envInt("MAX_CONNECTIONS", &cfg.MaxConnections)

	l.envString("STORE_BACKEND", &cfg.Store.Backend)
	l.envString("STORE_PATH", &cfg.Store.Path)

	l.envString("FFMPEG_BIN", &cfg.Capture.FFmpegBin)
	l.envString("VIDEO_INPUT_FORMAT", &cfg.Capture.VideoInputFormat)
	l.envString("AUDIO_INPUT_FORMAT", &cfg.Capture.AudioInputFormat)
	l.envString("AUDIO_DEVICE", &cfg.Capture.AudioDevice)
	l.envString("WATERMARK_LOGO", &cfg.Capture.WatermarkLogo)
	l.ConsumedEnvKeys[EnvPrefix+"STOP_TIMEOUT"] = struct{}{}
	cfg.Capture.StopTimeout = ParseDuration(EnvPrefix+"STOP_TIMEOUT", cfg.Capture.StopTimeout)
	l.ConsumedEnvKeys[EnvPrefix+"TIMESLICE"] = struct{}{}
	cfg.Capture.Timeslice = ParseDuration(EnvPrefix+"TIMESLICE", cfg.Capture.Timeslice)
	l.envInt("BITS_PER_SECOND", &cfg.Capture.BitsPerSecond)

	l.envInt("MAX_RECORDING_SECONDS", &cfg.Recording.MaxRecordingSeconds)

	l.envString("BACKEND_URL", &cfg.Backend.BaseURL)
	l.envString("BACKEND_TOKEN", &cfg.Backend.Token)
	l.ConsumedEnvKeys[EnvPrefix+"BACKEND_TIMEOUT"] = struct{}{}
	cfg.Backend.Timeout = ParseDuration(EnvPrefix+"BACKEND_TIMEOUT", cfg.Backend.Timeout)

	l.envString("SPOOL_DIR", &cfg.Upload.SpoolDir)
	l.envBool("UPLOAD_ON_START", &cfg.Upload.RunOnStart)

	l.envBool("ARCHIVE_ENABLED", &cfg.Archive.Enabled)
	l.envString("ARCHIVE_ENDPOINT", &cfg.Archive.Endpoint)
	l.envString("ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKey)
	l.envString("ARCHIVE_SECRET_KEY", &cfg.Archive.SecretKey)
	l.envString("ARCHIVE_BUCKET", &cfg.Archive.Bucket)
	l.envBool("ARCHIVE_USE_SSL", &cfg.Archive.UseSSL)

	l.envBool("TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	l.envString("TELEMETRY_EXPORTER", &cfg.Telemetry.Exporter)
	l.envString("TELEMETRY_ENDPOINT", &cfg.Telemetry.Endpoint)
	l.envFloat("TELEMETRY_SAMPLING_RATE", &cfg.Telemetry.SamplingRate)

	l.envInt("RATE_LIMIT_REQUESTS", &cfg.RateLimit.Requests)
	l.ConsumedEnvKeys[EnvPrefix+"RATE_LIMIT_WINDOW"] = struct{}{}
	cfg.RateLimit.Window = ParseDuration(EnvPrefix+"RATE_LIMIT_WINDOW", cfg.RateLimit.Window)
}
