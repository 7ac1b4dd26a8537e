// SPDX-License-Identifier: MIT

// Package config loads the agent configuration with precedence
// ENV > YAML file > defaults, validates it and hot-reloads the file.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the full agent configuration.
type Config struct {
	Version string `yaml:"-"`

	DataDir        string `yaml:"data_dir"`
	LogLevel       string `yaml:"log_level"`
	LogService     string `yaml:"log_service"`
	ListenAddr     string `yaml:"listen_addr"`
	MaxConnections int    `yaml:"max_connections"`

	Store     StoreConfig     `yaml:"store"`
	Capture   CaptureConfig   `yaml:"capture"`
	Recording RecordingConfig `yaml:"recording"`
	Backend   BackendConfig   `yaml:"backend"`
	Upload    UploadConfig    `yaml:"upload"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type StoreConfig struct {
	// Backend is badger, sqlite or memory.
	Backend string `yaml:"backend"`
	// Path is the store directory; defaults to <data_dir>/store.
	Path string `yaml:"path"`
}

type CaptureConfig struct {
	FFmpegBin        string        `yaml:"ffmpeg_bin"`
	VideoInputFormat string        `yaml:"video_input_format"`
	AudioInputFormat string        `yaml:"audio_input_format"`
	AudioDevice      string        `yaml:"audio_device"`
	WatermarkLogo    string        `yaml:"watermark_logo"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	Timeslice        time.Duration `yaml:"timeslice"`
	BitsPerSecond    int           `yaml:"bits_per_second"`
}

type RecordingConfig struct {
	// MaxRecordingSeconds caps non-premium recordings; 0 disables the cap.
	MaxRecordingSeconds int `yaml:"max_recording_seconds"`
}

type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type UploadConfig struct {
	SpoolDir string `yaml:"spool_dir"`
	// RunOnStart uploads every pending recording when the daemon starts.
	RunOnStart bool `yaml:"run_on_start"`
}

type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DataDir:        defaultDataDir(),
		LogLevel:       "info",
		LogService:     "sgr-recorder",
		ListenAddr:     "127.0.0.1:8787",
		MaxConnections: 64,
		Store:          StoreConfig{Backend: "badger"},
		Capture: CaptureConfig{
			FFmpegBin:        "ffmpeg",
			VideoInputFormat: "v4l2",
			StopTimeout:      10 * time.Second,
			Timeslice:        2 * time.Second,
			BitsPerSecond:    6_000_000,
		},
		Recording: RecordingConfig{MaxRecordingSeconds: 60},
		Backend:   BackendConfig{Timeout: 30 * time.Second},
		Telemetry: TelemetryConfig{Exporter: "grpc", Endpoint: "localhost:4317", SamplingRate: 1.0},
		RateLimit: RateLimitConfig{Requests: 600, Window: time.Minute},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "scriptglance-recorder")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "scriptglance-recorder")
	}
	return filepath.Join(os.TempDir(), "scriptglance-recorder")
}

// StorePath resolves the chunk store directory.
func (c Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "store")
}

// SpoolDir resolves the upload spool directory.
func (c Config) SpoolDir() string {
	if c.Upload.SpoolDir != "" {
		return c.Upload.SpoolDir
	}
	return filepath.Join(c.DataDir, "spool")
}
