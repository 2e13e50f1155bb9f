// Package config provides the configuration schema and loader for Quill.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a [time.Duration] that unmarshals from YAML strings like
// "35s" or "1m10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"35s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String formats d like time.Duration.
func (d Duration) String() string { return time.Duration(d).String() }

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Quill.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server Server `yaml:"server"`
	Audio  Audio  `yaml:"audio"`
	Model  Model  `yaml:"model"`
}

// Server holds storage, logging, and metrics settings.
type Server struct {
	// DataDir is the base directory for per-session scratch space.
	// Default: "data".
	DataDir string `yaml:"data_dir"`

	// DatabasePath is the SQLite database file.
	// Default: <data_dir>/quill.db.
	DatabasePath string `yaml:"database_path"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address serving /metrics and health endpoints.
	// Empty disables the HTTP listener.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Audio holds capture format settings.
type Audio struct {
	// SampleRate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo. Default: 1.
	Channels int `yaml:"channels"`

	// BurstDuration is the fixed length of each encoded burst.
	// Default: 35s.
	BurstDuration Duration `yaml:"burst_duration"`
}

// Model holds inference engine settings.
type Model struct {
	// Path is the whisper.cpp model file. When empty or missing, recordings
	// are captured and persisted but transcription marks sessions failed.
	Path string `yaml:"path"`

	// Language is the BCP-47 transcription language code. Default: "en".
	Language string `yaml:"language"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: Server{
			DataDir:  "data",
			LogLevel: LogInfo,
		},
		Audio: Audio{
			SampleRate:    16000,
			Channels:      1,
			BurstDuration: Duration(35 * time.Second),
		},
		Model: Model{
			Language: "en",
		},
	}
}
