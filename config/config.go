// Package config loads and persists the application configuration as
// YAML, with an explicit path taking precedence over per-user and
// system-wide locations.
package config

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/stemlive/model"
	"github.com/cwbudde/stemlive/shift"
)

const (
	userConfigName   = ".stemliverc"
	systemConfigPath = "/etc/stemlive/config.yaml"
)

// Config is the application configuration.
type Config struct {
	Audio struct {
		SampleRate   int     `yaml:"sample_rate"`
		Channels     int     `yaml:"channels"`
		ChunkSeconds float64 `yaml:"chunk_seconds"`
		QueueDepth   int     `yaml:"queue_depth"`
		// Input/Output select "device" or a raw S16LE PCM file path.
		Input  string `yaml:"input"`
		Output string `yaml:"output"`
	} `yaml:"audio"`

	Model struct {
		// ID names a built-in model or a definition in Dir.
		ID  string `yaml:"id"`
		Dir string `yaml:"dir"`
		// Stems picks the fallback vocabulary when no model loads.
		Stems int `yaml:"stems"`
	} `yaml:"model"`

	Mix struct {
		KeyShift    int     `yaml:"key_shift"`
		TempoFactor float64 `yaml:"tempo_factor"`
	} `yaml:"mix"`

	Server struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
}

// Default returns the configuration defaults: CD-quality stereo, 2 s
// chunks, the built-in four-stem model, no HTTP server.
func Default() *Config {
	cfg := &Config{}

	cfg.Audio.SampleRate = 44100
	cfg.Audio.Channels = 2
	cfg.Audio.ChunkSeconds = 2.0
	cfg.Audio.QueueDepth = 2
	cfg.Audio.Input = "device"
	cfg.Audio.Output = "device"

	cfg.Model.ID = model.DefaultID
	cfg.Model.Stems = 4

	cfg.Mix.TempoFactor = 1.0

	cfg.Server.Host = "localhost"
	cfg.Server.Port = 8080

	return cfg
}

// Load reads one file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithFallback resolves the configuration source by priority:
// explicit path, then ~/.stemliverc, then the system config, then
// built-in defaults.
func LoadWithFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, userConfigName)
		if _, err := os.Stat(userPath); err == nil {
			if cfg, err := Load(userPath); err == nil {
				return cfg, nil
			}
		}
	}

	if _, err := os.Stat(systemConfigPath); err == nil {
		if cfg, err := Load(systemConfigPath); err == nil {
			return cfg, nil
		}
	}

	return Default(), nil
}

// Save writes the configuration, creating parent directories as needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "config: marshal")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "config: create directory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "config: write")
	}
	return nil
}

// Validate checks field ranges against the pipeline's bounds.
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return errors.Newf("config: sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels <= 0 {
		return errors.Newf("config: channels must be positive, got %d", c.Audio.Channels)
	}
	if c.Audio.ChunkSeconds <= 0 {
		return errors.Newf("config: chunk_seconds must be positive, got %v", c.Audio.ChunkSeconds)
	}
	if c.Audio.QueueDepth < 1 || c.Audio.QueueDepth > 2 {
		return errors.Newf("config: queue_depth must be 1 or 2, got %d", c.Audio.QueueDepth)
	}
	switch c.Model.Stems {
	case 2, 4, 5:
	default:
		return errors.Newf("config: stems must be 2, 4, or 5, got %d", c.Model.Stems)
	}
	if c.Mix.KeyShift < shift.MinSemitones || c.Mix.KeyShift > shift.MaxSemitones {
		return errors.Newf("config: key_shift must be in [%d, %d], got %d",
			shift.MinSemitones, shift.MaxSemitones, c.Mix.KeyShift)
	}
	if c.Mix.TempoFactor < shift.MinTempoFactor || c.Mix.TempoFactor > shift.MaxTempoFactor {
		return errors.Newf("config: tempo_factor must be in [%v, %v], got %v",
			shift.MinTempoFactor, shift.MaxTempoFactor, c.Mix.TempoFactor)
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return errors.Newf("config: invalid server port %d", c.Server.Port)
	}
	return nil
}
