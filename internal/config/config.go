package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/podcast-desilence-service/internal/vad"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Audio   AudioConfig   `yaml:"audio"`
	VAD     VADConfig     `yaml:"vad"`
	Library LibraryConfig `yaml:"library"`
	Logging LoggingConfig `yaml:"logging"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// ServerConfig contains UDP ingest configuration
type ServerConfig struct {
	UDPPort              int    `yaml:"udp_port"`
	BindAddress          string `yaml:"bind_address"`
	BufferSize           int    `yaml:"buffer_size"`
	MaxConcurrentStreams int    `yaml:"max_concurrent_streams"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains segmentation parameters
type AudioConfig struct {
	FrameDurationMs   int `yaml:"frame_duration_ms"`
	PaddingDurationMs int `yaml:"padding_duration_ms"`
	StreamTimeout     int `yaml:"stream_timeout"` // seconds
	MaxGap            int `yaml:"max_gap"`        // packets
}

// VADConfig selects and tunes the frame classifier
type VADConfig struct {
	Classifier      string  `yaml:"classifier"`
	Aggressiveness  int     `yaml:"aggressiveness"`
	EnergyThreshold float64 `yaml:"energy_threshold"` // RMS, energy classifier only
}

// LibraryConfig contains episode storage and inbox settings
type LibraryConfig struct {
	Dir               string `yaml:"dir"`
	InboxDir          string `yaml:"inbox_dir"`
	WatchInbox        bool   `yaml:"watch_inbox"`
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`
	SettleDelayMs     int    `yaml:"settle_delay_ms"`
}

// WebhookConfig contains library event notification settings. An empty URL
// disables notifications.
type WebhookConfig struct {
	URL           string `yaml:"url"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with every field set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			UDPPort:              4444,
			BindAddress:          "0.0.0.0",
			BufferSize:           65536,
			MaxConcurrentStreams: 100,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			FrameDurationMs:   30,
			PaddingDurationMs: 600,
			StreamTimeout:     60,
			MaxGap:            20,
		},
		VAD: VADConfig{
			Classifier:      vad.ClassifierWebRTC,
			Aggressiveness:  3,
			EnergyThreshold: 500,
		},
		Library: LibraryConfig{
			Dir:               "./data/library",
			InboxDir:          "./data/inbox",
			WatchInbox:        false,
			MaxConcurrentJobs: 2,
			SettleDelayMs:     1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Webhook: WebhookConfig{
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 4,
		},
	}
}

// Load reads and parses the configuration file. Fields missing from the file
// keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Library.Validate(); err != nil {
		return fmt.Errorf("library config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Webhook.Validate(); err != nil {
		return fmt.Errorf("webhook config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.MaxConcurrentStreams < 1 {
		return fmt.Errorf("max_concurrent_streams must be at least 1, got %d", s.MaxConcurrentStreams)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if !h.Enabled {
		return nil
	}

	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty when HTTP is enabled")
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if err := vad.ValidateFrameDuration(a.FrameDurationMs); err != nil {
		return fmt.Errorf("frame_duration_ms: %w", err)
	}

	if a.PaddingDurationMs < a.FrameDurationMs {
		return fmt.Errorf("padding_duration_ms (%d) must be at least frame_duration_ms (%d): %w",
			a.PaddingDurationMs, a.FrameDurationMs, vad.ErrPaddingTooShort)
	}

	if a.StreamTimeout < 1 {
		return fmt.Errorf("stream_timeout must be at least 1 second, got %d", a.StreamTimeout)
	}

	if a.MaxGap < 0 {
		return fmt.Errorf("max_gap cannot be negative, got %d", a.MaxGap)
	}

	return nil
}

// Validate validates classifier configuration
func (v *VADConfig) Validate() error {
	if err := vad.ValidateAggressiveness(v.Aggressiveness); err != nil {
		return fmt.Errorf("aggressiveness: %w", err)
	}

	switch v.Classifier {
	case vad.ClassifierWebRTC:
	case vad.ClassifierEnergy:
		if v.EnergyThreshold <= 0 {
			return fmt.Errorf("energy_threshold must be positive, got %f", v.EnergyThreshold)
		}
	default:
		return fmt.Errorf("classifier must be '%s' or '%s', got '%s'", vad.ClassifierWebRTC, vad.ClassifierEnergy, v.Classifier)
	}

	return nil
}

// Validate validates library configuration
func (l *LibraryConfig) Validate() error {
	if l.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}

	if l.WatchInbox && l.InboxDir == "" {
		return fmt.Errorf("inbox_dir cannot be empty when watch_inbox is enabled")
	}

	if l.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be at least 1, got %d", l.MaxConcurrentJobs)
	}

	if l.SettleDelayMs < 0 {
		return fmt.Errorf("settle_delay_ms cannot be negative, got %d", l.SettleDelayMs)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path.
	return nil
}

// Validate validates webhook configuration
func (w *WebhookConfig) Validate() error {
	if w.URL == "" {
		return nil
	}

	u, err := url.Parse(w.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL, got '%s'", w.URL)
	}

	if w.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", w.Timeout)
	}

	if w.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", w.MaxRetries)
	}

	if w.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", w.MaxConcurrent)
	}

	return nil
}

// Enabled reports whether notifications should be sent.
func (w *WebhookConfig) Enabled() bool {
	return w.URL != ""
}

// GetTimeoutDuration returns the per-request timeout as a time.Duration
func (w *WebhookConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}

// GetStreamTimeoutDuration returns the stream timeout as a time.Duration
func (a *AudioConfig) GetStreamTimeoutDuration() time.Duration {
	return time.Duration(a.StreamTimeout) * time.Second
}

// CollectorConfig returns the segmentation parameters for audio at sampleRate.
func (a *AudioConfig) CollectorConfig(sampleRate int) vad.CollectorConfig {
	return vad.CollectorConfig{
		SampleRate:        sampleRate,
		FrameDurationMs:   a.FrameDurationMs,
		PaddingDurationMs: a.PaddingDurationMs,
	}
}

// ClassifierFactory builds the configured classifier factory.
func (v *VADConfig) ClassifierFactory() (vad.ClassifierFactory, error) {
	return vad.NewClassifierFactory(v.Classifier, v.Aggressiveness, v.EnergyThreshold)
}

// GetSettleDelay returns the inbox settle delay as a time.Duration
func (l *LibraryConfig) GetSettleDelay() time.Duration {
	return time.Duration(l.SettleDelayMs) * time.Millisecond
}
